// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package fakechat implements an in-process chat service that speaks the
// protocol of the chatsim package, for use in tests and demonstrations.
//
// The service exposes a WebSocket endpoint at /ws and a small REST API for
// rooms under /api/v1/rooms:
//
//	POST /api/v1/rooms        {"name": "Lobby"}  → 201 room, or 409 if it exists
//	GET  /api/v1/rooms                            → {"rooms": [...], "total": n}
//	GET  /api/v1/rooms/{id}                       → room, or 404
package fakechat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/olahol/melody"
)

// historyLimit is the maximum number of messages reported in a history
// response.
const historyLimit = 50

// UsersShape selects how the service encodes the payload of a users frame.
type UsersShape byte

const (
	UserObjects   UsersShape = iota // [{"id": ..., "username": ..., "room_id": ...}]
	UserNames                       // ["alice", "bob"]
	NestedNames                     // {"users": ["alice", "bob"]}
	NestedObjects                   // {"users": [{"username": "alice"}, ...]}
)

// Options control the behavior of a Server. A nil *Options provides defaults.
type Options struct {
	// Users selects the encoding of users payloads.
	Users UsersShape

	// NestedHistory, if true, wraps history payloads as {"messages": [...]}.
	NestedHistory bool

	// DropEchoes, if true, does not deliver chat messages back to their
	// sender.
	DropEchoes bool

	// Reject, if set, is called with the 1-based sequence number of each
	// WebSocket connection attempt. If it reports true, the attempt is
	// refused with 503 Service Unavailable.
	Reject func(n int) bool

	// If positive, limit each connection to this many messages per second,
	// with bursts up to Burst.
	Rate, Burst int
}

// A Room is the REST representation of a chat room.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UserCount int       `json:"user_count"`
}

type message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id,omitempty"`
}

type user struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	RoomID   string `json:"room_id"`
}

type room struct {
	Room
	history []message
}

// A Server is a fake chat service. It implements http.Handler.
type Server struct {
	opts   Options
	hub    *melody.Melody
	router chi.Router

	μ     sync.Mutex
	rooms map[string]*room     // by ID
	conns int                  // connection attempts
	sent  map[string][]string  // username → contents accepted, in order
	first map[string]time.Time // username → time of its first join
}

// New constructs a new Server with no rooms.
func New(opts *Options) *Server {
	s := &Server{
		hub:    melody.New(),
		rooms: make(map[string]*room),
		sent:  make(map[string][]string),
		first: make(map[string]time.Time),
	}
	if opts != nil {
		s.opts = *opts
	}

	s.hub.HandleMessage(s.handleMessage)
	s.hub.HandleDisconnect(s.handleDisconnect)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/v1/rooms", func(r chi.Router) {
		r.Post("/", s.createRoom)
		r.Get("/", s.listRooms)
		r.Get("/{id}", s.getRoom)
	})
	r.Get("/ws", s.serveWS)
	s.router = r
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Close disconnects all WebSocket sessions.
func (s *Server) Close() error { return s.hub.Close() }

// AddRoom creates a room with the given name, if one does not already exist,
// and returns it.
func (s *Server) AddRoom(name string) Room {
	s.μ.Lock()
	defer s.μ.Unlock()
	if r := s.findLocked(name); r != nil {
		return r.Room
	}
	return s.addLocked(name).Room
}

// MessageCount reports the number of chat messages the service accepted from
// the given username.
func (s *Server) MessageCount(username string) int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return len(s.sent[username])
}

// Received reports the contents of the chat messages the service accepted
// from the given username, in order of arrival.
func (s *Server) Received(username string) []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	return slices.Clone(s.sent[username])
}

// FirstJoin reports when the given username first joined a room, or the zero
// time if it never did.
func (s *Server) FirstJoin(username string) time.Time {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.first[username]
}

// TotalMessages reports the number of chat messages the service accepted.
func (s *Server) TotalMessages() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	var n int
	for _, c := range s.sent {
		n += len(c)
	}
	return n
}

// Senders reports the usernames that sent at least one message, sorted.
func (s *Server) Senders() []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	var out []string
	for name := range s.sent {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (s *Server) findLocked(name string) *room {
	for _, r := range s.rooms {
		if strings.EqualFold(r.Name, name) {
			return r
		}
	}
	return nil
}

func (s *Server) addLocked(name string) *room {
	r := &room{Room: Room{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}}
	s.rooms[r.ID] = r
	return r
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	} else if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "room name is required")
		return
	}

	s.μ.Lock()
	defer s.μ.Unlock()
	if s.findLocked(req.Name) != nil {
		respondError(w, http.StatusConflict, "room already exists")
		return
	}
	respondJSON(w, http.StatusCreated, s.addLocked(req.Name).Room)
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.roomList()
	respondJSON(w, http.StatusOK, map[string]any{"rooms": rooms, "total": len(rooms)})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, rm := range s.roomList() {
		if rm.ID == id {
			respondJSON(w, http.StatusOK, rm)
			return
		}
	}
	respondError(w, http.StatusNotFound, "room not found")
}

// roomList returns a snapshot of the rooms with their current user counts.
func (s *Server) roomList() []Room {
	present := make(map[string]int)
	for _, u := range s.members("") {
		present[u.RoomID]++
	}

	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rm := r.Room
		rm.UserCount = present[rm.ID]
		out = append(out, rm)
	}
	slices.SortFunc(out, func(a, b Room) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.μ.Lock()
	s.conns++
	n := s.conns
	s.μ.Unlock()
	if s.opts.Reject != nil && s.opts.Reject(n) {
		respondError(w, http.StatusServiceUnavailable, "connection refused")
		return
	}
	keys := map[string]any{"uid": uuid.NewString(), "room": "", "user": ""}
	if s.opts.Rate > 0 {
		keys["limit"] = newLimiter(s.opts.Burst, s.opts.Rate)
	}
	s.hub.HandleRequestWithKeys(w, r, keys)
}

func (s *Server) handleDisconnect(ms *melody.Session) {
	if u := sessionUser(ms); u.RoomID != "" {
		s.broadcast(u.RoomID, ms, "user_left", s.notice(u, "leave", "left the room"))
	}
}

func (s *Server) handleMessage(ms *melody.Session, data []byte) {
	var req struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		sendError(ms, "invalid message format")
		return
	}

	switch req.Type {
	case "join":
		s.join(ms, req.Payload)
	case "leave":
		s.leave(ms)
	case "message":
		s.post(ms, req.Payload)
	case "history":
		s.history(ms)
	case "users":
		s.users(ms)
	case "rooms":
		send(ms, "rooms", s.roomList())
	default:
		sendError(ms, "unknown message type: "+req.Type)
	}
}

func (s *Server) join(ms *melody.Session, payload json.RawMessage) {
	var req struct {
		RoomID   string `json:"room_id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		sendError(ms, "invalid join payload")
		return
	} else if req.RoomID == "" || req.Username == "" {
		sendError(ms, "room_id and username are required")
		return
	}

	s.μ.Lock()
	_, ok := s.rooms[req.RoomID]
	if !ok {
		// Accept a room name in place of its ID.
		if r := s.findLocked(req.RoomID); r != nil {
			req.RoomID, ok = r.ID, true
		}
	}
	if _, seen := s.first[req.Username]; ok && !seen {
		s.first[req.Username] = time.Now()
	}
	s.μ.Unlock()
	if !ok {
		sendError(ms, "room not found")
		return
	}

	if prev := sessionUser(ms); prev.RoomID != "" {
		s.broadcast(prev.RoomID, ms, "user_left", s.notice(prev, "leave", "left the room"))
	}
	ms.Set("room", req.RoomID)
	ms.Set("user", req.Username)

	u := sessionUser(ms)
	send(ms, "joined", u)
	s.broadcast(u.RoomID, ms, "user_joined", s.notice(u, "join", "joined the room"))
}

func (s *Server) leave(ms *melody.Session) {
	u := sessionUser(ms)
	if u.RoomID == "" {
		sendError(ms, "not in a room")
		return
	}
	ms.Set("room", "")
	send(ms, "left", map[string]string{"room_id": u.RoomID})
	s.broadcast(u.RoomID, ms, "user_left", s.notice(u, "leave", "left the room"))
}

func (s *Server) post(ms *melody.Session, payload json.RawMessage) {
	if v, ok := ms.Get("limit"); ok && !v.(*limiter).allow() {
		sendError(ms, "rate limit exceeded, please slow down")
		return
	}
	var req struct {
		Content  string `json:"content"`
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		sendError(ms, "invalid message payload")
		return
	} else if req.Content == "" {
		sendError(ms, "message content is required")
		return
	}
	u := sessionUser(ms)
	if u.RoomID == "" {
		sendError(ms, "not in a room")
		return
	}

	msg := message{
		ID:        uuid.NewString(),
		RoomID:    u.RoomID,
		UserID:    u.ID,
		Username:  u.Username,
		Content:   req.Content,
		Timestamp: time.Now().UTC(),
		Type:      "text",
		ClientID:  req.ClientID,
	}
	s.μ.Lock()
	if r, ok := s.rooms[u.RoomID]; ok {
		r.history = append(r.history, msg)
	}
	s.sent[u.Username] = append(s.sent[u.Username], req.Content)
	s.μ.Unlock()

	skip := value.Cond[*melody.Session](s.opts.DropEchoes, ms, nil)
	s.broadcast(u.RoomID, skip, "chat_message", msg)
}

func (s *Server) history(ms *melody.Session) {
	u := sessionUser(ms)
	if u.RoomID == "" {
		sendError(ms, "not in a room")
		return
	}
	s.μ.Lock()
	var msgs []message
	if r, ok := s.rooms[u.RoomID]; ok {
		msgs = slices.Clone(r.history[max(0, len(r.history)-historyLimit):])
	}
	s.μ.Unlock()
	if msgs == nil {
		msgs = []message{}
	}

	if s.opts.NestedHistory {
		send(ms, "history", map[string]any{"messages": msgs})
	} else {
		send(ms, "history", msgs)
	}
}

func (s *Server) users(ms *melody.Session) {
	u := sessionUser(ms)
	if u.RoomID == "" {
		sendError(ms, "not in a room")
		return
	}
	present := s.members(u.RoomID)
	names := make([]string, len(present))
	objs := make([]map[string]string, len(present))
	for i, p := range present {
		names[i] = p.Username
		objs[i] = map[string]string{"username": p.Username}
	}

	switch s.opts.Users {
	case UserNames:
		send(ms, "users", names)
	case NestedNames:
		send(ms, "users", map[string]any{"users": names})
	case NestedObjects:
		send(ms, "users", map[string]any{"users": objs})
	default:
		send(ms, "users", present)
	}
}

// members reports the users present in the given room, or in any room if
// roomID == "".
func (s *Server) members(roomID string) []user {
	all, err := s.hub.Sessions()
	if err != nil {
		return nil
	}
	var out []user
	for _, ms := range all {
		u := sessionUser(ms)
		if u.RoomID != "" && (roomID == "" || u.RoomID == roomID) {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b user) int { return strings.Compare(a.Username, b.Username) })
	return out
}

// notice constructs a system message announcing a change in membership.
func (s *Server) notice(u user, kind, text string) message {
	return message{
		ID:        uuid.NewString(),
		RoomID:    u.RoomID,
		UserID:    u.ID,
		Username:  u.Username,
		Content:   fmt.Sprintf("%s %s", u.Username, text),
		Timestamp: time.Now().UTC(),
		Type:      kind,
	}
}

// broadcast sends a frame to every session in the room except skip.
func (s *Server) broadcast(roomID string, skip *melody.Session, typ string, payload any) {
	s.hub.BroadcastFilter(encode(typ, payload, ""), func(q *melody.Session) bool {
		r, ok := q.Get("room")
		return ok && r == roomID && q != skip
	})
}

func sessionUser(ms *melody.Session) user {
	return user{
		ID:       keyString(ms, "uid"),
		Username: keyString(ms, "user"),
		RoomID:   keyString(ms, "room"),
	}
}

func keyString(ms *melody.Session, key string) string {
	v, _ := ms.Get(key)
	s, _ := v.(string)
	return s
}

func encode(typ string, payload any, errText string) []byte {
	bits, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
		Error   string `json:"error,omitempty"`
	}{Type: typ, Payload: payload, Error: errText})
	if err != nil {
		panic(fmt.Sprintf("encode %s frame: %v", typ, err))
	}
	return bits
}

func send(ms *melody.Session, typ string, payload any) { ms.Write(encode(typ, payload, "")) }

func sendError(ms *melody.Session, text string) { ms.Write(encode("error", nil, text)) }

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// A limiter is a token bucket.
type limiter struct {
	μ      sync.Mutex
	tokens int
	max    int
	rate   int // tokens per second
	last   time.Time
}

func newLimiter(burst, rate int) *limiter {
	burst = max(burst, 1)
	return &limiter{tokens: burst, max: burst, rate: rate, last: time.Now()}
}

func (l *limiter) allow() bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	now := time.Now()
	if add := int(now.Sub(l.last).Seconds() * float64(l.rate)); add > 0 {
		l.tokens = min(l.max, l.tokens+add)
		l.last = now
	}
	if l.tokens > 0 {
		l.tokens--
		return true
	}
	return false
}
