// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chatsim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// A Transport is a duplex connection to the chat service that carries one
// encoded frame per message.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver, and Close must be safe to call concurrently with
// either of them.
type Transport interface {
	// Send the frame to the service.
	Send([]byte) error

	// Receive the next available frame from the service.
	Recv() ([]byte, error)

	// Close the transport, causing any pending send or receive operations to
	// terminate and report an error. After a transport is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Dialer opens transports to a chat service.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// Dial implements the [Dialer] interface.
func (f DialFunc) Dial(ctx context.Context, url string) (Transport, error) { return f(ctx, url) }

// A RoomHandle identifies the room sessions join.
type RoomHandle struct {
	ID   string
	Name string
}

func (r RoomHandle) String() string {
	if r.Name == "" || r.Name == r.ID {
		return r.ID
	}
	return fmt.Sprintf("%s (%s)", r.Name, r.ID)
}

// byName reports whether r identifies its room by name only, as when the
// service's ID for the room could not be found. A joined reply for such a
// handle may carry any room ID.
func (r RoomHandle) byName() bool { return r.ID != "" && strings.EqualFold(r.ID, r.Name) }

// State is the protocol state of a session.
type State byte

const (
	Disconnected State = iota
	Connecting
	Connected
	Joining
	Joined
	Leaving
	Closed
	Errored
)

var stateNames = [...]string{
	Disconnected: "Disconnected",
	Connecting:   "Connecting",
	Connected:    "Connected",
	Joining:      "Joining",
	Joined:       "Joined",
	Leaving:      "Leaving",
	Closed:       "Closed",
	Errored:      "Errored",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", byte(s))
}

// Options are optional settings for a Session. A nil *Options provides
// defaults as described on the fields.
type Options struct {
	// Color is a cosmetic label attached to reported events.
	Color string

	// Reporter receives events from the session. If nil, events are
	// discarded.
	Reporter Reporter

	// Matcher correlates echoes with pending messages. If nil, MatchContent
	// is used, or MatchClientID if TagMessages is true.
	Matcher Matcher

	// ConfirmTimeout bounds the wait for each message confirmation.
	// If zero, DefaultConfirmTimeout is used.
	ConfirmTimeout time.Duration

	// TagMessages, if true, sends a client_id with each message.
	TagMessages bool
}

// DefaultConfirmTimeout is the confirmation budget used when
// Options.ConfirmTimeout is zero.
const DefaultConfirmTimeout = 5 * time.Second

func (o *Options) reporter() Reporter {
	if o == nil || o.Reporter == nil {
		return Discard
	}
	return o.Reporter
}

func (o *Options) matcher() Matcher {
	switch {
	case o == nil:
		return MatchContent
	case o.Matcher != nil:
		return o.Matcher
	case o.TagMessages:
		return MatchClientID
	}
	return MatchContent
}

func (o *Options) confirmTimeout() time.Duration {
	if o == nil || o.ConfirmTimeout <= 0 {
		return DefaultConfirmTimeout
	}
	return o.ConfirmTimeout
}

// A Session is one simulated user's connection to the chat service and its
// protocol state. Use NewSession to construct a session.
//
// Call Connect (or Start with an open transport) to begin. Once started, a
// listener routine drains the transport and updates the session state until
// Close is called or the transport fails. All methods are safe for
// concurrent use.
type Session struct {
	user    string
	color   string
	rep     Reporter
	confirm time.Duration
	tag     bool

	out sync.Mutex // held while sending, so frames leave in the order issued

	μ       sync.Mutex
	tr      Transport
	tasks   *taskgroup.Group
	state   State
	running bool
	closed  bool // Close has been called
	room    RoomHandle
	err     error         // the failure that put the session in Errored
	joined  chan struct{} // closed when the join is confirmed
	done    chan struct{} // closed when the listener exits
	pend    tracker

	closeOnce sync.Once
	closeErr  error
}

// NewSession constructs a new unconnected session for the given username.
func NewSession(user string, opts *Options) *Session {
	s := &Session{
		user:    user,
		rep:     opts.reporter(),
		confirm: opts.confirmTimeout(),
		pend:    tracker{match: opts.matcher()},
	}
	if opts != nil {
		s.color = opts.Color
		s.tag = opts.TagMessages
	}
	return s
}

// Username returns the username of s.
func (s *Session) Username() string { return s.user }

// Color returns the cosmetic color assigned to s.
func (s *Session) Color() string { return s.color }

// State reports the current state of s.
func (s *Session) State() State {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.state
}

// Err reports the error that moved s to the Errored state, or nil.
func (s *Session) Err() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.err
}

// Room reports the room s most recently joined.
func (s *Session) Room() RoomHandle {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.room
}

// Connect dials url and starts the session on the resulting transport.
// On failure the session enters the Errored state and Connect reports a
// *ConnectionError.
func (s *Session) Connect(ctx context.Context, d Dialer, url string) error {
	s.μ.Lock()
	if s.state != Disconnected {
		defer s.μ.Unlock()
		return s.stateError("connect")
	}
	s.state = Connecting
	s.μ.Unlock()

	tr, err := d.Dial(ctx, url)
	if err != nil {
		rootMetrics.connectFailed.Add(1)
		cerr := &ConnectionError{User: s.user, Phase: "connect", Err: err}
		s.μ.Lock()
		if !s.closed {
			s.state = Errored
		}
		s.err = cerr
		s.μ.Unlock()
		s.report(Event{Kind: EventConnectFailed, Text: "connection failed", Err: err})
		return cerr
	}
	if !s.start(tr) {
		tr.Close()
		return fmt.Errorf("connect: %w", ErrSessionClosed)
	}
	s.report(Event{Kind: EventConnected, Text: "connected to " + url})
	return nil
}

// Start starts the session on an open transport, which s then owns.  The
// listener runs until Close is called or the transport fails. Start panics
// if s was already started. If s has already been closed, Start closes tr
// and does not start a listener.
func (s *Session) Start(tr Transport) *Session {
	if !s.start(tr) {
		tr.Close()
	}
	return s
}

// start launches the listener on tr, and reports false without doing so if
// s has been closed.
func (s *Session) start(tr Transport) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return false
	}
	if s.tr != nil || s.tasks != nil {
		panic("session is already started")
	}

	g := taskgroup.New(nil)
	s.tr = tr
	s.tasks = g
	s.running = true
	s.state = Connected
	s.done = make(chan struct{})
	rootMetrics.active.Add(1)

	done := s.done
	g.Go(func() error {
		defer close(done)
		for {
			data, err := tr.Recv()
			if err != nil {
				s.lost(tr, err)
				return nil
			}
			if !s.isRunning() {
				return nil
			}
			rootMetrics.frameRecv.Add(1)

			f, err := DecodeFrame(data)
			if err != nil {
				rootMetrics.decodeErr.Add(1)
				s.report(Event{Kind: EventDecodeError, Text: "undecodable frame", Err: err})
				continue
			}
			s.dispatch(f)
		}
	})
	return true
}

func (s *Session) isRunning() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.running
}

// JoinRoom sends a request to join room and moves s to Joining. The session
// becomes Joined when the service confirms; see also WaitJoined.
func (s *Session) JoinRoom(room RoomHandle) error {
	s.μ.Lock()
	if s.state != Connected {
		defer s.μ.Unlock()
		return s.stateError("join")
	}
	s.room = room
	s.state = Joining
	s.joined = make(chan struct{})
	s.μ.Unlock()

	s.report(Event{Kind: EventInfo, Text: "joining room " + room.String()})
	return s.send(Join(room.ID, s.user))
}

// WaitJoined waits up to timeout for the join to be confirmed. If the
// timeout lapses first, WaitJoined promotes s to Joined anyway and reports
// ErrTimeoutExpired, so that callers may proceed on a best-effort basis.
func (s *Session) WaitJoined(ctx context.Context, timeout time.Duration) error {
	s.μ.Lock()
	joined, done := s.joined, s.done
	s.μ.Unlock()
	if joined == nil {
		return fmt.Errorf("wait for join: %w", ErrInvalidState)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-joined:
		return nil
	case <-done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	s.μ.Lock()
	promoted := s.state == Joining
	if promoted {
		s.state = Joined
	}
	s.μ.Unlock()
	if promoted {
		s.report(Event{Kind: EventJoinTimeout, Text: "join not confirmed, proceeding", Err: ErrTimeoutExpired})
	}
	return ErrTimeoutExpired
}

// RequestHistory asks the service for recent messages in the room.
func (s *Session) RequestHistory() error { return s.sendIn("history", HistoryRequest(), Joining, Joined) }

// RequestUsers asks the service for the users present in the room.
func (s *Session) RequestUsers() error { return s.sendIn("users", UsersRequest(), Joining, Joined) }

// SendMessage posts content to the room. It is permitted only in the Joined
// state. It does not wait for confirmation; the caller may use the returned
// Pending to wait, within the session's confirmation budget.
func (s *Session) SendMessage(content string) (*Pending, error) {
	s.μ.Lock()
	if s.state != Joined {
		defer s.μ.Unlock()
		return nil, s.stateError("send message")
	}
	p := newPending(content, time.Now(), s.confirm)
	s.pend.add(p)
	s.μ.Unlock()

	act := Message(content)
	if s.tag {
		act.ClientID = p.ID
	}
	if err := s.send(act); err != nil {
		s.μ.Lock()
		s.pend.remove(p)
		s.μ.Unlock()
		p.settle(err)
		return nil, err
	}
	rootMetrics.msgSent.Add(1)
	s.report(Event{Kind: EventSent, Text: "sent: " + content})
	return p, nil
}

// Leave sends a request to leave the room and moves s to Leaving.
func (s *Session) Leave() error {
	s.μ.Lock()
	switch s.state {
	case Joining, Joined:
		s.state = Leaving
	default:
		defer s.μ.Unlock()
		return s.stateError("leave")
	}
	s.μ.Unlock()
	s.report(Event{Kind: EventInfo, Text: "leaving room"})
	return s.send(Leave())
}

// Close stops the listener, closes the transport, and moves s to Closed.
// It blocks until the listener has exited. Pending confirmations that are
// still outstanding report ErrSessionClosed. Close is idempotent, and it is
// safe to call from any state, including Errored; Err continues to report
// the failure after Close.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.μ.Lock()
		s.running, s.closed = false, true
		tr, g := s.tr, s.tasks
		s.μ.Unlock()

		if tr != nil {
			if err := tr.Close(); !treatErrorAsSuccess(err) {
				s.closeErr = err
			}
		}
		if g != nil {
			g.Wait()
			rootMetrics.active.Add(-1)
		}

		s.μ.Lock()
		s.pend.failAll(ErrSessionClosed)
		s.state = Closed
		s.tr = nil
		s.μ.Unlock()

		if g != nil {
			s.report(Event{Kind: EventClosed, Text: "disconnected"})
		}
	})
	return s.closeErr
}

// sendIn sends act if s is in one of the given states.
func (s *Session) sendIn(op string, act Action, ok ...State) error {
	s.μ.Lock()
	for _, st := range ok {
		if s.state == st {
			s.μ.Unlock()
			return s.send(act)
		}
	}
	defer s.μ.Unlock()
	return s.stateError(op)
}

// send encodes and sends act. A transport failure is fatal to the session.
func (s *Session) send(act Action) error {
	s.μ.Lock()
	tr := s.tr
	s.μ.Unlock()
	if tr == nil {
		return fmt.Errorf("send %v: %w", act.Kind, ErrSessionClosed)
	}

	s.out.Lock()
	defer s.out.Unlock()
	if err := tr.Send(act.Encode()); err != nil {
		cerr := &ConnectionError{User: s.user, Phase: "send " + act.Kind.String(), Err: err}
		s.fail(cerr)
		return cerr
	}
	rootMetrics.frameSent.Add(1)
	return nil
}

// fail moves a running session to Errored and terminates all pending
// confirmations. It reports whether the session was running.
func (s *Session) fail(err error) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	if !s.running {
		return false
	}
	s.running = false
	s.state, s.err = Errored, err
	s.pend.failAll(ErrSessionClosed)
	return true
}

// lost handles a receive error. If the session was not shut down
// deliberately, this is an unexpected loss of connection.
func (s *Session) lost(tr Transport, err error) {
	cerr := &ConnectionError{User: s.user, Phase: "listen", Err: err}
	if !s.fail(cerr) {
		return
	}
	rootMetrics.connLost.Add(1)
	s.report(Event{Kind: EventConnectionLost, Text: "connection lost", Err: err})
	tr.Close()
}

// dispatch updates the session for an inbound frame and reports it.
func (s *Session) dispatch(f *Frame) {
	ev := Event{Frame: f}
	switch f.Kind {
	case KindJoined:
		s.μ.Lock()
		mine := f.RoomID == "" || f.RoomID == s.room.ID
		if !mine && s.state == Joining && s.room.byName() {
			// The service knows the room by an ID we did not have.
			s.room.ID, mine = f.RoomID, true
		}
		if mine && s.state == Joining {
			s.state = Joined
			close(s.joined)
		} else if mine && s.state == Joined && !isClosed(s.joined) {
			close(s.joined) // promoted by WaitJoined
		}
		s.μ.Unlock()
		ev.Kind, ev.Text = EventJoined, "joined room "+f.RoomID

	case KindLeft:
		ev.Kind, ev.Text = EventLeft, "left room "+f.RoomID

	case KindUserJoined:
		ev.Kind, ev.Text = EventUserJoined, userName(f.Message)+" joined the room"

	case KindUserLeft:
		ev.Kind, ev.Text = EventUserLeft, userName(f.Message)+" left the room"

	case KindChatMessage:
		if f.Message.Username == s.user {
			s.μ.Lock()
			p := s.pend.resolve(f)
			s.μ.Unlock()
			if p != nil {
				rootMetrics.msgConfirmed.Add(1)
			}
			return // own echo
		}
		ev.Kind, ev.Text = EventChat, userName(f.Message)+": "+f.Message.Content

	case KindHistory:
		ev.Kind, ev.Text = EventHistory, fmt.Sprintf("history: %d messages", len(f.Messages))

	case KindUsers:
		ev.Kind, ev.Text = EventUsers, "online users: "+strings.Join(f.Users, ", ")

	case KindError:
		ev.Kind, ev.Text = EventServerError, "server error: "+f.Error

	default:
		rootMetrics.frameDropped.Add(1)
		return
	}
	s.report(ev)
}

func (s *Session) report(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.User, e.Color = s.user, s.color
	s.rep.Report(e)
}

// stateError reports an operation not permitted in the current state.
// The caller must hold s.μ.
func (s *Session) stateError(op string) error {
	return fmt.Errorf("%s: %w (%v)", op, ErrInvalidState, s.state)
}

func userName(m ChatMessage) string {
	if m.Username == "" {
		return "someone"
	}
	return m.Username
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
