// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chatsim

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the type of a protocol frame.
type Kind byte

const (
	KindUnknown Kind = iota // an unrecognized or missing type

	// Outbound frame kinds, sent by a session.
	KindJoin
	KindMessage
	KindLeave
	KindHistoryRequest
	KindUsersRequest

	// Inbound frame kinds, sent by the chat service.
	KindJoined
	KindLeft
	KindUserJoined
	KindUserLeft
	KindChatMessage
	KindHistory
	KindUsers
	KindError
)

var kindNames = [...]string{
	KindUnknown:        "unknown",
	KindJoin:           "join",
	KindMessage:        "message",
	KindLeave:          "leave",
	KindHistoryRequest: "history",
	KindUsersRequest:   "users",
	KindJoined:         "joined",
	KindLeft:           "left",
	KindUserJoined:     "user_joined",
	KindUserLeft:       "user_left",
	KindChatMessage:    "chat_message",
	KindHistory:        "history",
	KindUsers:          "users",
	KindError:          "error",
}

// String returns the wire name of k. Request kinds and the corresponding
// response kinds share a wire name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind:" + strconv.Itoa(int(k))
}

// Outbound reports whether k is a kind a session may send.
func (k Kind) Outbound() bool { return k >= KindJoin && k <= KindUsersRequest }

// inboundKinds maps wire names to the kinds the service sends.
var inboundKinds = map[string]Kind{
	"joined":       KindJoined,
	"left":         KindLeft,
	"user_joined":  KindUserJoined,
	"user_left":    KindUserLeft,
	"chat_message": KindChatMessage,
	"history":      KindHistory,
	"users":        KindUsers,
	"error":        KindError,
}

// ParseKind returns the outbound kind with the given wire name.
func ParseKind(s string) (Kind, error) {
	for k := KindJoin; k <= KindUsersRequest; k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown outbound frame type %q", s)
}

// An Action is an outbound request, encoded as a single frame.
type Action struct {
	Kind     Kind
	RoomID   string // join
	Username string // join
	Content  string // message

	// ClientID, if set, is sent with a message so that a service that echoes
	// it back allows identifier-based correlation.
	ClientID string
}

// Join returns an action to join the specified room as user.
func Join(roomID, user string) Action { return Action{Kind: KindJoin, RoomID: roomID, Username: user} }

// Message returns an action to post content to the current room.
func Message(content string) Action { return Action{Kind: KindMessage, Content: content} }

// Leave returns an action to leave the current room.
func Leave() Action { return Action{Kind: KindLeave} }

// HistoryRequest returns an action to request recent room history.
func HistoryRequest() Action { return Action{Kind: KindHistoryRequest} }

// UsersRequest returns an action to request the users present in the room.
func UsersRequest() Action { return Action{Kind: KindUsersRequest} }

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type joinPayload struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
}

type messagePayload struct {
	Content  string `json:"content"`
	ClientID string `json:"client_id,omitempty"`
}

// Encode encodes a in wire format. It panics if a.Kind is not an outbound
// kind.
func (a Action) Encode() []byte {
	env := envelope{Type: a.Kind.String()}
	switch a.Kind {
	case KindJoin:
		env.Payload = joinPayload{RoomID: a.RoomID, Username: a.Username}
	case KindMessage:
		env.Payload = messagePayload{Content: a.Content, ClientID: a.ClientID}
	case KindLeave, KindHistoryRequest, KindUsersRequest:
		// no payload
	default:
		panic(fmt.Sprintf("cannot encode %v frame", a.Kind))
	}
	bits, err := json.Marshal(env)
	if err != nil {
		panic(fmt.Errorf("encoding frame: %w", err))
	}
	return bits
}

func (a Action) String() string {
	switch a.Kind {
	case KindJoin:
		return fmt.Sprintf("Action(join, room=%q, user=%q)", a.RoomID, a.Username)
	case KindMessage:
		return fmt.Sprintf("Action(message, %q)", a.Content)
	}
	return fmt.Sprintf("Action(%v)", a.Kind)
}

// A ChatMessage is a message record as reported by the chat service.
type ChatMessage struct {
	ID        string
	RoomID    string
	UserID    string
	Username  string
	Content   string
	Type      string
	ClientID  string
	Timestamp time.Time
}

// A Frame is the decoded form of an inbound frame. Only the fields relevant
// to Kind are populated; the others have zero values.
type Frame struct {
	Kind Kind
	Type string // the wire type, as received

	RoomID   string // joined, left
	UserID   string // joined
	Username string // joined

	Message  ChatMessage   // user_joined, user_left, chat_message
	Messages []ChatMessage // history
	Users    []string      // users
	Error    string        // error
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	switch f.Kind {
	case KindJoined:
		return fmt.Sprintf("Frame(joined, room=%q, user=%q)", f.RoomID, f.Username)
	case KindLeft:
		return fmt.Sprintf("Frame(left, room=%q)", f.RoomID)
	case KindUserJoined, KindUserLeft:
		return fmt.Sprintf("Frame(%v, user=%q)", f.Kind, f.Message.Username)
	case KindChatMessage:
		return fmt.Sprintf("Frame(chat_message, user=%q, %q)", f.Message.Username, f.Message.Content)
	case KindHistory:
		return fmt.Sprintf("Frame(history, %d messages)", len(f.Messages))
	case KindUsers:
		return fmt.Sprintf("Frame(users, [%s])", strings.Join(f.Users, ", "))
	case KindError:
		return fmt.Sprintf("Frame(error, %q)", f.Error)
	}
	return fmt.Sprintf("Frame(%q)", f.Type)
}

// DecodeFrame decodes an inbound frame. The only decoding failure is input
// that is not a JSON object, reported as a *DecodeError.  Any other mismatch
// between the payload and the expected shape for its type yields default
// values, and list elements of the wrong type are dropped.
func DecodeFrame(data []byte) (*Frame, error) {
	var top map[string]any
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &DecodeError{Reason: InvalidEncoding, Err: err}
	} else if top == nil {
		return nil, &DecodeError{Reason: InvalidEncoding}
	}

	f := &Frame{Type: asString(top["type"])}
	f.Kind = inboundKinds[f.Type]

	payload := top["payload"]
	if payload == nil {
		payload = map[string]any{}
	}
	obj := asObject(payload)

	switch f.Kind {
	case KindJoined:
		f.RoomID = asString(obj["room_id"])
		f.UserID = asString(obj["id"])
		f.Username = asString(obj["username"])
	case KindLeft:
		f.RoomID = asString(obj["room_id"])
	case KindUserJoined, KindUserLeft, KindChatMessage:
		f.Message = decodeMessage(obj)
		f.RoomID = f.Message.RoomID
	case KindHistory:
		for _, elt := range asList(payload, "messages") {
			if m, ok := elt.(map[string]any); ok {
				f.Messages = append(f.Messages, decodeMessage(m))
			}
		}
	case KindUsers:
		f.Users = decodeUsers(payload)
	case KindError:
		f.Error = firstString(top["error"], payload, obj["message"], obj["error"])
	}
	return f, nil
}

// decodeUsers normalizes each of the observed shapes of a users payload:
//
//	["alice", "bob"]
//	{"users": ["alice", "bob"]}
//	{"users": [{"username": "alice"}, ...]}
//	[{"username": "alice"}, ...]
func decodeUsers(payload any) []string {
	var out []string
	for _, elt := range asList(payload, "users") {
		switch t := elt.(type) {
		case string:
			out = append(out, t)
		case map[string]any:
			if name := asString(t["username"]); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func decodeMessage(m map[string]any) ChatMessage {
	msg := ChatMessage{
		ID:       asString(m["id"]),
		RoomID:   asString(m["room_id"]),
		UserID:   asString(m["user_id"]),
		Username: asString(m["username"]),
		Content:  asString(m["content"]),
		Type:     asString(m["type"]),
		ClientID: asString(m["client_id"]),
	}
	if ts := asString(m["timestamp"]); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.Timestamp = t
		}
	}
	return msg
}

// asObject returns v as a JSON object, or nil. Reads from a nil map are safe.
func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// asString returns v as a string. Numbers are formatted; other types yield "".
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// asList returns v if it is a list, or the list stored in v[key] if v is an
// object. Otherwise it returns nil.
func asList(v any, key string) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		lst, _ := t[key].([]any)
		return lst
	}
	return nil
}

func firstString(vs ...any) string {
	for _, v := range vs {
		if s := asString(v); s != "" {
			return s
		}
	}
	return ""
}
