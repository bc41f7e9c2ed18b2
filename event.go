// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chatsim

import (
	"fmt"
	"time"
)

// EventKind classifies a reported session event.
type EventKind byte

const (
	EventInfo EventKind = iota // free-form progress from a script
	EventConnected
	EventConnectFailed
	EventJoined
	EventJoinTimeout
	EventLeft
	EventUserJoined
	EventUserLeft
	EventChat
	EventHistory
	EventUsers
	EventServerError
	EventDecodeError
	EventSent
	EventConfirmTimeout
	EventConnectionLost
	EventClosed
)

var eventNames = [...]string{
	EventInfo:           "info",
	EventConnected:      "connected",
	EventConnectFailed:  "connect_failed",
	EventJoined:         "joined",
	EventJoinTimeout:    "join_timeout",
	EventLeft:           "left",
	EventUserJoined:     "user_joined",
	EventUserLeft:       "user_left",
	EventChat:           "chat",
	EventHistory:        "history",
	EventUsers:          "users",
	EventServerError:    "server_error",
	EventDecodeError:    "decode_error",
	EventSent:           "sent",
	EventConfirmTimeout: "confirm_timeout",
	EventConnectionLost: "connection_lost",
	EventClosed:         "closed",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event:%d", byte(k))
}

// IsError reports whether k describes a failure of some kind.
func (k EventKind) IsError() bool {
	switch k {
	case EventConnectFailed, EventServerError, EventDecodeError, EventConnectionLost:
		return true
	}
	return false
}

// An Event is a human-reportable occurrence in the life of a session.
type Event struct {
	Time  time.Time
	User  string // the simulated user the event belongs to
	Color string // the cosmetic color assigned to User, if any
	Kind  EventKind
	Frame *Frame // the inbound frame that caused the event, if any
	Text  string // a human-readable description
	Err   error  // set for failures
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.User, e.Text, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.User, e.Text)
}

// A Reporter accepts events from sessions. Implementations must be safe for
// concurrent use, since every session reports from its own goroutines.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

// Report implements the [Reporter] interface.
func (f ReporterFunc) Report(e Event) { f(e) }

// Discard is a Reporter that drops all events.
var Discard Reporter = ReporterFunc(func(Event) {})
