// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package sim

import (
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/creachadair/chatsim"
)

// DefaultUsernames is the pool of synthetic identities assigned to
// simulated users.
var DefaultUsernames = []string{
	"Alice", "Bob", "Charlie", "Diana", "Eve", "Frank",
	"Grace", "Henry", "Ivy", "Jack", "Kate", "Leo",
}

// DefaultMessages is the sample set from which message content is drawn.
var DefaultMessages = []string{
	"Hello everyone! 👋",
	"Hey there!",
	"How's it going?",
	"Great to be here!",
	"Anyone working on something interesting?",
	"Just joined, what did I miss?",
	"This chat app is pretty cool!",
	"Love the real-time updates!",
	"WebSockets are awesome 🚀",
	"The EventBus pattern is elegant",
	"Has anyone tried the file upload demo?",
	"I'm learning Go, any tips?",
	"Check out the URL shortener recipe too",
	"Clean architecture is the way to go",
	"Microservices? More like modular monolith!",
	"NATS messaging is fast ⚡",
	"Anyone here from the Go community?",
	"Happy coding everyone! 💻",
}

// DefaultColors are the cosmetic colors assigned to users in turn.
var DefaultColors = []string{"red", "green", "yellow", "blue", "magenta", "cyan"}

// Config describes a simulation run.
type Config struct {
	ServerURL string // WebSocket endpoint of the chat service
	Room      string // name of the room to join
	Users     int    // number of simulated users
	Messages  int    // messages sent by each user

	// Each message is preceded by a delay drawn uniformly from
	// [MinDelay, MaxDelay].
	MinDelay, MaxDelay time.Duration

	// User i starts its script after i×Stagger.
	Stagger time.Duration

	JoinWait    time.Duration // bound on waiting for the join confirmation
	HistoryWait time.Duration // pause after requesting history
	UsersWait   time.Duration // pause after requesting the user list
	Linger      time.Duration // pause after the last message, before leaving
	LeaveWait   time.Duration // pause after leaving, before closing

	// ConfirmTimeout bounds the wait for the echo of each message.
	ConfirmTimeout time.Duration

	// TagMessages, if true, sends a client identifier with each message and
	// correlates echoes by identifier instead of by content.
	TagMessages bool

	Usernames      []string // pool of unique usernames
	SampleMessages []string // message content
	Colors         []string // cosmetic colors, assigned in turn

	// Seed for the random choices of a run. If zero, a random seed is used.
	Seed uint64
}

// DefaultConfig returns the default configuration for a run.
func DefaultConfig() Config {
	return Config{
		ServerURL:      "ws://localhost:8080/ws",
		Room:           "lobby",
		Users:          3,
		Messages:       5,
		MinDelay:       500 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Stagger:        200 * time.Millisecond,
		JoinWait:       500 * time.Millisecond,
		HistoryWait:    200 * time.Millisecond,
		UsersWait:      300 * time.Millisecond,
		Linger:         time.Second,
		LeaveWait:      300 * time.Millisecond,
		ConfirmTimeout: chatsim.DefaultConfirmTimeout,
		Usernames:      DefaultUsernames,
		SampleMessages: DefaultMessages,
		Colors:         DefaultColors,
	}
}

// Validate reports whether c describes a valid run. Any error it reports has
// concrete type *chatsim.ValidationError.
func (c Config) Validate() error {
	invalid := func(field, msg string, args ...any) error {
		return &chatsim.ValidationError{Field: field, Message: fmt.Sprintf(msg, args...)}
	}
	if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("server", "%q is not an absolute URL", c.ServerURL)
	}
	if c.Room == "" {
		return invalid("room", "room name is required")
	}

	seen := make(map[string]bool)
	for _, name := range c.Usernames {
		if name == "" || seen[name] {
			// Sessions recognize their own messages by username.
			return invalid("usernames", "pool entries must be non-empty and unique (%q)", name)
		}
		seen[name] = true
	}
	switch {
	case c.Users < 1:
		return invalid("users", "must be at least 1 (got %d)", c.Users)
	case c.Users > len(c.Usernames):
		return invalid("users", "must be at most %d (got %d)", len(c.Usernames), c.Users)
	case c.Messages < 1:
		return invalid("messages", "must be at least 1 (got %d)", c.Messages)
	case len(c.SampleMessages) == 0:
		return invalid("sample messages", "at least one message is required")
	case c.MinDelay < 0 || c.MaxDelay < c.MinDelay:
		return invalid("delay", "need 0 ≤ min (%v) ≤ max (%v)", c.MinDelay, c.MaxDelay)
	case c.MaxDelay-c.MinDelay == math.MaxInt64:
		return invalid("delay", "range from %v to %v is too wide", c.MinDelay, c.MaxDelay)
	}
	for name, d := range map[string]time.Duration{
		"stagger": c.Stagger, "join wait": c.JoinWait, "history wait": c.HistoryWait,
		"users wait": c.UsersWait, "linger": c.Linger, "leave wait": c.LeaveWait,
		"confirm timeout": c.ConfirmTimeout,
	} {
		if d < 0 {
			return invalid(name, "must not be negative (got %v)", d)
		}
	}
	return nil
}
