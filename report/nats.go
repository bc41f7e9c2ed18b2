// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package report

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/creachadair/chatsim"
	"github.com/nats-io/nats.go"
)

// A Publisher publishes a message on a subject. A *nats.Conn satisfies this
// interface.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS is a reporter that publishes each event as a JSON record on the
// subject "<prefix>.<event>", for example "chatsim.chat".
type NATS struct {
	pub    Publisher
	prefix string
	failed atomic.Int64
	close  func() error
}

// NewNATS constructs a reporter that publishes to pub.
func NewNATS(pub Publisher, prefix string) *NATS {
	return &NATS{pub: pub, prefix: prefix, close: func() error { return nil }}
}

// DialNATS connects to the NATS server at url and returns a reporter that
// publishes to it. The caller must Close the reporter to flush and release
// the connection.
func DialNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("chatsim"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := NewNATS(nc, prefix)
	n.close = nc.Drain
	return n, nil
}

type eventRecord struct {
	Time  time.Time `json:"time"`
	User  string    `json:"user"`
	Event string    `json:"event"`
	Text  string    `json:"text"`
	Frame string    `json:"frame,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Report implements the [chatsim.Reporter] interface. Publication failures
// are counted but otherwise ignored; see Failed.
func (n *NATS) Report(e chatsim.Event) {
	rec := eventRecord{Time: e.Time, User: e.User, Event: e.Kind.String(), Text: e.Text}
	if e.Frame != nil {
		rec.Frame = e.Frame.Type
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	data, err := json.Marshal(rec)
	if err == nil {
		err = n.pub.Publish(n.prefix+"."+rec.Event, data)
	}
	if err != nil {
		n.failed.Add(1)
	}
}

// Failed reports the number of events that could not be published.
func (n *NATS) Failed() int64 { return n.failed.Load() }

// Close flushes pending messages and closes the connection, if n owns one.
func (n *NATS) Close() error { return n.close() }
