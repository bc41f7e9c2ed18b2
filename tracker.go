// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chatsim

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// A Pending tracks an outbound message awaiting its confirmation.
type Pending struct {
	ID       string // a unique identifier for the message
	Content  string
	Sent     time.Time
	Deadline time.Time

	done chan struct{}

	μ       sync.Mutex
	settled bool
	err     error
}

func newPending(content string, now time.Time, budget time.Duration) *Pending {
	return &Pending{
		ID:       uuid.NewString(),
		Content:  content,
		Sent:     now,
		Deadline: now.Add(budget),
		done:     make(chan struct{}),
	}
}

// settle records the outcome of p if it is not already settled, and reports
// whether it did so.
func (p *Pending) settle(err error) bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.settled {
		return false
	}
	p.settled, p.err = true, err
	close(p.done)
	return true
}

// Resolved reports whether the confirmation for p has been observed.
func (p *Pending) Resolved() bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.settled && p.err == nil
}

// Done returns a channel that is closed when p is settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until p is confirmed, its deadline passes, or ctx ends.
// It returns nil if the confirmation arrived, ErrTimeoutExpired if the
// deadline passed first, or ErrSessionClosed if the session ended first.
func (p *Pending) Wait(ctx context.Context) error {
	t := time.NewTimer(time.Until(p.Deadline))
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		if p.settle(ErrTimeoutExpired) {
			rootMetrics.msgTimedOut.Add(1)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.err
}

// A Matcher selects which of the outstanding pending messages, in order of
// issue, is confirmed by an inbound chat message from the session's own
// user. It returns an index into pending, or -1 if none matches.
type Matcher func(f *Frame, pending []*Pending) int

// MatchContent is the default Matcher. It selects the oldest pending message
// with the same content as f. An echo whose content matches nothing pending,
// such as the late echo of a message that already timed out, confirms
// nothing.
//
// The chat protocol carries no message identifier, so an echo is recognized
// only by its username. If two sessions share a username, each will treat
// the other's messages as its own confirmations.
func MatchContent(f *Frame, pending []*Pending) int {
	for i, p := range pending {
		if p.Content == f.Message.Content {
			return i
		}
	}
	return -1
}

// MatchClientID is a Matcher for services that echo the client_id sent with
// each message (see Options.TagMessages).
func MatchClientID(f *Frame, pending []*Pending) int {
	for i, p := range pending {
		if p.ID == f.Message.ClientID {
			return i
		}
	}
	return -1
}

// A tracker holds the pending confirmations for one session, in order of
// issue. It is not safe for concurrent use without external locking.
type tracker struct {
	match Matcher
	queue []*Pending
}

func (t *tracker) add(p *Pending) { t.queue = append(t.queue, p) }

// prune discards settled entries.
func (t *tracker) prune() {
	live := t.queue[:0]
	for _, p := range t.queue {
		p.μ.Lock()
		ok := !p.settled
		p.μ.Unlock()
		if ok {
			live = append(live, p)
		}
	}
	clear(t.queue[len(live):])
	t.queue = live
}

// resolve settles the pending entry confirmed by f, and reports it, or nil
// if no entry matches.
func (t *tracker) resolve(f *Frame) *Pending {
	t.prune()
	i := t.match(f, t.queue)
	if i < 0 || i >= len(t.queue) {
		return nil
	}
	p := t.queue[i]
	t.queue = append(t.queue[:i], t.queue[i+1:]...)
	if !p.settle(nil) {
		return nil
	}
	return p
}

func (t *tracker) remove(p *Pending) {
	for i, q := range t.queue {
		if q == p {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return
		}
	}
}

// failAll settles every outstanding entry with err.
func (t *tracker) failAll(err error) {
	for _, p := range t.queue {
		p.settle(err)
	}
	t.queue = nil
}
