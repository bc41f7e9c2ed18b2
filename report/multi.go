// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package report

import (
	"maps"
	"sync"

	"github.com/creachadair/chatsim"
)

// Multi returns a reporter that delivers each event to each of rs in order.
// Nil reporters are skipped.
func Multi(rs ...chatsim.Reporter) chatsim.Reporter {
	var out multi
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type multi []chatsim.Reporter

func (m multi) Report(e chatsim.Event) {
	for _, r := range m {
		r.Report(e)
	}
}

// Counter is a reporter that tallies events by kind and user. A zero value
// is ready for use.
type Counter struct {
	μ      sync.Mutex
	kinds  map[chatsim.EventKind]int
	byUser map[string]map[chatsim.EventKind]int
}

// Report implements the [chatsim.Reporter] interface.
func (c *Counter) Report(e chatsim.Event) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.kinds == nil {
		c.kinds = make(map[chatsim.EventKind]int)
		c.byUser = make(map[string]map[chatsim.EventKind]int)
	}
	c.kinds[e.Kind]++
	u := c.byUser[e.User]
	if u == nil {
		u = make(map[chatsim.EventKind]int)
		c.byUser[e.User] = u
	}
	u[e.Kind]++
}

// Count reports the number of events of the given kind.
func (c *Counter) Count(kind chatsim.EventKind) int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.kinds[kind]
}

// UserCount reports the number of events of the given kind for user.
func (c *Counter) UserCount(user string, kind chatsim.EventKind) int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.byUser[user][kind]
}

// Kinds returns a copy of the tallies by kind.
func (c *Counter) Kinds() map[chatsim.EventKind]int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return maps.Clone(c.kinds)
}
