// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package report provides implementations of the chatsim.Reporter interface.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/creachadair/chatsim"
	"github.com/mattn/go-isatty"
)

// ansi maps color names to terminal escape codes.
var ansi = map[string]string{
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
}

const (
	ansiReset = "\x1b[0m"
	ansiBold  = "\x1b[1m"
	ansiRed   = "\x1b[31m"
)

// Console writes one line per event to a writer, in the form
//
//	15:04:05 [user] text
//
// Lines from concurrent sessions do not interleave.
type Console struct {
	μ     sync.Mutex
	w     io.Writer
	color bool
}

// NewConsole constructs a Console that writes to w. Output is colored if w
// is a terminal.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w, color: isTerminal(w)}
}

// SetColor enables or disables colored output. It returns c to permit
// chaining.
func (c *Console) SetColor(on bool) *Console {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.color = on
	return c
}

// Report implements the [chatsim.Reporter] interface.
func (c *Console) Report(e chatsim.Event) {
	var sb strings.Builder
	sb.WriteString(e.Time.Format("15:04:05"))
	sb.WriteByte(' ')

	c.μ.Lock()
	defer c.μ.Unlock()
	code, ok := ansi[e.Color]
	if c.color && ok {
		fmt.Fprintf(&sb, "%s%s[%s]%s ", code, ansiBold, e.User, ansiReset)
	} else {
		fmt.Fprintf(&sb, "[%s] ", e.User)
	}

	text := e.Text
	if e.Err != nil {
		text = fmt.Sprintf("%s: %v", text, e.Err)
	}
	if c.color && e.Kind.IsError() {
		text = ansiRed + text + ansiReset
	}
	sb.WriteString(text)
	sb.WriteByte('\n')
	io.WriteString(c.w, sb.String())
}

// isTerminal reports whether w is a file attached to a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
