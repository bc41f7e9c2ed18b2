// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the chatsim.Transport
// interface.
package transport

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/creachadair/chatsim"
)

// Direct constructs a connected pair of in-memory transports that pass
// frames directly, without copying. Frames sent to A are received by B and
// vice versa. Closing either end terminates pending and future operations on
// both ends.
func Direct() (A, B chatsim.Transport) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	A = &direct{out: a2b, in: b2a, done: aDone, peer: bDone}
	B = &direct{out: b2a, in: a2b, done: bDone, peer: aDone}
	return
}

type direct struct {
	out  chan<- []byte
	in   <-chan []byte
	done chan struct{}   // closed when this end is closed
	peer <-chan struct{} // closed when the other end is closed
	once sync.Once
}

// Send implements a method of the [chatsim.Transport] interface.
func (d *direct) Send(frame []byte) error {
	select {
	case <-d.done:
		return net.ErrClosed
	case <-d.peer:
		return net.ErrClosed
	case d.out <- frame:
		return nil
	}
}

// Recv implements a method of the [chatsim.Transport] interface.
func (d *direct) Recv() ([]byte, error) {
	select {
	case <-d.done:
		return nil, net.ErrClosed
	case <-d.peer:
		return nil, net.ErrClosed
	case frame := <-d.in:
		return frame, nil
	}
}

// Close implements a method of the [chatsim.Transport] interface. Calls
// after the first report net.ErrClosed.
func (d *direct) Close() error {
	err := net.ErrClosed
	d.once.Do(func() { close(d.done); err = nil })
	return err
}

// IO constructs a transport that receives newline-delimited frames from r
// and sends them to wc. Blank input lines are skipped.
func IO(r io.Reader, wc io.WriteCloser) IOTransport {
	return IOTransport{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOTransport sends and receives newline-delimited frames on a reader and
// a writer.
type IOTransport struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [chatsim.Transport] interface.
func (t IOTransport) Send(frame []byte) error {
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

// Recv implements a method of the [chatsim.Transport] interface.
func (t IOTransport) Recv() ([]byte, error) {
	for {
		line, err := t.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) != 0 {
			return line, nil
		} else if err != nil {
			return nil, err
		}
	}
}

// Close implements a method of the [chatsim.Transport] interface.
func (t IOTransport) Close() error { return t.c.Close() }
