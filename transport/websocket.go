// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/creachadair/chatsim"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// closeGrace bounds the time spent sending a close frame.
const closeGrace = time.Second

// WebSocket is a [chatsim.Dialer] that opens WebSocket connections. A zero
// value is ready for use.
type WebSocket struct {
	// Dialer, if non-nil, is used to dial connections. Otherwise
	// websocket.DefaultDialer is used.
	Dialer *websocket.Dialer

	// Header, if non-nil, is sent with the opening handshake.
	Header http.Header

	// If positive, send a ping to the service at this interval.
	PingInterval time.Duration

	// If positive, bounds the time for each outbound frame to be written.
	WriteTimeout time.Duration
}

// Dial implements the [chatsim.Dialer] interface.
func (w WebSocket) Dial(ctx context.Context, url string) (chatsim.Transport, error) {
	d := cmp.Or(w.Dialer, websocket.DefaultDialer)
	conn, rsp, err := d.DialContext(ctx, url, w.Header)
	if err != nil {
		if rsp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, rsp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(conn, w.PingInterval, w.WriteTimeout), nil
}

// NewConn wraps an open WebSocket connection as a transport. If ping > 0,
// the transport sends a ping at that interval until it is closed.
func NewConn(conn *websocket.Conn, ping, writeTimeout time.Duration) *Conn {
	c := &Conn{conn: conn, wto: writeTimeout, stop: make(chan struct{})}
	if ping > 0 {
		c.tasks = taskgroup.New(nil)
		c.tasks.Go(func() error { c.pingLoop(ping); return nil })
	}
	return c
}

// A Conn is a [chatsim.Transport] on a WebSocket connection. Each frame is
// carried in one text message.
type Conn struct {
	conn  *websocket.Conn
	wto   time.Duration
	wmu   sync.Mutex // the connection permits only one concurrent writer
	stop  chan struct{}
	once  sync.Once
	tasks *taskgroup.Group // nil if there is no ping loop
}

// Send implements a method of the [chatsim.Transport] interface.
func (c *Conn) Send(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.wto > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.wto))
	}
	return closedError(c.conn.WriteMessage(websocket.TextMessage, frame))
}

// Recv implements a method of the [chatsim.Transport] interface.
func (c *Conn) Recv() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, closedError(err)
	}
	return data, nil
}

// Close implements a method of the [chatsim.Transport] interface. It sends a
// normal closure to the service before closing the connection. Calls after
// the first report net.ErrClosed.
func (c *Conn) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		close(c.stop)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = c.conn.Close()
		if c.tasks != nil {
			c.tasks.Wait()
		}
	})
	return err
}

func (c *Conn) pingLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(every)); err != nil {
				return
			}
		}
	}
}

// closedError maps an orderly close by the remote end to net.ErrClosed, so
// that callers can recognize it with errors.Is.
func closedError(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return err
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", net.ErrClosed, err)
	}
	return err
}
