// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chatsim_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/chatsim"
	"github.com/creachadair/chatsim/transport"
	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

var room = chatsim.RoomHandle{ID: "r1", Name: "Lobby"}

func TestSessionLifecycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		var log eventLog
		s := chatsim.NewSession("alice", &chatsim.Options{Reporter: &log, Color: "blue"})
		checkState(t, s, chatsim.Disconnected)
		s.Start(cli)
		checkState(t, s, chatsim.Connected)

		if err := s.JoinRoom(room); err != nil {
			t.Fatalf("JoinRoom: unexpected error: %v", err)
		}
		checkState(t, s, chatsim.Joining)
		svc.expect(t, `{"type":"join","payload":{"room_id":"r1","username":"alice"}}`)
		svc.send(t, `{"type":"joined","payload":{"id":"u1","username":"alice","room_id":"r1"}}`)
		if err := s.WaitJoined(t.Context(), time.Second); err != nil {
			t.Fatalf("WaitJoined: unexpected error: %v", err)
		}
		checkState(t, s, chatsim.Joined)
		if got := s.Room(); got != room {
			t.Errorf("Room: got %v, want %v", got, room)
		}

		if err := s.RequestHistory(); err != nil {
			t.Errorf("RequestHistory: unexpected error: %v", err)
		}
		svc.expect(t, `{"type":"history"}`)
		svc.send(t, `{"type":"history","payload":[]}`)
		synctest.Wait()

		p, err := s.SendMessage("hello")
		if err != nil {
			t.Fatalf("SendMessage: unexpected error: %v", err)
		}
		svc.expect(t, `{"type":"message","payload":{"content":"hello"}}`)
		svc.send(t, `{"type":"chat_message","payload":{"username":"alice","content":"hello"}}`)
		if err := p.Wait(t.Context()); err != nil {
			t.Errorf("Wait: unexpected error: %v", err)
		}
		if !p.Resolved() {
			t.Error("Pending message is not resolved after its echo")
		}

		svc.send(t, `{"type":"chat_message","payload":{"username":"bob","content":"hi alice"}}`)
		svc.send(t, `{"type":"users","payload":{"users":[{"username":"alice"},{"username":"bob"}]}}`)
		svc.send(t, `{"type":"error","payload":{"message":"slow down"}}`)
		synctest.Wait()

		if err := s.Leave(); err != nil {
			t.Errorf("Leave: unexpected error: %v", err)
		}
		checkState(t, s, chatsim.Leaving)
		svc.expect(t, `{"type":"leave"}`)

		if err := s.Close(); err != nil {
			t.Errorf("Close: unexpected error: %v", err)
		}
		checkState(t, s, chatsim.Closed)
		if err := s.Err(); err != nil {
			t.Errorf("Err after clean close: got %v, want nil", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close again: unexpected error: %v", err)
		}

		if diff := cmp.Diff([]chatsim.EventKind{
			chatsim.EventInfo, // joining
			chatsim.EventJoined,
			chatsim.EventHistory,
			chatsim.EventSent,
			chatsim.EventChat, // from bob; the echo is not reported
			chatsim.EventUsers,
			chatsim.EventServerError,
			chatsim.EventInfo, // leaving
			chatsim.EventClosed,
		}, log.kinds()); diff != "" {
			t.Errorf("Events (-want, +got):\n%s", diff)
		}
		for _, e := range log.all() {
			if e.User != "alice" || e.Color != "blue" {
				t.Errorf("Event %v: got user %q color %q, want alice, blue", e.Kind, e.User, e.Color)
			}
			if e.Time.IsZero() {
				t.Errorf("Event %v has no timestamp", e.Kind)
			}
		}
		checkText(t, &log, chatsim.EventChat, "bob: hi alice")
		checkText(t, &log, chatsim.EventUsers, "online users: alice, bob")
		checkText(t, &log, chatsim.EventHistory, "history: 0 messages")
		checkText(t, &log, chatsim.EventServerError, "server error: slow down")
	})
}

func TestSessionConnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		defer srv.Close()

		var log eventLog
		s := chatsim.NewSession("dave", &chatsim.Options{Reporter: &log})
		var gotURL string
		dial := chatsim.DialFunc(func(_ context.Context, url string) (chatsim.Transport, error) {
			gotURL = url
			return cli, nil
		})
		if err := s.Connect(t.Context(), dial, "ws://chat/ws"); err != nil {
			t.Fatalf("Connect: unexpected error: %v", err)
		}
		if gotURL != "ws://chat/ws" {
			t.Errorf("Dial URL: got %q, want ws://chat/ws", gotURL)
		}
		checkState(t, s, chatsim.Connected)

		if err := s.Connect(t.Context(), dial, "ws://chat/ws"); !errors.Is(err, chatsim.ErrInvalidState) {
			t.Errorf("Connect again: got %v, want %v", err, chatsim.ErrInvalidState)
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close: unexpected error: %v", err)
		}
		if diff := cmp.Diff([]chatsim.EventKind{chatsim.EventConnected, chatsim.EventClosed}, log.kinds()); diff != "" {
			t.Errorf("Events (-want, +got):\n%s", diff)
		}
	})
}

func TestSessionConnectFailure(t *testing.T) {
	defer leaktest.Check(t)()

	dialErr := errors.New("connection refused")
	var log eventLog
	s := chatsim.NewSession("bob", &chatsim.Options{Reporter: &log})
	err := s.Connect(context.Background(), chatsim.DialFunc(func(context.Context, string) (chatsim.Transport, error) {
		return nil, dialErr
	}), "ws://localhost:1/ws")

	var cerr *chatsim.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("Connect: got %v, want *ConnectionError", err)
	}
	if cerr.User != "bob" || cerr.Phase != "connect" {
		t.Errorf("Connect error: got user %q phase %q, want bob, connect", cerr.User, cerr.Phase)
	}
	if !errors.Is(err, dialErr) {
		t.Errorf("Connect error: got %v, want %v", err, dialErr)
	}
	checkState(t, s, chatsim.Errored)
	if !errors.Is(s.Err(), dialErr) {
		t.Errorf("Err: got %v, want %v", s.Err(), dialErr)
	}
	if err := s.JoinRoom(room); !errors.Is(err, chatsim.ErrInvalidState) {
		t.Errorf("JoinRoom: got %v, want %v", err, chatsim.ErrInvalidState)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	checkState(t, s, chatsim.Closed)
	if !errors.Is(s.Err(), dialErr) {
		t.Errorf("Err after close: got %v, want %v", s.Err(), dialErr)
	}
	if diff := cmp.Diff([]chatsim.EventKind{chatsim.EventConnectFailed}, log.kinds()); diff != "" {
		t.Errorf("Events (-want, +got):\n%s", diff)
	}
}

func TestSessionCloseWhileDialing(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		release := make(chan struct{})
		dial := chatsim.DialFunc(func(context.Context, string) (chatsim.Transport, error) {
			<-release
			return cli, nil
		})

		var log eventLog
		s := chatsim.NewSession("erin", &chatsim.Options{Reporter: &log})
		errc := make(chan error, 1)
		go func() { errc <- s.Connect(t.Context(), dial, "ws://chat/ws") }()
		synctest.Wait()
		checkState(t, s, chatsim.Connecting)

		if err := s.Close(); err != nil {
			t.Errorf("Close: unexpected error: %v", err)
		}
		checkState(t, s, chatsim.Closed)

		close(release)
		if err := <-errc; !errors.Is(err, chatsim.ErrSessionClosed) {
			t.Errorf("Connect: got %v, want %v", err, chatsim.ErrSessionClosed)
		}
		checkState(t, s, chatsim.Closed)
		if err := s.Close(); err != nil {
			t.Errorf("Close again: unexpected error: %v", err)
		}
		checkState(t, s, chatsim.Closed)

		// The dialed transport is closed rather than left to a listener.
		if data, err := srv.Recv(); err == nil {
			t.Errorf("Recv on peer: got %q, want error", data)
		}

		// Start after Close does not revive the session.
		cli2, srv2 := transport.Direct()
		s.Start(cli2)
		checkState(t, s, chatsim.Closed)
		if data, err := srv2.Recv(); err == nil {
			t.Errorf("Recv on peer after Start: got %q, want error", data)
		}
		if n := log.count(chatsim.EventConnected); n != 0 {
			t.Errorf("Got %d connected events, want 0", n)
		}
	})
}

func TestSessionStates(t *testing.T) {
	defer leaktest.Check(t)()

	cli, srv := transport.Direct()
	defer srv.Close()
	s := chatsim.NewSession("carol", nil)

	checkInvalid := func(op string, err error) {
		t.Helper()
		if !errors.Is(err, chatsim.ErrInvalidState) {
			t.Errorf("%s in %v: got %v, want %v", op, s.State(), err, chatsim.ErrInvalidState)
		}
	}
	sendMessage := func() error { _, err := s.SendMessage("x"); return err }

	checkInvalid("JoinRoom", s.JoinRoom(room))
	checkInvalid("SendMessage", sendMessage())
	checkInvalid("RequestHistory", s.RequestHistory())
	checkInvalid("Leave", s.Leave())
	checkInvalid("WaitJoined", s.WaitJoined(context.Background(), time.Second))

	s.Start(cli)
	checkInvalid("SendMessage", sendMessage())
	checkInvalid("RequestUsers", s.RequestUsers())
	checkInvalid("Leave", s.Leave())
	mtest.MustPanic(t, func() { s.Start(cli) })

	if err := s.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	checkInvalid("JoinRoom", s.JoinRoom(room))
	checkInvalid("SendMessage", sendMessage())
}

func TestSessionConnectionLost(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		var log eventLog
		s := chatsim.NewSession("erin", &chatsim.Options{Reporter: &log})
		s.Start(cli)
		joinRoom(t, s, svc)

		p, err := s.SendMessage("anyone?")
		if err != nil {
			t.Fatalf("SendMessage: unexpected error: %v", err)
		}
		svc.next(t)

		srv.Close()
		synctest.Wait()

		checkState(t, s, chatsim.Errored)
		var cerr *chatsim.ConnectionError
		if !errors.As(s.Err(), &cerr) || cerr.Phase != "listen" {
			t.Errorf("Err: got %v, want *ConnectionError in phase listen", s.Err())
		}
		if err := p.Wait(t.Context()); !errors.Is(err, chatsim.ErrSessionClosed) {
			t.Errorf("Wait: got %v, want %v", err, chatsim.ErrSessionClosed)
		}
		if _, err := s.SendMessage("hello?"); !errors.Is(err, chatsim.ErrInvalidState) {
			t.Errorf("SendMessage: got %v, want %v", err, chatsim.ErrInvalidState)
		}

		if err := s.Close(); err != nil {
			t.Errorf("Close: unexpected error: %v", err)
		}
		checkState(t, s, chatsim.Closed)
		if s.Err() == nil {
			t.Error("Err after close: got nil, want error")
		}
		if got := log.count(chatsim.EventConnectionLost); got != 1 {
			t.Errorf("Got %d connection_lost events, want 1", got)
		}
	})
}

func TestSessionDecodeError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		var log eventLog
		s := chatsim.NewSession("frank", &chatsim.Options{Reporter: &log})
		s.Start(cli)
		defer s.Close()

		svc.send(t, `this is not JSON`)
		svc.send(t, `{"type":"typing","payload":{"username":"bob"}}`) // dropped
		svc.send(t, `{"type":"users","payload":["frank"]}`)
		synctest.Wait()

		checkState(t, s, chatsim.Connected)
		if diff := cmp.Diff([]chatsim.EventKind{chatsim.EventDecodeError, chatsim.EventUsers}, log.kinds()); diff != "" {
			t.Errorf("Events (-want, +got):\n%s", diff)
		}
		var derr *chatsim.DecodeError
		if e := log.all()[0]; !errors.As(e.Err, &derr) {
			t.Errorf("Decode event error: got %v, want *DecodeError", e.Err)
		}
	})
}

func TestSessionJoinTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		var log eventLog
		s := chatsim.NewSession("gina", &chatsim.Options{Reporter: &log})
		s.Start(cli)
		defer s.Close()

		if err := s.JoinRoom(room); err != nil {
			t.Fatalf("JoinRoom: unexpected error: %v", err)
		}
		svc.next(t)

		start := time.Now()
		if err := s.WaitJoined(t.Context(), 3*time.Second); !errors.Is(err, chatsim.ErrTimeoutExpired) {
			t.Errorf("WaitJoined: got %v, want %v", err, chatsim.ErrTimeoutExpired)
		}
		if got := time.Since(start); got != 3*time.Second {
			t.Errorf("WaitJoined took %v, want 3s", got)
		}
		checkState(t, s, chatsim.Joined)

		// A late confirmation is reported and does not disturb the state.
		svc.send(t, `{"type":"joined","payload":{"room_id":"r1","username":"gina"}}`)
		svc.send(t, `{"type":"joined","payload":{"room_id":"r1","username":"gina"}}`)
		synctest.Wait()
		checkState(t, s, chatsim.Joined)
		if err := s.WaitJoined(t.Context(), time.Second); err != nil {
			t.Errorf("WaitJoined after confirmation: unexpected error: %v", err)
		}
		if diff := cmp.Diff([]chatsim.EventKind{
			chatsim.EventInfo, chatsim.EventJoinTimeout, chatsim.EventJoined, chatsim.EventJoined,
		}, log.kinds()); diff != "" {
			t.Errorf("Events (-want, +got):\n%s", diff)
		}
	})
}

func TestSessionJoinByName(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		var log eventLog
		s := chatsim.NewSession("gina", &chatsim.Options{Reporter: &log})
		s.Start(cli)
		defer s.Close()

		if err := s.JoinRoom(chatsim.RoomHandle{ID: "lobby", Name: "Lobby"}); err != nil {
			t.Fatalf("JoinRoom: unexpected error: %v", err)
		}
		svc.expect(t, `{"type":"join","payload":{"room_id":"lobby","username":"gina"}}`)
		svc.send(t, `{"type":"joined","payload":{"room_id":"3f2a","username":"gina"}}`)
		if err := s.WaitJoined(t.Context(), time.Second); err != nil {
			t.Fatalf("WaitJoined: unexpected error: %v", err)
		}
		checkState(t, s, chatsim.Joined)
		if got, want := s.Room(), (chatsim.RoomHandle{ID: "3f2a", Name: "Lobby"}); got != want {
			t.Errorf("Room: got %v, want %v", got, want)
		}
		if n := log.count(chatsim.EventJoinTimeout); n != 0 {
			t.Errorf("Got %d join timeout events, want 0", n)
		}
	})
}

func TestSessionJoinOtherRoom(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		s := chatsim.NewSession("gina", nil)
		s.Start(cli)
		defer s.Close()

		if err := s.JoinRoom(room); err != nil {
			t.Fatalf("JoinRoom: unexpected error: %v", err)
		}
		svc.next(t)

		// A reply for some other room does not confirm a join of a room
		// whose ID is known.
		svc.send(t, `{"type":"joined","payload":{"room_id":"r2","username":"gina"}}`)
		synctest.Wait()
		checkState(t, s, chatsim.Joining)
	})
}

func TestSessionWaitJoinedClosed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		s := chatsim.NewSession("hank", nil)
		s.Start(cli)
		if err := s.JoinRoom(room); err != nil {
			t.Fatalf("JoinRoom: unexpected error: %v", err)
		}
		svc.next(t)

		go func() {
			time.Sleep(time.Second)
			s.Close()
		}()
		if err := s.WaitJoined(t.Context(), time.Minute); !errors.Is(err, chatsim.ErrSessionClosed) {
			t.Errorf("WaitJoined: got %v, want %v", err, chatsim.ErrSessionClosed)
		}
	})
}

func TestSessionConfirmTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		var log eventLog
		s := chatsim.NewSession("ivan", &chatsim.Options{Reporter: &log, ConfirmTimeout: 2 * time.Second})
		s.Start(cli)
		defer s.Close()
		joinRoom(t, s, svc)

		start := time.Now()
		p, err := s.SendMessage("echo?")
		if err != nil {
			t.Fatalf("SendMessage: unexpected error: %v", err)
		}
		svc.next(t)
		if err := p.Wait(t.Context()); !errors.Is(err, chatsim.ErrTimeoutExpired) {
			t.Errorf("Wait: got %v, want %v", err, chatsim.ErrTimeoutExpired)
		}
		if got := time.Since(start); got != 2*time.Second {
			t.Errorf("Wait took %v, want 2s", got)
		}
		if p.Resolved() {
			t.Error("Pending message resolved without an echo")
		}

		// A late echo is suppressed and settles nothing.
		svc.send(t, `{"type":"chat_message","payload":{"username":"ivan","content":"echo?"}}`)
		synctest.Wait()
		if err := p.Wait(t.Context()); !errors.Is(err, chatsim.ErrTimeoutExpired) {
			t.Errorf("Wait again: got %v, want %v", err, chatsim.ErrTimeoutExpired)
		}
		if n := log.count(chatsim.EventChat); n != 0 {
			t.Errorf("Got %d chat events for own messages, want 0", n)
		}
	})
}

func TestSessionMatchContent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		s := chatsim.NewSession("judy", nil)
		s.Start(cli)
		joinRoom(t, s, svc)

		p1 := mustSend(t, s, svc, "first")
		p2 := mustSend(t, s, svc, "second")
		p3 := mustSend(t, s, svc, "third")

		// Content selects the matching message, even out of order.
		svc.send(t, `{"type":"chat_message","payload":{"username":"judy","content":"second"}}`)
		synctest.Wait()
		checkResolved(t, []*chatsim.Pending{p1, p2, p3}, false, true, false)

		// An echo that matches nothing outstanding settles nothing.
		svc.send(t, `{"type":"chat_message","payload":{"username":"judy","content":"edited"}}`)
		synctest.Wait()
		checkResolved(t, []*chatsim.Pending{p1, p2, p3}, false, true, false)

		svc.send(t, `{"type":"chat_message","payload":{"username":"judy","content":"first"}}`)
		synctest.Wait()
		checkResolved(t, []*chatsim.Pending{p1, p2, p3}, true, true, false)

		// Another user's message with the same content settles nothing.
		svc.send(t, `{"type":"chat_message","payload":{"username":"kim","content":"third"}}`)
		synctest.Wait()
		checkResolved(t, []*chatsim.Pending{p1, p2, p3}, true, true, false)

		// Closing the session settles the remainder.
		s.Close()
		if err := p3.Wait(t.Context()); !errors.Is(err, chatsim.ErrSessionClosed) {
			t.Errorf("Wait after close: got %v, want %v", err, chatsim.ErrSessionClosed)
		}
	})
}

func TestSessionLateEcho(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		s := chatsim.NewSession("judy", &chatsim.Options{ConfirmTimeout: 2 * time.Second})
		s.Start(cli)
		defer s.Close()
		joinRoom(t, s, svc)

		pa := mustSend(t, s, svc, "A")
		if err := pa.Wait(t.Context()); !errors.Is(err, chatsim.ErrTimeoutExpired) {
			t.Fatalf("Wait A: got %v, want %v", err, chatsim.ErrTimeoutExpired)
		}
		pb := mustSend(t, s, svc, "B")

		// The late echo of A must not be taken as the confirmation of B.
		svc.send(t, `{"type":"chat_message","payload":{"username":"judy","content":"A"}}`)
		synctest.Wait()
		checkResolved(t, []*chatsim.Pending{pa, pb}, false, false)

		svc.send(t, `{"type":"chat_message","payload":{"username":"judy","content":"B"}}`)
		synctest.Wait()
		checkResolved(t, []*chatsim.Pending{pa, pb}, false, true)
	})
}

func TestSessionMatchClientID(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)

		s := chatsim.NewSession("kim", &chatsim.Options{TagMessages: true})
		s.Start(cli)
		defer s.Close()
		joinRoom(t, s, svc)

		var ps []*chatsim.Pending
		for _, text := range []string{"one", "two"} {
			p, err := s.SendMessage(text)
			if err != nil {
				t.Fatalf("SendMessage: unexpected error: %v", err)
			}
			if got := clientID(t, svc.next(t)); got != p.ID {
				t.Errorf("Sent client_id %q, want %q", got, p.ID)
			}
			ps = append(ps, p)
		}
		if ps[0].ID == ps[1].ID {
			t.Errorf("Pending IDs are not distinct: %q", ps[0].ID)
		}

		// Content does not matter, only the identifier.
		svc.send(t, `{"type":"chat_message","payload":{"username":"kim","content":"one","client_id":"`+ps[1].ID+`"}}`)
		synctest.Wait()
		checkResolved(t, ps, false, true)

		svc.send(t, `{"type":"chat_message","payload":{"username":"kim","content":"one","client_id":"bogus"}}`)
		synctest.Wait()
		checkResolved(t, ps, false, true)

		svc.send(t, `{"type":"chat_message","payload":{"username":"kim","client_id":"`+ps[0].ID+`"}}`)
		synctest.Wait()
		checkResolved(t, ps, true, true)
	})
}

func TestSessionSendFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cli, srv := transport.Direct()
		svc := newFakeService(srv)
		tr := &flakyTransport{Transport: cli}

		s := chatsim.NewSession("lou", nil)
		s.Start(tr)
		joinRoom(t, s, svc)

		tr.broken.Store(true)
		_, err := s.SendMessage("lost")
		var cerr *chatsim.ConnectionError
		if !errors.As(err, &cerr) {
			t.Fatalf("SendMessage: got %v, want *ConnectionError", err)
		}
		if cerr.Phase != "send message" || !errors.Is(err, errBroken) {
			t.Errorf("SendMessage: got phase %q error %v, want send message, %v", cerr.Phase, cerr.Err, errBroken)
		}
		checkState(t, s, chatsim.Errored)
		if got := s.Err(); got != err {
			t.Errorf("Err: got %v, want %v", got, err)
		}
		if err := s.RequestUsers(); !errors.Is(err, chatsim.ErrInvalidState) {
			t.Errorf("RequestUsers: got %v, want %v", err, chatsim.ErrInvalidState)
		}
		s.Close()
		checkState(t, s, chatsim.Closed)
	})
}

var errBroken = errors.New("broken pipe")

// flakyTransport fails all sends once broken is set.
type flakyTransport struct {
	chatsim.Transport
	broken atomic.Bool
}

func (f *flakyTransport) Send(data []byte) error {
	if f.broken.Load() {
		return errBroken
	}
	return f.Transport.Send(data)
}

// fakeService plays the role of the chat service on one end of a transport.
type fakeService struct {
	tr   chatsim.Transport
	recv chan string
}

func newFakeService(tr chatsim.Transport) *fakeService {
	f := &fakeService{tr: tr, recv: make(chan string, 16)}
	go func() {
		defer close(f.recv)
		for {
			data, err := tr.Recv()
			if err != nil {
				return
			}
			f.recv <- string(data)
		}
	}()
	return f
}

func (f *fakeService) send(t *testing.T, frame string) {
	t.Helper()
	if err := f.tr.Send([]byte(frame)); err != nil {
		t.Fatalf("Send %#q: %v", frame, err)
	}
}

func (f *fakeService) next(t *testing.T) string {
	t.Helper()
	select {
	case s, ok := <-f.recv:
		if !ok {
			t.Fatal("Service transport is closed")
		}
		return s
	case <-time.After(time.Minute):
		t.Fatal("Timed out waiting for a frame")
	}
	return ""
}

func (f *fakeService) expect(t *testing.T, want string) {
	t.Helper()
	if got := f.next(t); got != want {
		t.Errorf("Service received %#q, want %#q", got, want)
	}
}

// joinRoom moves s to the Joined state with a confirmation from svc.
func joinRoom(t *testing.T, s *chatsim.Session, svc *fakeService) {
	t.Helper()
	if err := s.JoinRoom(room); err != nil {
		t.Fatalf("JoinRoom: unexpected error: %v", err)
	}
	svc.next(t)
	svc.send(t, `{"type":"joined","payload":{"room_id":"r1","username":"`+s.Username()+`"}}`)
	if err := s.WaitJoined(t.Context(), time.Second); err != nil {
		t.Fatalf("WaitJoined: unexpected error: %v", err)
	}
}

func mustSend(t *testing.T, s *chatsim.Session, svc *fakeService, content string) *chatsim.Pending {
	t.Helper()
	p, err := s.SendMessage(content)
	if err != nil {
		t.Fatalf("SendMessage %q: unexpected error: %v", content, err)
	}
	svc.next(t)
	return p
}

func clientID(t *testing.T, frame string) string {
	t.Helper()
	var msg struct {
		Payload struct {
			ClientID string `json:"client_id"`
		} `json:"payload"`
	}
	if err := json.Unmarshal([]byte(frame), &msg); err != nil {
		t.Fatalf("Invalid frame %#q: %v", frame, err)
	}
	return msg.Payload.ClientID
}

func checkState(t *testing.T, s *chatsim.Session, want chatsim.State) {
	t.Helper()
	if got := s.State(); got != want {
		t.Errorf("State: got %v, want %v", got, want)
	}
}

func checkResolved(t *testing.T, ps []*chatsim.Pending, want ...bool) {
	t.Helper()
	for i, p := range ps {
		if got := p.Resolved(); got != want[i] {
			t.Errorf("Message %d (%q) resolved: got %v, want %v", i+1, p.Content, got, want[i])
		}
	}
}

func checkText(t *testing.T, log *eventLog, kind chatsim.EventKind, want string) {
	t.Helper()
	for _, e := range log.all() {
		if e.Kind == kind {
			if e.Text != want {
				t.Errorf("Event %v: got text %q, want %q", kind, e.Text, want)
			}
			return
		}
	}
	t.Errorf("No %v event was reported", kind)
}

// eventLog is a chatsim.Reporter that records events.
type eventLog struct {
	μ      sync.Mutex
	events []chatsim.Event
}

func (e *eventLog) Report(ev chatsim.Event) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) all() []chatsim.Event {
	e.μ.Lock()
	defer e.μ.Unlock()
	return append([]chatsim.Event(nil), e.events...)
}

func (e *eventLog) kinds() []chatsim.EventKind {
	var out []chatsim.EventKind
	for _, ev := range e.all() {
		out = append(out, ev.Kind)
	}
	return out
}

func (e *eventLog) count(kind chatsim.EventKind) (n int) {
	for _, ev := range e.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return
}
