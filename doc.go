// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package chatsim implements simulated users for a room-based chat service.
//
// A simulated user exchanges JSON frames with the chat service over a duplex
// transport, typically a WebSocket. Each frame is an object of the form
//
//	{"type": "<kind>", "payload": <object, array, or absent>}
//
// The package provides the protocol codec, a per-user session state machine
// with its listener, and correlation of sent messages with their echoes. The
// sim package builds on this to drive many users concurrently.
//
// # Sessions
//
// The core type defined by this package is the [Session]. To create a new,
// unconnected session:
//
//	s := chatsim.NewSession("alice", &chatsim.Options{Reporter: rep})
//
// To connect, give the session a [Dialer] and the URL of the service:
//
//	if err := s.Connect(ctx, dialer, "ws://localhost:8080/ws"); err != nil {
//	   log.Fatalf("Connect: %v", err)  // err has type *chatsim.ConnectionError
//	}
//
// Once connected, a listener routine drains the transport, updates the state
// of the session, and reports each interesting frame to the [Reporter].  The
// session runs until [Session.Close] is called or the transport fails:
//
//	defer s.Close()
//
// # States
//
// A session moves through the states
//
//	Disconnected → Connecting → Connected → Joining → Joined → Leaving → Closed
//
// A transport failure moves a session to Errored from any state before
// Closed. Closing is always permitted, and always ends in Closed.
//
// The transition from Joining to Joined happens when the service confirms
// the join. The confirmation is advisory: [Session.WaitJoined] waits for a
// bounded time and then promotes the session regardless.
//
// # Correlation
//
// The service broadcasts each chat message to every member of the room,
// including its sender. A session recognizes its own messages by username,
// suppresses them from its reports, and uses them to settle the [Pending]
// value returned by [Session.SendMessage]:
//
//	p, err := s.SendMessage("hello")
//	if err != nil {
//	   return err
//	}
//	if err := p.Wait(ctx); errors.Is(err, chatsim.ErrTimeoutExpired) {
//	   // no echo within the confirmation budget; carry on
//	}
//
// The choice of which pending message an echo settles is made by a
// [Matcher]. A service that echoes a client identifier permits exact
// correlation with [MatchClientID].
//
// # Frames
//
// Use [Action.Encode] to encode outbound frames and [DecodeFrame] to decode
// inbound ones. Decoding is lenient: only input that is not a JSON object is
// an error, and payloads of unexpected shape decode to default values.
package chatsim
