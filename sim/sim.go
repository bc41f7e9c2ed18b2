// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package sim drives many simulated chat users concurrently.
//
// A [Runner] validates a [Config], provisions the target room, and then runs
// each simulated user as an independent unit of work. Each user connects,
// joins the room, queries history and users, sends a paced series of
// messages, waits for their confirmations, leaves, and disconnects.  A
// failure in one user is recorded in the [Summary] and does not affect the
// others.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/creachadair/chatsim"
	"github.com/creachadair/chatsim/provision"
	"github.com/creachadair/chatsim/transport"
	"github.com/creachadair/taskgroup"
)

// A Provisioner ensures that a room exists. A *provision.Client satisfies
// this interface.
type Provisioner interface {
	Ensure(ctx context.Context, name string) (chatsim.RoomHandle, error)
}

// A Runner runs simulations.
type Runner struct {
	// Dialer opens transports for sessions. If nil, a transport.WebSocket
	// with default settings is used.
	Dialer chatsim.Dialer

	// Provisioner ensures the room exists. If nil, a provision.Client is
	// derived from the server URL.
	Provisioner Provisioner

	// Reporter receives events from all sessions. If nil, events are
	// discarded.
	Reporter chatsim.Reporter
}

// Summary reports the outcome of a run.
type Summary struct {
	Room           chatsim.RoomHandle
	Users          int // users started
	Completed      int // users that finished their script
	MessagesIssued int // message frames sent
	Confirmed      int // messages whose echo was observed
	TimedOut       int // messages whose confirmation lapsed
	PerUser        []UserStats
	Errors         []*UserError
	Duration       time.Duration
}

// UserStats are the results for one simulated user.
type UserStats struct {
	User      string
	Issued    int
	Confirmed int
	TimedOut  int
	Completed bool
}

// A UserError records the failure of one simulated user.
type UserError struct {
	User  string
	Phase string // the step of the script that failed
	Err   error
}

func (e *UserError) Error() string { return fmt.Sprintf("%s (%s): %v", e.User, e.Phase, e.Err) }

// Unwrap reports the underlying error.
func (e *UserError) Unwrap() error { return e.Err }

// String renders a multi-line human-readable summary.
func (s *Summary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "room:      %v\n", s.Room)
	fmt.Fprintf(&sb, "users:     %d started, %d completed\n", s.Users, s.Completed)
	fmt.Fprintf(&sb, "messages:  %d issued, %d confirmed, %d unconfirmed\n", s.MessagesIssued, s.Confirmed, s.TimedOut)
	fmt.Fprintf(&sb, "duration:  %v\n", s.Duration.Round(time.Millisecond))
	for _, e := range s.Errors {
		fmt.Fprintf(&sb, "error:     %v\n", e)
	}
	return sb.String()
}

// Run validates cfg, provisions the room, and runs one session per user
// until all have finished or ctx ends.
//
// Configuration and provisioning errors are fatal, and Run reports them with
// a nil summary before any session starts. Failures of individual users are
// recorded in the summary instead. If ctx ends before all users finish, Run
// reports the summary so far along with the error from ctx.
func (r Runner) Run(ctx context.Context, cfg Config) (*Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prov := r.Provisioner
	if prov == nil {
		c, err := provision.FromServerURL(cfg.ServerURL)
		if err != nil {
			return nil, &chatsim.ValidationError{Field: "server", Message: err.Error()}
		}
		prov = c
	}
	dialer := r.Dialer
	if dialer == nil {
		dialer = transport.WebSocket{}
	}
	rep := r.Reporter
	if rep == nil {
		rep = chatsim.Discard
	}

	start := time.Now()
	room, err := prov.Ensure(ctx, cfg.Room)
	if err != nil {
		var perr *chatsim.ProvisioningError
		if !errors.As(err, &perr) {
			err = &chatsim.ProvisioningError{Room: cfg.Room, Err: err}
		}
		return nil, err
	}
	rep.Report(chatsim.Event{Time: time.Now(), User: "sim", Text: "room ready: " + room.String()})

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	names := pickUsers(rng, cfg.Usernames, cfg.Users)

	results := make([]userResult, len(names))
	g := taskgroup.New(nil)
	for i, name := range names {
		u := &user{
			cfg:    cfg,
			dialer: dialer,
			rep:    rep,
			room:   room,
			name:   name,
			index:  i,
			rng:    rand.New(rand.NewPCG(rng.Uint64(), uint64(i))),
		}
		if len(cfg.Colors) != 0 {
			u.color = cfg.Colors[i%len(cfg.Colors)]
		}
		g.Go(func() error {
			results[i] = u.run(ctx)
			return nil
		})
	}
	g.Wait()

	sum := &Summary{Room: room, Users: len(names), Duration: time.Since(start)}
	for _, res := range results {
		sum.PerUser = append(sum.PerUser, res.UserStats)
		sum.MessagesIssued += res.Issued
		sum.Confirmed += res.Confirmed
		sum.TimedOut += res.TimedOut
		if res.Completed {
			sum.Completed++
		}
		if res.err != nil {
			sum.Errors = append(sum.Errors, res.err)
		}
	}
	slices.SortFunc(sum.Errors, func(a, b *UserError) int { return strings.Compare(a.User, b.User) })
	return sum, ctx.Err()
}

// pickUsers chooses n distinct names from pool.
func pickUsers(rng *rand.Rand, pool []string, n int) []string {
	out := make([]string, n)
	for i, j := range rng.Perm(len(pool))[:n] {
		out[i] = pool[j]
	}
	return out
}

type userResult struct {
	UserStats
	err *UserError
}

// A user is the script state of one simulated user.
type user struct {
	cfg    Config
	dialer chatsim.Dialer
	rep    chatsim.Reporter
	room   chatsim.RoomHandle
	name   string
	color  string
	index  int
	rng    *rand.Rand
}

func (u *user) run(ctx context.Context) (res userResult) {
	res.User = u.name
	if !sleep(ctx, time.Duration(u.index)*u.cfg.Stagger) {
		return u.fail(res, "start", ctx.Err())
	}

	s := chatsim.NewSession(u.name, &chatsim.Options{
		Color:          u.color,
		Reporter:       u.rep,
		ConfirmTimeout: u.cfg.ConfirmTimeout,
		TagMessages:    u.cfg.TagMessages,
	})
	defer s.Close()

	// cause prefers the failure that broke the session, if any, over the
	// error from the operation that noticed it.
	cause := func(err error) error {
		if serr := s.Err(); serr != nil && !errors.Is(err, serr) {
			return serr
		}
		return err
	}

	if err := s.Connect(ctx, u.dialer, u.cfg.ServerURL); err != nil {
		return u.fail(res, "connect", err)
	}
	if err := s.JoinRoom(u.room); err != nil {
		return u.fail(res, "join", cause(err))
	}
	if err := s.WaitJoined(ctx, u.cfg.JoinWait); err != nil && !errors.Is(err, chatsim.ErrTimeoutExpired) {
		return u.fail(res, "join", cause(err))
	}

	if err := s.RequestHistory(); err != nil {
		return u.fail(res, "history", cause(err))
	}
	if !sleep(ctx, u.cfg.HistoryWait) {
		return u.fail(res, "history", ctx.Err())
	}
	if err := s.RequestUsers(); err != nil {
		return u.fail(res, "users", cause(err))
	}
	if !sleep(ctx, u.cfg.UsersWait) {
		return u.fail(res, "users", ctx.Err())
	}

	pending := make([]*chatsim.Pending, 0, u.cfg.Messages)
	for range u.cfg.Messages {
		if !sleep(ctx, u.delay()) {
			return u.fail(res, "message", ctx.Err())
		}
		content := u.cfg.SampleMessages[u.rng.IntN(len(u.cfg.SampleMessages))]
		p, err := s.SendMessage(content)
		if err != nil {
			return u.fail(res, "message", cause(err))
		}
		res.Issued++
		pending = append(pending, p)
	}

	// Each wait is bounded by the deadline of its message, so this loop
	// cannot outlast the last deadline.
	for _, p := range pending {
		err := p.Wait(ctx)
		switch {
		case err == nil:
			res.Confirmed++
		case errors.Is(err, chatsim.ErrTimeoutExpired):
			res.TimedOut++
			u.report(chatsim.EventConfirmTimeout, fmt.Sprintf("no confirmation for %q", p.Content), err)
		case ctx.Err() != nil:
			return u.fail(res, "confirm", ctx.Err())
		default:
			return u.fail(res, "confirm", cause(err))
		}
	}

	if !sleep(ctx, u.cfg.Linger) {
		return u.fail(res, "leave", ctx.Err())
	}
	if err := s.Leave(); err != nil {
		return u.fail(res, "leave", cause(err))
	}
	if !sleep(ctx, u.cfg.LeaveWait) {
		return u.fail(res, "leave", ctx.Err())
	}
	if err := s.Close(); err != nil {
		return u.fail(res, "close", err)
	}
	if err := s.Err(); err != nil {
		return u.fail(res, "listen", err)
	}
	res.Completed = true
	return res
}

func (u *user) fail(res userResult, phase string, err error) userResult {
	res.err = &UserError{User: u.name, Phase: phase, Err: err}
	var cerr *chatsim.ConnectionError
	if phase != "connect" || !errors.As(err, &cerr) {
		// The session reports its own connection failures.
		u.report(chatsim.EventInfo, "aborted during "+phase, err)
	}
	return res
}

func (u *user) report(kind chatsim.EventKind, text string, err error) {
	u.rep.Report(chatsim.Event{
		Time:  time.Now(),
		User:  u.name,
		Color: u.color,
		Kind:  kind,
		Text:  text,
		Err:   err,
	})
}

// delay returns a pacing delay drawn uniformly from the configured range.
func (u *user) delay() time.Duration {
	span := u.cfg.MaxDelay - u.cfg.MinDelay
	return u.cfg.MinDelay + time.Duration(u.rng.Int64N(int64(span)+1))
}

// sleep waits for d or until ctx ends, and reports whether ctx is still
// active.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
