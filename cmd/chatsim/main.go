// Program chatsim drives simulated users against a chat service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/chatsim"
	"github.com/creachadair/chatsim/config"
	"github.com/creachadair/chatsim/fakechat"
	"github.com/creachadair/chatsim/report"
	"github.com/creachadair/chatsim/sim"
	"github.com/creachadair/chatsim/transport"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

var runFlags struct {
	Server         string        `flag:"server,default=ws://localhost:8080/ws,WebSocket URL of the chat service"`
	Room           string        `flag:"room,default=lobby,Room to join"`
	Users          int           `flag:"users,default=3,Number of simulated users"`
	Messages       int           `flag:"messages,default=5,Messages sent by each user"`
	MinDelay       time.Duration `flag:"min-delay,default=500ms,Minimum delay before each message"`
	MaxDelay       time.Duration `flag:"max-delay,default=2s,Maximum delay before each message"`
	Stagger        time.Duration `flag:"stagger,default=200ms,Delay between the starts of successive users"`
	ConfirmTimeout time.Duration `flag:"confirm-timeout,default=5s,Time to wait for each message echo"`
	TagMessages    bool          `flag:"tag-messages,Send a client ID with each message"`
	Seed           uint64        `flag:"seed,Random seed (0 means random)"`

	Config  string `flag:"config,Scenario file (.yaml or .toml)"`
	EnvFile string `flag:"env-file,default=.env,Dotenv file to load if present"`

	LogFormat    string        `flag:"log-format,default=console,Event output format (console or json or dev)"`
	NoColor      bool          `flag:"no-color,Disable colored console output"`
	NATSURL      string        `flag:"nats-url,NATS server to publish events to"`
	NATSSubject  string        `flag:"nats-subject,default=chatsim,Subject prefix for published events"`
	PingInterval time.Duration `flag:"ping,default=30s,WebSocket ping interval (0 to disable)"`
	WriteTimeout time.Duration `flag:"write-timeout,default=10s,Timeout for each outbound frame"`
}

// runFS is the flag set for the run command, retained so that explicitly
// set flags can take precedence over other configuration sources.
var runFS *flag.FlagSet

var serveFlags struct {
	Addr          string `flag:"addr,default=localhost:8080,Address to listen on"`
	Users         string `flag:"users-shape,default=objects,Users payload shape (objects or names or nested or nested-objects)"`
	NestedHistory bool   `flag:"nested-history,Wrap history payloads in an object"`
	Rate          int    `flag:"rate,Per-connection message rate limit (0 for none)"`
	Burst         int    `flag:"burst,default=20,Burst size for the rate limit"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Drive simulated users against a room-based chat service.",
		Commands: []*command.C{
			{
				Name:  "run",
				Usage: "[flags]",
				Help: `Run a chat simulation.

Each simulated user connects to the service, joins the room, requests the
room history and user list, sends a series of paced messages, and leaves.
The room is created first if it does not exist.

Settings are read from the defaults, then the scenario file (--config),
then CHATSIM_* environment variables (also read from --env-file), and
finally from any flags given explicitly on the command line.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					runFS = fs
					flax.MustBind(fs, &runFlags)
				},
				Run: runSimulation,
			},
			{
				Name:  "serve",
				Usage: "[flags]",
				Help:  "Run an in-process chat service for local experiments.",
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &serveFlags)
				},
				Run: runServe,
			},
			{
				Name:  "encode",
				Usage: "join <room> <user>\nmessage <text>...\nleave|history|users",
				Help:  "Print the wire encoding of an outbound frame.",
				Run:   runEncode,
			},
			{
				Name: "decode",
				Help: `Decode frames from stdin, one per line, and print them.

Lines that are not valid frames are reported and skipped.`,
				Run: runDecode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runSimulation(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	cfg, err := config.Resolve(config.Sources{
		File:    runFlags.Config,
		EnvFile: runFlags.EnvFile,
	}, explicitSettings(runFS))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rep, closeReporter, err := newReporter()
	if err != nil {
		return err
	}
	defer closeReporter()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	fmt.Printf("Chat simulation: %d users × %d messages in room %q at %s\n\n",
		cfg.Users, cfg.Messages, cfg.Room, cfg.ServerURL)
	sum, err := sim.Runner{
		Dialer: transport.WebSocket{
			PingInterval: runFlags.PingInterval,
			WriteTimeout: runFlags.WriteTimeout,
		},
		Reporter: rep,
	}.Run(ctx, cfg)
	if sum != nil {
		fmt.Print("\n", sum)
	}
	if err != nil {
		return err
	} else if len(sum.Errors) != 0 {
		return fmt.Errorf("%d of %d users failed", len(sum.Errors), sum.Users)
	}
	return nil
}

// explicitSettings returns the settings for run flags that were set on the
// command line.
func explicitSettings(fs *flag.FlagSet) *config.Settings {
	var s config.Settings
	if fs == nil {
		return &s
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			s.Server = &runFlags.Server
		case "room":
			s.Room = &runFlags.Room
		case "users":
			s.Users = &runFlags.Users
		case "messages":
			s.Messages = &runFlags.Messages
		case "min-delay":
			s.MinDelay = &runFlags.MinDelay
		case "max-delay":
			s.MaxDelay = &runFlags.MaxDelay
		case "stagger":
			s.Stagger = &runFlags.Stagger
		case "confirm-timeout":
			s.ConfirmTimeout = &runFlags.ConfirmTimeout
		case "tag-messages":
			s.TagMessages = &runFlags.TagMessages
		case "seed":
			s.Seed = &runFlags.Seed
		}
	})
	return &s
}

// newReporter constructs the event reporter selected by the flags, and a
// function to release its resources.
func newReporter() (chatsim.Reporter, func(), error) {
	var rep chatsim.Reporter
	var cleanup []func()
	switch runFlags.LogFormat {
	case "console":
		c := report.NewConsole(os.Stdout)
		if runFlags.NoColor || os.Getenv("NO_COLOR") != "" {
			c.SetColor(false)
		}
		rep = c
	case "json", "dev":
		newLogger := zap.NewProduction
		if runFlags.LogFormat == "dev" {
			newLogger = zap.NewDevelopment
		}
		log, err := newLogger()
		if err != nil {
			return nil, nil, fmt.Errorf("create logger: %w", err)
		}
		rep = report.NewZap(log)
		cleanup = append(cleanup, func() { log.Sync() })
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", runFlags.LogFormat)
	}

	if runFlags.NATSURL != "" {
		nr, err := report.DialNATS(runFlags.NATSURL, runFlags.NATSSubject)
		if err != nil {
			return nil, nil, err
		}
		rep = report.Multi(rep, nr)
		cleanup = append(cleanup, func() {
			if err := nr.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: closing NATS: %v\n", err)
			}
			if n := nr.Failed(); n != 0 {
				fmt.Fprintf(os.Stderr, "Warning: %d events were not published\n", n)
			}
		})
	}
	return rep, func() {
		for _, f := range cleanup {
			f()
		}
	}, nil
}

func runServe(env *command.Env) error {
	shapes := map[string]fakechat.UsersShape{
		"objects":        fakechat.UserObjects,
		"names":          fakechat.UserNames,
		"nested":         fakechat.NestedNames,
		"nested-objects": fakechat.NestedObjects,
	}
	shape, ok := shapes[serveFlags.Users]
	if !ok {
		return env.Usagef("unknown users shape %q", serveFlags.Users)
	}
	svc := fakechat.New(&fakechat.Options{
		Users:         shape,
		NestedHistory: serveFlags.NestedHistory,
		Rate:          serveFlags.Rate,
		Burst:         serveFlags.Burst,
	})
	srv := &http.Server{Addr: serveFlags.Addr, Handler: svc}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	g := taskgroup.New(nil)
	g.Go(func() error {
		<-ctx.Done()
		svc.Close()
		sctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return srv.Shutdown(sctx)
	})
	fmt.Fprintf(os.Stderr, "Chat service listening at ws://%s/ws\n", serveFlags.Addr)
	err := srv.ListenAndServe()
	cancel()
	if werr := g.Wait(); err == nil || errors.Is(err, http.ErrServerClosed) {
		err = werr
	}
	return err
}

func runEncode(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing frame type")
	}
	kind, err := chatsim.ParseKind(env.Args[0])
	if err != nil {
		return err
	}
	args := env.Args[1:]

	var act chatsim.Action
	switch kind {
	case chatsim.KindJoin:
		if len(args) != 2 {
			return env.Usagef("join requires <room> <user>")
		}
		act = chatsim.Join(args[0], args[1])
	case chatsim.KindMessage:
		if len(args) == 0 {
			return env.Usagef("message requires text")
		}
		act = chatsim.Message(strings.Join(args, " "))
	default:
		if len(args) != 0 {
			return fmt.Errorf("extra arguments: %q", args)
		}
		act = chatsim.Action{Kind: kind}
	}
	fmt.Printf("%s\n", act.Encode())
	return nil
}

func runDecode(env *command.Env) error {
	in := transport.IO(os.Stdin, nopCloser{os.Stdout})
	for {
		data, err := in.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		f, err := chatsim.DecodeFrame(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Println(f)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
