// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package config assembles a simulation configuration from layered sources.
//
// Settings are applied in increasing order of precedence:
//
//  1. The defaults from sim.DefaultConfig.
//  2. A scenario file, in YAML (.yaml, .yml) or TOML (.toml) format.
//  3. Environment variables named CHATSIM_*, optionally loaded from a
//     dotenv file.
//  4. Explicit overrides, typically from command-line flags.
//
// Every layer is represented as a [Settings] value in which nil fields are
// unset.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/chatsim/sim"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment variables consulted.
const EnvPrefix = "CHATSIM_"

// Settings is one layer of configuration. Nil fields are not set by the
// layer.
type Settings struct {
	Server         *string        `yaml:"server" toml:"server"`
	Room           *string        `yaml:"room" toml:"room"`
	Users          *int           `yaml:"users" toml:"users"`
	Messages       *int           `yaml:"messages" toml:"messages"`
	MinDelay       *time.Duration `yaml:"min_delay" toml:"min_delay"`
	MaxDelay       *time.Duration `yaml:"max_delay" toml:"max_delay"`
	Stagger        *time.Duration `yaml:"stagger" toml:"stagger"`
	JoinWait       *time.Duration `yaml:"join_wait" toml:"join_wait"`
	Linger         *time.Duration `yaml:"linger" toml:"linger"`
	ConfirmTimeout *time.Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	TagMessages    *bool          `yaml:"tag_messages" toml:"tag_messages"`
	Seed           *uint64        `yaml:"seed" toml:"seed"`
	Usernames      []string       `yaml:"usernames" toml:"usernames"`
	SampleMessages []string       `yaml:"sample_messages" toml:"sample_messages"`
}

// Apply updates cfg with the fields set in s.
func (s *Settings) Apply(cfg *sim.Config) {
	if s == nil {
		return
	}
	set(&cfg.ServerURL, s.Server)
	set(&cfg.Room, s.Room)
	set(&cfg.Users, s.Users)
	set(&cfg.Messages, s.Messages)
	set(&cfg.MinDelay, s.MinDelay)
	set(&cfg.MaxDelay, s.MaxDelay)
	set(&cfg.Stagger, s.Stagger)
	set(&cfg.JoinWait, s.JoinWait)
	set(&cfg.Linger, s.Linger)
	set(&cfg.ConfirmTimeout, s.ConfirmTimeout)
	set(&cfg.TagMessages, s.TagMessages)
	set(&cfg.Seed, s.Seed)
	if s.Usernames != nil {
		cfg.Usernames = s.Usernames
	}
	if s.SampleMessages != nil {
		cfg.SampleMessages = s.SampleMessages
	}
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// LoadFile reads a scenario file. The format is chosen by the file
// extension. Unknown keys are reported as errors.
func LoadFile(path string) (*Settings, error) {
	var s Settings
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}

	case ".toml":
		md, err := toml.DecodeFile(path, &s)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if extra := md.Undecoded(); len(extra) != 0 {
			return nil, fmt.Errorf("decode %s: unknown keys %v", path, extra)
		}

	default:
		return nil, fmt.Errorf("unknown scenario file type %q", ext)
	}
	return &s, nil
}

// LoadEnvFile loads variables from a dotenv file into the environment,
// without replacing variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FromEnv reads settings from CHATSIM_* variables using lookup, which has
// the signature of os.LookupEnv. Lists are comma-separated.
func FromEnv(lookup func(string) (string, bool)) (*Settings, error) {
	var s Settings
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	check := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		}
	}

	if v, ok := get("SERVER"); ok {
		s.Server = &v
	}
	if v, ok := get("ROOM"); ok {
		s.Room = &v
	}
	s.Users = parseEnv(get, "USERS", strconv.Atoi, check)
	s.Messages = parseEnv(get, "MESSAGES", strconv.Atoi, check)
	s.MinDelay = parseEnv(get, "MIN_DELAY", time.ParseDuration, check)
	s.MaxDelay = parseEnv(get, "MAX_DELAY", time.ParseDuration, check)
	s.Stagger = parseEnv(get, "STAGGER", time.ParseDuration, check)
	s.JoinWait = parseEnv(get, "JOIN_WAIT", time.ParseDuration, check)
	s.Linger = parseEnv(get, "LINGER", time.ParseDuration, check)
	s.ConfirmTimeout = parseEnv(get, "CONFIRM_TIMEOUT", time.ParseDuration, check)
	s.TagMessages = parseEnv(get, "TAG_MESSAGES", strconv.ParseBool, check)
	s.Seed = parseEnv(get, "SEED", func(v string) (uint64, error) {
		return strconv.ParseUint(v, 10, 64)
	}, check)
	if v, ok := get("USERNAMES"); ok {
		s.Usernames = splitList(v)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &s, nil
}

// parseEnv parses the named variable, if it is set. Parse errors are passed
// to check and leave the setting unset.
func parseEnv[T any](get func(string) (string, bool), name string, parse func(string) (T, error), check func(string, error)) *T {
	v, ok := get(name)
	if !ok {
		return nil
	}
	out, err := parse(v)
	if err != nil {
		check(name, err)
		return nil
	}
	return &out
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Sources name the configuration layers to read.
type Sources struct {
	File    string // scenario file, or "" for none
	EnvFile string // dotenv file, or "" for none

	// Lookup reads environment variables. If nil, os.LookupEnv is used.
	Lookup func(string) (string, bool)
}

// Resolve builds a configuration by applying each layer of src, then each
// of the overrides, to sim.DefaultConfig. It does not validate the result.
func Resolve(src Sources, overrides ...*Settings) (sim.Config, error) {
	cfg := sim.DefaultConfig()
	if src.File != "" {
		s, err := LoadFile(src.File)
		if err != nil {
			return cfg, err
		}
		s.Apply(&cfg)
	}
	if src.EnvFile != "" {
		if err := LoadEnvFile(src.EnvFile); err != nil {
			return cfg, err
		}
	}
	lookup := src.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env, err := FromEnv(lookup)
	if err != nil {
		return cfg, err
	}
	env.Apply(&cfg)
	for _, o := range overrides {
		o.Apply(&cfg)
	}
	return cfg, nil
}
