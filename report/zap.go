// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package report

import (
	"github.com/creachadair/chatsim"
	"go.uber.org/zap"
)

// Zap is a reporter that writes each event as a structured log entry.
// Failures are logged at error level, lapsed timeouts at warning level, and
// all other events at info level.
type Zap struct{ log *zap.Logger }

// NewZap constructs a reporter that logs to log.
func NewZap(log *zap.Logger) Zap { return Zap{log: log} }

// Report implements the [chatsim.Reporter] interface.
func (z Zap) Report(e chatsim.Event) {
	fields := []zap.Field{
		zap.String("user", e.User),
		zap.String("event", e.Kind.String()),
	}
	if e.Frame != nil {
		fields = append(fields, zap.String("frame", e.Frame.Type))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}

	switch {
	case e.Kind.IsError():
		z.log.Error(e.Text, fields...)
	case e.Err != nil:
		z.log.Warn(e.Text, fields...)
	default:
		z.log.Info(e.Text, fields...)
	}
}
