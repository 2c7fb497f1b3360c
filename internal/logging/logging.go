// Package logging builds the process-wide structured logger and exposes the
// narrow Logger interface the rest of atlas depends on, so ingestion and
// retrieval code stays decoupled from any one logging library.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the minimal logging interface satisfied by zerolog and others.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// ZerologLogger adapts zerolog.Logger to Logger.
type ZerologLogger struct {
	z zerolog.Logger
}

// New builds a ZerologLogger writing JSON lines to w at the given level
// ("debug", "info", "warn", "error"; defaults to "info" on parse failure).
func New(w io.Writer, level string) *ZerologLogger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	z := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &ZerologLogger{z: z}
}

// Default builds a ZerologLogger writing to stdout at info level, reading
// LOG_LEVEL from the environment for an override.
func Default() *ZerologLogger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	return New(os.Stdout, level)
}

func (l *ZerologLogger) event(e *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (l *ZerologLogger) Debug(msg string, fields map[string]any) { l.event(l.z.Debug(), msg, fields) }
func (l *ZerologLogger) Info(msg string, fields map[string]any)  { l.event(l.z.Info(), msg, fields) }
func (l *ZerologLogger) Warn(msg string, fields map[string]any)  { l.event(l.z.Warn(), msg, fields) }
func (l *ZerologLogger) Error(msg string, fields map[string]any) { l.event(l.z.Error(), msg, fields) }

// nop is a Logger that discards everything; useful as a safe zero value in
// tests that don't care about log output.
type nop struct{}

func (nop) Debug(string, map[string]any) {}
func (nop) Info(string, map[string]any)  {}
func (nop) Warn(string, map[string]any)  {}
func (nop) Error(string, map[string]any) {}

// Nop returns a Logger that discards all output.
func Nop() Logger { return nop{} }
