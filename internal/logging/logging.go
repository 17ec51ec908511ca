// Package logging implements the orchestrator's structured logger: a sink
// consuming (level, event_name, fields map), matching the Logger external
// collaborator named in spec.md §1.
//
// Grounded on logiface-zerolog's Logger adapter (joeycumines go-utilpkg):
// the level-mapping switch in this file mirrors its newEvent method. The
// rest of logiface's generic Event/Builder/pooling machinery exists to let
// one call-site API target many interchangeable backends (zerolog, slog,
// logrus, stumpy); SPEC_FULL.md only ever needs one concrete backend, so
// this package is a direct, non-generic zerolog.Logger wrapper rather than
// a logiface instantiation.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is a structured (level, event, fields) sink backed by zerolog.
type Logger struct {
	z zerolog.Logger
}

// Option configures a new Logger.
type Option func(*options)

type options struct {
	level  Level
	format string // "json" or "console"
	writer io.Writer
}

// WithLevel sets the minimum level that will be emitted.
func WithLevel(l Level) Option {
	return func(o *options) { o.level = l }
}

// WithFormat selects "json" (default) or "console" output.
func WithFormat(format string) Option {
	return func(o *options) { o.format = format }
}

// WithWriter overrides the output writer (default os.Stderr). Primarily
// for tests.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// New builds a Logger from opts.
func New(opts ...Option) *Logger {
	o := options{level: LevelInfo, format: "json", writer: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	w := o.writer
	if o.format == "console" {
		w = zerolog.ConsoleWriter{Out: o.writer}
	}

	z := zerolog.New(w).With().Timestamp().Logger().Level(toZerologLevel(o.level))
	return &Logger{z: z}
}

// toZerologLevel mirrors logiface-zerolog's newEvent level switch, mapped
// onto this package's smaller Level enum.
func toZerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.Disabled
	}
}

// log is the single emission path; event is the stable event name (see
// SPEC_FULL.md §7's event name list) and fields are attached verbatim.
func (l *Logger) log(level Level, event string, fields map[string]any) {
	if l == nil {
		return
	}
	var e *zerolog.Event
	switch level {
	case LevelError:
		e = l.z.Error()
	case LevelWarn:
		e = l.z.Warn()
	case LevelDebug:
		e = l.z.Debug()
	default:
		e = l.z.Info()
	}
	if e == nil || !e.Enabled() {
		return
	}
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(event)
}

// Info emits an informational structured event.
func (l *Logger) Info(event string, fields map[string]any) { l.log(LevelInfo, event, fields) }

// Warn emits a warning structured event.
func (l *Logger) Warn(event string, fields map[string]any) { l.log(LevelWarn, event, fields) }

// Error emits an error structured event.
func (l *Logger) Error(event string, fields map[string]any) { l.log(LevelError, event, fields) }

// Debug emits a debug structured event.
func (l *Logger) Debug(event string, fields map[string]any) { l.log(LevelDebug, event, fields) }

// Nop returns a Logger that discards everything, for use when the caller
// does not care about log output (e.g. tests).
func Nop() *Logger {
	return &Logger{z: zerolog.Nop()}
}
