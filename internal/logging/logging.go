// Copyright (C) 2026 Ouroboros contributors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging is the structured logger every Ouroboros
// subsystem is handed at construction time, mirroring the teacher's
// `*logging.Logger` injection pattern. It renders the daemon's
// prefixed levels (spec §7: EE, WW, II, DB, NI) and forwards to an
// optional syslog sink.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps slog.Logger with a component tag (irmd, fmgr,
// ribmgr, gam, ...) attached to every record, the way the teacher
// hands a per-subsystem logger to each constructor
// (logging.WithComponent("scanner"), logging.WithComponent("scheduler")).
type Logger struct {
	base      *slog.Logger
	component string
}

var (
	mu      sync.Mutex
	handler slog.Handler = newPrefixHandler(os.Stderr, slog.LevelInfo)
)

// SetOutput redirects every future Logger's output to w, for example
// a writer from NewSyslogWriter (see syslog.go). The daemon
// entrypoints under cmd/ do not call it and log to stderr.
func SetOutput(w io.Writer, level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	handler = newPrefixHandler(w, level)
}

// WithComponent returns a Logger tagged with the given subsystem
// name. Every Ouroboros constructor that needs to log takes a
// *Logger built this way, e.g. logging.WithComponent("irmd").
func WithComponent(component string) *Logger {
	mu.Lock()
	h := handler
	mu.Unlock()
	return &Logger{base: slog.New(h), component: component}
}

func (l *Logger) with(level slog.Level, notice bool, msg string, args []any) {
	if l == nil {
		return
	}
	allArgs := make([]any, 0, len(args)+2)
	allArgs = append(allArgs, "component", l.component)
	if notice {
		allArgs = append(allArgs, "notice", true)
	}
	allArgs = append(allArgs, args...)
	l.base.Log(context.Background(), level, msg, allArgs...)
}

// Error logs at the EE (error) level.
func (l *Logger) Error(msg string, args ...any) { l.with(slog.LevelError, false, msg, args) }

// Warn logs at the WW (warning) level.
func (l *Logger) Warn(msg string, args ...any) { l.with(slog.LevelWarn, false, msg, args) }

// Info logs at the II (info) level.
func (l *Logger) Info(msg string, args ...any) { l.with(slog.LevelInfo, false, msg, args) }

// Debug logs at the DB (debug) level.
func (l *Logger) Debug(msg string, args ...any) { l.with(slog.LevelDebug, false, msg, args) }

// Notice logs at the NI level: an Info-level record with a notice
// attribute, for the one-off operational events (enrolment
// complete, IPCP created) the spec calls out separately from routine
// Info traffic.
func (l *Logger) Notice(msg string, args ...any) { l.with(slog.LevelInfo, true, msg, args) }

// prefixHandler renders "[EE] msg key=val ..." lines, the bracketed
// subsystem-tag style the teacher's log.Printf("[CTL] ...") calls
// use, generalised to the spec's level prefixes rather than a fixed
// subsystem tag.
type prefixHandler struct {
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
	mu    *sync.Mutex
}

func newPrefixHandler(w io.Writer, level slog.Level) *prefixHandler {
	return &prefixHandler{w: w, level: level, mu: &sync.Mutex{}}
}

func (h *prefixHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prefixHandler) prefix(level slog.Level, notice bool) string {
	switch {
	case notice:
		return "NI"
	case level >= slog.LevelError:
		return "EE"
	case level >= slog.LevelWarn:
		return "WW"
	case level >= slog.LevelInfo:
		return "II"
	default:
		return "DB"
	}
}

func (h *prefixHandler) Handle(_ context.Context, r slog.Record) error {
	notice := false
	fields := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "notice" {
			notice = true
			return true
		}
		fields[a.Key] = a.Value.Any()
		return true
	})

	line := fmt.Sprintf("[%s] %s", h.prefix(r.Level, notice), r.Message)
	for k, v := range fields {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	line += "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line)
	return err
}

func (h *prefixHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &prefixHandler{w: h.w, level: h.level, mu: h.mu}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *prefixHandler) WithGroup(_ string) slog.Handler {
	return h
}
