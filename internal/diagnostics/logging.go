// Package diagnostics wires up structured logging and secret redaction.
//
// It mirrors the donor binary's choice of log/slog with a JSON handler in
// production and a text handler in development, but adds a redacting
// wrapper so the secret strings passed to NewLogger (cmd/bot passes the
// private key) never reach the log stream — the Go equivalent of the original bot's
// logging.Filter-based secret scrubber.
package diagnostics

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the root logger. jsonFormat selects JSON vs text output;
// secrets are the literal strings to redact from every record (e.g. the
// private key), each matched with and without its 0x prefix.
func NewLogger(jsonFormat bool, level slog.Level, secrets ...string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	if jsonFormat {
		base = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		base = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(&redactingHandler{next: base, secrets: cleanSecrets(secrets)})
}

func cleanSecrets(secrets []string) []string {
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s == "" {
			continue
		}
		out = append(out, s)
		if strings.HasPrefix(s, "0x") {
			out = append(out, s[2:])
		}
	}
	return out
}

// redactingHandler wraps another slog.Handler and replaces any occurrence
// of a configured secret in the record's message and string attributes
// with "[REDACTED]" before passing it downstream.
type redactingHandler struct {
	next    slog.Handler
	secrets []string
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	if len(h.secrets) == 0 {
		return h.next.Handle(ctx, r)
	}

	r.Message = h.redact(r.Message)

	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, h.redact(a.Value.String()))
	}
	return a
}

func (h *redactingHandler) redact(s string) string {
	for _, secret := range h.secrets {
		if secret != "" && strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, "[REDACTED]")
		}
	}
	return s
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &redactingHandler{next: h.next.WithAttrs(attrs), secrets: h.secrets}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), secrets: h.secrets}
}
