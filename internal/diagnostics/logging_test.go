package diagnostics

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactingHandlerStripsSecret(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	h := &redactingHandler{next: base, secrets: cleanSecrets([]string{"0xdeadbeef"})}
	logger := slog.New(h)

	logger.Info("signed with key 0xdeadbeef for order", "raw", "0xdeadbeef")

	out := buf.String()
	if strings.Contains(out, "deadbeef") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output: %s", out)
	}
}

func TestCleanSecretsStripsPrefix(t *testing.T) {
	got := cleanSecrets([]string{"0xabc", ""})
	want := []string{"0xabc", "abc"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestHandlerEnabledDelegates(t *testing.T) {
	base := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := &redactingHandler{next: base}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("expected info level disabled when base handler set to warn")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("expected error level enabled")
	}
}
