package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizingHandlerRedactsSensitiveAndFingerprintsIDs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))
	logger.Info("ingested",
		"discussion_id", "d-123",
		"body", "hello world",
		"outcome", "processed",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["discussion_id"]; ok {
		t.Fatal("discussion_id should not be present in plaintext")
	}
	fp, ok := payload["discussion_id_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("expected fingerprinted discussion id, got %v", payload["discussion_id_fp"])
	}
	if got, _ := payload["body"].(string); got != redactedValue {
		t.Fatalf("expected redacted body, got %q", got)
	}
	if got, _ := payload["outcome"].(string); got != "processed" {
		t.Fatalf("expected untouched attribute, got %q", got)
	}
}

func TestFingerprintStableWithinRun(t *testing.T) {
	a := FingerprintID("contact-1")
	b := FingerprintID(" contact-1 ")
	if a == "" || a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	if FingerprintID("contact-2") == a {
		t.Fatal("distinct identities must not collide")
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("group_identifier", "g1"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "group_identifier_fp") {
		t.Fatalf("expected sanitized group identifier key, got %s", buf.String())
	}
}

func TestNewNilHandlerDiscards(t *testing.T) {
	logger := New(nil)
	logger.Info("dropped", "discussion_id", "d1")
}
