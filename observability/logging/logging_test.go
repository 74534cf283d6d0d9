package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func logLine(t *testing.T, args ...any) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, handlerOptions()))
	logger.Info("test line", args...)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	return line
}

func TestHandlerRenamesStandardKeys(t *testing.T) {
	line := logLine(t)
	for _, key := range []string{"timestamp", "severity", "message"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing %q in %v", key, line)
		}
	}
	if line["severity"] != "INFO" {
		t.Fatalf("severity = %v", line["severity"])
	}
	if line["message"] != "test line" {
		t.Fatalf("message = %v", line["message"])
	}
}

func TestHandlerMasksSecrets(t *testing.T) {
	const secret = "hunter2-super-secret"
	for _, key := range SensitiveKeys() {
		line := logLine(t, key, secret, "order_id", "abc")
		if line[key] != RedactedValue {
			t.Fatalf("%s = %v, want %q", key, line[key], RedactedValue)
		}
		if line["order_id"] != "abc" {
			t.Fatalf("harmless attr mangled: %v", line["order_id"])
		}
	}
	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, handlerOptions())).
		Info("boot", "wallet_password", secret)
	if strings.Contains(buf.String(), secret) {
		t.Fatal("secret reached the sink")
	}
}

func TestIsSensitiveNormalizes(t *testing.T) {
	if !IsSensitive("  Private_Key ") {
		t.Fatal("case and whitespace must not defeat masking")
	}
	if IsSensitive("chain") {
		t.Fatal("ordinary keys must pass through")
	}
}
