package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestConfigureWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "test-svc", Version: "v0.0.1"})

	WithComponent("queue").Info().Str("extra", "x").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["service"] != "test-svc" {
		t.Errorf("service = %v, want test-svc", entry["service"])
	}
	if entry["component"] != "queue" {
		t.Errorf("component = %v, want queue", entry["component"])
	}
	if entry["message"] != "hello" {
		t.Errorf("message = %v, want hello", entry["message"])
	}
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf})

	ctx := ContextWithJobID(context.Background(), 42)
	ctx = ContextWithScanID(ctx, "lib1-123")

	logger := WithContext(ctx, Base())
	logger.Info().Msg("correlated")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry[FieldJobID] != float64(42) {
		t.Errorf("job_id = %v, want 42", entry[FieldJobID])
	}
	if entry[FieldScanID] != "lib1-123" {
		t.Errorf("scan_id = %v, want lib1-123", entry[FieldScanID])
	}
}

func TestJobIDFromContextMissing(t *testing.T) {
	if got := JobIDFromContext(context.Background()); got != 0 {
		t.Fatalf("JobIDFromContext on empty ctx = %d, want 0", got)
	}
	if got := ScanIDFromContext(nil); got != "" {
		t.Fatalf("ScanIDFromContext(nil) = %q, want empty", got)
	}
}
