package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer

	log := New(Config{
		Level:       "debug",
		Format:      "json",
		Output:      &buf,
		ServiceName: "comfy-worker",
	})

	log.Info("prompt queued", "prompt_id", "abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output as JSON: %v", err)
	}
	if entry["msg"] != "prompt queued" {
		t.Errorf("expected msg, got %v", entry["msg"])
	}
	if entry["prompt_id"] != "abc" {
		t.Errorf("expected prompt_id, got %v", entry["prompt_id"])
	}
	if entry["service"] != "comfy-worker" {
		t.Errorf("expected service, got %v", entry["service"])
	}
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		logFn     func(*Logger)
		shouldLog bool
	}{
		{"info logs info", "info", func(l *Logger) { l.Info("test") }, true},
		{"info drops debug", "info", func(l *Logger) { l.Debug("test") }, false},
		{"debug logs debug", "debug", func(l *Logger) { l.Debug("test") }, true},
		{"error drops info", "error", func(l *Logger) { l.Info("test") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.logFn(New(Config{Level: tt.level, Format: "json", Output: &buf}))
			if hasOutput := buf.Len() > 0; hasOutput != tt.shouldLog {
				t.Errorf("expected shouldLog=%v, got hasOutput=%v", tt.shouldLog, hasOutput)
			}
		})
	}
}

func TestWithJobIDAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.WithComponent("orchestrator").WithJobID("job-456").Info("polling")

	output := buf.String()
	for _, want := range []string{"job-456", "orchestrator"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	if log.WithError(nil) != log {
		t.Error("WithError(nil) should return same logger")
	}
	log.WithError(context.DeadlineExceeded).Info("test message")
	if !strings.Contains(buf.String(), "deadline exceeded") {
		t.Errorf("expected output to contain error, got: %s", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-abc")
	ctx = ContextWithJobID(ctx, "job-xyz")
	log.FromContext(ctx).Info("test message")

	output := buf.String()
	if !strings.Contains(output, "req-abc") || !strings.Contains(output, "job-xyz") {
		t.Errorf("expected ids in output, got: %s", output)
	}
	if JobIDFromContext(ctx) != "job-xyz" {
		t.Errorf("expected job id from context")
	}
}

func TestMaxMessageLen(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf, MaxMessageLen: 10})

	log.Info(strings.Repeat("x", 11))
	if buf.Len() != 0 {
		t.Errorf("expected oversized message to be dropped, got: %s", buf.String())
	}
	log.Info("short")
	if !strings.Contains(buf.String(), "short") {
		t.Errorf("expected short message, got: %s", buf.String())
	}
}

type capturedSink struct {
	mu      sync.Mutex
	records []map[string]any
	auth    []string
}

func (c *capturedSink) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rec map[string]any
		_ = json.NewDecoder(r.Body).Decode(&rec)
		c.mu.Lock()
		c.records = append(c.records, rec)
		c.auth = append(c.auth, r.Header.Get("Authorization"))
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestSinkForwardsRecords(t *testing.T) {
	captured := &capturedSink{}
	srv := httptest.NewServer(captured.handler(http.StatusOK))
	defer srv.Close()

	var buf bytes.Buffer
	log := New(Config{
		Level:         "info",
		Format:        "json",
		Output:        &buf,
		MaxMessageLen: 20,
		Sink: SinkConfig{
			Endpoint: srv.URL,
			Token:    "secret",
			Timeout:  time.Second,
			AppName:  "comfy-worker",
			Host:     map[string]string{"runpod_pod_id": "pod-1"},
		},
	})

	long := strings.Repeat("y", 30)
	log.WithJobID("job-1").Info(long, "attempt", 3)

	captured.mu.Lock()
	defer captured.mu.Unlock()
	if len(captured.records) != 1 {
		t.Fatalf("expected 1 forwarded record, got %d", len(captured.records))
	}
	rec := captured.records[0]
	if rec["log_message"] != long || rec["runpod_job_id"] != "job-1" || rec["app_name"] != "comfy-worker" {
		t.Errorf("unexpected record %v", rec)
	}
	if rec["log_levelname"] != "INFO" {
		t.Errorf("log_levelname = %v", rec["log_levelname"])
	}
	if rec["runpod_pod_id"] != "pod-1" {
		t.Errorf("expected top-level host metadata, got %v", rec)
	}
	fields, _ := rec["fields"].(map[string]any)
	if fields["attempt"] != float64(3) {
		t.Errorf("fields = %v", rec["fields"])
	}
	if captured.auth[0] != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", captured.auth[0])
	}
	if buf.Len() != 0 {
		t.Errorf("oversized message should not reach local output, got: %s", buf.String())
	}
}

func TestSinkRecordKeys(t *testing.T) {
	captured := &capturedSink{}
	srv := httptest.NewServer(captured.handler(http.StatusOK))
	defer srv.Close()

	log := New(Config{
		Level:  "info",
		Format: "json",
		Output: io.Discard,
		Sink: SinkConfig{
			Endpoint: srv.URL,
			Timeout:  time.Second,
			AppName:  "comfy-worker",
			Host:     map[string]string{"runpod_gpu_name": "A100"},
		},
	})
	log.Warn("no job yet")

	captured.mu.Lock()
	defer captured.mu.Unlock()
	if len(captured.records) != 1 {
		t.Fatalf("expected 1 forwarded record, got %d", len(captured.records))
	}
	rec := captured.records[0]

	want := append([]string{"app_name", "log_asctime", "log_levelname", "log_message", "runpod_job_id"}, HostKeys...)
	for _, k := range want {
		if _, ok := rec[k]; !ok {
			t.Errorf("record missing key %q", k)
		}
	}
	if len(rec) != len(want) {
		t.Errorf("record has %d keys, want %d: %v", len(rec), len(want), rec)
	}
	if rec["runpod_gpu_name"] != "A100" {
		t.Errorf("runpod_gpu_name = %v", rec["runpod_gpu_name"])
	}
	if rec["runpod_pod_id"] != nil || rec["runpod_job_id"] != nil {
		t.Errorf("unset metadata should be null: %v", rec)
	}
	if rec["log_levelname"] != "WARNING" {
		t.Errorf("log_levelname = %v", rec["log_levelname"])
	}
	if ts, _ := rec["log_asctime"].(string); len(ts) != len(sinkTimeFormat) {
		t.Errorf("log_asctime = %q", ts)
	}
}

func TestSinkFailureReportedLocally(t *testing.T) {
	captured := &capturedSink{}
	srv := httptest.NewServer(captured.handler(http.StatusInternalServerError))
	defer srv.Close()

	var buf bytes.Buffer
	log := New(Config{
		Level:  "info",
		Format: "json",
		Output: &buf,
		Sink:   SinkConfig{Endpoint: srv.URL, Timeout: time.Second},
	})

	log.Info("hello")
	if !strings.Contains(buf.String(), "log sink delivery failed") {
		t.Errorf("expected local report of sink failure, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"INFO", "INFO"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if level := parseLevel(tt.input); level.String() != tt.expected {
				t.Errorf("parseLevel(%q) = %s, expected %s", tt.input, level.String(), tt.expected)
			}
		})
	}
}
