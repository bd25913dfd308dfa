package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SinkConfig describes a remote log API. Records are POSTed one by one
// as JSON with a bearer token.
type SinkConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	AppName  string
	// Host holds static worker metadata keyed like HostKeys, read once at
	// process start and sent at the top level of every record.
	Host map[string]string
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HostKeys are the worker metadata fields every sink record carries,
// null when the worker does not report them.
var HostKeys = []string{
	"runpod_endpoint_id",
	"runpod_cpu_count",
	"runpod_pod_id",
	"runpod_gpu_size",
	"runpod_mem_gb",
	"runpod_gpu_count",
	"runpod_volume_id",
	"runpod_pod_hostname",
	"runpod_debug_level",
	"runpod_dc_id",
	"runpod_gpu_name",
}

// sinkTimeFormat matches the log API's asctime column.
const sinkTimeFormat = "2006-01-02 15:04:05,000"

func sinkLevel(l slog.Level) string {
	if l >= slog.LevelWarn && l < slog.LevelError {
		return "WARNING"
	}
	return l.String()
}

// sinkHandler forwards records to the remote API. Delivery problems are
// reported on the local handler and never surface to the caller.
type sinkHandler struct {
	cfg      SinkConfig
	level    slog.Level
	client   *http.Client
	fallback slog.Handler
	attrs    []slog.Attr
	group    string
}

func newSinkHandler(cfg SinkConfig, level slog.Level, fallback slog.Handler) *sinkHandler {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &sinkHandler{cfg: cfg, level: level, client: client, fallback: fallback}
}

func (h *sinkHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *sinkHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := map[string]any{
		"app_name":      h.cfg.AppName,
		"log_asctime":   r.Time.Format(sinkTimeFormat),
		"log_levelname": sinkLevel(r.Level),
		"log_message":   r.Message,
	}
	for _, k := range HostKeys {
		rec[k] = nil
	}
	for k, v := range h.cfg.Host {
		rec[k] = v
	}

	var jobID string
	fields := map[string]any{}
	collect := func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		switch key {
		case "job_id":
			jobID = a.Value.String()
		case "component":
			rec["component"] = a.Value.String()
		default:
			fields[key] = a.Value.Any()
		}
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)
	if jobID == "" {
		jobID = JobIDFromContext(ctx)
	}
	if jobID != "" {
		rec["runpod_job_id"] = jobID
	} else {
		rec["runpod_job_id"] = nil
	}
	if len(fields) > 0 {
		rec["fields"] = fields
	}

	if err := h.post(rec); err != nil {
		h.report(ctx, err)
	}
	return nil
}

func (h *sinkHandler) post(rec map[string]any) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("log sink returned status %d", res.StatusCode)
	}
	return nil
}

func (h *sinkHandler) report(ctx context.Context, err error) {
	if h.fallback == nil {
		return
	}
	r := slog.NewRecord(time.Now(), slog.LevelError, "log sink delivery failed", 0)
	r.AddAttrs(slog.String("error", err.Error()), slog.String("endpoint", h.cfg.Endpoint))
	_ = h.fallback.Handle(ctx, r)
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

// fanoutHandler sends every record to all of its handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}

// lengthLimitHandler drops records whose message exceeds max characters.
// Oversized engine dumps otherwise get truncated by the hosting console.
type lengthLimitHandler struct {
	next slog.Handler
	max  int
}

func (l *lengthLimitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return l.next.Enabled(ctx, level)
}

func (l *lengthLimitHandler) Handle(ctx context.Context, r slog.Record) error {
	if len(r.Message) > l.max {
		return nil
	}
	return l.next.Handle(ctx, r)
}

func (l *lengthLimitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &lengthLimitHandler{next: l.next.WithAttrs(attrs), max: l.max}
}

func (l *lengthLimitHandler) WithGroup(name string) slog.Handler {
	return &lengthLimitHandler{next: l.next.WithGroup(name), max: l.max}
}
