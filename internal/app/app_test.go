package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"comfyworker/internal/config"
	"comfyworker/internal/invocation"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/pkg/shutdown"
)

func testConfig(provider string) *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			BaseURL:        "http://127.0.0.1:1",
			RequestTimeout: time.Second,
			PollInterval:   time.Millisecond,
			OutputDir:      "/nonexistent",
		},
		Storage: config.StorageConfig{Provider: provider},
		S3:      config.S3Config{OutputDir: "tmp/output"},
		Stage:   config.StageConfig{Prefix: "ComfyUI"},
		Queue:   config.QueueConfig{Name: "comfy:jobs"},
		Log:     config.LogConfig{Level: "info", Format: "json", ServiceName: "comfyworker"},
	}
}

func TestBuild(t *testing.T) {
	unreachable := config.S3Config{
		Region:      "us-east-1",
		AccessKey:   "key",
		SecretKey:   "secret",
		BucketName:  "b",
		EndpointURL: "http://127.0.0.1:1",
		OutputDir:   "tmp/output",
	}

	tests := []struct {
		name         string
		provider     string
		s3           *config.S3Config
		wantErr      bool
		wantProvider string
		wantWarn     bool
	}{
		{name: "no storage", provider: "", wantProvider: "none"},
		{name: "memory", provider: "memory", wantProvider: "memory"},
		{name: "gdrive without credentials", provider: "gdrive", wantProvider: "none", wantWarn: true},
		{name: "s3 without credentials", provider: "s3", wantProvider: "none", wantWarn: true},
		{name: "s3 endpoint unreachable", provider: "s3", s3: &unreachable, wantProvider: "none", wantWarn: true},
		{name: "localfs without root", provider: "localfs", wantProvider: "none", wantWarn: true},
		{name: "unknown provider", provider: "ftp", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.New(logger.Config{Level: "info", Format: "json", Output: &buf})
			sm := shutdown.NewManager(logger.Discard(), time.Second)

			cfg := testConfig(tt.provider)
			if tt.s3 != nil {
				cfg.S3 = *tt.s3
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			a, err := Build(ctx, cfg, log, sm)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if a.Handler == nil || a.Engine == nil || a.Metrics == nil {
				t.Fatalf("incomplete app: %+v", a)
			}
			if a.Queue != nil || a.Pool != nil {
				t.Error("optional dependencies connected without configuration")
			}
			if got := a.Gateway.Provider(); got != tt.wantProvider {
				t.Errorf("provider = %q, want %q", got, tt.wantProvider)
			}
			if got := strings.Contains(buf.String(), "storage disabled"); got != tt.wantWarn {
				t.Errorf("storage warning logged = %v, want %v: %s", got, tt.wantWarn, buf.String())
			}
		})
	}
}

func TestBuildHandlerRejectsInvalidInput(t *testing.T) {
	sm := shutdown.NewManager(logger.Discard(), time.Second)
	a, err := Build(context.Background(), testConfig("memory"), logger.Discard(), sm)
	if err != nil {
		t.Fatal(err)
	}
	resp := a.Handler.Handle(context.Background(), invocation.Event{ID: "j1", Input: json.RawMessage(`{"workflow": "nope"}`)})
	if !resp.Failed() || resp.RefreshWorker {
		t.Errorf("response = %+v", resp)
	}

	families, err := a.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "comfyworker_invocations_total" {
			found = true
		}
	}
	if !found {
		t.Error("invocation metric not registered on the app registry")
	}
}

func TestNewLogger(t *testing.T) {
	cfg := testConfig("")
	cfg.Log.Format = "text"
	if NewLogger(cfg) == nil {
		t.Fatal("nil logger")
	}
}
