package invocation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"comfyworker/internal/assembler"
	"comfyworker/internal/engine"
	"comfyworker/internal/metrics"
	"comfyworker/internal/orchestrator"
	"comfyworker/internal/pkg/errors"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/workflow"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantErr  string
		workflow string
	}{
		{name: "defaults to custom", raw: `{"payload": {}}`, workflow: "custom"},
		{name: "template", raw: `{"workflow": "txt2img", "payload": {"seed": 1}}`, workflow: "txt2img"},
		{name: "null workflow", raw: `{"workflow": null, "payload": {}}`, workflow: "custom"},
		{name: "missing payload", raw: `{}`, wantErr: "payload is a required input."},
		{name: "payload not object", raw: `{"payload": [1]}`, wantErr: "payload should be object type, not array."},
		{name: "workflow not string", raw: `{"workflow": 3, "payload": {}}`, wantErr: "workflow should be string type, not number."},
		{name: "unknown workflow", raw: `{"workflow": "img2vid", "payload": {}}`, wantErr: "workflow does not meet the constraints."},
		{name: "callback not object", raw: `{"callback": "x", "payload": {}}`, wantErr: "callback should be object type, not string."},
		{name: "unexpected key", raw: `{"payload": {}, "extra": 1}`, wantErr: "Unexpected input. extra is not a valid input option."},
		{name: "not an object", raw: `"hello"`, wantErr: "input should be object type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := ParseInput(json.RawMessage(tt.raw), nil)
			if tt.wantErr != "" {
				if !errors.IsValidation(err) {
					t.Fatalf("err = %v, want validation error", err)
				}
				if !strings.Contains(reason(err), tt.wantErr) {
					t.Errorf("reason = %q, want %q", reason(err), tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInput: %v", err)
			}
			if in.Workflow != tt.workflow {
				t.Errorf("workflow = %q, want %q", in.Workflow, tt.workflow)
			}
		})
	}
}

func TestParseInputJoinsProblems(t *testing.T) {
	_, err := ParseInput(json.RawMessage(`{"workflow": 1, "callback": []}`), nil)
	got := reason(err)
	want := "workflow should be string type, not number.\n" +
		"callback should be object type, not array.\n" +
		"payload is a required input."
	if got != want {
		t.Errorf("reason = %q, want %q", got, want)
	}
}

type stubPreparer struct {
	payload workflow.Payload
	err     error
}

func (s stubPreparer) Prepare(context.Context, string, json.RawMessage) (workflow.Payload, error) {
	return s.payload, s.err
}

type stubRunner struct {
	res *orchestrator.Result
	err error
	ran bool
}

func (s *stubRunner) Run(context.Context, workflow.Payload) (*orchestrator.Result, error) {
	s.ran = true
	return s.res, s.err
}

type stubAssembler struct {
	res *assembler.Result
	err error
}

func (s stubAssembler) Assemble(context.Context, engine.Manifest) (*assembler.Result, error) {
	return s.res, s.err
}

type panicAssembler struct{}

func (panicAssembler) Assemble(context.Context, engine.Manifest) (*assembler.Result, error) {
	panic("boom")
}

func encode(t *testing.T, r Response) map[string]any {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestHandleFailureShapes(t *testing.T) {
	okResult := &orchestrator.Result{PromptID: "p1"}

	tests := []struct {
		name      string
		input     string
		preparer  stubPreparer
		runner    *stubRunner
		assembler Assembler
		wantKeys  []string
		wantError string
		wantRan   bool
	}{
		{
			name:      "invalid input",
			input:     `{"workflow": "nope", "payload": {}}`,
			runner:    &stubRunner{},
			assembler: stubAssembler{},
			wantKeys:  []string{"error"},
			wantError: "workflow does not meet the constraints.",
		},
		{
			name:      "missing template parameter",
			input:     `{"workflow": "txt2img", "payload": {}}`,
			preparer:  stubPreparer{err: errors.Validation("seed is a required parameter")},
			runner:    &stubRunner{},
			assembler: stubAssembler{},
			wantKeys:  []string{"error"},
			wantError: "seed is a required parameter",
		},
		{
			name:      "missing template file",
			input:     `{"workflow": "txt2img", "payload": {}}`,
			preparer:  stubPreparer{err: errors.Configf("template not found: txt2img")},
			runner:    &stubRunner{},
			assembler: stubAssembler{},
			wantKeys:  []string{"error", "refresh_worker"},
			wantError: "template not found: txt2img",
		},
		{
			name:  "rejected submission",
			input: `{"payload": {}}`,
			runner: &stubRunner{err: &orchestrator.Failure{
				State:  orchestrator.StateTransportError,
				Reason: "HTTP status code: 400",
				HTTP:   &engine.HTTPError{StatusCode: 400, Body: map[string]any{"error": "bad node"}},
				Err:    errors.New(errors.CodeTransport, "HTTP status code: 400"),
			}},
			assembler: stubAssembler{},
			wantKeys:  []string{"error", "output"},
			wantError: "HTTP status code: 400",
			wantRan:   true,
		},
		{
			name:  "execution error",
			input: `{"payload": {}}`,
			runner: &stubRunner{err: &orchestrator.Failure{
				State:  orchestrator.StateFailed,
				Reason: "KSampler: CUDA out of memory",
				Err:    errors.New(errors.CodeExecution, "KSampler: CUDA out of memory"),
			}},
			assembler: stubAssembler{},
			wantKeys:  []string{"error", "refresh_worker"},
			wantError: "KSampler: CUDA out of memory",
			wantRan:   true,
		},
		{
			name:      "assembly failure",
			input:     `{"payload": {}}`,
			runner:    &stubRunner{res: okResult},
			assembler: stubAssembler{err: errors.New(errors.CodeInternal, "decode failed")},
			wantKeys:  []string{"error", "refresh_worker"},
			wantError: "decode failed",
			wantRan:   true,
		},
		{
			name:      "panic",
			input:     `{"payload": {}}`,
			runner:    &stubRunner{res: okResult},
			assembler: panicAssembler{},
			wantKeys:  []string{"error", "refresh_worker"},
			wantError: "unexpected failure: boom",
			wantRan:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(tt.preparer, tt.runner, tt.assembler, logger.Discard(), nil)
			resp := h.Handle(context.Background(), Event{ID: "job-1", Input: json.RawMessage(tt.input)})
			if !resp.Failed() {
				t.Fatal("expected failure")
			}
			out := encode(t, resp)
			if len(out) != len(tt.wantKeys) {
				t.Errorf("keys = %v, want %v", out, tt.wantKeys)
			}
			for _, k := range tt.wantKeys {
				if _, ok := out[k]; !ok {
					t.Errorf("missing key %q in %v", k, out)
				}
			}
			if out["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", out["error"], tt.wantError)
			}
			if rw, ok := out["refresh_worker"]; ok && rw != true {
				t.Errorf("refresh_worker = %v", rw)
			}
			if tt.runner.ran != tt.wantRan {
				t.Errorf("runner ran = %v, want %v", tt.runner.ran, tt.wantRan)
			}
		})
	}
}

func TestHandleRejectedSubmissionKeepsBody(t *testing.T) {
	runner := &stubRunner{err: &orchestrator.Failure{
		HTTP: &engine.HTTPError{StatusCode: 400, Body: map[string]any{"node_errors": map[string]any{"3": "bad"}}},
		Err:  errors.New(errors.CodeTransport, "HTTP status code: 400"),
	}}
	h := NewHandler(stubPreparer{}, runner, stubAssembler{}, logger.Discard(), nil)
	out := encode(t, h.Handle(context.Background(), Event{ID: "j", Input: json.RawMessage(`{"payload": {}}`)}))
	body, ok := out["output"].(map[string]any)
	if !ok || body["node_errors"] == nil {
		t.Errorf("output = %v", out["output"])
	}
}

func TestHandleSuccessShape(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := NewHandler(stubPreparer{}, &stubRunner{res: &orchestrator.Result{}},
		stubAssembler{res: &assembler.Result{Images: []string{"aGk="}}}, logger.Discard(), m)

	resp := h.Handle(context.Background(), Event{ID: "j", Input: json.RawMessage(`{"callback": {"url": "x"}, "payload": {}}`)})
	out := encode(t, resp)

	if out["images_format"] != "webp" {
		t.Errorf("images_format = %v", out["images_format"])
	}
	if cb, ok := out["callback"].(map[string]any); !ok || cb["url"] != "x" {
		t.Errorf("callback = %v", out["callback"])
	}
	if texts, ok := out["texts"].([]any); !ok || len(texts) != 0 {
		t.Errorf("texts = %v", out["texts"])
	}
	if _, ok := out["objects"]; ok {
		t.Error("objects should be omitted when nothing was staged")
	}
	if _, ok := out["error"]; ok {
		t.Error("success carries error")
	}

	want := `
# HELP comfyworker_invocations_total Invocations handled, by outcome code.
# TYPE comfyworker_invocations_total counter
comfyworker_invocations_total{outcome="SUCCESS"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "comfyworker_invocations_total"); err != nil {
		t.Error(err)
	}
}

func TestHandleNullCallback(t *testing.T) {
	h := NewHandler(stubPreparer{}, &stubRunner{res: &orchestrator.Result{}},
		stubAssembler{res: &assembler.Result{}}, logger.Discard(), nil)
	data, _ := json.Marshal(h.Handle(context.Background(), Event{Input: json.RawMessage(`{"payload": {}}`)}))
	if !bytes.Contains(data, []byte(`"callback":null`)) || !bytes.Contains(data, []byte(`"images":[]`)) {
		t.Errorf("response = %s", data)
	}
}

func TestHandleLogsJobID(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Config{Level: "info", Format: "json", Output: &buf})
	h := NewHandler(stubPreparer{}, &stubRunner{}, stubAssembler{}, log, nil)
	h.Handle(context.Background(), Event{ID: "job-42", Input: json.RawMessage(`{}`)})

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if rec["job_id"] != "job-42" {
			t.Errorf("log line without job id: %s", line)
		}
	}
}

type storedTemplates map[string]workflow.Payload

func (s storedTemplates) Template(_ context.Context, name string) (workflow.Payload, error) {
	p, ok := s[name]
	if !ok {
		return nil, errors.Configf("template not found: %s", name)
	}
	return p, nil
}

type recordingRunner struct {
	got workflow.Payload
}

func (r *recordingRunner) Run(_ context.Context, p workflow.Payload) (*orchestrator.Result, error) {
	r.got = p
	return &orchestrator.Result{}, nil
}

func TestHandleStoredTemplate(t *testing.T) {
	tpl, err := workflow.ParsePayload([]byte(`{"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	prep := workflow.NewPreparer(workflow.Sources{storedTemplates{"portrait": tpl}})
	runner := &recordingRunner{}
	h := NewHandler(prep, runner, stubAssembler{res: &assembler.Result{}}, logger.Discard(), nil)

	resp := h.Handle(context.Background(), Event{ID: "j", Input: json.RawMessage(`{"workflow": "portrait", "payload": {}}`)})
	if resp.Failed() {
		t.Fatalf("stored template rejected: %s", resp.Error)
	}
	if runner.got == nil || runner.got["9"] == nil {
		t.Fatalf("submitted payload = %v", runner.got)
	}
	if prefix, _ := runner.got["9"].StringInput("filename_prefix"); prefix == "ComfyUI" {
		t.Error("stored template submitted without unique output names")
	}

	resp = h.Handle(context.Background(), Event{ID: "j2", Input: json.RawMessage(`{"workflow": "landscape", "payload": {}}`)})
	if resp.Error != "workflow does not meet the constraints." {
		t.Errorf("unknown workflow error = %q", resp.Error)
	}
}

func TestHandleEndToEnd(t *testing.T) {
	outDir := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	f, err := os.Create(filepath.Join(outDir, "RUNPOD_00001_.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	var historyCalls atomic.Int32
	var submittedPrefix atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/prompt":
			var body struct {
				Prompt map[string]struct {
					Inputs map[string]any `json:"inputs"`
				} `json:"prompt"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			submittedPrefix.Store(body.Prompt["9"].Inputs["filename_prefix"])
			w.Write([]byte(`{"prompt_id": "p-1", "number": 0, "node_errors": {}}`))
		case r.URL.Path == "/history/p-1":
			if historyCalls.Add(1) < 3 {
				w.Write([]byte(`{}`))
				return
			}
			w.Write([]byte(`{"p-1": {
				"status": {"status_str": "success", "completed": true, "messages": []},
				"outputs": {"9": {"images": [{"filename": "RUNPOD_00001_.png", "subfolder": "", "type": "output"}]}}
			}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	log := logger.Discard()
	client := engine.NewClient(engine.Options{BaseURL: srv.URL, Timeout: 5 * time.Second, Logger: log})
	orch := orchestrator.New(client, log, nil, orchestrator.Options{PollInterval: time.Millisecond})
	asm := assembler.New(assembler.Options{OutputDir: outDir, Logger: log})
	h := NewHandler(workflow.NewPreparer(nil), orch, asm, log, nil)

	input := `{"workflow": "custom", "payload": {
		"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "RUNPOD", "images": ["8", 0]}}
	}}`
	resp := h.Handle(context.Background(), Event{ID: "job-e2e", Input: json.RawMessage(input)})
	if resp.Failed() {
		t.Fatalf("unexpected failure: %s (%s)", resp.Error, resp.Code)
	}

	if p, _ := submittedPrefix.Load().(string); p == "" || p == "RUNPOD" {
		t.Errorf("submitted filename_prefix = %q, want a fresh unique name", p)
	}
	if len(resp.Images) != 1 {
		t.Fatalf("images = %d, want 1", len(resp.Images))
	}
	data, err := base64.StdEncoding.DecodeString(resp.Images[0])
	if err != nil || len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		t.Errorf("image is not base64 webp")
	}
	if len(resp.Texts) != 0 {
		t.Errorf("texts = %v", resp.Texts)
	}
	if _, err := os.Stat(filepath.Join(outDir, "RUNPOD_00001_.png")); !os.IsNotExist(err) {
		t.Error("output file was not deleted")
	}
	if historyCalls.Load() != 3 {
		t.Errorf("history calls = %d, want 3", historyCalls.Load())
	}
}
