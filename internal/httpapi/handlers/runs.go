package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"comfyworker/internal/httpkit"
	"comfyworker/internal/invocation"
	"comfyworker/internal/pkg/errors"
	"comfyworker/internal/worker/queue"
)

type RunRequest struct {
	ID    string          `json:"id,omitempty"`
	Input json.RawMessage `json:"input"`
}

type RunResponse struct {
	ID     string       `json:"id"`
	Status queue.Status `json:"status"`
	Output any          `json:"output,omitempty"`
}

func decodeRun(r *http.Request) (RunRequest, error) {
	var req RunRequest
	if err := httpkit.DecodeJSON(r, &req, true); err != nil {
		return req, errors.WrapWithCode(err, errors.CodeValidation, "httpapi.run", "invalid json body")
	}
	if len(req.Input) == 0 {
		return req, errors.ValidationField("input", "input is required")
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return req, nil
}

// RunSync handles one invocation in the request and answers with its
// output. Invocation failures are still 200s: the outcome is in the body.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeRun(r)
	if err != nil {
		return err
	}

	resp := h.invoker.Handle(r.Context(), invocation.Event{ID: req.ID, Input: req.Input})
	status := queue.StatusCompleted
	if resp.Failed() {
		status = queue.StatusFailed
	}
	httpkit.WriteJSON(w, http.StatusOK, RunResponse{ID: req.ID, Status: status, Output: resp})
	return nil
}

// Run enqueues an invocation for the queue worker.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) error {
	if h.queue == nil {
		return errors.Unavailable("queue")
	}
	req, err := decodeRun(r)
	if err != nil {
		return err
	}
	if err := h.queue.Push(r.Context(), queue.Envelope{ID: req.ID, Input: req.Input}); err != nil {
		return err
	}
	h.log.FromContext(r.Context()).Info("job queued", "job_id", req.ID)
	httpkit.WriteJSON(w, http.StatusAccepted, RunResponse{ID: req.ID, Status: queue.StatusInQueue})
	return nil
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) error {
	if h.queue == nil {
		return errors.Unavailable("queue")
	}
	rec, err := h.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	resp := RunResponse{ID: rec.ID, Status: rec.Status}
	if len(rec.Output) > 0 {
		resp.Output = rec.Output
	}
	httpkit.WriteJSON(w, http.StatusOK, resp)
	return nil
}
