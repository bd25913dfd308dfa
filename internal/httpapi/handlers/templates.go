package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"comfyworker/internal/httpkit"
	"comfyworker/internal/models"
	"comfyworker/internal/pkg/errors"
	"comfyworker/internal/repositories"
	"comfyworker/internal/workflow"
)

var templateName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type PutTemplateRequest struct {
	Description string          `json:"description"`
	Definition  json.RawMessage `json:"definition"`
}

func (h *Handler) templateStore() (TemplateStore, error) {
	if h.templates == nil {
		return nil, errors.Unavailable("template database")
	}
	return h.templates, nil
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) error {
	store, err := h.templateStore()
	if err != nil {
		return err
	}
	list, err := store.List(r.Context())
	if err != nil {
		return storeError(err, "")
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"templates": list})
	return nil
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) error {
	store, err := h.templateStore()
	if err != nil {
		return err
	}
	name := chi.URLParam(r, "name")
	t, err := store.Get(r.Context(), name)
	if err != nil {
		return storeError(err, name)
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"template": t})
	return nil
}

// PutTemplate creates or replaces a template. The definition must be a
// valid engine graph.
func (h *Handler) PutTemplate(w http.ResponseWriter, r *http.Request) error {
	store, err := h.templateStore()
	if err != nil {
		return err
	}

	name := chi.URLParam(r, "name")
	if !templateName.MatchString(name) || name == workflow.CustomWorkflow {
		return errors.ValidationField("name", "invalid template name: "+name)
	}

	var req PutTemplateRequest
	if err := httpkit.DecodeJSON(r, &req, true); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "httpapi.templates", "invalid json body")
	}
	graph, err := workflow.ParsePayload(req.Definition)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "httpapi.templates", "invalid definition").
			WithField("field", "definition")
	}
	if len(graph) == 0 {
		return errors.ValidationField("definition", "definition has no nodes")
	}

	t := &models.WorkflowTemplate{Name: name, Description: req.Description, Definition: req.Definition}
	if err := store.Put(r.Context(), t); err != nil {
		return storeError(err, name)
	}
	h.log.FromContext(r.Context()).Info("template stored", "template", name)
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"template": t})
	return nil
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) error {
	store, err := h.templateStore()
	if err != nil {
		return err
	}
	name := chi.URLParam(r, "name")
	if err := store.Delete(r.Context(), name); err != nil {
		return storeError(err, name)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func storeError(err error, name string) error {
	switch {
	case errors.Is(err, repositories.ErrTemplateNotFound):
		return errors.NotFound("template", name)
	case repositories.IsUndefinedTable(err):
		return errors.WrapWithCode(err, errors.CodeConfig, "httpapi.templates", "templates table missing")
	default:
		return errors.WrapWithCode(err, errors.CodeUnavailable, "httpapi.templates", "template store failed")
	}
}
