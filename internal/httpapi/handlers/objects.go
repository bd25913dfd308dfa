package handlers

import (
	"net/http"
	"strings"
	"time"

	"comfyworker/internal/httpkit"
	"comfyworker/internal/objectstore"
	"comfyworker/internal/pkg/errors"
)

const maxURLTTL = 7 * 24 * time.Hour

func (h *Handler) gateway() (*objectstore.Gateway, error) {
	if h.storage == nil || !h.storage.Enabled() {
		return nil, errors.Unavailable("object store")
	}
	return h.storage, nil
}

// ListObjects lists the names directly under ?prefix=.
func (h *Handler) ListObjects(w http.ResponseWriter, r *http.Request) error {
	gw, err := h.gateway()
	if err != nil {
		return err
	}
	prefix := objectstore.Normalize(r.URL.Query().Get("prefix"))
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"provider": gw.Provider(),
		"prefix":   prefix,
		"names":    gw.List(r.Context(), prefix),
	})
	return nil
}

// ObjectURL returns a signed download URL for ?key=, valid for ?ttl=
// (a Go duration, default one hour).
func (h *Handler) ObjectURL(w http.ResponseWriter, r *http.Request) error {
	gw, err := h.gateway()
	if err != nil {
		return err
	}

	key := objectstore.Normalize(r.URL.Query().Get("key"))
	if key == "" || strings.HasSuffix(key, "/") {
		return errors.ValidationField("key", "key must name an object")
	}

	ttl := time.Hour
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 || ttl > maxURLTTL {
			return errors.ValidationField("ttl", "ttl must be a positive duration up to 168h")
		}
	}

	url, err := gw.SignedURL(r.Context(), key, ttl)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"key":        key,
		"url":        url,
		"expires_at": time.Now().Add(ttl).UTC(),
	})
	return nil
}
