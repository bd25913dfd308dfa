// Package objectstore is the worker's only door to remote object storage.
// The Gateway normalizes keys and isolates every backend failure: listing
// and existence checks degrade to empty results, transfers return a coded
// error. The Allocator builds advisory, sequentially numbered output paths
// on top of it.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"comfyworker/internal/metrics"
	"comfyworker/internal/pkg/errors"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/ports"
)

type Gateway struct {
	backend ports.ObjectBackend
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewGateway wraps backend. A nil backend yields a gateway whose every
// operation fails as CredentialsUnavailable, mirroring an uninitialized
// client.
func NewGateway(backend ports.ObjectBackend, log *logger.Logger, m *metrics.Metrics) *Gateway {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Gateway{
		backend: backend,
		log:     log.WithComponent("objectstore"),
		metrics: m,
	}
}

// Provider returns the backend name, or "none".
func (g *Gateway) Provider() string {
	if g == nil || g.backend == nil {
		return "none"
	}
	return g.backend.Provider()
}

// Enabled reports whether a backend is attached.
func (g *Gateway) Enabled() bool {
	return g != nil && g.backend != nil
}

// List returns the names under prefix, relative to it. Folder markers are
// skipped. Any failure yields an empty slice.
func (g *Gateway) List(ctx context.Context, prefix string) []string {
	if !g.Exists(ctx, prefix) {
		return []string{}
	}

	dir := folderPrefix(prefix)
	var keys []string
	err := g.guard("list", dir, func() error {
		var err error
		keys, err = g.backend.ListKeys(ctx, dir, 0)
		return err
	})
	if err != nil {
		g.fail(ctx, "list", dir, err)
		return []string{}
	}

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == dir || strings.HasSuffix(k, "/") {
			continue
		}
		out = append(out, strings.TrimPrefix(k, dir))
	}
	return out
}

// Exists reports whether at least one object lives under folder/. An
// empty marker object counts. The bucket root always exists.
func (g *Gateway) Exists(ctx context.Context, folder string) bool {
	if !g.Enabled() {
		g.fail(ctx, "exists", folder, ports.ErrCredentialsUnavailable)
		return false
	}

	dir := folderPrefix(folder)
	if dir == "" {
		return true
	}

	var keys []string
	err := g.guard("exists", dir, func() error {
		var err error
		keys, err = g.backend.ListKeys(ctx, dir, 1)
		return err
	})
	if err != nil {
		g.fail(ctx, "exists", dir, err)
		return false
	}
	return len(keys) > 0
}

// CreateFolder writes a zero-byte "folder/" marker.
func (g *Gateway) CreateFolder(ctx context.Context, folder string) bool {
	if !g.Enabled() {
		g.fail(ctx, "create_folder", folder, ports.ErrCredentialsUnavailable)
		return false
	}

	dir := folderPrefix(folder)
	if dir == "" {
		return true
	}

	err := g.guard("create_folder", dir, func() error {
		_, err := g.backend.PutObject(ctx, ports.PutObjectInput{
			ObjectKey: dir,
			Reader:    bytes.NewReader(nil),
			Size:      0,
		})
		return err
	})
	if err != nil {
		g.fail(ctx, "create_folder", dir, err)
		return false
	}
	g.log.FromContext(ctx).Info("created folder", "key", dir)
	return true
}

// Download copies remoteKey to localPath, creating parent directories.
func (g *Gateway) Download(ctx context.Context, remoteKey, localPath string) (string, error) {
	key := Normalize(remoteKey)
	if !g.Enabled() {
		return "", g.fail(ctx, "download", key, ports.ErrCredentialsUnavailable)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", g.fail(ctx, "download", key, err)
	}

	err := g.guard("download", key, func() error {
		rc, _, _, err := g.backend.GetObject(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()

		f, err := os.Create(localPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, rc); err != nil {
			f.Close()
			_ = os.Remove(localPath)
			return err
		}
		return f.Close()
	})
	if err != nil {
		return "", g.fail(ctx, "download", key, err)
	}

	g.log.FromContext(ctx).Info("downloaded object", "key", key, "path", localPath)
	return localPath, nil
}

// Upload copies localPath to remoteKey and returns the normalized key.
func (g *Gateway) Upload(ctx context.Context, localPath, remoteKey string) (string, error) {
	key := Normalize(remoteKey)
	if !g.Enabled() {
		return "", g.fail(ctx, "upload", key, ports.ErrCredentialsUnavailable)
	}

	err := g.guard("upload", key, func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()

		st, err := f.Stat()
		if err != nil {
			return err
		}

		_, err = g.backend.PutObject(ctx, ports.PutObjectInput{
			ObjectKey:   key,
			ContentType: mime.TypeByExtension(filepath.Ext(localPath)),
			Reader:      f,
			Size:        st.Size(),
		})
		return err
	})
	if err != nil {
		return "", g.fail(ctx, "upload", key, err)
	}

	g.log.FromContext(ctx).Info("uploaded object", "path", localPath, "key", "/"+key)
	return key, nil
}

// SignedURL returns a time-limited download URL for key. Backends without
// signing support return an empty URL and no error.
func (g *Gateway) SignedURL(ctx context.Context, remoteKey string, ttl time.Duration) (string, error) {
	key := Normalize(remoteKey)
	if !g.Enabled() {
		return "", g.fail(ctx, "signed_url", key, ports.ErrCredentialsUnavailable)
	}

	var out ports.SignedURLOutput
	err := g.guard("signed_url", key, func() error {
		var err error
		out, err = g.backend.GetSignedURL(ctx, key, ttl)
		return err
	})
	if err != nil {
		return "", g.fail(ctx, "signed_url", key, err)
	}
	return out.URL, nil
}

// guard runs fn and turns a backend panic into an error so that nothing
// escapes the gateway unclassified.
func (g *Gateway) guard(op, key string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("backend panic during %s %s: %v", op, key, rec)
		}
	}()
	return fn()
}

// fail logs err with its operation context and converts it to a coded
// storage error.
func (g *Gateway) fail(ctx context.Context, op, key string, err error) error {
	code := errors.CodeTransferFailed
	msg := "storage transfer failed"
	if errors.Is(err, ports.ErrCredentialsUnavailable) {
		code = errors.CodeCredentialsUnavailable
		msg = "credentials not available or not valid"
	}

	g.log.FromContext(ctx).Error("object store operation failed",
		"op", op,
		"key", key,
		"code", string(code),
		"error", err.Error(),
	)
	g.metrics.StorageFailure(op, string(code))

	return errors.WrapWithCode(err, code, "objectstore."+op, msg).
		WithField("key", key)
}

// IsCredentialsUnavailable reports whether err is a missing-credentials
// storage failure.
func IsCredentialsUnavailable(err error) bool {
	return errors.IsCode(err, errors.CodeCredentialsUnavailable)
}
