// Package memory is an in-process object backend. It backs local runs
// without a bucket (STORAGE_PROVIDER=memory) and the storage tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"comfyworker/internal/ports"
)

type Backend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func New() *Backend {
	return &Backend{objects: make(map[string][]byte)}
}

func (b *Backend) Provider() string { return "memory" }

func (b *Backend) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0)
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (b *Backend) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}
	data, err := io.ReadAll(in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}

	b.mu.Lock()
	b.objects[in.ObjectKey] = data
	b.mu.Unlock()
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: int64(len(data))}, nil
}

func (b *Backend) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	b.mu.RLock()
	data, ok := b.objects[objectKey]
	b.mu.RUnlock()
	if !ok {
		return nil, "", 0, fmt.Errorf("get %s: %w", objectKey, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), "application/octet-stream", int64(len(data)), nil
}

func (b *Backend) DeleteObject(ctx context.Context, objectKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[objectKey]; !ok {
		return fmt.Errorf("delete %s: %w", objectKey, fs.ErrNotExist)
	}
	delete(b.objects, objectKey)
	return nil
}

func (b *Backend) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	return ports.SignedURLOutput{URL: "", ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

// Keys returns every stored key in order.
func (b *Backend) Keys() []string {
	keys, _ := b.ListKeys(context.Background(), "", 0)
	return keys
}
