package ports

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrCredentialsUnavailable is returned (possibly wrapped) by backends when
// credentials are missing or rejected. Callers should not retry it.
var ErrCredentialsUnavailable = errors.New("storage credentials unavailable")

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	ObjectKey string
	Size      int64
}

type SignedURLOutput struct {
	URL       string
	ExpiresAt time.Time
}

// ObjectBackend is a bucket-like store addressed by slash-delimited keys.
// Implementations: s3, localfs, gdrive. Keys handed to a backend are
// already normalized.
type ObjectBackend interface {
	Provider() string

	// ListKeys returns keys starting with prefix. limit <= 0 means all.
	ListKeys(ctx context.Context, prefix string, limit int) ([]string, error)
	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error
	GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (SignedURLOutput, error)
}
