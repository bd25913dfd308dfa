// Package storage builds the object store backend selected by
// configuration.
package storage

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"comfyworker/internal/adapters/storage/gdrive"
	"comfyworker/internal/adapters/storage/localfs"
	"comfyworker/internal/adapters/storage/memory"
	"comfyworker/internal/adapters/storage/s3"
	"comfyworker/internal/config"
	"comfyworker/internal/ports"
)

// ErrUnknownProvider reports a STORAGE_PROVIDER value with no backend.
var ErrUnknownProvider = errors.New("unknown storage provider")

// NewBackend returns the configured backend, or nil when storage is
// disabled. A nil backend makes the gateway report every operation as
// CredentialsUnavailable.
func NewBackend(ctx context.Context, cfg *config.Config) (ports.ObjectBackend, error) {
	switch cfg.Storage.Provider {
	case "", "none":
		return nil, nil

	case "s3":
		c, err := s3.New(ctx, s3.Config{
			Region:      cfg.S3.Region,
			AccessKey:   cfg.S3.AccessKey,
			SecretKey:   cfg.S3.SecretKey,
			Bucket:      cfg.S3.BucketName,
			EndpointURL: cfg.S3.EndpointURL,
		})
		if err != nil {
			return nil, err
		}
		return c, nil

	case "localfs":
		if cfg.Storage.LocalRoot == "" {
			return nil, fmt.Errorf("missing env: STORAGE_LOCAL_ROOT")
		}
		return localfs.New(cfg.Storage.LocalRoot), nil

	case "gdrive":
		return newGDriveBackend(ctx, cfg.GDrive)

	case "memory":
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Storage.Provider)
	}
}

func newGDriveBackend(ctx context.Context, cfg config.GDriveConfig) (ports.ObjectBackend, error) {
	for env, v := range map[string]string{
		"GDRIVE_CLIENT_ID":     cfg.ClientID,
		"GDRIVE_CLIENT_SECRET": cfg.ClientSecret,
		"GDRIVE_REFRESH_TOKEN": cfg.RefreshToken,
	} {
		if v == "" {
			return nil, fmt.Errorf("missing env %s: %w", env, ports.ErrCredentialsUnavailable)
		}
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	tok := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	return gdrive.NewClient(srv, cfg.FolderID), nil
}
