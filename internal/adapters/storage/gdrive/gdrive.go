package gdrive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"comfyworker/internal/ports"
)

// Client implements ports.ObjectBackend on a single Drive folder. Drive
// has no key hierarchy, so the full object key is stored as the file name
// and listing filters names by prefix.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) query(clauses ...string) string {
	clauses = append(clauses, "trashed = false")
	if c.folderID != "" {
		clauses = append(clauses, fmt.Sprintf("'%s' in parents", escape(c.folderID)))
	}
	return strings.Join(clauses, " and ")
}

func (c *Client) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	var clauses []string
	if prefix != "" {
		clauses = append(clauses, fmt.Sprintf("name contains '%s'", escape(prefix)))
	}
	q := c.query(clauses...)

	var keys []string
	pageToken := ""
	for {
		call := c.srv.Files.List().
			Q(q).
			Fields("nextPageToken, files(id, name)").
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		list, err := call.Do()
		if err != nil {
			return nil, classify(err)
		}
		for _, f := range list.Files {
			if !strings.HasPrefix(f.Name, prefix) {
				continue
			}
			keys = append(keys, f.Name)
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}

		if list.NextPageToken == "" {
			return keys, nil
		}
		pageToken = list.NextPageToken
	}
}

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	file := &drive.File{Name: in.ObjectKey}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	call := c.srv.Files.Create(file).SupportsAllDrives(true)
	if in.ContentType != "" {
		call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
	} else {
		call = call.Media(in.Reader)
	}

	if _, err := call.Context(ctx).Do(); err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("gdrive upload failed: %w", classify(err))
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: in.Size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	id, err := c.fileID(ctx, objectKey)
	if err != nil {
		return nil, "", 0, err
	}

	resp, err := c.srv.Files.Get(id).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, "", 0, classify(err)
	}
	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	id, err := c.fileID(ctx, objectKey)
	if err != nil {
		return err
	}
	return classify(c.srv.Files.Delete(id).
		SupportsAllDrives(true).
		Context(ctx).
		Do())
}

func (c *Client) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	// Drive links are permission-based, not signed.
	return ports.SignedURLOutput{URL: "", ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

func (c *Client) fileID(ctx context.Context, name string) (string, error) {
	list, err := c.srv.Files.List().
		Q(c.query(fmt.Sprintf("name = '%s'", escape(name)))).
		Fields("files(id, name)").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", classify(err)
	}
	if len(list.Files) == 0 {
		return "", fmt.Errorf("gdrive object not found: %s", name)
	}
	return list.Files[0].Id, nil
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 401 {
		return fmt.Errorf("%w: %v", ports.ErrCredentialsUnavailable, err)
	}
	return err
}
