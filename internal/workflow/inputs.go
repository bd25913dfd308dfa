package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"comfyworker/internal/objectstore"
)

// Node types that read an image from the engine's input directory.
var imageInputTypes = map[string]bool{
	"LoadImage":     true,
	"LoadImageMask": true,
}

// Downloader fetches one object to a local path.
type Downloader interface {
	Download(ctx context.Context, remoteKey, localPath string) (string, error)
}

// InputStager fills the engine's input directory with the images a graph
// loads, taking the ones missing locally from RemoteDir in the object
// store.
type InputStager struct {
	Store     Downloader
	RemoteDir string
	LocalDir  string
}

// Stage downloads every referenced input image that is not already in
// LocalDir. Names that would escape LocalDir are left to the engine to
// reject.
func (s *InputStager) Stage(ctx context.Context, p Payload) error {
	seen := make(map[string]bool)
	for _, cs := range ClassifyAll(p) {
		o, ok := cs.(OtherStep)
		if !ok || o.Step == nil || !imageInputTypes[o.Step.ClassType] {
			continue
		}
		name, ok := o.Step.StringInput("image")
		if !ok || seen[name] {
			continue
		}
		seen[name] = true

		rel := filepath.FromSlash(strings.TrimSpace(name))
		if rel == "" || !filepath.IsLocal(rel) {
			continue
		}
		local := filepath.Join(s.LocalDir, rel)
		if _, err := os.Stat(local); err == nil {
			continue
		}
		if _, err := s.Store.Download(ctx, objectstore.JoinKey(s.RemoteDir, filepath.ToSlash(rel)), local); err != nil {
			return err
		}
	}
	return nil
}
