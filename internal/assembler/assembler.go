// Package assembler turns a finished prompt's output manifest into the
// response payload: images become base64 WebP, text files are read and
// optionally parsed, and every consumed file is deleted.
package assembler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"comfyworker/internal/engine"
	"comfyworker/internal/metrics"
	"comfyworker/internal/objectstore"
	"comfyworker/internal/pkg/errors"
	"comfyworker/internal/pkg/logger"
)

type Kind string

const (
	KindImage Kind = "image"
	KindText  Kind = "text"
)

// Entry is one artifact to load.
type Entry struct {
	File engine.OutputFile
	Kind Kind
}

// TextRecord is a consumed text artifact. ContentParsed is set only when
// Type is "json".
type TextRecord struct {
	Filename      string          `json:"filename"`
	ContentRaw    string          `json:"content_raw"`
	ContentParsed json.RawMessage `json:"content_parsed,omitempty"`
	Type          string          `json:"type"`
}

// StagedObject is an image copied to the object store.
type StagedObject struct {
	Filename string `json:"filename"`
	Key      string `json:"key"`
	URL      string `json:"url,omitempty"`
}

type Result struct {
	Images  []string
	Texts   []TextRecord
	Objects []StagedObject
}

type Options struct {
	// OutputDir is where the engine writes its outputs.
	OutputDir string
	// RemoteDir is the object store folder searched for artifacts missing
	// on disk.
	RemoteDir string
	Gateway   *objectstore.Gateway
	// Stage uploads every image before it is deleted. Staging needs
	// Gateway and Allocator.
	Stage       bool
	StagePrefix string
	StageURLTTL time.Duration
	Allocator   *objectstore.Allocator
	Encoder     Encoder
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
}

type Assembler struct {
	opts Options
	log  *logger.Logger
}

func New(opts Options) *Assembler {
	if opts.Encoder == nil {
		opts.Encoder = WebPEncoder{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault()
	}
	return &Assembler{opts: opts, log: opts.Logger.WithComponent("assembler")}
}

// Flatten lists the manifest's artifacts in manifest order, images before
// texts within a node.
func Flatten(m engine.Manifest) []Entry {
	var out []Entry
	for _, n := range m.Nodes {
		for _, f := range n.Images {
			out = append(out, Entry{File: f, Kind: KindImage})
		}
		for _, f := range n.Texts {
			out = append(out, Entry{File: f, Kind: KindText})
		}
	}
	return out
}

// Assemble loads every artifact of m. A missing artifact is logged and
// skipped; a file that cannot be read or transcoded fails the call.
func (a *Assembler) Assemble(ctx context.Context, m engine.Manifest) (*Result, error) {
	log := a.log.FromContext(ctx)
	res := &Result{Images: []string{}, Texts: []TextRecord{}}

	for _, e := range Flatten(m) {
		path, ok := a.localPath(e.File)
		if !ok {
			log.Error("output file outside output directory", "filename", e.File.Filename, "subfolder", e.File.Subfolder)
			continue
		}
		if !a.ensureLocal(ctx, e.File, path) {
			log.Error("output file not found", "path", path)
			continue
		}

		switch e.Kind {
		case KindImage:
			img, err := loadImage(path, a.opts.Encoder)
			if err != nil {
				return nil, errors.Wrap(err, "assembler.image", "failed to transcode "+e.File.Filename)
			}
			res.Images = append(res.Images, img.Base64)
			if obj, ok := a.stage(ctx, path, e.File.Filename, img.Width, img.Height); ok {
				res.Objects = append(res.Objects, obj)
			}

		case KindText:
			rec, err := loadText(path, e.File.Filename)
			if err != nil {
				return nil, errors.Wrap(err, "assembler.text", "failed to read "+e.File.Filename)
			}
			res.Texts = append(res.Texts, rec)
		}
		a.opts.Metrics.Artifact(string(e.Kind))

		log.Info("deleting output file", "path", path)
		if err := os.Remove(path); err != nil {
			log.Warn("failed to delete output file", "path", path, "error", err.Error())
		}
	}
	return res, nil
}

func (a *Assembler) localPath(f engine.OutputFile) (string, bool) {
	root := filepath.Clean(a.opts.OutputDir)
	p := filepath.Join(root, filepath.FromSlash(f.Subfolder), filepath.FromSlash(f.Filename))
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

// ensureLocal reports whether the artifact is on disk, fetching it from
// the object store when the engine wrote it remotely.
func (a *Assembler) ensureLocal(ctx context.Context, f engine.OutputFile, path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	if !a.opts.Gateway.Enabled() {
		return false
	}
	key := objectstore.JoinKey(a.opts.RemoteDir, f.Subfolder, f.Filename)
	if _, err := a.opts.Gateway.Download(ctx, key, path); err != nil {
		return false
	}
	return true
}

func (a *Assembler) stage(ctx context.Context, path, filename string, width, height int) (StagedObject, bool) {
	if !a.opts.Stage || a.opts.Allocator == nil || !a.opts.Gateway.Enabled() {
		return StagedObject{}, false
	}
	log := a.log.FromContext(ctx)

	out := a.opts.Allocator.ResolveOutputPath(ctx, a.opts.StagePrefix, width, height)
	key, err := a.opts.Gateway.Upload(ctx, path, out.Key(filepath.Ext(filename)))
	if err != nil {
		log.Warn("staging failed, continuing without it", "filename", filename, "error", err.Error())
		return StagedObject{}, false
	}

	obj := StagedObject{Filename: filename, Key: key}
	if a.opts.StageURLTTL > 0 {
		if u, err := a.opts.Gateway.SignedURL(ctx, key, a.opts.StageURLTTL); err == nil {
			obj.URL = u
		}
	}
	return obj, true
}

func loadText(path, filename string) (TextRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TextRecord{}, err
	}
	content := string(data)

	if strings.HasSuffix(strings.ToLower(path), ".json") && json.Valid(data) {
		return TextRecord{
			Filename:      filename,
			ContentRaw:    content,
			ContentParsed: json.RawMessage(data),
			Type:          "json",
		}, nil
	}
	return TextRecord{Filename: filename, ContentRaw: content, Type: "text"}, nil
}
