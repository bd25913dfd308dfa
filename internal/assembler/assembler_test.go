package assembler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xwebp "golang.org/x/image/webp"

	"comfyworker/internal/adapters/storage/memory"
	"comfyworker/internal/engine"
	"comfyworker/internal/objectstore"
	"comfyworker/internal/pkg/logger"
	"comfyworker/internal/ports"
)

// recordingEncoder writes the quality it was asked for.
type recordingEncoder struct {
	qualities []float32
}

func (r *recordingEncoder) Encode(w io.Writer, img image.Image, quality float32) error {
	r.qualities = append(r.qualities, quality)
	_, err := w.Write([]byte("webp"))
	return err
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func manifest(t *testing.T, raw string) engine.Manifest {
	t.Helper()
	var m engine.Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestQuality(t *testing.T) {
	tests := []struct {
		w, h int
		want float32
	}{
		{800, 600, 100},
		{1024, 1024, 100},
		{1025, 512, 95},
		{512, 1025, 95},
		{2048, 2048, 95},
	}
	for _, tt := range tests {
		if got := Quality(tt.w, tt.h); got != tt.want {
			t.Errorf("Quality(%d, %d) = %v, want %v", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestAssembleImagesUseQualityBySize(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "small.png"), 800, 600)
	writePNG(t, filepath.Join(dir, "large.png"), 2048, 2048)

	enc := &recordingEncoder{}
	a := New(Options{OutputDir: dir, Encoder: enc, Logger: logger.Discard()})

	res, err := a.Assemble(context.Background(), manifest(t,
		`{"9": {"images": [{"filename": "small.png"}, {"filename": "large.png"}]}}`))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(enc.qualities) != 2 || enc.qualities[0] != 100 || enc.qualities[1] != 95 {
		t.Errorf("qualities = %v, want [100 95]", enc.qualities)
	}
	if len(res.Images) != 2 || res.Images[0] != base64.StdEncoding.EncodeToString([]byte("webp")) {
		t.Errorf("images = %v", res.Images)
	}
	for _, name := range []string{"small.png", "large.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s was not deleted", name)
		}
	}
}

func TestAssembleWebPRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "RUNPOD_00001_.png"), 64, 32)

	a := New(Options{OutputDir: dir, Logger: logger.Discard()})
	res, err := a.Assemble(context.Background(), manifest(t,
		`{"9": {"images": [{"filename": "RUNPOD_00001_.png", "subfolder": "", "type": "output"}]}}`))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(res.Images) != 1 {
		t.Fatalf("images = %d", len(res.Images))
	}

	data, err := base64.StdEncoding.DecodeString(res.Images[0])
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := xwebp.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not webp: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 32 {
		t.Errorf("size = %dx%d", cfg.Width, cfg.Height)
	}
}

func TestAssembleTexts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), `{"caption": "a cat", "score": 0.9}`)
	writeFile(t, filepath.Join(dir, "b.JSON"), `{not json`)
	writeFile(t, filepath.Join(dir, "c.txt"), "plain words")

	a := New(Options{OutputDir: dir, Encoder: &recordingEncoder{}, Logger: logger.Discard()})
	res, err := a.Assemble(context.Background(), manifest(t,
		`{"12": {"texts": [{"filename": "a.json"}, {"filename": "b.JSON"}]}, "13": {"texts": [{"filename": "c.txt"}]}}`))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(res.Texts) != 3 {
		t.Fatalf("texts = %+v", res.Texts)
	}

	if res.Texts[0].Type != "json" || res.Texts[0].ContentRaw != `{"caption": "a cat", "score": 0.9}` {
		t.Errorf("a.json = %+v", res.Texts[0])
	}
	var parsed map[string]any
	if err := json.Unmarshal(res.Texts[0].ContentParsed, &parsed); err != nil || parsed["caption"] != "a cat" {
		t.Errorf("parsed = %v, %v", parsed, err)
	}
	if res.Texts[1].Type != "text" || res.Texts[1].ContentParsed != nil {
		t.Errorf("b.JSON = %+v", res.Texts[1])
	}
	if res.Texts[2].Type != "text" || res.Texts[2].ContentRaw != "plain words" {
		t.Errorf("c.txt = %+v", res.Texts[2])
	}

	out, _ := json.Marshal(res.Texts[1])
	if strings.Contains(string(out), "content_parsed") {
		t.Errorf("text record carries content_parsed: %s", out)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("files left behind: %v", entries)
	}
}

func TestAssembleSkipsMissingAndEscaping(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "ok.png"), 8, 8)

	a := New(Options{OutputDir: dir, Encoder: &recordingEncoder{}, Logger: logger.Discard()})
	res, err := a.Assemble(context.Background(), manifest(t,
		`{"9": {"images": [{"filename": "missing.png"}, {"filename": "../../etc/passwd"}, {"filename": "ok.png"}]}}`))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(res.Images) != 1 {
		t.Errorf("images = %d, want 1", len(res.Images))
	}
}

func TestAssembleCorruptImageFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.png"), "not an image")

	a := New(Options{OutputDir: dir, Logger: logger.Discard()})
	if _, err := a.Assemble(context.Background(), manifest(t,
		`{"9": {"images": [{"filename": "bad.png"}]}}`)); err == nil {
		t.Fatal("expected error for corrupt image")
	}
}

func TestAssembleFetchesRemoteArtifact(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(t.TempDir(), "remote.png")
	writePNG(t, src, 16, 16)
	data, _ := os.ReadFile(src)

	backend := memory.New()
	if _, err := backend.PutObject(ctx, ports.PutObjectInput{
		ObjectKey: "tmp/output/sub/remote.png",
		Reader:    bytes.NewReader(data),
		Size:      int64(len(data)),
	}); err != nil {
		t.Fatal(err)
	}
	gw := objectstore.NewGateway(backend, logger.Discard(), nil)

	a := New(Options{
		OutputDir: dir,
		RemoteDir: "tmp/output",
		Gateway:   gw,
		Encoder:   &recordingEncoder{},
		Logger:    logger.Discard(),
	})
	res, err := a.Assemble(ctx, manifest(t,
		`{"9": {"images": [{"filename": "remote.png", "subfolder": "sub"}]}}`))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(res.Images) != 1 {
		t.Errorf("images = %d, want 1", len(res.Images))
	}
	if _, err := os.Stat(filepath.Join(dir, "sub", "remote.png")); !os.IsNotExist(err) {
		t.Error("downloaded file was not deleted")
	}
}

func TestAssembleStagesImages(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "x.png"), 512, 768)

	backend := memory.New()
	gw := objectstore.NewGateway(backend, logger.Discard(), nil)
	a := New(Options{
		OutputDir:   dir,
		Gateway:     gw,
		Stage:       true,
		StagePrefix: "renders/%width%x%height%/img",
		Allocator:   objectstore.NewAllocator(gw, "tmp/output"),
		Encoder:     &recordingEncoder{},
		Logger:      logger.Discard(),
	})

	res, err := a.Assemble(ctx, manifest(t, `{"9": {"images": [{"filename": "x.png"}]}}`))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "tmp/output/renders/512x768/img_00001_.png" {
		t.Fatalf("objects = %+v", res.Objects)
	}
	if _, _, _, err := backend.GetObject(ctx, res.Objects[0].Key); err != nil {
		t.Errorf("staged object missing: %v", err)
	}
}

func TestAssembleStagingFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "x.png"), 8, 8)

	gw := objectstore.NewGateway(failingPut{memory.New()}, logger.Discard(), nil)
	a := New(Options{
		OutputDir:   dir,
		Gateway:     gw,
		Stage:       true,
		StagePrefix: "ComfyUI",
		Allocator:   objectstore.NewAllocator(gw, ""),
		Encoder:     &recordingEncoder{},
		Logger:      logger.Discard(),
	})
	res, err := a.Assemble(context.Background(), manifest(t, `{"9": {"images": [{"filename": "x.png"}]}}`))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(res.Images) != 1 || len(res.Objects) != 0 {
		t.Errorf("images = %d objects = %d", len(res.Images), len(res.Objects))
	}
}

type failingPut struct{ *memory.Backend }

func (failingPut) PutObject(context.Context, ports.PutObjectInput) (ports.PutObjectOutput, error) {
	return ports.PutObjectOutput{}, os.ErrPermission
}

func TestFlattenOrder(t *testing.T) {
	m := manifest(t, `{
		"9": {"images": [{"filename": "a.png"}], "texts": [{"filename": "b.txt"}]},
		"3": {"images": [{"filename": "c.png"}]}
	}`)
	var got []string
	for _, e := range Flatten(m) {
		got = append(got, string(e.Kind)+":"+e.File.Filename)
	}
	want := "image:a.png,text:b.txt,image:c.png"
	if strings.Join(got, ",") != want {
		t.Errorf("Flatten = %v, want %s", got, want)
	}
}
