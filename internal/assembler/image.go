package assembler

import (
	"bytes"
	"encoding/base64"
	"image"
	"io"
	"os"

	// Source formats the engine may write.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Encoder writes img in the transport format at the given quality (0-100).
type Encoder interface {
	Encode(w io.Writer, img image.Image, quality float32) error
}

// WebPEncoder produces lossy WebP.
type WebPEncoder struct{}

func (WebPEncoder) Encode(w io.Writer, img image.Image, quality float32) error {
	return webp.Encode(w, img, &webp.Options{Lossless: false, Quality: quality})
}

// Quality keeps full quality for images up to 1024x1024 and trades a
// little for size above that.
func Quality(width, height int) float32 {
	if width <= 1024 && height <= 1024 {
		return 100
	}
	return 95
}

type encodedImage struct {
	Base64 string
	Width  int
	Height int
}

func loadImage(path string, enc Encoder) (encodedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return encodedImage{}, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return encodedImage{}, err
	}

	b := img.Bounds()
	var buf bytes.Buffer
	if err := enc.Encode(&buf, img, Quality(b.Dx(), b.Dy())); err != nil {
		return encodedImage{}, err
	}
	return encodedImage{
		Base64: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}
