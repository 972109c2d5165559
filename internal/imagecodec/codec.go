// Package imagecodec converts uploaded image bytes to RGBA pixel grids and
// back to JPEG for transport.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const JPEGQuality = 90

var ErrUndecodable = errors.New("unable to decode image")

// Decode sniffs data and decodes it into an RGBA image. The returned string
// is the detected MIME type.
func Decode(data []byte) (*image.RGBA, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrUndecodable)
	}

	mimeType := strings.Split(mimetype.Detect(data).String(), ";")[0]
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, mimeType, fmt.Errorf("%w: unsupported content type %s", ErrUndecodable, mimeType)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, mimeType, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, mimeType, fmt.Errorf("%w: zero-sized image", ErrUndecodable)
	}
	return ToRGBA(src), mimeType, nil
}

// ToRGBA returns a copy of img as *image.RGBA anchored at the origin.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode annotated image: %w", err)
	}
	return buf.Bytes(), nil
}

func Base64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
