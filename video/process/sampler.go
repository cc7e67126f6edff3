package process

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"platecam/video/source"
)

var (
	// ErrNotReady is returned when the stream has not produced a first frame.
	ErrNotReady = errors.New("camera not ready")

	// ErrDecodeFailed is returned for payloads that are not a decodable image.
	ErrDecodeFailed = errors.New("image decode failed")

	// ErrTooLarge wraps ErrDecodeFailed for images whose declared size
	// exceeds MaxFilePixels.
	ErrTooLarge = fmt.Errorf("%w: image too large", ErrDecodeFailed)
)

// MaxFilePixels bounds the declared width*height of an uploaded image. A
// small compressed file can declare dimensions that would take gigabytes to
// rasterize, so the header is checked before decoding.
const MaxFilePixels = 32_000_000

// SampleStream rasterizes the stream's current frame at its intrinsic size.
func SampleStream(s source.Stream) (*PixelBuffer, error) {
	if s == nil {
		return nil, ErrNotReady
	}
	size := s.Size()
	if size.X == 0 || size.Y == 0 {
		return nil, ErrNotReady
	}
	img, err := s.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	buf, err := Rasterize(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return buf, nil
}

// SampleFile decodes a still image at its natural size. The returned format
// is the decoder name ("jpeg", "png", ...). Images declaring more than
// MaxFilePixels are rejected with ErrTooLarge before any pixel data is read.
func SampleFile(data []byte) (*PixelBuffer, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecodeFailed)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: empty image %dx%d", ErrDecodeFailed, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxFilePixels {
		return nil, "", fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	buf, err := Rasterize(img)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return buf, format, nil
}
