package process

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

var errZeroArea = errors.New("zero-area pixel buffer")

// PixelBuffer holds interleaved 8-bit RGBA samples, row-major from the top
// left corner. len(Pix) is always Width*Height*4 for a valid buffer.
type PixelBuffer struct {
	Width, Height int
	Pix           []byte
}

// NewPixelBuffer allocates a zeroed (transparent black) buffer.
func NewPixelBuffer(width, height int) *PixelBuffer {
	return &PixelBuffer{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*4),
	}
}

// Validate reports whether the buffer can be handed to the gate.
func (b *PixelBuffer) Validate() error {
	if b == nil || b.Width <= 0 || b.Height <= 0 {
		return errZeroArea
	}
	if len(b.Pix) != b.Width*b.Height*4 {
		return fmt.Errorf("pixel buffer has %d bytes, want %d for %dx%d", len(b.Pix), b.Width*b.Height*4, b.Width, b.Height)
	}
	return nil
}

// Set writes one pixel. Used by tests and synthetic frames.
func (b *PixelBuffer) Set(x, y int, r, g, bl, a uint8) {
	i := (y*b.Width + x) * 4
	b.Pix[i], b.Pix[i+1], b.Pix[i+2], b.Pix[i+3] = r, g, bl, a
}

// RGBA wraps the samples as an image without copying.
func (b *PixelBuffer) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    b.Pix,
		Stride: b.Width * 4,
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// Rasterize draws img into a new buffer of the image's exact dimensions.
func Rasterize(img image.Image) (*PixelBuffer, error) {
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, errZeroArea
	}
	buf := NewPixelBuffer(bounds.Dx(), bounds.Dy())
	draw.Draw(buf.RGBA(), buf.RGBA().Rect, img, bounds.Min, draw.Src)
	return buf, nil
}
