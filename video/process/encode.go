package process

import (
	"bytes"
	"image/jpeg"
	"time"

	"github.com/google/uuid"
)

const (
	ContentTypeJPEG = "image/jpeg"

	DefaultJPEGQuality = 92
)

// Origin records where an EncodedImage came from.
type Origin string

const (
	FromCamera Origin = "camera"
	FromFile   Origin = "file"
)

// EncodedImage is the payload handed to the classifier. It is never modified
// after creation.
type EncodedImage struct {
	// ID names the capture cycle.
	ID          string
	Data        []byte
	ContentType string
	Origin      Origin
	CapturedAt  time.Time
}

// Filename is the name the image is uploaded under.
func (e *EncodedImage) Filename() string {
	return e.ID + ".jpg"
}

// EncodeJPEG compresses buf into a new EncodedImage.
func EncodeJPEG(buf *PixelBuffer, quality int, origin Origin) (*EncodedImage, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var b bytes.Buffer
	if err := jpeg.Encode(&b, buf.RGBA(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return newEncoded(b.Bytes(), origin), nil
}

// WrapJPEG adopts bytes that are already JPEG. The slice is copied.
func WrapJPEG(data []byte, origin Origin) *EncodedImage {
	return newEncoded(append([]byte(nil), data...), origin)
}

func newEncoded(data []byte, origin Origin) *EncodedImage {
	return &EncodedImage{
		ID:          uuid.NewString(),
		Data:        data,
		ContentType: ContentTypeJPEG,
		Origin:      origin,
		CapturedAt:  time.Now(),
	}
}
