package process

import "errors"

const (
	// ChannelDeviation is how far, in 8-bit levels, a channel must stray from
	// its pixel's channel mean for the pixel to count as colored.
	ChannelDeviation = 15

	// DivergentPixelLimit is the number of colored pixels a frame must exceed
	// to be treated as containing an object.
	DivergentPixelLimit = 5000
)

// ErrNoObject is reported when HasObject rejects a frame.
var ErrNoObject = errors.New("no object detected")

// HasObject is a cheap local gate run before anything leaves the device. It
// counts pixels whose channels diverge from their own mean and accepts the
// frame as soon as the count passes DivergentPixelLimit. Gray and near-gray
// frames are rejected; a large saturated field passes even if it is a single
// color. Invalid buffers are rejected.
func HasObject(buf *PixelBuffer) bool {
	if buf.Validate() != nil {
		return false
	}

	count := 0
	pix := buf.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		r, g, b := int(pix[i]), int(pix[i+1]), int(pix[i+2])
		// Compare 3*c against the channel sum to stay in integers:
		// |c - (r+g+b)/3| > 15  <=>  |3c - (r+g+b)| > 45.
		sum := r + g + b
		if diverges(r, sum) || diverges(g, sum) || diverges(b, sum) {
			count++
			if count > DivergentPixelLimit {
				return true
			}
		}
	}
	return false
}

func diverges(c, sum int) bool {
	d := 3*c - sum
	if d < 0 {
		d = -d
	}
	return d > 3*ChannelDeviation
}
