package webcam

import (
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"
)

var (
	colorTime = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// drawTimestamp draws the camera name and time in the top left corner.
func drawTimestamp(mat *gocv.Mat, name string, t time.Time) {
	text := name + " - " + t.Format("2006-01-02 15:04:05 MST")

	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1

	sz := gocv.GetTextSize(text, font, scale, thickness)
	pad := 2

	gocv.Rectangle(mat, image.Rect(0, 0, sz.X+pad*2, sz.Y+pad*2), colorBG, -1)
	gocv.PutText(mat, text, image.Pt(pad, sz.Y+pad), font, scale, colorTime, thickness)
}
