package render

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/keypoints"
)

// Pitch diagram geometry: metres are scaled to pixels and surrounded by a
// fixed padding.
const (
	PitchScale   = 5.0
	PitchPadding = 10.0
)

// PitchSize returns the diagram size in pixels.
func PitchSize() image.Point {
	return image.Pt(
		int(PitchPadding*2+keypoints.PitchWidth*PitchScale),
		int(PitchPadding*2+keypoints.PitchHeight*PitchScale),
	)
}

// PitchPoint maps reference coordinates in metres to diagram pixels.
func PitchPoint(x, y float64) (float64, float64) {
	return PitchPadding + x*PitchScale, PitchPadding + y*PitchScale
}

// Pitch renders the reference diagram: a white pitch with black lines and
// every keypoint numbered in its colour. The keypoint whose number equals
// highlight is drawn twice as large and labelled by name; 0 highlights
// nothing.
func Pitch(schema *keypoints.Schema, connections []keypoints.Connection, highlight int) *image.RGBA {
	size := PitchSize()
	img := image.NewRGBA(image.Rectangle{Max: size})
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	black := color.RGBA{A: 255}
	// Boundary.
	w, h := float64(size.X-1), float64(size.Y-1)
	drawLine(img, 0, 0, w, 0, 2, black)
	drawLine(img, w, 0, w, h, 2, black)
	drawLine(img, w, h, 0, h, 2, black)
	drawLine(img, 0, h, 0, 0, 2, black)

	for _, c := range connections {
		from, ok1 := schema.ByNumber(c.From)
		to, ok2 := schema.ByNumber(c.To)
		if !ok1 || !ok2 {
			continue
		}
		sx, sy := PitchPoint(from.RefX, from.RefY)
		ex, ey := PitchPoint(to.RefX, to.RefY)
		drawLine(img, sx, sy, ex, ey, 2, black)
	}

	for _, spec := range schema.Specs() {
		c := rgba(spec.Color)
		x, y := PitchPoint(spec.RefX, spec.RefY)
		if spec.Number == highlight {
			fillCircle(img, x, y, 8, c)
			drawTextWithBackground(img, int(x)+10, int(y)+10, spec.Name, c, color.White, 1)
			continue
		}
		fillCircle(img, x, y, 4, c)
		drawText(img, int(x)+5, int(y)+5, fmt.Sprint(spec.Number), c)
	}
	return img
}
