// Package render draws annotations onto frames and renders the pitch
// reference diagram.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/keypoints"
)

func rgba(c keypoints.RGB) color.RGBA {
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: 255}
}

// toRGBA copies img into a fresh RGBA canvas with its origin at (0, 0).
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func fillCircle(img *image.RGBA, cx, cy, r float64, c color.Color) {
	b := img.Bounds()
	x0 := int(math.Floor(cx - r))
	x1 := int(math.Ceil(cx + r))
	y0 := int(math.Floor(cy - r))
	y1 := int(math.Ceil(cy + r))
	r2 := r * r
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if !(image.Point{X: x, Y: y}).In(b) {
				continue
			}
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			if dx*dx+dy*dy <= r2 {
				img.Set(x, y, c)
			}
		}
	}
}

func strokeCircle(img *image.RGBA, cx, cy, r, width float64, c color.Color) {
	b := img.Bounds()
	outer := r + width/2
	inner := r - width/2
	for y := int(math.Floor(cy - outer)); y <= int(math.Ceil(cy+outer)); y++ {
		for x := int(math.Floor(cx - outer)); x <= int(math.Ceil(cx+outer)); x++ {
			if !(image.Point{X: x, Y: y}).In(b) {
				continue
			}
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			d := math.Sqrt(dx*dx + dy*dy)
			if d <= outer && d >= inner {
				img.Set(x, y, c)
			}
		}
	}
}

// drawLine draws a line of the given width by stamping discs along it.
func drawLine(img *image.RGBA, x0, y0, x1, y1, width float64, c color.Color) {
	length := math.Hypot(x1-x0, y1-y0)
	steps := int(math.Ceil(length))
	if steps == 0 {
		fillCircle(img, x0, y0, width/2, c)
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		fillCircle(img, x0+(x1-x0)*t, y0+(y1-y0)*t, width/2, c)
	}
}

// drawText writes s with its top-left corner at (x, y).
func drawText(img *image.RGBA, x, y int, s string, c color.Color) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y+face.Ascent),
	}
	d.DrawString(s)
}

// drawTextWithBackground writes s over a filled box, like a caption.
func drawTextWithBackground(img *image.RGBA, x, y int, s string, fg, bg color.Color, pad int) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, s).Ceil()
	box := image.Rect(x-pad, y-pad, x+w+pad, y+face.Height+pad)
	draw.Draw(img, box.Intersect(img.Bounds()), image.NewUniform(bg), image.Point{}, draw.Src)
	drawText(img, x, y, s, fg)
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Placeholder renders colour bars with a caption, served when a frame
// cannot be decoded.
func Placeholder(w, h int, caption string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	// White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	bars := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}
	barWidth := w / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := range h {
		for x := range w {
			i := x / barWidth
			if i >= len(bars) {
				i = len(bars) - 1
			}
			img.SetRGBA(x, y, bars[i])
		}
	}
	if caption != "" {
		drawTextWithBackground(img, 10, 10, caption, color.White, color.Black, 2)
	}
	return img
}
