package flow

import (
	"image"
	"math"
)

// plane is a float32 intensity image used for pyramid levels and gradients.
type plane struct {
	w, h int
	pix  []float32
}

func newPlane(w, h int) *plane {
	return &plane{w: w, h: h, pix: make([]float32, w*h)}
}

func planeFromGray(g *image.Gray) *plane {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	p := newPlane(w, h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			p.pix[y*w+x] = float32(v)
		}
	}
	return p
}

// at reads a pixel with the border replicated.
func (p *plane) at(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= p.w {
		x = p.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.h {
		y = p.h - 1
	}
	return p.pix[y*p.w+x]
}

// sample bilinearly interpolates at a sub-pixel position.
func (p *plane) sample(x, y float64) float64 {
	x0 := math.Floor(x)
	y0 := math.Floor(y)
	fx := x - x0
	fy := y - y0
	ix, iy := int(x0), int(y0)

	v00 := float64(p.at(ix, iy))
	v10 := float64(p.at(ix+1, iy))
	v01 := float64(p.at(ix, iy+1))
	v11 := float64(p.at(ix+1, iy+1))

	top := v00 + (v10-v00)*fx
	bottom := v01 + (v11-v01)*fx
	return top + (bottom-top)*fy
}

var gauss5 = [5]float32{1, 4, 6, 4, 1}

// pyrDown blurs with the 5-tap binomial kernel and drops every other row
// and column. The result is ceil(w/2) x ceil(h/2).
func pyrDown(src *plane) *plane {
	dw, dh := (src.w+1)/2, (src.h+1)/2

	// Horizontal pass at full height, decimated columns.
	tmp := newPlane(dw, src.h)
	for y := 0; y < src.h; y++ {
		for x := 0; x < dw; x++ {
			sx := 2 * x
			var s float32
			for k := -2; k <= 2; k++ {
				s += gauss5[k+2] * src.at(sx+k, y)
			}
			tmp.pix[y*dw+x] = s / 16
		}
	}

	dst := newPlane(dw, dh)
	for y := 0; y < dh; y++ {
		sy := 2 * y
		for x := 0; x < dw; x++ {
			var s float32
			for k := -2; k <= 2; k++ {
				s += gauss5[k+2] * tmp.at(x, sy+k)
			}
			dst.pix[y*dw+x] = s / 16
		}
	}
	return dst
}

// scharr computes the x and y derivatives with the 3x3 Scharr operator,
// normalised by 1/32 so gradients are in intensity units per pixel.
func scharr(src *plane) (dx, dy *plane) {
	dx = newPlane(src.w, src.h)
	dy = newPlane(src.w, src.h)
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			gx := 3*(src.at(x+1, y-1)-src.at(x-1, y-1)) +
				10*(src.at(x+1, y)-src.at(x-1, y)) +
				3*(src.at(x+1, y+1)-src.at(x-1, y+1))
			gy := 3*(src.at(x-1, y+1)-src.at(x-1, y-1)) +
				10*(src.at(x, y+1)-src.at(x, y-1)) +
				3*(src.at(x+1, y+1)-src.at(x+1, y-1))
			dx.pix[y*src.w+x] = gx / 32
			dy.pix[y*src.w+x] = gy / 32
		}
	}
	return dx, dy
}

// level is one pyramid step of a frame.
type level struct {
	img    *plane
	dx, dy *plane
}

// buildPyramid returns levels finest first. Levels smaller than the search
// window are not built, so fewer than maxLevel+1 levels may come back.
func buildPyramid(g *image.Gray, maxLevel, window int, gradients bool) []level {
	levels := make([]level, 0, maxLevel+1)
	cur := planeFromGray(g)
	for l := 0; l <= maxLevel; l++ {
		if l > 0 {
			if cur.w < 2*window || cur.h < 2*window {
				break
			}
			cur = pyrDown(cur)
		}
		lv := level{img: cur}
		if gradients {
			lv.dx, lv.dy = scharr(cur)
		}
		levels = append(levels, lv)
	}
	return levels
}
