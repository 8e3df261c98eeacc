package flow

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
)

// LK is a pure Go pyramidal Lucas-Kanade tracker.
type LK struct {
	params Params
}

// NewLK returns a tracker using params.
func NewLK(params Params) (*LK, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &LK{params: params}, nil
}

// Params returns the tracker's search parameters.
func (lk *LK) Params() Params {
	return lk.params
}

// Predict tracks points from prev to next. Unknown points, points that leave
// the frame and points whose neighbourhood carries no usable gradient come
// back with status false; their output position is meaningless.
func (lk *LK) Predict(prev, next image.Image, points []annotation.Point) ([]annotation.Point, []bool, error) {
	if len(points) == 0 {
		return nil, nil, fmt.Errorf("%w: no points to track", ErrInvalidInput)
	}
	a, b, err := checkFrames(prev, next)
	if err != nil {
		return nil, nil, err
	}

	prevPyr := buildPyramid(a, lk.params.MaxLevel, lk.params.Window, true)
	nextPyr := buildPyramid(b, lk.params.MaxLevel, lk.params.Window, false)

	out := make([]annotation.Point, len(points))
	status := make([]bool, len(points))
	w, h := float64(a.Rect.Dx()), float64(a.Rect.Dy())

	for i, p := range points {
		out[i] = p
		if !p.Known() || p.X < 0 || p.Y < 0 || p.X > w-1 || p.Y > h-1 {
			continue
		}
		q, ok := lk.track(prevPyr, nextPyr, p)
		if !ok || q.X < 0 || q.Y < 0 || q.X > w-1 || q.Y > h-1 {
			continue
		}
		out[i] = q
		status[i] = true
	}
	return out, status, nil
}

// window holds the reference patch and its gradients around a point.
type window struct {
	half   int
	ival   []float64
	ix, iy []float64
}

func (lk *LK) track(prevPyr, nextPyr []level, p annotation.Point) (annotation.Point, bool) {
	half := lk.params.Window / 2
	n := lk.params.Window * lk.params.Window
	win := window{
		half: half,
		ival: make([]float64, n),
		ix:   make([]float64, n),
		iy:   make([]float64, n),
	}
	eps2 := lk.params.Epsilon * lk.params.Epsilon

	top := len(prevPyr) - 1
	scale := math.Ldexp(1, -top)
	guess := annotation.Point{X: p.X * scale, Y: p.Y * scale}

	for l := top; l >= 0; l-- {
		if l < top {
			guess.X *= 2
			guess.Y *= 2
		}
		scale = math.Ldexp(1, -l)
		ref := annotation.Point{X: p.X * scale, Y: p.Y * scale}
		pl, nl := prevPyr[l], nextPyr[l]

		if outside(ref, pl.img, half) {
			if l == 0 {
				return p, false
			}
			continue
		}

		gsum := win.fill(pl, ref)
		g := mat.NewSymDense(2, gsum[:])
		if minEigen(g)/float64(n) < lk.params.MinEigThreshold {
			if l == 0 {
				return p, false
			}
			continue
		}
		var chol mat.Cholesky
		if !chol.Factorize(g) {
			if l == 0 {
				return p, false
			}
			continue
		}

		var delta mat.VecDense
		for it := 0; it < lk.params.MaxIterations; it++ {
			if outside(guess, nl.img, half) {
				if l == 0 {
					return p, false
				}
				break
			}
			bx, by := win.mismatch(nl.img, guess)
			if err := chol.SolveVecTo(&delta, mat.NewVecDense(2, []float64{bx, by})); err != nil {
				if l == 0 {
					return p, false
				}
				break
			}
			dx, dy := delta.AtVec(0), delta.AtVec(1)
			guess.X -= dx
			guess.Y -= dy
			if dx*dx+dy*dy <= eps2 {
				break
			}
		}
	}
	return guess, guess.Known()
}

// fill samples the reference window at pt and returns the structure tensor
// as a row-major 2x2 matrix.
func (w *window) fill(lv level, pt annotation.Point) [4]float64 {
	var sxx, sxy, syy float64
	k := 0
	for dy := -w.half; dy <= w.half; dy++ {
		for dx := -w.half; dx <= w.half; dx++ {
			x, y := pt.X+float64(dx), pt.Y+float64(dy)
			w.ival[k] = lv.img.sample(x, y)
			gx := lv.dx.sample(x, y)
			gy := lv.dy.sample(x, y)
			w.ix[k], w.iy[k] = gx, gy
			sxx += gx * gx
			sxy += gx * gy
			syy += gy * gy
			k++
		}
	}
	return [4]float64{sxx, sxy, sxy, syy}
}

// mismatch returns the image mismatch vector b = sum((J-I) * grad I) for
// the window displaced to pt in the next frame.
func (w *window) mismatch(next *plane, pt annotation.Point) (bx, by float64) {
	k := 0
	for dy := -w.half; dy <= w.half; dy++ {
		for dx := -w.half; dx <= w.half; dx++ {
			diff := next.sample(pt.X+float64(dx), pt.Y+float64(dy)) - w.ival[k]
			bx += diff * w.ix[k]
			by += diff * w.iy[k]
			k++
		}
	}
	return bx, by
}

func minEigen(g *mat.SymDense) float64 {
	var eig mat.EigenSym
	if !eig.Factorize(g, false) {
		return 0
	}
	vals := eig.Values(nil)
	m := vals[0]
	for _, v := range vals[1:] {
		m = math.Min(m, v)
	}
	return m
}

// outside reports whether the search window around pt falls off the plane.
func outside(pt annotation.Point, p *plane, half int) bool {
	if !pt.Known() {
		return true
	}
	h := float64(half)
	return pt.X < -h || pt.Y < -h || pt.X > float64(p.w-1)+h || pt.Y > float64(p.h-1)+h
}
