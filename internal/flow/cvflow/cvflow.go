//go:build gocv

package cvflow

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
)

// Tracker implements flow.Predictor with cv::calcOpticalFlowPyrLK.
type Tracker struct {
	params flow.Params
}

// New returns an OpenCV backed tracker.
func New(params flow.Params) (*Tracker, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{params: params}, nil
}

var _ flow.Predictor = (*Tracker)(nil)

// Predict tracks points from prev to next.
func (t *Tracker) Predict(prev, next image.Image, points []annotation.Point) ([]annotation.Point, []bool, error) {
	if len(points) == 0 {
		return nil, nil, fmt.Errorf("%w: no points to track", flow.ErrInvalidInput)
	}
	a, ok := prev.(*image.Gray)
	if !ok || a == nil {
		return nil, nil, fmt.Errorf("%w: previous frame is %T, want *image.Gray", flow.ErrInvalidInput, prev)
	}
	b, ok := next.(*image.Gray)
	if !ok || b == nil {
		return nil, nil, fmt.Errorf("%w: next frame is %T, want *image.Gray", flow.ErrInvalidInput, next)
	}
	if a.Rect.Size() != b.Rect.Size() || a.Rect.Empty() {
		return nil, nil, fmt.Errorf("%w: frame sizes %v and %v", flow.ErrInvalidInput, a.Rect.Size(), b.Rect.Size())
	}

	prevMat, err := grayMat(a)
	if err != nil {
		return nil, nil, err
	}
	defer prevMat.Close()
	nextMat, err := grayMat(b)
	if err != nil {
		return nil, nil, err
	}
	defer nextMat.Close()

	// OpenCV rejects NaN inputs, so unknown points are tracked from the
	// origin and their result is discarded.
	prevPts := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), len(points), 1, gocv.MatTypeCV32FC2)
	defer prevPts.Close()
	for i, p := range points {
		if p.Known() {
			prevPts.SetFloatAt(i, 0, float32(p.X))
			prevPts.SetFloatAt(i, 1, float32(p.Y))
		}
	}
	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	errMat := gocv.NewMat()
	defer errMat.Close()

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, t.params.MaxIterations, t.params.Epsilon)
	gocv.CalcOpticalFlowPyrLKWithParams(prevMat, nextMat, prevPts, nextPts, &status, &errMat,
		image.Pt(t.params.Window, t.params.Window), t.params.MaxLevel, criteria, 0, t.params.MinEigThreshold)

	out := make([]annotation.Point, len(points))
	tracked := make([]bool, len(points))
	w, h := float64(a.Rect.Dx()), float64(a.Rect.Dy())
	for i, p := range points {
		out[i] = p
		if !p.Known() || status.GetUCharAt(i, 0) == 0 {
			continue
		}
		q := annotation.Point{X: float64(nextPts.GetFloatAt(i, 0)), Y: float64(nextPts.GetFloatAt(i, 1))}
		if q.X < 0 || q.Y < 0 || q.X > w-1 || q.Y > h-1 {
			continue
		}
		out[i] = q
		tracked[i] = true
	}
	return out, tracked, nil
}

func grayMat(g *image.Gray) (gocv.Mat, error) {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	pix := g.Pix
	if g.Stride != w {
		pix = make([]byte, w*h)
		for y := 0; y < h; y++ {
			copy(pix[y*w:(y+1)*w], g.Pix[y*g.Stride:y*g.Stride+w])
		}
	}
	m, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("wrap frame: %w", err)
	}
	return m, nil
}
