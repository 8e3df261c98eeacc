// Package flow predicts where sparse points move between two consecutive
// grayscale frames using pyramidal Lucas-Kanade optical flow.
package flow

import (
	"errors"
	"fmt"
	"image"

	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
)

// ErrInvalidInput is returned for frames or point lists the tracker cannot
// work on. Losing individual points is never an error.
var ErrInvalidInput = errors.New("invalid tracker input")

// Params controls the Lucas-Kanade search.
type Params struct {
	// Window is the side length in pixels of the square search window.
	Window int `yaml:"window"`
	// MaxLevel is the index of the coarsest pyramid level; 0 disables
	// the pyramid.
	MaxLevel int `yaml:"max_level"`
	// MaxIterations bounds the refinement steps per level.
	MaxIterations int `yaml:"max_iterations"`
	// Epsilon stops refinement once a step moves less than this many pixels.
	Epsilon float64 `yaml:"epsilon"`
	// MinEigThreshold rejects windows whose normalised structure tensor has
	// a smaller minimum eigenvalue.
	MinEigThreshold float64 `yaml:"min_eig_threshold"`
}

// DefaultParams returns the tracker contract: 15x15 window, three pyramid
// levels, 10 iterations or 0.03 px.
func DefaultParams() Params {
	return Params{
		Window:          15,
		MaxLevel:        2,
		MaxIterations:   10,
		Epsilon:         0.03,
		MinEigThreshold: 1e-4,
	}
}

// Validate checks that p describes a usable search.
func (p Params) Validate() error {
	switch {
	case p.Window < 3 || p.Window%2 == 0:
		return fmt.Errorf("%w: window must be an odd size >= 3, got %d", ErrInvalidInput, p.Window)
	case p.MaxLevel < 0:
		return fmt.Errorf("%w: negative pyramid level %d", ErrInvalidInput, p.MaxLevel)
	case p.MaxIterations <= 0:
		return fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidInput, p.MaxIterations)
	case p.Epsilon < 0:
		return fmt.Errorf("%w: negative epsilon %g", ErrInvalidInput, p.Epsilon)
	case p.MinEigThreshold < 0:
		return fmt.Errorf("%w: negative eigenvalue threshold %g", ErrInvalidInput, p.MinEigThreshold)
	}
	return nil
}

// IsDefault reports whether p equals DefaultParams.
func (p Params) IsDefault() bool {
	return p == DefaultParams()
}

// Predictor tracks points from prev to next. The returned slices have the
// same length as points; status[i] is true when point i was tracked.
type Predictor interface {
	Predict(prev, next image.Image, points []annotation.Point) ([]annotation.Point, []bool, error)
}

// checkFrames validates a frame pair and returns them as *image.Gray.
func checkFrames(prev, next image.Image) (*image.Gray, *image.Gray, error) {
	a, err := asGray("previous", prev)
	if err != nil {
		return nil, nil, err
	}
	b, err := asGray("next", next)
	if err != nil {
		return nil, nil, err
	}
	if a.Rect.Dx() != b.Rect.Dx() || a.Rect.Dy() != b.Rect.Dy() {
		return nil, nil, fmt.Errorf("%w: frame sizes differ (%dx%d vs %dx%d)",
			ErrInvalidInput, a.Rect.Dx(), a.Rect.Dy(), b.Rect.Dx(), b.Rect.Dy())
	}
	return a, b, nil
}

func asGray(which string, img image.Image) (*image.Gray, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: %s frame is missing", ErrInvalidInput, which)
	}
	g, ok := img.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("%w: %s frame is %T, want single-channel *image.Gray", ErrInvalidInput, which, img)
	}
	if g == nil || g.Rect.Empty() {
		return nil, fmt.Errorf("%w: %s frame is empty", ErrInvalidInput, which)
	}
	return g, nil
}
