//go:build !gocv

package cvflow

import (
	"errors"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
)

// ErrUnavailable is returned by New when the binary was built without gocv.
var ErrUnavailable = errors.New("opencv tracker not compiled in (build with -tags gocv)")

// Available reports whether the OpenCV tracker is compiled in.
func Available() bool { return false }

// New always fails without the gocv build tag.
func New(params flow.Params) (flow.Predictor, error) {
	return nil, ErrUnavailable
}
