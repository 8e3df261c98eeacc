package annotation

import "math"

// Point is a sub-pixel image position.
type Point struct {
	X, Y float64
}

// Unknown is the placeholder for keypoints with no position. It keeps the
// keypoint's slot in a point array, since the index encodes identity.
func Unknown() Point {
	return Point{X: math.NaN(), Y: math.NaN()}
}

// Known reports whether p is a finite coordinate.
func (p Point) Known() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) &&
		!math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// Encode lays out frame's visible keypoints in names order. Keypoints that
// are missing or not visible become Unknown.
func Encode(frame FrameAnnotations, names []string) []Point {
	points := make([]Point, len(names))
	for i, name := range names {
		a, ok := frame[name]
		if ok && a.Visible {
			points[i] = Point{X: float64(a.X), Y: float64(a.Y)}
		} else {
			points[i] = Unknown()
		}
	}
	return points
}

// Decode turns tracker output back into named annotations. A keypoint is
// visible only when its status is set and its predicted position is finite;
// coordinates are truncated toward zero. Entries missing from predicted or
// status count as lost.
func Decode(names []string, predicted []Point, status []bool) FrameAnnotations {
	out := make(FrameAnnotations, len(names))
	for i, name := range names {
		if i >= len(predicted) || i >= len(status) || !status[i] || !predicted[i].Known() {
			out[name] = Hidden()
			continue
		}
		p := predicted[i]
		out[name] = At(int(math.Trunc(p.X)), int(math.Trunc(p.Y)))
	}
	return out
}
