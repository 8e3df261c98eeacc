// Package annotation is the per-frame keypoint annotation store and the
// bridge between named annotations and the ordered point arrays the optical
// flow tracker works on.
package annotation

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Annotation is one keypoint on one frame. X and Y are pixel coordinates
// and only meaningful when Visible is set.
type Annotation struct {
	Visible bool
	X, Y    int
}

// At returns a visible annotation at (x, y).
func At(x, y int) Annotation {
	return Annotation{Visible: true, X: x, Y: y}
}

// Hidden returns a not-visible annotation.
func Hidden() Annotation {
	return Annotation{}
}

type wireAnnotation struct {
	Visible json.RawMessage `json:"visible"`
	X       *float64        `json:"x,omitempty"`
	Y       *float64        `json:"y,omitempty"`
}

// MarshalJSON writes {"visible":1,"x":..,"y":..} or {"visible":0}.
func (a Annotation) MarshalJSON() ([]byte, error) {
	if !a.Visible {
		return []byte(`{"visible":0}`), nil
	}
	return []byte(fmt.Sprintf(`{"visible":1,"x":%d,"y":%d}`, a.X, a.Y)), nil
}

// UnmarshalJSON accepts visible as 0/1 or false/true.
func (a *Annotation) UnmarshalJSON(data []byte) error {
	var w wireAnnotation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	visible, err := parseVisible(w.Visible)
	if err != nil {
		return err
	}
	if !visible {
		*a = Annotation{}
		return nil
	}
	if w.X == nil || w.Y == nil {
		return fmt.Errorf("visible annotation without x/y")
	}
	*a = Annotation{Visible: true, X: int(*w.X), Y: int(*w.Y)}
	return nil
}

func parseVisible(raw json.RawMessage) (bool, error) {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", "0", "false":
		return false, nil
	case "1", "true":
		return true, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return false, fmt.Errorf("invalid visible flag %s", raw)
	}
	return n != 0, nil
}

// FrameAnnotations maps keypoint name to its annotation on one frame.
// A missing name means the keypoint was never annotated on that frame.
type FrameAnnotations map[string]Annotation

// Clone returns an independent copy.
func (f FrameAnnotations) Clone() FrameAnnotations {
	if f == nil {
		return nil
	}
	out := make(FrameAnnotations, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// VisibleCount counts visible keypoints.
func (f FrameAnnotations) VisibleCount() int {
	n := 0
	for _, a := range f {
		if a.Visible {
			n++
		}
	}
	return n
}

// Equal reports whether two frames hold the same annotations.
func (f FrameAnnotations) Equal(other FrameAnnotations) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		o, ok := other[k]
		if !ok || o != v {
			return false
		}
	}
	return true
}
