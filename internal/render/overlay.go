package render

import (
	"fmt"
	"image"
	"image/color"
	"sort"

	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/keypoints"
)

// MarkerRadius is the radius in pixels of an annotation marker.
const MarkerRadius = 5

// OverlayOptions tune Overlay.
type OverlayOptions struct {
	// Selected keypoint gets a ring and its name printed next to it.
	Selected string
	// Caption is printed in the top-left corner, e.g. the frame id.
	Caption string
	// Labels prints keypoint numbers next to every marker.
	Labels bool
}

// Overlay draws frame's visible annotations over img as filled discs in
// each keypoint's colour. Keypoints missing from schema are skipped.
func Overlay(img image.Image, frame annotation.FrameAnnotations, schema *keypoints.Schema, opts OverlayOptions) *image.RGBA {
	out := toRGBA(img)

	// Draw in table order so overlapping markers are stable.
	names := make([]string, 0, len(frame))
	for name := range frame {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := schema.ByName(names[i])
		b, _ := schema.ByName(names[j])
		return a.Number < b.Number
	})

	for _, name := range names {
		a := frame[name]
		spec, ok := schema.ByName(name)
		if !ok || !a.Visible {
			continue
		}
		c := rgba(spec.Color)
		x, y := float64(a.X), float64(a.Y)
		fillCircle(out, x, y, MarkerRadius, c)
		if name == opts.Selected {
			strokeCircle(out, x, y, 2*MarkerRadius, 2, color.White)
			drawTextWithBackground(out, a.X+2*MarkerRadius+2, a.Y-6, spec.Name, c, color.Black, 1)
		} else if opts.Labels {
			drawText(out, a.X+MarkerRadius, a.Y+MarkerRadius, fmt.Sprint(spec.Number), c)
		}
	}

	if opts.Caption != "" {
		drawTextWithBackground(out, 10, 10, opts.Caption, color.White, color.Black, 2)
	}
	return out
}
