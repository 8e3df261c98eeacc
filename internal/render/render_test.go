package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/keypoints"
)

func TestOverlayDrawsVisibleMarkers(t *testing.T) {
	schema := keypoints.Default()
	base := image.NewGray(image.Rect(0, 0, 200, 100))

	frame := annotation.FrameAnnotations{
		"center_circle_center": annotation.At(50, 50),
		"left_goal_far_post":   annotation.Hidden(),
		"not_a_keypoint":       annotation.At(150, 50),
	}
	out := Overlay(base, frame, schema, OverlayOptions{})

	spec, _ := schema.ByName("center_circle_center")
	assert.Equal(t, rgba(spec.Color), out.RGBAAt(50, 50))
	assert.Equal(t, color.RGBA{A: 255}, out.RGBAAt(150, 50))
	assert.Equal(t, color.RGBA{A: 255}, out.RGBAAt(10, 90))

	// The input is not modified.
	assert.Equal(t, uint8(0), base.GrayAt(50, 50).Y)
}

func TestOverlaySelectedRing(t *testing.T) {
	schema := keypoints.Default()
	base := image.NewRGBA(image.Rect(0, 0, 100, 100))
	frame := annotation.FrameAnnotations{"left_penalty_spot": annotation.At(40, 40)}

	out := Overlay(base, frame, schema, OverlayOptions{Selected: "left_penalty_spot"})
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, out.RGBAAt(40, 40+2*MarkerRadius))
}

func TestPitchDiagram(t *testing.T) {
	schema := keypoints.Default()
	assert.Equal(t, image.Pt(545, 360), PitchSize())

	img := Pitch(schema, keypoints.Connections, 18)
	assert.Equal(t, image.Rect(0, 0, 545, 360), img.Bounds())

	spec, _ := schema.ByNumber(18)
	x, y := PitchPoint(spec.RefX, spec.RefY)
	assert.Equal(t, 272.5, x)
	assert.Equal(t, 180.0, y)
	assert.Equal(t, rgba(spec.Color), img.RGBAAt(int(x)+6, int(y)))

	data, err := EncodePNG(img)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestPlaceholderJPEG(t *testing.T) {
	img := Placeholder(640, 480, "missing frame")
	data, err := EncodeJPEG(img, 75)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 480, cfg.Height)
}
