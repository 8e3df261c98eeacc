//go:build gocv

package cvflow

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
)

func texture(w, h int, sx, sy float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 128 + 50*math.Sin(0.2*(float64(x)-sx)) + 50*math.Sin(0.17*(float64(y)-sy))
			img.Pix[y*img.Stride+x] = uint8(math.Round(v))
		}
	}
	return img
}

func TestPredictMixedKnownAndUnknown(t *testing.T) {
	tr, err := New(flow.DefaultParams())
	require.NoError(t, err)

	points := []annotation.Point{
		annotation.Unknown(),
		{X: 60, Y: 60},
		annotation.Unknown(),
		{X: 40, Y: 70},
	}
	for run := 0; run < 5; run++ {
		out, status, err := tr.Predict(texture(120, 120, 0, 0), texture(120, 120, 2, 1), points)
		require.NoError(t, err)
		require.Len(t, out, len(points))
		require.Len(t, status, len(points))

		for _, i := range []int{0, 2} {
			assert.False(t, status[i])
			assert.False(t, out[i].Known())
		}
		for _, i := range []int{1, 3} {
			require.True(t, status[i], "point %d", i)
			assert.InDelta(t, points[i].X+2, out[i].X, 0.5)
			assert.InDelta(t, points[i].Y+1, out[i].Y, 0.5)
		}
	}
}
