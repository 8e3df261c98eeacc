package propagate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/keypoints"
)

type memFrames map[string]*image.Gray

func (m memFrames) ReadFrame(id string) (*image.Gray, error) {
	f, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("frame %s not found", id)
	}
	return f, nil
}

// shiftPredictor moves every known point by a fixed offset and loses the
// point at index lose.
type shiftPredictor struct {
	dx, dy float64
	lose   int
	calls  int
}

func (s *shiftPredictor) Predict(prev, next image.Image, pts []annotation.Point) ([]annotation.Point, []bool, error) {
	s.calls++
	out := make([]annotation.Point, len(pts))
	status := make([]bool, len(pts))
	for i, p := range pts {
		out[i] = p
		if !p.Known() || i == s.lose {
			continue
		}
		out[i] = annotation.Point{X: p.X + s.dx, Y: p.Y + s.dy}
		status[i] = true
	}
	return out, status, nil
}

// truncatingPredictor answers with fewer points and flags than it was given.
type truncatingPredictor struct{}

func (truncatingPredictor) Predict(prev, next image.Image, pts []annotation.Point) ([]annotation.Point, []bool, error) {
	return pts[:1], []bool{true}, nil
}

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

var names = []string{"left_goal_far_post", "center_circle_center", "left_penalty_spot"}

func newFixture(t *testing.T, pred flow.Predictor, obs ...Observer) (*annotation.Session, *Orchestrator) {
	t.Helper()
	s := annotation.NewSession(keypoints.Default())
	frames := memFrames{
		"f1": texture(120, 120, 0, 0),
		"f2": texture(120, 120, 2, 1),
		"f3": texture(120, 120, 4, 2),
		"f4": texture(120, 120, 6, 3),
	}
	return s, New(s, frames, pred, obs...)
}

func TestPropagateWritesDecodedTarget(t *testing.T) {
	pred := &shiftPredictor{dx: 2.7, dy: -1.2, lose: -1}
	s, o := newFixture(t, pred)
	require.NoError(t, s.Set("f1", "center_circle_center", 60, 60))
	require.NoError(t, s.Set("f1", "left_penalty_spot", 30, 40))

	res, err := o.Propagate(context.Background(), "f1", "f2", names)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tracked)
	assert.Equal(t, 0, res.Lost)

	got, ok := s.Frame("f2")
	require.True(t, ok)
	assert.Equal(t, annotation.FrameAnnotations{
		"left_goal_far_post":   annotation.Hidden(),
		"center_circle_center": annotation.At(62, 58),
		"left_penalty_spot":    annotation.At(32, 38),
	}, got)
}

func TestPropagateIsIdempotent(t *testing.T) {
	lk, err := flow.NewLK(flow.DefaultParams())
	require.NoError(t, err)
	s, o := newFixture(t, lk)
	require.NoError(t, s.Set("f1", "center_circle_center", 60, 60))
	require.NoError(t, s.Set("f1", "left_penalty_spot", 45, 70))

	_, err = o.Propagate(context.Background(), "f1", "f2", names)
	require.NoError(t, err)
	first, _ := s.Frame("f2")

	_, err = o.Propagate(context.Background(), "f1", "f2", names)
	require.NoError(t, err)
	second, _ := s.Frame("f2")

	assert.Equal(t, first, second)
	assert.True(t, first["center_circle_center"].Visible)
	assert.InDelta(t, 62, first["center_circle_center"].X, 1)
	assert.InDelta(t, 61, first["center_circle_center"].Y, 1)
}

func TestPropagateWithoutSeed(t *testing.T) {
	s, o := newFixture(t, &shiftPredictor{lose: -1})
	require.NoError(t, s.Set("f2", "left_penalty_spot", 5, 5))
	before, _ := s.Frame("f2")

	_, err := o.Propagate(context.Background(), "f1", "f2", names)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoAnnotations))

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "f1", perr.Source)
	assert.Equal(t, "f2", perr.Target)

	after, _ := s.Frame("f2")
	assert.Equal(t, before, after)
}

func TestPropagateUnreadableFrame(t *testing.T) {
	s, o := newFixture(t, &shiftPredictor{lose: -1})
	require.NoError(t, s.Set("f1", "left_penalty_spot", 5, 5))

	_, err := o.Propagate(context.Background(), "f1", "missing", names)
	require.Error(t, err)
	assert.True(t, errors.Is(err, flow.ErrInvalidInput))
	_, ok := s.Frame("missing")
	assert.False(t, ok)
}

func TestPropagateLostPointBecomesHidden(t *testing.T) {
	s, o := newFixture(t, &shiftPredictor{lose: 1})
	require.NoError(t, s.Set("f1", "center_circle_center", 60, 60))

	res, err := o.Propagate(context.Background(), "f1", "f2", names)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Tracked)
	assert.Equal(t, 1, res.Lost)
	assert.Equal(t, annotation.Hidden(), res.Frame["center_circle_center"])
}

func TestAdvanceRespectsManualEdits(t *testing.T) {
	pred := &shiftPredictor{dx: 1, dy: 1, lose: -1}
	s, o := newFixture(t, pred)
	require.NoError(t, s.Set("f1", "center_circle_center", 60, 60))
	require.NoError(t, s.Set("f2", "center_circle_center", 10, 10))

	res, err := o.Advance(context.Background(), "f1", "f2", names)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, pred.calls)

	got, _ := s.Frame("f2")
	assert.Equal(t, annotation.At(10, 10), got["center_circle_center"])

	// An explicit re-run replaces the hand edit.
	_, err = o.Propagate(context.Background(), "f1", "f2", names)
	require.NoError(t, err)
	got, _ = s.Frame("f2")
	assert.Equal(t, annotation.At(61, 61), got["center_circle_center"])
	assert.False(t, s.HasManualEdits("f2"))
}

func TestPropagateRangeSeedsFromManualFrames(t *testing.T) {
	var observed []Result
	obs := ObserverFunc(func(res Result, err error) {
		require.NoError(t, err)
		observed = append(observed, res)
	})
	s, o := newFixture(t, &shiftPredictor{dx: 1, lose: -1}, obs)
	require.NoError(t, s.Set("f1", "center_circle_center", 60, 60))
	require.NoError(t, s.Set("f3", "center_circle_center", 20, 20))

	var steps int
	results, err := o.PropagateRange(context.Background(), []string{"f1", "f2", "f3", "f4"}, names, func(Result) { steps++ })
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 3, steps)
	assert.Len(t, observed, 3)

	assert.False(t, results[0].Skipped)
	assert.True(t, results[1].Skipped)
	assert.False(t, results[2].Skipped)

	f2, _ := s.Frame("f2")
	assert.Equal(t, annotation.At(61, 60), f2["center_circle_center"])
	f4, _ := s.Frame("f4")
	assert.Equal(t, annotation.At(21, 20), f4["center_circle_center"])
}

func TestPropagateRangeStopsOnCancel(t *testing.T) {
	s, o := newFixture(t, &shiftPredictor{lose: -1})
	require.NoError(t, s.Set("f1", "center_circle_center", 60, 60))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := o.PropagateRange(ctx, []string{"f1", "f2"}, names, nil)
	assert.Empty(t, results)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("advance")
	require.NoError(t, err)
	assert.Equal(t, Navigation, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Explicit, m)

	_, err = ParseMode("sideways")
	assert.Error(t, err)
}

func TestSpan(t *testing.T) {
	ids := []string{"image001.jpg", "image002.jpg", "image003.jpg", "image004.jpg"}

	got, err := Span(ids, "", "")
	require.NoError(t, err)
	assert.Equal(t, ids, got)

	got, err = Span(ids, "image002.jpg", "image003.jpg")
	require.NoError(t, err)
	assert.Equal(t, []string{"image002.jpg", "image003.jpg"}, got)

	_, err = Span(ids, "image009.jpg", "")
	assert.ErrorIs(t, err, ErrUnknownFrame)

	_, err = Span(ids, "image003.jpg", "image002.jpg")
	assert.ErrorIs(t, err, ErrShortRange)

	_, err = Span(ids[:1], "", "")
	assert.ErrorIs(t, err, ErrShortRange)
}

func TestPropagateRejectsShortTrackerOutput(t *testing.T) {
	s, o := newFixture(t, truncatingPredictor{})
	require.NoError(t, s.Set("f1", "center_circle_center", 60, 60))
	require.NoError(t, s.Set("f2", "left_penalty_spot", 5, 5))
	before, _ := s.Frame("f2")

	var err error
	require.NotPanics(t, func() {
		_, err = o.Propagate(context.Background(), "f1", "f2", names)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, flow.ErrInvalidInput))
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "propagate", perr.Op)

	after, _ := s.Frame("f2")
	assert.Equal(t, before, after)
	assert.True(t, s.HasManualEdits("f2"))
}

func TestAdvanceKeepsHandEditsAfterReload(t *testing.T) {
	pred := &shiftPredictor{dx: 1, dy: 1, lose: -1}
	s, o := newFixture(t, pred)
	require.NoError(t, s.Set("f1", "center_circle_center", 60, 60))
	require.NoError(t, s.Set("f2", "center_circle_center", 10, 10))

	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf))
	require.NoError(t, s.Load(&buf))
	require.True(t, s.HasManualEdits("f2"))

	res, err := o.Advance(context.Background(), "f1", "f2", names)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	fa, _ := s.Frame("f2")
	assert.Equal(t, annotation.At(10, 10), fa["center_circle_center"])

	results, err := o.PropagateRange(context.Background(), []string{"f1", "f2", "f3"}, names, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Skipped)
	assert.False(t, results[1].Skipped)
	fa, _ = s.Frame("f2")
	assert.Equal(t, annotation.At(10, 10), fa["center_circle_center"])
	fa, _ = s.Frame("f3")
	assert.Equal(t, annotation.At(11, 11), fa["center_circle_center"])
	assert.Equal(t, 1, pred.calls, "only the f2 -> f3 step reaches the tracker")
}
