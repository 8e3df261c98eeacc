// Package propagate carries annotations from one frame to the next by
// running the optical flow predictor between the two frames and writing
// the decoded result back into the session.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
)

// ErrNoAnnotations means the source frame has no stored annotations to seed
// a propagation from.
var ErrNoAnnotations = errors.New("source frame has no annotations")

// Range selection errors.
var (
	ErrUnknownFrame = errors.New("unknown frame")
	ErrShortRange   = errors.New("range needs at least two frames")
)

// Error identifies the operation and frames of a failed propagation.
type Error struct {
	Op     string
	Source string
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s -> %s: %v", e.Op, e.Source, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FrameReader loads the grayscale pixels of a frame.
type FrameReader interface {
	ReadFrame(id string) (*image.Gray, error)
}

// Mode tells how a propagation was requested.
type Mode int

const (
	// Explicit propagation always replaces the target frame.
	Explicit Mode = iota
	// Navigation propagation leaves hand-edited targets alone.
	Navigation
)

func (m Mode) String() string {
	switch m {
	case Explicit:
		return "explicit"
	case Navigation:
		return "advance"
	}
	return "unknown"
}

// ParseMode accepts "explicit" and "advance"; empty means explicit.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "explicit":
		return Explicit, nil
	case "advance", "navigation":
		return Navigation, nil
	}
	return Explicit, fmt.Errorf("unknown propagation mode %q", s)
}

// Result describes one propagation step.
type Result struct {
	Source   string
	Target   string
	Mode     Mode
	Frame    annotation.FrameAnnotations
	Tracked  int
	Lost     int
	Skipped  bool
	Duration time.Duration
}

// Observer is told about every propagation attempt, successful or not.
type Observer interface {
	Observe(res Result, err error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(res Result, err error)

func (f ObserverFunc) Observe(res Result, err error) { f(res, err) }

// Orchestrator runs propagations against one session. Calls are serialised.
type Orchestrator struct {
	mu        sync.Mutex
	session   *annotation.Session
	frames    FrameReader
	predictor flow.Predictor
	observers []Observer
}

// New returns an orchestrator writing into session.
func New(session *annotation.Session, frames FrameReader, predictor flow.Predictor, observers ...Observer) *Orchestrator {
	return &Orchestrator{
		session:   session,
		frames:    frames,
		predictor: predictor,
		observers: observers,
	}
}

// Propagate predicts target's annotations from source and replaces target's
// entry, including any hand-placed keypoints on it. On failure the session
// is left unchanged.
func (o *Orchestrator) Propagate(ctx context.Context, source, target string, names []string) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run(ctx, "propagate", Explicit, source, target, names)
}

// Advance is the propagation triggered by moving to the next frame. A target
// that carries manual edits is kept as is and the result is marked Skipped.
func (o *Orchestrator) Advance(ctx context.Context, source, target string, names []string) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run(ctx, "advance", Navigation, source, target, names)
}

// Run dispatches to Propagate or Advance by mode.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, source, target string, names []string) (Result, error) {
	if mode == Navigation {
		return o.Advance(ctx, source, target, names)
	}
	return o.Propagate(ctx, source, target, names)
}

// Span returns ids[from..to] inclusive, with ids in playback order. Empty
// bounds stand for the first and last frame.
func Span(ids []string, from, to string) ([]string, error) {
	start, end := 0, len(ids)-1
	if from != "" {
		if start = slices.Index(ids, from); start < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, from)
		}
	}
	if to != "" {
		if end = slices.Index(ids, to); end < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, to)
		}
	}
	if end-start < 1 {
		return nil, ErrShortRange
	}
	return ids[start : end+1], nil
}

// PropagateRange walks frameIDs in order, propagating each frame from its
// predecessor. Frames with manual edits are kept and seed the next step.
// onStep, when set, is called after every step. It stops at the first error.
func (o *Orchestrator) PropagateRange(ctx context.Context, frameIDs []string, names []string, onStep func(Result)) ([]Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	results := make([]Result, 0, len(frameIDs))
	for i := 1; i < len(frameIDs); i++ {
		if err := ctx.Err(); err != nil {
			return results, &Error{Op: "propagate range", Source: frameIDs[i-1], Target: frameIDs[i], Err: err}
		}
		res, err := o.run(ctx, "propagate range", Navigation, frameIDs[i-1], frameIDs[i], names)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if onStep != nil {
			onStep(res)
		}
	}
	return results, nil
}

func (o *Orchestrator) run(ctx context.Context, op string, mode Mode, source, target string, names []string) (res Result, err error) {
	start := time.Now()
	res = Result{Source: source, Target: target, Mode: mode}
	defer func() {
		res.Duration = time.Since(start)
		o.notify(res, err)
	}()

	fail := func(err error) error {
		logger.Warn("Propagate", "%s %s -> %s failed: %v", op, source, target, err)
		return &Error{Op: op, Source: source, Target: target, Err: err}
	}

	if mode == Navigation && o.session.HasManualEdits(target) {
		logger.Debug("Propagate", "%s: keeping hand-edited frame %s", op, target)
		res.Skipped = true
		res.Frame, _ = o.session.Frame(target)
		return res, nil
	}

	seed, ok := o.session.Frame(source)
	if !ok {
		return res, fail(ErrNoAnnotations)
	}
	if err := ctx.Err(); err != nil {
		return res, fail(err)
	}

	prev, err := o.frames.ReadFrame(source)
	if err != nil {
		return res, fail(fmt.Errorf("%w: read %s: %v", flow.ErrInvalidInput, source, err))
	}
	next, err := o.frames.ReadFrame(target)
	if err != nil {
		return res, fail(fmt.Errorf("%w: read %s: %v", flow.ErrInvalidInput, target, err))
	}

	points := annotation.Encode(seed, names)
	predicted, status, err := o.predictor.Predict(prev, next, points)
	if err != nil {
		return res, fail(err)
	}
	if len(predicted) != len(points) || len(status) != len(points) {
		return res, fail(fmt.Errorf("%w: tracker returned %d points and %d flags for %d inputs",
			flow.ErrInvalidInput, len(predicted), len(status), len(points)))
	}
	frame := annotation.Decode(names, predicted, status)

	if err := o.session.Replace(target, frame); err != nil {
		return res, fail(err)
	}

	res.Frame = frame
	for i, p := range points {
		if !p.Known() {
			continue
		}
		if status[i] && frame[names[i]].Visible {
			res.Tracked++
		} else {
			res.Lost++
		}
	}
	logger.Debug("Propagate", "%s %s -> %s: %d tracked, %d lost", op, source, target, res.Tracked, res.Lost)
	return res, nil
}

func (o *Orchestrator) notify(res Result, err error) {
	for _, obs := range o.observers {
		obs.Observe(res, err)
	}
}
