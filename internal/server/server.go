// Package server exposes the annotation session over HTTP: frames, overlays,
// per-keypoint edits, propagation and a server-sent event stream, so any UI
// can drive the annotator through explicit calls.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/config"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/framestore"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/metrics"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/propagate"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/render"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/keypoints"
)

// Frames is the frame source the server reads from.
type Frames interface {
	ListFrames() ([]string, error)
	Path(id string) (string, error)
	ReadImage(id string) (image.Image, error)
}

// Journal receives every frame the server changes along with its
// hand-edited keypoints.
type Journal interface {
	PutFrame(frameID string, frame annotation.FrameAnnotations, manual []string) error
	Replace(frames map[string]annotation.FrameAnnotations, manual map[string][]string) error
}

// Deps are the collaborators a Server works with. Journal and Metrics are
// optional.
type Deps struct {
	Schema       *keypoints.Schema
	Session      *annotation.Session
	Frames       Frames
	Orchestrator *propagate.Orchestrator
	Journal      Journal
	Metrics      *metrics.Metrics
}

// Server serves the annotation API.
type Server struct {
	cfg     config.Config
	schema  *keypoints.Schema
	names   []string
	session *annotation.Session
	frames  Frames
	orch    *propagate.Orchestrator
	journal Journal
	metrics *metrics.Metrics
	events  *EventBroadcaster
	started time.Time
}

// NewServer returns a configured annotation server.
func NewServer(cfg config.Config, deps Deps) *Server {
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = config.DefaultConfig().StatusInterval
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:     cfg,
		schema:  deps.Schema,
		names:   deps.Schema.Names(),
		session: deps.Session,
		frames:  deps.Frames,
		orch:    deps.Orchestrator,
		journal: deps.Journal,
		metrics: m,
		started: time.Now(),
	}
	s.events = NewEventBroadcaster(m, s.status, cfg.StatusInterval)
	s.events.Start()
	return s
}

// Events returns the server's event broadcaster.
func (s *Server) Events() *EventBroadcaster {
	return s.events
}

// Close stops background work and disconnects stream clients.
func (s *Server) Close() {
	s.events.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	if s.cfg.AssetsDir != "" {
		mux.Handle("GET /assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/keypoints", s.handleKeypoints)
	mux.HandleFunc("GET /api/pitch.png", s.handlePitch)
	mux.HandleFunc("GET /api/frames", s.handleFrames)
	mux.HandleFunc("GET /api/frames/{id}/image", s.handleFrameImage)
	mux.HandleFunc("GET /api/frames/{id}/overlay", s.handleFrameOverlay)
	mux.HandleFunc("GET /api/annotations", s.handleSession)
	mux.HandleFunc("GET /api/annotations/{frame}", s.handleFrameAnnotations)
	mux.HandleFunc("PUT /api/annotations/{frame}/{kp}", s.handleSetAnnotation)
	mux.HandleFunc("DELETE /api/annotations/{frame}/{kp}", s.handleClearAnnotation)
	mux.HandleFunc("POST /api/propagate", s.handlePropagate)
	mux.HandleFunc("POST /api/propagate/range", s.handlePropagateRange)
	mux.HandleFunc("POST /api/session/save", s.handleSave)
	mux.HandleFunc("POST /api/session/load", s.handleLoad)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	return mux
}

var (
	errUnknownFrame = errors.New("unknown frame")
	errBadRequest   = errors.New("bad request")
)

// statusFor maps an error to its HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, propagate.ErrShortRange):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, propagate.ErrNoAnnotations):
		return http.StatusConflict
	case errors.Is(err, errUnknownFrame),
		errors.Is(err, framestore.ErrNotFound),
		errors.Is(err, propagate.ErrUnknownFrame),
		errors.Is(err, annotation.ErrUnknownKeypoint):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) status() map[string]any {
	ids, _ := s.frames.ListFrames()
	return map[string]any{
		"frames":          len(ids),
		"annotated":       s.session.Len(),
		"stream_clients":  s.events.Clients(),
		"propagations":    s.metrics.Propagations.Load(),
		"points_tracked":  s.metrics.PointsTracked.Load(),
		"points_lost":     s.metrics.PointsLost.Load(),
		"manual_edits":    s.metrics.ManualEdits.Load(),
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"tracker_backend": s.cfg.Backend,
		"auto_advance":    s.cfg.AutoAdvance,
	}
}

// frameKnown checks that id names a frame in the frame source.
func (s *Server) frameKnown(id string) error {
	if _, err := s.frames.Path(id); err != nil {
		return fmt.Errorf("%w: %s", errUnknownFrame, id)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleKeypoints(w http.ResponseWriter, r *http.Request) {
	type spec struct {
		keypoints.Spec
		Hex string `json:"hex"`
	}
	specs := s.schema.Specs()
	out := make([]spec, len(specs))
	for i, sp := range specs {
		out[i] = spec{Spec: sp, Hex: sp.Color.Hex()}
	}
	writeJSON(w, map[string]any{
		"keypoints":   out,
		"connections": keypoints.Connections,
	})
}

func (s *Server) handlePitch(w http.ResponseWriter, r *http.Request) {
	highlight := 0
	if v := r.URL.Query().Get("highlight"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: highlight must be a keypoint number", errBadRequest))
			return
		}
		highlight = n
	}
	data, err := render.EncodePNG(render.Pitch(s.schema, keypoints.Connections, highlight))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

type frameInfo struct {
	ID        string `json:"id"`
	Annotated bool   `json:"annotated"`
	Visible   int    `json:"visible"`
	Manual    bool   `json:"manual"`
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	ids, err := s.frames.ListFrames()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]frameInfo, len(ids))
	for i, id := range ids {
		fa, ok := s.session.Frame(id)
		out[i] = frameInfo{
			ID:        id,
			Annotated: ok,
			Visible:   fa.VisibleCount(),
			Manual:    s.session.HasManualEdits(id),
		}
	}
	writeJSON(w, map[string]any{"frames": out})
}

func (s *Server) handleFrameImage(w http.ResponseWriter, r *http.Request) {
	p, err := s.frames.Path(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	http.ServeFile(w, r, p)
}

func (s *Server) handleFrameOverlay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.frameKnown(id); err != nil {
		writeError(w, err)
		return
	}

	var canvas image.Image
	img, err := s.frames.ReadImage(id)
	if err != nil {
		logger.Warn("Server", "Serving placeholder for %s: %v", id, err)
		canvas = render.Placeholder(640, 480, "cannot decode "+id)
	} else {
		fa, _ := s.session.Frame(id)
		q := r.URL.Query()
		canvas = render.Overlay(img, fa, s.schema, render.OverlayOptions{
			Selected: q.Get("selected"),
			Caption:  id,
			Labels:   q.Get("labels") == "1" || q.Get("labels") == "true",
		})
	}

	data, err := render.EncodeJPEG(canvas, 90)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Snapshot())
}

func (s *Server) handleFrameAnnotations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("frame")
	fa, ok := s.session.Frame(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s has no annotations", errUnknownFrame, id))
		return
	}
	writeJSON(w, map[string]any{
		"frame":       id,
		"annotations": fa,
		"manual":      s.session.ManualKeypoints(id),
	})
}

type setRequest struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (s *Server) handleSetAnnotation(w http.ResponseWriter, r *http.Request) {
	frame, kp := r.PathValue("frame"), r.PathValue("kp")
	if err := s.frameKnown(frame); err != nil {
		writeError(w, err)
		return
	}

	var req setRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.X == nil || req.Y == nil || *req.X < 0 || *req.Y < 0 {
		writeError(w, fmt.Errorf("%w: x and y must be non-negative pixel coordinates", errBadRequest))
		return
	}

	// Clicks arrive in scene coordinates; stored positions are whole pixels.
	x, y := int(*req.X), int(*req.Y)
	if err := s.session.Set(frame, kp, x, y); err != nil {
		writeError(w, err)
		return
	}
	s.afterEdit(frame)
	s.events.Publish(NewEvent(EventAnnotationSet, frame, map[string]any{"keypoint": kp, "x": x, "y": y}))
	writeJSON(w, map[string]any{"frame": frame, "keypoint": kp, "annotation": annotation.At(x, y)})
}

func (s *Server) handleClearAnnotation(w http.ResponseWriter, r *http.Request) {
	frame, kp := r.PathValue("frame"), r.PathValue("kp")
	if err := s.frameKnown(frame); err != nil {
		writeError(w, err)
		return
	}
	if err := s.session.Clear(frame, kp); err != nil {
		writeError(w, err)
		return
	}
	s.afterEdit(frame)
	s.events.Publish(NewEvent(EventAnnotationCleared, frame, map[string]any{"keypoint": kp}))
	writeJSON(w, map[string]any{"frame": frame, "keypoint": kp, "annotation": annotation.Hidden()})
}

func (s *Server) afterEdit(frame string) {
	s.metrics.ManualEdits.Add(1)
	s.journalFrame(frame)
}

func (s *Server) journalFrame(frame string) {
	s.metrics.AnnotatedFrames.Store(uint64(s.session.Len()))
	if s.journal == nil {
		return
	}
	fa, ok := s.session.Frame(frame)
	if !ok {
		return
	}
	if err := s.journal.PutFrame(frame, fa, s.session.ManualKeypoints(frame)); err != nil {
		logger.Error("Server", "Autosave of %s failed: %v", frame, err)
		return
	}
	s.metrics.JournalWrites.Add(1)
}
