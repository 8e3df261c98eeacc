package server

import (
	"fmt"
	"net/http"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/propagate"
)

type propagateRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Mode   string `json:"mode"`
}

type propagateResponse struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Mode        string `json:"mode"`
	Skipped     bool   `json:"skipped"`
	Tracked     int    `json:"tracked"`
	Lost        int    `json:"lost"`
	DurationMs  int64  `json:"duration_ms"`
	Annotations any    `json:"annotations"`
}

func toResponse(res propagate.Result) propagateResponse {
	return propagateResponse{
		Source:      res.Source,
		Target:      res.Target,
		Mode:        res.Mode.String(),
		Skipped:     res.Skipped,
		Tracked:     res.Tracked,
		Lost:        res.Lost,
		DurationMs:  res.Duration.Milliseconds(),
		Annotations: res.Frame,
	}
}

// nextFrame returns the frame after id in playback order.
func (s *Server) nextFrame(id string) (string, error) {
	ids, err := s.frames.ListFrames()
	if err != nil {
		return "", err
	}
	for i, f := range ids {
		if f == id && i+1 < len(ids) {
			return ids[i+1], nil
		}
	}
	return "", fmt.Errorf("%w: no frame after %s", errUnknownFrame, id)
}

func (s *Server) handlePropagate(w http.ResponseWriter, r *http.Request) {
	var req propagateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	mode, err := propagate.ParseMode(req.Mode)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.Source == "" {
		writeError(w, fmt.Errorf("%w: source frame is required", errBadRequest))
		return
	}
	if req.Target == "" {
		if req.Target, err = s.nextFrame(req.Source); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.frameKnown(req.Target); err != nil {
		writeError(w, err)
		return
	}

	if mode == propagate.Navigation && !s.cfg.AutoAdvance {
		logger.Debug("Server", "Auto-advance disabled, not propagating %s -> %s", req.Source, req.Target)
		res := propagate.Result{Source: req.Source, Target: req.Target, Mode: mode, Skipped: true}
		res.Frame, _ = s.session.Frame(req.Target)
		s.afterPropagate(res)
		writeJSON(w, toResponse(res))
		return
	}

	res, err := s.orch.Run(r.Context(), mode, req.Source, req.Target, s.names)
	if err != nil {
		s.events.Publish(NewEvent(EventPropagateFailed, req.Target, map[string]any{
			"source": req.Source,
			"error":  err.Error(),
		}))
		writeError(w, err)
		return
	}
	s.afterPropagate(res)
	writeJSON(w, toResponse(res))
}

type rangeRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handlePropagateRange(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ids, err := s.frames.ListFrames()
	if err != nil {
		writeError(w, err)
		return
	}
	span, err := propagate.Span(ids, req.From, req.To)
	if err != nil {
		writeError(w, err)
		return
	}

	logger.Info("Server", "Propagating %s .. %s (%d frames)", span[0], span[len(span)-1], len(span))
	results, err := s.orch.PropagateRange(r.Context(), span, s.names, s.afterPropagate)
	out := make([]propagateResponse, len(results))
	for i, res := range results {
		out[i] = toResponse(res)
	}
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error(), "steps": out}, statusFor(err))
		return
	}
	writeJSON(w, map[string]any{"steps": out})
}

func (s *Server) afterPropagate(res propagate.Result) {
	if res.Skipped {
		s.events.Publish(NewEvent(EventPropagateSkipped, res.Target, map[string]any{"source": res.Source}))
		return
	}
	s.journalFrame(res.Target)
	s.events.Publish(NewEvent(EventPropagated, res.Target, map[string]any{
		"source":  res.Source,
		"mode":    res.Mode.String(),
		"tracked": res.Tracked,
		"lost":    res.Lost,
	}))
}
