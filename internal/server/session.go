package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
)

type sessionRequest struct {
	Path string `json:"path"`
}

// sessionPath resolves the requested session file. Clients may only name a
// .json file next to the configured session file.
func (s *Server) sessionPath(r *http.Request) (string, error) {
	var req sessionRequest
	if err := decodeBody(r, &req); err != nil {
		return "", err
	}
	if s.cfg.SessionPath == "" {
		return "", fmt.Errorf("%w: no session path configured", errBadRequest)
	}
	if req.Path == "" {
		return s.cfg.SessionPath, nil
	}
	name := req.Path
	if strings.ContainsAny(name, `/\`) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" ||
		name == "." || name == ".." || !strings.EqualFold(filepath.Ext(name), ".json") {
		return "", fmt.Errorf("%w: session path must be a .json file name without directories", errBadRequest)
	}
	return filepath.Join(filepath.Dir(s.cfg.SessionPath), name), nil
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	path, err := s.sessionPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.session.SaveFile(path); err != nil {
		logger.Error("Server", "Save to %s failed: %v", path, err)
		writeError(w, err)
		return
	}
	s.metrics.SessionSaves.Add(1)
	logger.Info("Server", "Saved %d frames to %s", s.session.Len(), path)
	s.events.Publish(NewEvent(EventSessionSaved, "", map[string]any{"path": path, "frames": s.session.Len()}))
	writeJSON(w, map[string]any{"path": path, "frames": s.session.Len()})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	path, err := s.sessionPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.session.LoadFile(path); err != nil {
		logger.Warn("Server", "Load of %s failed: %v", path, err)
		if errors.Is(err, fs.ErrNotExist) {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusNotFound)
			return
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	s.metrics.SessionLoads.Add(1)
	s.metrics.AnnotatedFrames.Store(uint64(s.session.Len()))
	if s.journal != nil {
		if err := s.journal.Replace(s.session.Snapshot(), s.session.ManualMarks()); err != nil {
			logger.Error("Server", "Autosave after load failed: %v", err)
		}
	}
	logger.Info("Server", "Loaded %d frames from %s", s.session.Len(), path)
	s.events.Publish(NewEvent(EventSessionLoaded, "", map[string]any{"path": path, "frames": s.session.Len()}))
	writeJSON(w, map[string]any{"path": path, "frames": s.session.Len()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)
	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r))
}
