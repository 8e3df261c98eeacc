package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrUnknownKeypoint is returned when an annotation names a keypoint that is
// not part of the session's schema.
var ErrUnknownKeypoint = errors.New("unknown keypoint")

// KeypointSet is the schema view the session validates names against.
type KeypointSet interface {
	Has(name string) bool
}

// Session holds every frame's annotations for one video. All methods are
// safe for concurrent use; a single mutex guards the whole session.
type Session struct {
	mu     sync.Mutex
	schema KeypointSet
	frames map[string]FrameAnnotations
	// manual records keypoints placed by hand since the frame was last
	// replaced by an explicit propagation.
	manual map[string]map[string]struct{}
}

// NewSession returns an empty session validating names against schema.
// A nil schema accepts any keypoint name.
func NewSession(schema KeypointSet) *Session {
	return &Session{
		schema: schema,
		frames: make(map[string]FrameAnnotations),
		manual: make(map[string]map[string]struct{}),
	}
}

func (s *Session) checkName(name string) error {
	if s.schema != nil && !s.schema.Has(name) {
		return fmt.Errorf("%w: %q", ErrUnknownKeypoint, name)
	}
	return nil
}

func (s *Session) checkFrame(frame FrameAnnotations) error {
	for name := range frame {
		if err := s.checkName(name); err != nil {
			return err
		}
	}
	return nil
}

// Frame returns a copy of frameID's annotations.
func (s *Session) Frame(frameID string) (FrameAnnotations, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.frames[frameID]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// Set places keypoint at (x, y) on frameID and records it as a manual edit.
func (s *Session) Set(frameID, keypoint string, x, y int) error {
	return s.edit(frameID, keypoint, At(x, y))
}

// Clear marks keypoint as not visible on frameID. This is a manual edit too:
// a later automatic propagation must not bring the point back.
func (s *Session) Clear(frameID, keypoint string) error {
	return s.edit(frameID, keypoint, Hidden())
}

func (s *Session) edit(frameID, keypoint string, a Annotation) error {
	if err := s.checkName(keypoint); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.frames[frameID]
	if !ok {
		f = make(FrameAnnotations)
		s.frames[frameID] = f
	}
	f[keypoint] = a

	marks, ok := s.manual[frameID]
	if !ok {
		marks = make(map[string]struct{})
		s.manual[frameID] = marks
	}
	marks[keypoint] = struct{}{}
	return nil
}

// Replace stores frame as frameID's full annotation map, dropping any manual
// edit marks for that frame. The stored map is a copy.
func (s *Session) Replace(frameID string, frame FrameAnnotations) error {
	if err := s.checkFrame(frame); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if frame == nil {
		frame = FrameAnnotations{}
	}
	s.frames[frameID] = frame.Clone()
	delete(s.manual, frameID)
	return nil
}

// HasManualEdits reports whether frameID carries hand-placed keypoints that
// no explicit propagation has replaced yet.
func (s *Session) HasManualEdits(frameID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.manual[frameID]) > 0
}

// ManualKeypoints lists the hand-edited keypoints of frameID, sorted.
func (s *Session) ManualKeypoints(frameID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.manual[frameID]))
	for name := range s.manual[frameID] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FrameIDs returns the annotated frame ids, sorted.
func (s *Session) FrameIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.frames))
	for id := range s.frames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of annotated frames.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Snapshot returns a deep copy of all frames.
func (s *Session) Snapshot() map[string]FrameAnnotations {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]FrameAnnotations, len(s.frames))
	for id, f := range s.frames {
		out[id] = f.Clone()
	}
	return out
}

// ReplaceAll swaps the whole session content, as a load does. The file
// format does not say which positions were placed by hand, so every visible
// keypoint of a loaded frame is treated as a manual edit and navigation
// propagation will not overwrite it.
func (s *Session) ReplaceAll(frames map[string]FrameAnnotations) error {
	return s.restore(frames, nil)
}

// Restore swaps the whole session content and its manual edit marks, as
// recorded by ManualMarks. Marks for frames or keypoints absent from frames
// are ignored.
func (s *Session) Restore(frames map[string]FrameAnnotations, manual map[string][]string) error {
	if manual == nil {
		manual = map[string][]string{}
	}
	return s.restore(frames, manual)
}

// restore replaces the session. A nil manual map marks every visible
// keypoint as manual.
func (s *Session) restore(frames map[string]FrameAnnotations, manual map[string][]string) error {
	for _, f := range frames {
		if err := s.checkFrame(f); err != nil {
			return err
		}
	}

	next := make(map[string]FrameAnnotations, len(frames))
	marks := make(map[string]map[string]struct{})
	for id, f := range frames {
		if f == nil {
			f = FrameAnnotations{}
		}
		next[id] = f.Clone()

		var names []string
		if manual == nil {
			for name, a := range f {
				if a.Visible {
					names = append(names, name)
				}
			}
		} else {
			for _, name := range manual[id] {
				if _, ok := f[name]; ok {
					names = append(names, name)
				}
			}
		}
		if len(names) == 0 {
			continue
		}
		m := make(map[string]struct{}, len(names))
		for _, name := range names {
			m[name] = struct{}{}
		}
		marks[id] = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = next
	s.manual = marks
	return nil
}

// ManualMarks returns the hand-edited keypoints of every frame, sorted.
func (s *Session) ManualMarks() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string, len(s.manual))
	for id, m := range s.manual {
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		out[id] = names
	}
	return out
}

// Save writes the session as indented JSON.
func (s *Session) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Snapshot())
}

// Load replaces the session with the JSON read from r. On any error the
// session is left unchanged.
func (s *Session) Load(r io.Reader) error {
	var frames map[string]FrameAnnotations
	if err := json.NewDecoder(r).Decode(&frames); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	return s.ReplaceAll(frames)
}

// SaveFile writes the session to path through a temporary file so a failed
// write never truncates an existing session.
func (s *Session) SaveFile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := s.Save(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// LoadFile reads a session saved by SaveFile.
func (s *Session) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer f.Close()
	return s.Load(f)
}
