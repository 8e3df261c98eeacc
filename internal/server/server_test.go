package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/config"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/framestore"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/metrics"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/propagate"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/keypoints"
)

type memJournal struct {
	mu     sync.Mutex
	frames map[string]annotation.FrameAnnotations
	manual map[string][]string
}

func (j *memJournal) PutFrame(id string, f annotation.FrameAnnotations, manual []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.frames[id] = f
	if len(manual) == 0 {
		delete(j.manual, id)
	} else {
		j.manual[id] = manual
	}
	return nil
}

func (j *memJournal) Replace(frames map[string]annotation.FrameAnnotations, manual map[string][]string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.frames = frames
	j.manual = manual
	return nil
}

func writeTexture(t *testing.T, path string, w, h int, sx, sy float64) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 128 + 50*math.Sin(0.2*(float64(x)-sx)) + 50*math.Sin(0.17*(float64(y)-sy))
			img.Pix[y*img.Stride+x] = uint8(math.Round(v))
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

type fixture struct {
	srv     *Server
	handler http.Handler
	session *annotation.Session
	journal *memJournal
	metrics *metrics.Metrics
	dir     string
	cfg     config.Config
}

func newFixture(t *testing.T, opts ...func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	writeTexture(t, filepath.Join(dir, "image001.png"), 120, 120, 0, 0)
	writeTexture(t, filepath.Join(dir, "image002.png"), 120, 120, 2, 1)
	writeTexture(t, filepath.Join(dir, "image003.png"), 120, 120, 4, 2)
	writeTexture(t, filepath.Join(dir, "image004.png"), 60, 60, 0, 0)

	store, err := framestore.Open(dir, time.Minute)
	require.NoError(t, err)
	lk, err := flow.NewLK(flow.DefaultParams())
	require.NoError(t, err)

	schema := keypoints.Default()
	session := annotation.NewSession(schema)
	m := metrics.New()
	orch := propagate.New(session, store, lk, m)
	journal := &memJournal{frames: map[string]annotation.FrameAnnotations{}, manual: map[string][]string{}}

	cfg := config.DefaultConfig()
	cfg.SessionPath = filepath.Join(t.TempDir(), "session.json")
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := NewServer(cfg, Deps{
		Schema:       schema,
		Session:      session,
		Frames:       store,
		Orchestrator: orch,
		Journal:      journal,
		Metrics:      m,
	})
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, handler: srv.Handler(), session: session, journal: journal, metrics: m, dir: dir, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestKeypointsAndFrames(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/keypoints", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["keypoints"], 35)
	assert.Len(t, body["connections"], len(keypoints.Connections))

	rec = f.do(t, http.MethodGet, "/api/frames", "")
	require.Equal(t, http.StatusOK, rec.Code)
	frames := decode(t, rec)["frames"].([]any)
	require.Len(t, frames, 4)
	assert.Equal(t, "image001.png", frames[0].(map[string]any)["id"])

	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetAndClearAnnotation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/annotations/image001.png/center_circle_center", `{"x":60.7,"y":59.2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	fa, ok := f.session.Frame("image001.png")
	require.True(t, ok)
	assert.Equal(t, annotation.At(60, 59), fa["center_circle_center"])
	assert.True(t, f.session.HasManualEdits("image001.png"))
	assert.Equal(t, annotation.At(60, 59), f.journal.frames["image001.png"]["center_circle_center"])
	assert.Equal(t, uint64(1), f.metrics.ManualEdits.Load())

	rec = f.do(t, http.MethodDelete, "/api/annotations/image001.png/center_circle_center", "")
	require.Equal(t, http.StatusOK, rec.Code)
	fa, _ = f.session.Frame("image001.png")
	assert.Equal(t, annotation.Hidden(), fa["center_circle_center"])

	rec = f.do(t, http.MethodGet, "/api/annotations/image001.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"center_circle_center":{"visible":0}}`, string(mustJSON(t, decode(t, rec)["annotations"])))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestAnnotationErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown keypoint", http.MethodPut, "/api/annotations/image001.png/corner_flag", `{"x":1,"y":1}`, http.StatusNotFound},
		{"unknown frame", http.MethodPut, "/api/annotations/nope.png/left_penalty_spot", `{"x":1,"y":1}`, http.StatusNotFound},
		{"malformed body", http.MethodPut, "/api/annotations/image001.png/left_penalty_spot", `{"x":`, http.StatusBadRequest},
		{"missing coordinate", http.MethodPut, "/api/annotations/image001.png/left_penalty_spot", `{"x":3}`, http.StatusBadRequest},
		{"negative coordinate", http.MethodPut, "/api/annotations/image001.png/left_penalty_spot", `{"x":-3,"y":1}`, http.StatusBadRequest},
		{"clear unknown keypoint", http.MethodDelete, "/api/annotations/image001.png/corner_flag", "", http.StatusNotFound},
		{"no annotations", http.MethodGet, "/api/annotations/image002.png", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Zero(t, f.session.Len())
}

func TestPropagateEndpoint(t *testing.T) {
	f := newFixture(t)

	// No seed yet.
	rec := f.do(t, http.MethodPost, "/api/propagate", `{"source":"image001.png","target":"image002.png"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.session.Set("image001.png", "center_circle_center", 60, 60))

	rec = f.do(t, http.MethodPost, "/api/propagate", `{"source":"image001.png"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "image002.png", body["target"])
	assert.Equal(t, float64(1), body["tracked"])

	fa, ok := f.session.Frame("image002.png")
	require.True(t, ok)
	assert.True(t, fa["center_circle_center"].Visible)
	assert.InDelta(t, 62, fa["center_circle_center"].X, 1)
	assert.Contains(t, f.journal.frames, "image002.png")

	// Frame size mismatch is an invalid input.
	rec = f.do(t, http.MethodPost, "/api/propagate", `{"source":"image001.png","target":"image004.png"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	_, ok = f.session.Frame("image004.png")
	assert.False(t, ok)

	rec = f.do(t, http.MethodPost, "/api/propagate", `{"source":"image001.png","target":"image002.png","mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, uint64(1), f.metrics.Propagations.Load())
	assert.Equal(t, uint64(1), f.metrics.NoAnnotationErrors.Load())
	assert.Equal(t, uint64(1), f.metrics.InvalidInputErrors.Load())
}

func TestAdvanceKeepsHandEdits(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.Set("image001.png", "center_circle_center", 60, 60))
	require.NoError(t, f.session.Set("image002.png", "center_circle_center", 5, 5))

	rec := f.do(t, http.MethodPost, "/api/propagate", `{"source":"image001.png","target":"image002.png","mode":"advance"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["skipped"])

	fa, _ := f.session.Frame("image002.png")
	assert.Equal(t, annotation.At(5, 5), fa["center_circle_center"])
}

func TestPropagateRangeEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.Set("image001.png", "center_circle_center", 60, 60))

	rec := f.do(t, http.MethodPost, "/api/propagate/range", `{"from":"image001.png","to":"image003.png"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode(t, rec)["steps"], 2)

	fa, ok := f.session.Frame("image003.png")
	require.True(t, ok)
	assert.InDelta(t, 64, fa["center_circle_center"].X, 2)

	rec = f.do(t, http.MethodPost, "/api/propagate/range", `{"from":"image003.png","to":"image003.png"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveAndLoad(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.Set("image001.png", "left_penalty_spot", 10, 20))

	rec := f.do(t, http.MethodPost, "/api/session/save", `{"path":"out.json"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.FileExists(t, filepath.Join(filepath.Dir(f.cfg.SessionPath), "out.json"))

	require.NoError(t, f.session.Set("image002.png", "left_penalty_spot", 1, 1))
	rec = f.do(t, http.MethodPost, "/api/session/load", `{"path":"out.json"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"image001.png"}, f.session.FrameIDs())
	assert.Len(t, f.journal.frames, 1)
	assert.Equal(t, map[string][]string{"image001.png": {"left_penalty_spot"}}, f.journal.manual)

	rec = f.do(t, http.MethodPost, "/api/session/load", `{"path":"missing.json"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Default path from config.
	rec = f.do(t, http.MethodPost, "/api/session/save", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.FileExists(t, f.cfg.SessionPath)
}

func TestSessionPathStaysInSessionDir(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.Set("image001.png", "left_penalty_spot", 10, 20))
	outside := filepath.Join(t.TempDir(), "stolen.json")

	for _, path := range []string{
		filepath.ToSlash(outside),
		"../stolen.json",
		"sub/stolen.json",
		`sub\\stolen.json`,
		"..",
		"notes.txt",
	} {
		t.Run(path, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/session/save", `{"path":"`+path+`"}`)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			rec = f.do(t, http.MethodPost, "/api/session/load", `{"path":"`+path+`"}`)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.NoFileExists(t, outside)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(filepath.Dir(f.cfg.SessionPath)), "stolen.json"))
	assert.Equal(t, []string{"image001.png"}, f.session.FrameIDs())
}

func TestAdvanceDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.AutoAdvance = false })
	require.NoError(t, f.session.Set("image001.png", "center_circle_center", 60, 60))

	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["auto_advance"])

	rec = f.do(t, http.MethodPost, "/api/propagate", `{"source":"image001.png","mode":"advance"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, "image002.png", body["target"])
	_, ok := f.session.Frame("image002.png")
	assert.False(t, ok)
	assert.Zero(t, f.metrics.Propagations.Load())

	// Explicit propagation is not affected.
	rec = f.do(t, http.MethodPost, "/api/propagate", `{"source":"image001.png","mode":"explicit"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, ok = f.session.Frame("image002.png")
	assert.True(t, ok)
}

func TestImagesEndpoints(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.Set("image001.png", "left_penalty_spot", 10, 20))

	rec := f.do(t, http.MethodGet, "/api/frames/image001.png/overlay?selected=left_penalty_spot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	rec = f.do(t, http.MethodGet, "/api/frames/missing.png/overlay", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/frames/image001.png/image", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := png.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	assert.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/pitch.png?highlight=18", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = f.do(t, http.MethodGet, "/api/pitch.png?highlight=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsArePublishedInBothFormats(t *testing.T) {
	f := newFixture(t)
	id, ch := f.srv.Events().Subscribe()
	defer f.srv.Events().Unsubscribe(id)

	rec := f.do(t, http.MethodPut, "/api/annotations/image001.png/left_penalty_spot", `{"x":3,"y":4}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var ev *SerializedEvent
	select {
	case ev = <-ch:
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	var asJSON Event
	require.NoError(t, json.Unmarshal(ev.JSONData, &asJSON))
	assert.Equal(t, EventAnnotationSet, asJSON.Type)
	assert.Equal(t, "image001.png", asJSON.Frame)
	assert.NotEmpty(t, asJSON.ID)

	raw, err := base64.StdEncoding.DecodeString(string(ev.ProtobufData))
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	assert.Equal(t, EventAnnotationSet, st.Fields["type"].GetStringValue())
	assert.Equal(t, "left_penalty_spot", st.Fields["data"].GetStructValue().Fields["keypoint"].GetStringValue())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&propagate.Error{Err: flow.ErrInvalidInput}))
	assert.Equal(t, http.StatusConflict, statusFor(&propagate.Error{Err: propagate.ErrNoAnnotations}))
	assert.Equal(t, http.StatusNotFound, statusFor(annotation.ErrUnknownKeypoint))
	assert.Equal(t, http.StatusInternalServerError, statusFor(os.ErrPermission))
}
