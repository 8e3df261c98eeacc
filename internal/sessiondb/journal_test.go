package sessiondb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/keypoints"
)

func openJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	return j, path
}

func TestJournalRestoresSession(t *testing.T) {
	j, path := openJournal(t)
	assert.True(t, j.UpdatedAt().IsZero())

	require.NoError(t, j.PutFrame("image001.jpg", annotation.FrameAnnotations{
		"center_circle_center": annotation.At(640, 360),
		"left_goal_far_post":   annotation.Hidden(),
	}, []string{"left_goal_far_post"}))
	require.NoError(t, j.PutFrame("image002.jpg", nil, nil))
	require.NoError(t, j.PutFrame("image003.jpg", annotation.FrameAnnotations{"left_penalty_spot": annotation.At(1, 1)}, []string{"left_penalty_spot"}))
	require.NoError(t, j.DeleteFrame("image003.jpg"))
	assert.False(t, j.UpdatedAt().IsZero())
	require.NoError(t, j.Close())

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, 2, j.Len())

	s := annotation.NewSession(keypoints.Default())
	n, err := j.RestoreInto(s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, ok := s.Frame("image001.jpg")
	require.True(t, ok)
	assert.Equal(t, annotation.At(640, 360), f["center_circle_center"])
	assert.Equal(t, annotation.Hidden(), f["left_goal_far_post"])

	// The journal keeps exact manual marks: the propagated centre stays
	// automatic, the hand-cleared post stays manual.
	assert.Equal(t, []string{"left_goal_far_post"}, s.ManualKeypoints("image001.jpg"))

	f, ok = s.Frame("image002.jpg")
	require.True(t, ok)
	assert.Empty(t, f)
	assert.False(t, s.HasManualEdits("image002.jpg"))
}

func TestPutFrameDropsClearedMarks(t *testing.T) {
	j, _ := openJournal(t)
	defer j.Close()

	frame := annotation.FrameAnnotations{"k": annotation.At(1, 1)}
	require.NoError(t, j.PutFrame("f", frame, []string{"k"}))
	require.NoError(t, j.PutFrame("f", frame, nil))

	_, manual, err := j.Restore()
	require.NoError(t, err)
	assert.Empty(t, manual)
}

func TestJournalReplace(t *testing.T) {
	j, _ := openJournal(t)
	defer j.Close()

	require.NoError(t, j.PutFrame("old", annotation.FrameAnnotations{}, []string{"k"}))
	require.NoError(t, j.Replace(map[string]annotation.FrameAnnotations{
		"a": {"k": annotation.At(2, 3)},
		"b": {},
	}, map[string][]string{"a": {"k"}}))

	frames, manual, err := j.Restore()
	require.NoError(t, err)
	assert.Len(t, frames, 2)
	assert.Equal(t, map[string][]string{"a": {"k"}}, manual)
	assert.NotContains(t, frames, "old")
	assert.Equal(t, annotation.At(2, 3), frames["a"]["k"])
}

func TestRestoreIntoEmptyJournalKeepsSession(t *testing.T) {
	j, _ := openJournal(t)
	defer j.Close()

	s := annotation.NewSession(nil)
	require.NoError(t, s.Set("f", "k", 1, 1))

	n, err := j.RestoreInto(s)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, s.Len())
}
