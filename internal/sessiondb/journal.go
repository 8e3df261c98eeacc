// Package sessiondb keeps a crash-recovery copy of the annotation session in
// a bbolt file. Every edited or propagated frame is written through, so an
// interrupted session can be restored without the last explicit save. Unlike
// the session file, the journal also keeps which keypoints were placed by
// hand.
package sessiondb

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
)

var (
	framesBucket = []byte("frames")
	manualBucket = []byte("manual")
	metaBucket   = []byte("meta")
	updatedKey   = []byte("updated_at")
)

// Journal is the bbolt backed autosave store.
type Journal struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{framesBucket, manualBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal %s: %w", path, err)
	}
	return &Journal{db: db, path: path}, nil
}

// Path returns the journal file.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func touch(tx *bolt.Tx) error {
	stamp, err := time.Now().UTC().MarshalText()
	if err != nil {
		return err
	}
	return tx.Bucket(metaBucket).Put(updatedKey, stamp)
}

func putFrame(tx *bolt.Tx, frameID string, frame annotation.FrameAnnotations, manual []string) error {
	if frame == nil {
		frame = annotation.FrameAnnotations{}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame %s: %w", frameID, err)
	}
	if err := tx.Bucket(framesBucket).Put([]byte(frameID), data); err != nil {
		return fmt.Errorf("journal frame %s: %w", frameID, err)
	}

	marks := tx.Bucket(manualBucket)
	if len(manual) == 0 {
		return marks.Delete([]byte(frameID))
	}
	data, err = json.Marshal(manual)
	if err != nil {
		return fmt.Errorf("encode manual marks of %s: %w", frameID, err)
	}
	return marks.Put([]byte(frameID), data)
}

// PutFrame stores one frame's annotations and its hand-edited keypoints,
// replacing the previous copy.
func (j *Journal) PutFrame(frameID string, frame annotation.FrameAnnotations, manual []string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		if err := putFrame(tx, frameID, frame, manual); err != nil {
			return err
		}
		return touch(tx)
	})
}

// DeleteFrame removes a frame from the journal.
func (j *Journal) DeleteFrame(frameID string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(framesBucket).Delete([]byte(frameID)); err != nil {
			return err
		}
		if err := tx.Bucket(manualBucket).Delete([]byte(frameID)); err != nil {
			return err
		}
		return touch(tx)
	})
}

// Replace swaps the journal content for frames and their manual marks in
// one transaction, as after a session load.
func (j *Journal) Replace(frames map[string]annotation.FrameAnnotations, manual map[string][]string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{framesBucket, manualBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		for id, f := range frames {
			if err := putFrame(tx, id, f, manual[id]); err != nil {
				return err
			}
		}
		return touch(tx)
	})
}

// Restore reads every journaled frame and the manual marks.
func (j *Journal) Restore() (map[string]annotation.FrameAnnotations, map[string][]string, error) {
	frames := make(map[string]annotation.FrameAnnotations)
	manual := make(map[string][]string)
	err := j.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(framesBucket).ForEach(func(k, v []byte) error {
			var f annotation.FrameAnnotations
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decode frame %s: %w", k, err)
			}
			frames[string(k)] = f
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(manualBucket).ForEach(func(k, v []byte) error {
			var names []string
			if err := json.Unmarshal(v, &names); err != nil {
				return fmt.Errorf("decode manual marks of %s: %w", k, err)
			}
			manual[string(k)] = names
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("restore journal: %w", err)
	}
	return frames, manual, nil
}

// UpdatedAt returns when the journal was last written; zero if never.
func (j *Journal) UpdatedAt() time.Time {
	var t time.Time
	_ = j.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(updatedKey); v != nil {
			return t.UnmarshalText(v)
		}
		return nil
	})
	return t
}

// Len returns the number of journaled frames.
func (j *Journal) Len() int {
	n := 0
	_ = j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(framesBucket).Stats().KeyN
		return nil
	})
	return n
}

// RestoreInto loads the journal, manual marks included, into session when
// the journal holds any frames. It reports how many frames were restored.
func (j *Journal) RestoreInto(session *annotation.Session) (int, error) {
	frames, manual, err := j.Restore()
	if err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, nil
	}
	if err := session.Restore(frames, manual); err != nil {
		return 0, fmt.Errorf("restore journal: %w", err)
	}
	logger.Info("Journal", "Restored %d frames from %s (last write %s)",
		len(frames), j.path, j.UpdatedAt().Format(time.RFC3339))
	return len(frames), nil
}
