// Package framestore serves the extracted still frames of a video from a
// directory, decoding them on demand and keeping recent decodes in memory.
package framestore

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/patrickmn/go-cache"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
)

// ErrNotFound is returned for frame ids that are not in the directory.
var ErrNotFound = errors.New("frame not found")

var extensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// Stats are cumulative cache counters.
type Stats struct {
	Decodes uint64
	Hits    uint64
	Errors  uint64
}

// Store reads frames from one directory. Frame ids are file names.
type Store struct {
	dir   string
	cache *cache.Cache

	decodes atomic.Uint64
	hits    atomic.Uint64
	errors  atomic.Uint64
}

// Open returns a store over dir. Decoded frames stay cached for ttl after
// their last insertion.
func Open(dir string, ttl time.Duration) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open frame directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open frame directory: %s is not a directory", dir)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{
		dir:   dir,
		cache: cache.New(ttl, 2*ttl),
	}, nil
}

// Dir returns the frame directory.
func (s *Store) Dir() string {
	return s.dir
}

// ListFrames returns the ids of all image files in the directory in
// playback order.
func (s *Store) ListFrames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !extensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		ids = append(ids, e.Name())
	}
	SortFrameIDs(ids)
	return ids, nil
}

// SortFrameIDs orders ids by name, comparing trailing frame numbers
// numerically so image1000.jpg follows image999.jpg.
func SortFrameIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return frameLess(ids[i], ids[j])
	})
}

func frameLess(a, b string) bool {
	pa, na, oka := splitNumber(a)
	pb, nb, okb := splitNumber(b)
	if oka && okb && pa == pb && na != nb {
		return na < nb
	}
	return a < b
}

// splitNumber splits "image012.jpg" into ("image", 12).
func splitNumber(name string) (string, int, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	i := len(stem)
	for i > 0 && stem[i-1] >= '0' && stem[i-1] <= '9' {
		i--
	}
	if i == len(stem) {
		return stem, 0, false
	}
	n, err := strconv.Atoi(stem[i:])
	if err != nil {
		return stem, 0, false
	}
	return stem[:i], n, true
}

// Path resolves a frame id to its file, rejecting anything that is not a
// plain file name inside the directory.
func (s *Store) Path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	p := filepath.Join(s.dir, id)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return p, nil
}

// ReadImage returns the decoded colour frame.
func (s *Store) ReadImage(id string) (image.Image, error) {
	if v, ok := s.cache.Get("rgb:" + id); ok {
		s.hits.Add(1)
		return v.(image.Image), nil
	}

	p, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("open frame %s: %w", id, err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		s.errors.Add(1)
		logger.Warn("FrameStore", "Failed to decode %s: %v", id, err)
		return nil, fmt.Errorf("decode frame %s: %w", id, err)
	}
	s.decodes.Add(1)
	logger.Debug("FrameStore", "Decoded %s (%s %dx%d)", id, format, img.Bounds().Dx(), img.Bounds().Dy())

	s.cache.Set("rgb:"+id, img, cache.DefaultExpiration)
	return img, nil
}

// ReadFrame returns the frame as 8-bit luma with its origin at (0, 0).
func (s *Store) ReadFrame(id string) (*image.Gray, error) {
	if v, ok := s.cache.Get("gray:" + id); ok {
		s.hits.Add(1)
		return v.(*image.Gray), nil
	}
	img, err := s.ReadImage(id)
	if err != nil {
		return nil, err
	}
	gray := ToGray(img)
	s.cache.Set("gray:"+id, gray, cache.DefaultExpiration)
	return gray, nil
}

// ToGray converts img to luma using the ITU-R BT.601 weights.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// Forget drops any cached decode of id, e.g. after the file changed.
func (s *Store) Forget(id string) {
	s.cache.Delete("rgb:" + id)
	s.cache.Delete("gray:" + id)
}

// Stats returns the cache counters.
func (s *Store) Stats() Stats {
	return Stats{
		Decodes: s.decodes.Load(),
		Hits:    s.hits.Load(),
		Errors:  s.errors.Load(),
	}
}
