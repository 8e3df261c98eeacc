// Package extract splits a video into numbered still frames that the frame
// store and annotator work on.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
)

// DefaultQuality is the JPEG quality of extracted frames.
const DefaultQuality = 95

var frameNameRE = regexp.MustCompile(`^image\d{3,}\.jpg$`)

// FrameName returns the file name of the n-th frame, counting from 1.
func FrameName(n int) string {
	return fmt.Sprintf("image%03d.jpg", n)
}

// quote escapes s for a gst-launch property value.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// Pipeline builds the launch line that decodes videoPath and writes every
// frame as a JPEG into outDir.
func Pipeline(videoPath, outDir string, quality int) string {
	// multifilesink treats location as a printf pattern.
	pattern := filepath.Join(strings.ReplaceAll(outDir, "%", "%%"), "image%03d.jpg")
	return fmt.Sprintf(
		"filesrc location=%s ! "+
			"decodebin ! "+
			"videoconvert ! "+
			"jpegenc quality=%d ! "+
			"multifilesink location=%s index=1 post-messages=false",
		quote(videoPath), quality, quote(pattern),
	)
}

// Extract decodes videoPath into outDir as image001.jpg, image002.jpg, ...
// and returns the number of frames written.
func Extract(ctx context.Context, videoPath, outDir string) (int, error) {
	return ExtractWithQuality(ctx, videoPath, outDir, DefaultQuality)
}

// ExtractWithQuality is Extract with an explicit JPEG quality (1-100).
func ExtractWithQuality(ctx context.Context, videoPath, outDir string, quality int) (int, error) {
	if quality < 1 || quality > 100 {
		return 0, fmt.Errorf("extract: quality %d out of range 1-100", quality)
	}
	info, err := os.Stat(videoPath)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("extract: %s is a directory", videoPath)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, fmt.Errorf("extract: create output dir: %w", err)
	}

	// Safe to call more than once.
	gst.Init(nil)

	launch := Pipeline(videoPath, outDir, quality)
	logger.Debug("Extract", "Pipeline: %s", launch)

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return 0, fmt.Errorf("extract: create pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	start := time.Now()
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return 0, fmt.Errorf("extract: start pipeline: %w", err)
	}
	logger.Info("Extract", "Extracting %s into %s", videoPath, outDir)

	if err := waitEOS(ctx, pipeline); err != nil {
		return countFrames(outDir), err
	}

	n := countFrames(outDir)
	logger.Info("Extract", "Wrote %d frames in %v", n, time.Since(start).Round(time.Millisecond))
	return n, nil
}

// waitEOS polls the pipeline bus until end of stream, an error, or ctx is
// done.
func waitEOS(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			logger.Warn("Extract", "Cancelled: %v", ctx.Err())
			return ctx.Err()
		default:
		}

		// Short timeout keeps cancellation responsive.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			logger.Error("Extract", "Pipeline error: %s (%s)", gerr.Error(), gerr.DebugString())
			return fmt.Errorf("extract: pipeline error: %s", gerr.Error())
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, now := msg.ParseStateChanged()
				logger.Debug("Extract", "Pipeline state %v -> %v", old, now)
			}
		}
	}
}

// countFrames counts the extracted frame files in dir.
func countFrames(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && frameNameRE.MatchString(e.Name()) {
			n++
		}
	}
	return n
}
