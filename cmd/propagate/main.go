// Command propagate carries a saved session's annotations across a range of
// frames without the UI and writes the session back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cheggaaa/pb/v3"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/config"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow/cvflow"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/framestore"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/metrics"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/propagate"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/keypoints"
)

const barTemplate = `{{ string . "prefix" }} {{counters . "%s/%s" "%s/?"}} {{bar . }} {{percent . "%.01f%%" "?"}} {{etime . "%s elapsed"}} {{rtime . "%s remain" "%s total" "???"}}`

type options struct {
	configPath string
	from, to   string
	out        string
	noProgress bool
}

func main() {
	cfg := config.DefaultConfig()
	var opts options

	flag.StringVar(&opts.configPath, "config", "", "YAML config file; other flags override it")
	flag.StringVar(&cfg.FramesDir, "frames", cfg.FramesDir, "Directory of extracted frame images")
	flag.StringVar(&cfg.SessionPath, "session", cfg.SessionPath, "Annotation session JSON file to read")
	flag.StringVar(&opts.out, "out", "", "Where to write the result (default: overwrite -session)")
	flag.StringVar(&opts.from, "from", "", "First frame of the range (default: first frame)")
	flag.StringVar(&opts.to, "to", "", "Last frame of the range (default: last frame)")
	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "Tracker backend (lk, opencv)")
	flag.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
	flag.BoolVar(&opts.noProgress, "no-progress", false, "Disable the progress bar")
	flag.Parse()

	if opts.configPath != "" {
		fileCfg, err := config.Load(opts.configPath)
		if err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}
		// Flags given on the command line win over the file.
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		cfg = merge(fileCfg, cfg, set)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, os.Stderr, cfg.LogColor)

	if opts.out == "" {
		opts.out = cfg.SessionPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts); err != nil {
		logger.Fatal("Main", "%v", err)
	}
}

// merge copies the flag-settable fields named in set from flags onto file.
func merge(file, flags config.Config, set map[string]bool) config.Config {
	if set["frames"] {
		file.FramesDir = flags.FramesDir
	}
	if set["session"] {
		file.SessionPath = flags.SessionPath
	}
	if set["backend"] {
		file.Backend = flags.Backend
	}
	if set["log-level"] {
		file.LogLevel = flags.LogLevel
	}
	if set["log-color"] {
		file.LogColor = flags.LogColor
	}
	return file
}

func newPredictor(cfg config.Config) (flow.Predictor, error) {
	if cfg.Backend == config.BackendOpenCV {
		p, err := cvflow.New(cfg.Flow)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return flow.NewLK(cfg.Flow)
}

func run(ctx context.Context, cfg config.Config, opts options) error {
	cfg.WarnOverrides()

	store, err := framestore.Open(cfg.FramesDir, cfg.FrameCacheTTL)
	if err != nil {
		return err
	}
	ids, err := store.ListFrames()
	if err != nil {
		return err
	}
	span, err := propagate.Span(ids, opts.from, opts.to)
	if err != nil {
		return err
	}

	schema := keypoints.Default()
	session := annotation.NewSession(schema)
	if err := session.LoadFile(cfg.SessionPath); err != nil {
		return err
	}
	if _, ok := session.Frame(span[0]); !ok {
		return fmt.Errorf("%s has no annotations in %s: %w", span[0], cfg.SessionPath, propagate.ErrNoAnnotations)
	}

	predictor, err := newPredictor(cfg)
	if err != nil {
		return err
	}
	m := metrics.New()
	orch := propagate.New(session, store, predictor, m)

	var bar *pb.ProgressBar
	if !opts.noProgress {
		bar = pb.ProgressBarTemplate(barTemplate).Start(len(span) - 1)
		bar.Set("prefix", "Propagating")
	}
	onStep := func(res propagate.Result) {
		// Decoded frames are not needed again once they are a step behind.
		store.Forget(res.Source)
		if bar != nil {
			bar.Increment()
		}
	}

	_, runErr := orch.PropagateRange(ctx, span, schema.Names(), onStep)
	if bar != nil {
		bar.Finish()
	}

	// Whatever was propagated before a failure is still worth keeping.
	if err := session.SaveFile(opts.out); err != nil {
		return errors.Join(runErr, err)
	}
	logger.Info("Main", "Wrote %d annotated frames to %s", session.Len(), opts.out)
	fmt.Fprintf(os.Stderr, "%d steps: %d propagated, %d kept as hand-edited, %d points tracked, %d lost\n",
		m.Propagations.Load()+m.PropagationsSkipped.Load(),
		m.Propagations.Load(), m.PropagationsSkipped.Load(),
		m.PointsTracked.Load(), m.PointsLost.Load())

	return runErr
}
