package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/config"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow/cvflow"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/framestore"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/metrics"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/propagate"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/server"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/sessiondb"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/annotation"
	"github.com/dj-oyu/pitch-keypoint-annotator/pkg/keypoints"
)

const shutdownTimeout = 5 * time.Second

func bindFlags(fs *flag.FlagSet, cfg *config.Config, configPath *string) {
	fs.StringVar(configPath, "config", "", "YAML config file (flags override its values)")
	fs.StringVar(&cfg.Addr, "http", cfg.Addr, "HTTP server address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty disables)")
	fs.StringVar(&cfg.FramesDir, "frames", cfg.FramesDir, "Directory of extracted frame images")
	fs.StringVar(&cfg.SessionPath, "session", cfg.SessionPath, "Annotation session JSON file")
	fs.StringVar(&cfg.AssetsDir, "assets", cfg.AssetsDir, "Optional web assets directory served under /assets/")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "Autosave journal file (empty disables)")
	fs.DurationVar(&cfg.FrameCacheTTL, "frame-cache-ttl", cfg.FrameCacheTTL, "How long decoded frames stay cached")
	fs.DurationVar(&cfg.StatusInterval, "status-interval", cfg.StatusInterval, "Interval of status events on /api/events")
	fs.BoolVar(&cfg.AutoAdvance, "auto-advance", cfg.AutoAdvance, "Propagate when navigating to the next frame")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Tracker backend (lk, opencv)")
	fs.IntVar(&cfg.Flow.Window, "lk-window", cfg.Flow.Window, "Lucas-Kanade window size in pixels")
	fs.IntVar(&cfg.Flow.MaxLevel, "lk-levels", cfg.Flow.MaxLevel, "Lucas-Kanade pyramid levels above the base")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
}

// loadConfig applies defaults, then the -config file, then the other flags.
func loadConfig(args []string) (config.Config, error) {
	var configPath string
	scratch := config.DefaultConfig()
	pre := flag.NewFlagSet("annotator", flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	bindFlags(pre, &scratch, &configPath)
	if err := pre.Parse(args); err != nil && !errors.Is(err, flag.ErrHelp) {
		return config.Config{}, err
	}

	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}

	fs := flag.NewFlagSet("annotator", flag.ContinueOnError)
	bindFlags(fs, &cfg, &configPath)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, os.Stderr, cfg.LogColor)

	if err := run(cfg); err != nil {
		logger.Fatal("Main", "%v", err)
	}
}

func newPredictor(cfg config.Config) (flow.Predictor, error) {
	switch cfg.Backend {
	case config.BackendOpenCV:
		if !cvflow.Available() {
			return nil, fmt.Errorf("backend %q needs a build with -tags gocv", cfg.Backend)
		}
		p, err := cvflow.New(cfg.Flow)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return flow.NewLK(cfg.Flow)
	}
}

// loadSession reads the saved session, then lets the journal win when it
// holds newer edits.
func loadSession(cfg config.Config, session *annotation.Session, journal *sessiondb.Journal) error {
	var savedAt time.Time
	if info, err := os.Stat(cfg.SessionPath); err == nil {
		if err := session.LoadFile(cfg.SessionPath); err != nil {
			return err
		}
		savedAt = info.ModTime()
		logger.Info("Main", "Loaded %d annotated frames from %s", session.Len(), cfg.SessionPath)
	}

	if journal == nil {
		return nil
	}
	if journal.Len() == 0 || !journal.UpdatedAt().After(savedAt) {
		// The journal must mirror the session, or a later recovery would
		// drop every frame it does not hold.
		logger.Debug("Main", "Resetting journal %s from %s", journal.Path(), cfg.SessionPath)
		return journal.Replace(session.Snapshot(), session.ManualMarks())
	}
	n, err := journal.RestoreInto(session)
	if err != nil {
		return err
	}
	logger.Warn("Main", "Recovered %d unsaved frames from %s", n, journal.Path())
	return nil
}

func listen(s *http.Server, name string) error {
	logger.Info("Main", "%s listening on %s", name, s.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func run(cfg config.Config) error {
	cfg.WarnOverrides()

	store, err := framestore.Open(cfg.FramesDir, cfg.FrameCacheTTL)
	if err != nil {
		return err
	}
	ids, err := store.ListFrames()
	if err != nil {
		return err
	}
	logger.Info("Main", "Frames: %d in %s", len(ids), store.Dir())

	schema := keypoints.Default()
	session := annotation.NewSession(schema)

	var journal *sessiondb.Journal
	if cfg.JournalPath != "" {
		if journal, err = sessiondb.Open(cfg.JournalPath); err != nil {
			return err
		}
		defer journal.Close()
	}
	if err := loadSession(cfg, session, journal); err != nil {
		return err
	}

	predictor, err := newPredictor(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	m.TrackFrameStore(store.Stats)
	m.AnnotatedFrames.Store(uint64(session.Len()))

	deps := server.Deps{
		Schema:       schema,
		Session:      session,
		Frames:       store,
		Orchestrator: propagate.New(session, store, predictor, m),
		Metrics:      m,
	}
	if journal != nil {
		deps.Journal = journal
	}
	srv := server.NewServer(cfg, deps)
	defer srv.Close()

	logger.Info("Main", "Tracker: %s, session: %s, log level: %s", cfg.Backend, cfg.SessionPath, logger.GetLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{{
		Addr:     cfg.Addr,
		Handler:  srv.Handler(),
		ErrorLog: logger.StdLogger("HTTP", logger.WARN),
	}}
	if cfg.MetricsAddr != "" {
		ms := m.NewServer(cfg.MetricsAddr)
		ms.ErrorLog = logger.StdLogger("Metrics", logger.WARN)
		servers = append(servers, ms)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(servers[0], "Annotator") })
	if len(servers) > 1 {
		g.Go(func() error { return listen(servers[1], "Metrics") })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down")
		// Disconnect event streams first so Shutdown is not held open.
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Main", "Shutdown of %s: %v", s.Addr, err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if journal != nil && session.Len() > 0 {
		logger.Info("Main", "Unsaved edits are kept in %s", journal.Path())
	}
	return nil
}
