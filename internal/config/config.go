// Package config holds the runtime configuration shared by the annotator
// binaries. Values come from DefaultConfig, then an optional YAML file, then
// command line flags.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/flow"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
)

// Tracker backends.
const (
	BackendLK     = "lk"
	BackendOpenCV = "opencv"
)

// Config defines the runtime configuration for the annotator.
type Config struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	FramesDir   string `yaml:"frames_dir"`
	SessionPath string `yaml:"session_path"`
	// AssetsDir optionally serves a custom UI under /assets/.
	AssetsDir string `yaml:"assets_dir"`
	// JournalPath is the bbolt autosave file; empty disables autosave.
	JournalPath    string        `yaml:"journal_path"`
	FrameCacheTTL  time.Duration `yaml:"frame_cache_ttl"`
	StatusInterval time.Duration `yaml:"status_interval"`
	AutoAdvance    bool          `yaml:"auto_advance"`

	LogLevel string `yaml:"log_level"`
	LogColor bool   `yaml:"log_color"`

	Backend string      `yaml:"backend"`
	Flow    flow.Params `yaml:"flow"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8080",
		MetricsAddr:    ":9090",
		FramesDir:      "./frames",
		SessionPath:    "./annotations.json",
		JournalPath:    "./annotations.journal.db",
		FrameCacheTTL:  2 * time.Minute,
		StatusInterval: 2 * time.Second,
		AutoAdvance:    true,
		LogLevel:       "info",
		LogColor:       true,
		Backend:        BackendLK,
		Flow:           flow.DefaultParams(),
	}
}

// Load reads a YAML file on top of DefaultConfig. Unknown keys are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that flags or files may have broken.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	if c.FramesDir == "" {
		return fmt.Errorf("config: frames_dir must not be empty")
	}
	if c.Backend != BackendLK && c.Backend != BackendOpenCV {
		return fmt.Errorf("config: unknown backend %q (want %s or %s)", c.Backend, BackendLK, BackendOpenCV)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Flow.Validate(); err != nil {
		return fmt.Errorf("config: flow: %w", err)
	}
	return nil
}

// FlowOverrides lists the tracker parameters that differ from the defaults,
// formatted for a log line.
func (c Config) FlowOverrides() []string {
	def := flow.DefaultParams()
	var out []string
	if c.Flow.Window != def.Window {
		out = append(out, fmt.Sprintf("window=%d (default %d)", c.Flow.Window, def.Window))
	}
	if c.Flow.MaxLevel != def.MaxLevel {
		out = append(out, fmt.Sprintf("max_level=%d (default %d)", c.Flow.MaxLevel, def.MaxLevel))
	}
	if c.Flow.MaxIterations != def.MaxIterations {
		out = append(out, fmt.Sprintf("max_iterations=%d (default %d)", c.Flow.MaxIterations, def.MaxIterations))
	}
	if c.Flow.Epsilon != def.Epsilon {
		out = append(out, fmt.Sprintf("epsilon=%g (default %g)", c.Flow.Epsilon, def.Epsilon))
	}
	if c.Flow.MinEigThreshold != def.MinEigThreshold {
		out = append(out, fmt.Sprintf("min_eig_threshold=%g (default %g)", c.Flow.MinEigThreshold, def.MinEigThreshold))
	}
	return out
}

// WarnOverrides logs every non-default tracker parameter.
func (c Config) WarnOverrides() {
	for _, o := range c.FlowOverrides() {
		logger.Warn("Config", "Tracker parameter overridden: %s", o)
	}
}
