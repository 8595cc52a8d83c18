package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the canonical defaults file shipped with the repo.
const DefaultConfigPath = "config/scg.defaults.json"

// Reconstruction strategies.
const (
	ReconstructionSpline = "spline"
	ReconstructionLinear = "linear"
)

// Seam policies for the streaming spline.
const (
	SeamDedup     = "dedup"
	SeamReproduce = "reproduce"
)

// Config is the root configuration shared by the server, capture and viewer
// binaries. Every field is optional; the Get* accessors supply defaults for
// anything the JSON file leaves out, so partial files are safe.
type Config struct {
	// Server
	Listen       *string  `json:"listen,omitempty"`
	DatabasePath *string  `json:"database_path,omitempty"`
	CORSOrigins  []string `json:"cors_origins,omitempty"`

	// Capture
	AssumedSampleIntervalMs *float64 `json:"assumed_sample_interval_ms,omitempty"`
	FlushInterval           *string  `json:"flush_interval,omitempty"` // duration string like "1s"
	SampleQueueCapacity     *int     `json:"sample_queue_capacity,omitempty"`
	CountdownSeconds        *int     `json:"countdown_seconds,omitempty"`

	// Reconstruction
	InterpolationRateHz *float64 `json:"interpolation_rate_hz,omitempty"`
	Reconstruction      *string  `json:"reconstruction,omitempty"`
	SeamPolicy          *string  `json:"seam_policy,omitempty"`
	ServerInterpolation *bool    `json:"server_interpolation,omitempty"`

	// Views
	RedrawInterval *string `json:"redraw_interval,omitempty"`
	PreviewPoints  *int    `json:"preview_points,omitempty"`
	MinWindow      *int    `json:"min_window,omitempty"`
	DefaultWindow  *int    `json:"default_window,omitempty"`
	OverviewPoints *int    `json:"overview_points,omitempty"`

	// Relay
	MQTTBroker      *string `json:"mqtt_broker,omitempty"`
	MQTTTopicPrefix *string `json:"mqtt_topic_prefix,omitempty"`
}

// Empty returns a Config with every field unset, which resolves to the
// built-in defaults.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it is non-empty and falls back to the
// built-in defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Empty(), nil
	}
	return Load(path)
}

// MustLoadDefault loads DefaultConfigPath from the current directory or one
// of its parents. It panics when the file cannot be found and is intended
// for test setup.
func MustLoadDefault() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.AssumedSampleIntervalMs != nil && *c.AssumedSampleIntervalMs <= 0 {
		return fmt.Errorf("assumed_sample_interval_ms must be positive, got %f", *c.AssumedSampleIntervalMs)
	}
	if c.InterpolationRateHz != nil && *c.InterpolationRateHz <= 0 {
		return fmt.Errorf("interpolation_rate_hz must be positive, got %f", *c.InterpolationRateHz)
	}
	for name, d := range map[string]*string{
		"flush_interval":  c.FlushInterval,
		"redraw_interval": c.RedrawInterval,
	} {
		if d == nil || *d == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *d)
		}
	}
	if c.Reconstruction != nil {
		switch *c.Reconstruction {
		case ReconstructionSpline, ReconstructionLinear:
		default:
			return fmt.Errorf("reconstruction must be %q or %q, got %q", ReconstructionSpline, ReconstructionLinear, *c.Reconstruction)
		}
	}
	if c.SeamPolicy != nil {
		switch *c.SeamPolicy {
		case SeamDedup, SeamReproduce:
		default:
			return fmt.Errorf("seam_policy must be %q or %q, got %q", SeamDedup, SeamReproduce, *c.SeamPolicy)
		}
	}
	if c.MinWindow != nil && *c.MinWindow < 2 {
		return fmt.Errorf("min_window must be at least 2, got %d", *c.MinWindow)
	}
	if c.DefaultWindow != nil && *c.DefaultWindow < c.GetMinWindow() {
		return fmt.Errorf("default_window %d is below min_window %d", *c.DefaultWindow, c.GetMinWindow())
	}
	for name, v := range map[string]*int{
		"sample_queue_capacity": c.SampleQueueCapacity,
		"preview_points":        c.PreviewPoints,
		"overview_points":       c.OverviewPoints,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	if c.CountdownSeconds != nil && *c.CountdownSeconds < 0 {
		return fmt.Errorf("countdown_seconds must be non-negative, got %d", *c.CountdownSeconds)
	}
	return nil
}

func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8000"
	}
	return *c.Listen
}

func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "scg_data.db"
	}
	return *c.DatabasePath
}

// GetCORSOrigins returns the allowed origins; "*" when unset.
func (c *Config) GetCORSOrigins() []string {
	if len(c.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return c.CORSOrigins
}

// GetAssumedSampleIntervalMs is the nominal spacing used to spread
// duplicate capture timestamps.
func (c *Config) GetAssumedSampleIntervalMs() float64 {
	if c.AssumedSampleIntervalMs == nil {
		return 10
	}
	return *c.AssumedSampleIntervalMs
}

func (c *Config) GetFlushInterval() time.Duration {
	return parseDurationOr(c.FlushInterval, time.Second)
}

func (c *Config) GetSampleQueueCapacity() int {
	if c.SampleQueueCapacity == nil {
		return 4096
	}
	return *c.SampleQueueCapacity
}

func (c *Config) GetCountdownSeconds() int {
	if c.CountdownSeconds == nil {
		return 3
	}
	return *c.CountdownSeconds
}

func (c *Config) GetInterpolationRateHz() float64 {
	if c.InterpolationRateHz == nil {
		return 100
	}
	return *c.InterpolationRateHz
}

// GetInterpolationIntervalMs is the output grid spacing in milliseconds.
func (c *Config) GetInterpolationIntervalMs() float64 {
	return 1000 / c.GetInterpolationRateHz()
}

func (c *Config) GetReconstruction() string {
	if c.Reconstruction == nil {
		return ReconstructionSpline
	}
	return *c.Reconstruction
}

func (c *Config) GetSeamPolicy() string {
	if c.SeamPolicy == nil {
		return SeamDedup
	}
	return *c.SeamPolicy
}

func (c *Config) GetServerInterpolation() bool {
	if c.ServerInterpolation == nil {
		return false
	}
	return *c.ServerInterpolation
}

func (c *Config) GetRedrawInterval() time.Duration {
	return parseDurationOr(c.RedrawInterval, 50*time.Millisecond)
}

func (c *Config) GetPreviewPoints() int {
	if c.PreviewPoints == nil {
		return 200
	}
	return *c.PreviewPoints
}

func (c *Config) GetMinWindow() int {
	if c.MinWindow == nil {
		return 200
	}
	return *c.MinWindow
}

func (c *Config) GetDefaultWindow() int {
	if c.DefaultWindow == nil {
		return 2000
	}
	return *c.DefaultWindow
}

func (c *Config) GetOverviewPoints() int {
	if c.OverviewPoints == nil {
		return 1000
	}
	return *c.OverviewPoints
}

// GetMQTTBroker returns the broker URL; empty disables the relay.
func (c *Config) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

func (c *Config) GetMQTTTopicPrefix() string {
	if c.MQTTTopicPrefix == nil || *c.MQTTTopicPrefix == "" {
		return "scg"
	}
	return *c.MQTTTopicPrefix
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
