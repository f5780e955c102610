// Package config provides configuration management for livecheck.
// It loads configuration from YAML files over sensible defaults and lets a
// small set of deployment settings be overridden from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all livecheck configuration.
type Config struct {
	Mode     string         `yaml:"mode"`
	Session  SessionConfig  `yaml:"session"`
	Camera   CameraConfig   `yaml:"camera"`
	Detector DetectorConfig `yaml:"detector"`
	Geometry GeometryConfig `yaml:"geometry"`
	Verifier VerifierConfig `yaml:"verifier"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SessionConfig holds the liveness session settings.
type SessionConfig struct {
	DetectionIntervalMs int               `yaml:"detection_interval_ms"`
	CaptureCountdown    int               `yaml:"capture_countdown"` // steps
	CountdownStepMs     int               `yaml:"countdown_step_ms"`
	Timeout             int               `yaml:"timeout"` // seconds
	AutoStart           bool              `yaml:"auto_start"`
	ShowStartButton     bool              `yaml:"show_start_button"`
	AnomalyDetection    bool              `yaml:"anomaly_detection"`
	FaceIndicator       bool              `yaml:"face_indicator"`
	MaxInstructions     int               `yaml:"max_instructions"`
	Instructions        []string          `yaml:"instructions"`
	Messages            map[string]string `yaml:"messages"`
}

// CameraConfig holds camera settings.
type CameraConfig struct {
	Device           string `yaml:"device"`
	FFmpegPath       string `yaml:"ffmpeg_path"`
	FacingMode       string `yaml:"facing_mode"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	FPS              int    `yaml:"fps"`
	ViewportWidth    int    `yaml:"viewport_width"`
	ViewportHeight   int    `yaml:"viewport_height"`
	SnapshotSize     int    `yaml:"snapshot_size"`
	MaxPictureWidth  int    `yaml:"max_picture_width"`
	MaxPictureHeight int    `yaml:"max_picture_height"`
	PictureQuality   int    `yaml:"picture_quality"`
}

// DetectorConfig holds face detector settings.
type DetectorConfig struct {
	Backend      string  `yaml:"backend"` // pigo or dlib
	CascadePath  string  `yaml:"cascade_path"`
	ModelPath    string  `yaml:"model_path"`
	MinSize      int     `yaml:"min_size"`
	MaxSize      int     `yaml:"max_size"`
	ShiftFactor  float64 `yaml:"shift_factor"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	IoUThreshold float64 `yaml:"iou_threshold"`
	MinQuality   float64 `yaml:"min_quality"`
	MemoryFrames int     `yaml:"memory_frames"`
}

// Thresholds are framing limits expressed in percent of the element's
// smaller dimension.
type Thresholds struct {
	MaxCenterOffset float64 `yaml:"max_center_offset"`
	MinFaceSize     float64 `yaml:"min_face_size"`
	MaxFaceSize     float64 `yaml:"max_face_size"`
}

// GeometryConfig holds framing thresholds for both capture phases.
type GeometryConfig struct {
	Normal Thresholds `yaml:"normal"`
	Zoomed Thresholds `yaml:"zoomed"`
}

// VerifierConfig holds remote verifier settings.
type VerifierConfig struct {
	ServerURL string `yaml:"server_url"`
	APIKey    string `yaml:"api_key"`
	Timeout   int    `yaml:"timeout"` // seconds
	Debug     bool   `yaml:"debug"`
}

// ServerConfig holds settings of the shell bridge.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// envOverrides lists the settings that may come from LIVECHECK_* variables.
type envOverrides struct {
	Mode      string `envconfig:"MODE"`
	ServerURL string `envconfig:"SERVER_URL"`
	APIKey    string `envconfig:"API_KEY"`
	LogLevel  string `envconfig:"LOG_LEVEL"`
	Listen    string `envconfig:"LISTEN"`
}

const envPrefix = "LIVECHECK"

var (
	validModes     = map[string]bool{"mask": true, "passive": true, "classic": true}
	validFacing    = map[string]bool{"user": true, "environment": true, "left": true, "right": true}
	validBackends  = map[string]bool{"pigo": true, "dlib": true}
	validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/livecheck")
	return &Config{
		Mode: "mask",
		Session: SessionConfig{
			DetectionIntervalMs: 100,
			CaptureCountdown:    2,
			CountdownStepMs:     1000,
			Timeout:             30,
			AutoStart:           true,
			ShowStartButton:     true,
			AnomalyDetection:    false,
			FaceIndicator:       true,
			MaxInstructions:     5,
			Instructions:        []string{"frontal_face", "left_profile_face", "right_profile_face"},
		},
		Camera: CameraConfig{
			Device:           "/dev/video0",
			FFmpegPath:       "ffmpeg",
			FacingMode:       "user",
			Width:            1280,
			Height:           720,
			FPS:              30,
			ViewportWidth:    640,
			ViewportHeight:   480,
			SnapshotSize:     320,
			MaxPictureWidth:  1280,
			MaxPictureHeight: 1280,
			PictureQuality:   95,
		},
		Detector: DetectorConfig{
			Backend:      "pigo",
			CascadePath:  filepath.Join(dataDir, "models/facefinder"),
			ModelPath:    filepath.Join(dataDir, "models"),
			MinSize:      100,
			MaxSize:      1000,
			ShiftFactor:  0.1,
			ScaleFactor:  1.1,
			IoUThreshold: 0.2,
			MinQuality:   5,
			MemoryFrames: 5,
		},
		Geometry: GeometryConfig{
			Normal: Thresholds{MaxCenterOffset: 6, MinFaceSize: 45, MaxFaceSize: 60},
			Zoomed: Thresholds{MaxCenterOffset: 6, MinFaceSize: 65, MaxFaceSize: 80},
		},
		Verifier: VerifierConfig{
			ServerURL: "http://localhost:8080",
			Timeout:   30,
		},
		Server: ServerConfig{
			Listen: ":3000",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// Load loads configuration from the specified file and applies
// environment overrides on top of it. Overrides are applied even when the
// file cannot be read or parsed, so the returned config is always usable.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if yerr := yaml.Unmarshal(data, config); yerr != nil {
			err = fmt.Errorf("parse %s: %w", path, yerr)
		}
	}

	if envErr := config.ApplyEnv(); envErr != nil && err == nil {
		err = envErr
	}
	return config, err
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	// Try system config first
	if _, err := os.Stat("/etc/livecheck/livecheck.yaml"); err == nil {
		return Load("/etc/livecheck/livecheck.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		userConfig := filepath.Join(homeDir, ".config/livecheck/livecheck.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return Load(userConfig)
		}
	}

	config := DefaultConfig()
	if err := config.ApplyEnv(); err != nil {
		return config, err
	}
	return config, nil
}

// ApplyEnv overrides settings from LIVECHECK_* environment variables.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}

	if env.Mode != "" {
		c.Mode = env.Mode
	}
	if env.ServerURL != "" {
		c.Verifier.ServerURL = env.ServerURL
	}
	if env.APIKey != "" {
		c.Verifier.APIKey = env.APIKey
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.Listen != "" {
		c.Server.Listen = env.Listen
	}
	return nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Camera.Device = ExpandPath(c.Camera.Device)
	c.Detector.CascadePath = ExpandPath(c.Detector.CascadePath)
	c.Detector.ModelPath = ExpandPath(c.Detector.ModelPath)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !validModes[c.Mode] {
		return fmt.Errorf("invalid mode: %s (must be mask, passive, or classic)", c.Mode)
	}

	s := c.Session
	if s.DetectionIntervalMs <= 0 {
		return fmt.Errorf("detection_interval_ms must be positive, got %d", s.DetectionIntervalMs)
	}
	if s.CaptureCountdown <= 0 {
		return fmt.Errorf("capture_countdown must be positive, got %d", s.CaptureCountdown)
	}
	if s.CountdownStepMs <= 0 {
		return fmt.Errorf("countdown_step_ms must be positive, got %d", s.CountdownStepMs)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", s.Timeout)
	}
	if c.Mode == "classic" {
		if s.MaxInstructions <= 0 {
			return fmt.Errorf("max_instructions must be positive, got %d", s.MaxInstructions)
		}
		if len(s.Instructions) < 2 {
			return fmt.Errorf("classic mode needs at least two instructions, got %d", len(s.Instructions))
		}
	}

	if !validFacing[c.Camera.FacingMode] {
		return fmt.Errorf("invalid facing_mode: %s", c.Camera.FacingMode)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.ViewportWidth <= 0 || c.Camera.ViewportHeight <= 0 {
		return fmt.Errorf("invalid viewport: %dx%d", c.Camera.ViewportWidth, c.Camera.ViewportHeight)
	}
	if c.Camera.PictureQuality < 1 || c.Camera.PictureQuality > 100 {
		return fmt.Errorf("picture_quality must be between 1 and 100, got %d", c.Camera.PictureQuality)
	}

	if !validBackends[c.Detector.Backend] {
		return fmt.Errorf("invalid detector backend: %s (must be pigo or dlib)", c.Detector.Backend)
	}
	if c.Detector.MinSize <= 0 || c.Detector.MaxSize < c.Detector.MinSize {
		return fmt.Errorf("invalid detector size range: %d-%d", c.Detector.MinSize, c.Detector.MaxSize)
	}

	if err := c.Geometry.Normal.validate("normal"); err != nil {
		return err
	}
	if err := c.Geometry.Zoomed.validate("zoomed"); err != nil {
		return err
	}

	if c.Verifier.ServerURL == "" {
		return fmt.Errorf("verifier server_url is required")
	}
	if c.Verifier.Timeout <= 0 {
		return fmt.Errorf("verifier timeout must be positive, got %d", c.Verifier.Timeout)
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

func (t Thresholds) validate(name string) error {
	if t.MaxCenterOffset <= 0 {
		return fmt.Errorf("%s max_center_offset must be positive, got %.1f", name, t.MaxCenterOffset)
	}
	if t.MinFaceSize <= 0 || t.MaxFaceSize <= t.MinFaceSize {
		return fmt.Errorf("%s face size range invalid: %.1f-%.1f", name, t.MinFaceSize, t.MaxFaceSize)
	}
	return nil
}

// DetectionInterval returns the detection tick period.
func (s SessionConfig) DetectionInterval() time.Duration {
	return time.Duration(s.DetectionIntervalMs) * time.Millisecond
}

// CountdownStep returns the duration of one countdown step.
func (s SessionConfig) CountdownStep() time.Duration {
	return time.Duration(s.CountdownStepMs) * time.Millisecond
}

// SessionTimeout returns the absolute session timeout.
func (s SessionConfig) SessionTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// RequestTimeout returns the verifier HTTP timeout.
func (v VerifierConfig) RequestTimeout() time.Duration {
	return time.Duration(v.Timeout) * time.Second
}
