// Package config manages configuration for the camera control service.
//
// Settings load from a TOML file with defaults for everything, so an empty
// or missing file yields a working setup. The file path comes from the
// -config flag or the CAMERA_CONTROL_CONFIG environment variable.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all runtime configuration values.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Capture   CaptureConfig   `toml:"capture"`
	Quality   QualityConfig   `toml:"quality"`
	Recording RecordingConfig `toml:"recording"`
	Web       WebConfig       `toml:"web"`
	Devices   DevicesConfig   `toml:"devices"`
}

// LogConfig controls the slog sink.
type LogConfig struct {
	Level       string `toml:"level"` // debug|info|warn|error
	File        string `toml:"file"`
	MaxBytes    int    `toml:"max_bytes"`
	BackupCount int    `toml:"backup_count"`
	Stdout      bool   `toml:"stdout"`
}

// CaptureConfig tunes the per-camera capture workers.
type CaptureConfig struct {
	Width  int `toml:"width"`
	Height int `toml:"height"`
	FPS    int `toml:"fps"`
	// ReadTimeoutMS bounds a single device read.
	ReadTimeoutMS int `toml:"read_timeout_ms"`
	// MaxConsecutiveTimeouts before a camera is treated as disconnected.
	MaxConsecutiveTimeouts int `toml:"max_consecutive_timeouts"`
	// UIFPS bounds display and recording poll rates.
	UIFPS int `toml:"ui_fps"`
}

// QualityConfig tunes the adaptive quality controller. These are the
// deployment-specific escalation/hysteresis knobs.
type QualityConfig struct {
	HighPercent      float64 `toml:"high_percent"`
	CriticalPercent  float64 `toml:"critical_percent"`
	PerCameraScale   float64 `toml:"per_camera_scale"`
	RecoverHoldCount int     `toml:"recover_hold_count"`
	SampleIntervalMS int     `toml:"sample_interval_ms"`
}

// RecordingConfig tunes the recorder.
type RecordingConfig struct {
	Dir          string  `toml:"dir"`
	DefaultCodec string  `toml:"default_codec"`
	FPS          float64 `toml:"fps"`
}

// WebConfig controls the HTTP command/status surface.
type WebConfig struct {
	Addr string `toml:"addr"`
	CORS bool   `toml:"cors"`
}

// DevicesConfig selects the device backend and any cameras to connect at
// startup.
type DevicesConfig struct {
	// Backend is "webcam" (OpenCV) or "sim" (synthetic scenes).
	Backend string `toml:"backend"`
	// AutoConnect lists device refs connected at startup.
	AutoConnect []string `toml:"auto_connect"`
	// KillHolders frees busy /dev/video nodes before opening (Linux).
	KillHolders bool `toml:"kill_holders"`
	// StateFile persists per-camera zoom and parameter values across
	// restarts. Empty disables persistence.
	StateFile string `toml:"state_file"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			File:        "./logs/camera_control.log",
			MaxBytes:    5 * 1024 * 1024,
			BackupCount: 3,
			Stdout:      true,
		},
		Capture: CaptureConfig{
			Width:                  640,
			Height:                 480,
			FPS:                    30,
			ReadTimeoutMS:          500,
			MaxConsecutiveTimeouts: 6,
			UIFPS:                  20,
		},
		Quality: QualityConfig{
			HighPercent:      80,
			CriticalPercent:  90,
			PerCameraScale:   0.15,
			RecoverHoldCount: 3,
			SampleIntervalMS: 2000,
		},
		Recording: RecordingConfig{
			Dir:          "./recordings",
			DefaultCodec: "XVID",
			FPS:          30,
		},
		Web: WebConfig{
			Addr: ":8080",
			CORS: true,
		},
		Devices: DevicesConfig{
			Backend:     "webcam",
			KillHolders: true,
			StateFile:   "./camera_state.toml",
		},
	}
}

// Load reads configuration from path, falling back to the
// CAMERA_CONTROL_CONFIG environment variable and then ./config.toml. A
// missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("CAMERA_CONTROL_CONFIG")
	}
	if path == "" {
		path = "./config.toml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate sanity-checks the configuration. Hard failures flip ok to false;
// soft issues come back as warnings with the value corrected to a default.
func (c *Config) Validate() (ok bool, warnings []string) {
	ok = true

	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		warnings = append(warnings, "capture resolution must be positive, using 640x480")
		c.Capture.Width, c.Capture.Height = 640, 480
	}
	if c.Capture.FPS <= 0 || c.Capture.FPS > 120 {
		warnings = append(warnings, "capture fps out of range (1-120), using 30")
		c.Capture.FPS = 30
	}
	if c.Capture.UIFPS <= 0 {
		warnings = append(warnings, "ui_fps must be positive, using 20")
		c.Capture.UIFPS = 20
	}
	if c.Quality.HighPercent <= 0 || c.Quality.HighPercent >= 100 {
		warnings = append(warnings, "quality high_percent out of range, using 80")
		c.Quality.HighPercent = 80
	}
	if c.Quality.CriticalPercent <= c.Quality.HighPercent {
		warnings = append(warnings, "quality critical_percent must exceed high_percent, using high+10")
		c.Quality.CriticalPercent = c.Quality.HighPercent + 10
	}
	if c.Quality.RecoverHoldCount <= 0 {
		warnings = append(warnings, "quality recover_hold_count must be positive, using 3")
		c.Quality.RecoverHoldCount = 3
	}
	switch c.Devices.Backend {
	case "webcam", "sim":
	default:
		ok = false
		warnings = append(warnings, fmt.Sprintf("unknown device backend %q", c.Devices.Backend))
	}
	return ok, warnings
}
