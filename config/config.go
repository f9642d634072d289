// Package config loads the settings of the commands from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/edgeimpulse/drowsy-go/video"
)

// Config holds all settings, read from DROWSY_* environment variables.
type Config struct {
	Backend  string        `env:"BACKEND"   envDefault:"ffmpeg"`
	Device   string        `env:"DEVICE"`
	Model    string        `env:"MODEL"`
	Interval time.Duration `env:"INTERVAL"  envDefault:"33ms"`
	TraceDir string        `env:"TRACE_DIR"`

	Record bool   `env:"RECORD"      envDefault:"true"`
	Dir    string `env:"VIDEO_DIR"   envDefault:"videos"`
	Codec  string `env:"VIDEO_CODEC" envDefault:"XVID"`
	Ext    string `env:"VIDEO_EXT"   envDefault:".avi"`
	Width  int    `env:"VIDEO_WIDTH" envDefault:"1280"`
	Height int    `env:"VIDEO_HEIGHT" envDefault:"720"`

	Threshold          float64       `env:"EAR_THRESHOLD"       envDefault:"0.2"`
	MicrosleepDuration time.Duration `env:"MICROSLEEP_DURATION" envDefault:"1s"`
	Smoothing          int           `env:"SMOOTHING"           envDefault:"0"`

	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	MinIOEndpoint  string `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `env:"MINIO_SECRET_KEY"`
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL"    envDefault:"false"`
	MinIOBucket    string `env:"MINIO_BUCKET"     envDefault:"drowsy-sessions"`
}

// Prefix of all environment variables.
const Prefix = "DROWSY_"

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later, deep inside a
// session.
func (c *Config) Validate() error {
	switch c.Backend {
	case "ffmpeg", "gstreamer", "opencv":
	default:
		return fmt.Errorf("unknown backend %q, expected ffmpeg, gstreamer or opencv", c.Backend)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid video size %dx%d", c.Width, c.Height)
	}
	if c.Ext == "" || !video.IsVideo("session"+c.Ext) {
		return fmt.Errorf("video extension %q not one of %v", c.Ext, video.Extensions)
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("eye aspect ratio threshold must be positive, got %v", c.Threshold)
	}
	if c.MicrosleepDuration <= 0 {
		return fmt.Errorf("microsleep duration must be positive, got %v", c.MicrosleepDuration)
	}
	if c.Smoothing < 0 {
		return fmt.Errorf("smoothing window must not be negative, got %d", c.Smoothing)
	}
	return nil
}
