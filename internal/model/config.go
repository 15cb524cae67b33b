package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration. It is loaded from an
// optional yaml file, overlaid with MEDIAGRAB_* environment variables
// and command line flags.
type Config struct {
	Listen      string          `mapstructure:"listen" yaml:"listen"`
	DownloadDir string          `mapstructure:"download_dir" yaml:"download_dir"`
	Verbose     bool            `mapstructure:"verbose" yaml:"verbose"`
	Tool        ToolConfig      `mapstructure:"tool" yaml:"tool"`
	Limits      LimitsConfig    `mapstructure:"limits" yaml:"limits"`
	Retention   RetentionConfig `mapstructure:"retention" yaml:"retention"`
}

// ToolConfig describes the external downloader invocation. The
// reliability knobs are operational parameters passed through to the
// tool, they carry no lifecycle semantics.
type ToolConfig struct {
	Path            string        `mapstructure:"path" yaml:"path"`
	FFmpeg          string        `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Retries         int           `mapstructure:"retries" yaml:"retries"`
	FragmentRetries int           `mapstructure:"fragment_retries" yaml:"fragment_retries"`
	SleepInterval   time.Duration `mapstructure:"sleep_interval" yaml:"sleep_interval"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// LimitsConfig holds the admission ceilings.
type LimitsConfig struct {
	MaxActive    int `mapstructure:"max_active" yaml:"max_active"`
	MaxPerOrigin int `mapstructure:"max_per_origin" yaml:"max_per_origin"`
}

// RetentionConfig drives the background sweeper.
type RetentionConfig struct {
	MaxFileAge  time.Duration `mapstructure:"max_file_age" yaml:"max_file_age"`
	RecordGrace time.Duration `mapstructure:"record_grace" yaml:"record_grace"`
	SweepEvery  time.Duration `mapstructure:"sweep_every" yaml:"sweep_every"`
	// SweepCron, when set, replaces SweepEvery with a 5-field cron spec.
	SweepCron string `mapstructure:"sweep_cron" yaml:"sweep_cron,omitempty"`
}

// SetDefaults registers default values for every config key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("download_dir", "downloads")
	v.SetDefault("verbose", false)
	v.SetDefault("tool.path", "yt-dlp")
	v.SetDefault("tool.ffmpeg", "")
	v.SetDefault("tool.retries", 10)
	v.SetDefault("tool.fragment_retries", 10)
	v.SetDefault("tool.sleep_interval", 2*time.Second)
	v.SetDefault("tool.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("tool.probe_timeout", 30*time.Second)
	v.SetDefault("limits.max_active", 3)
	v.SetDefault("limits.max_per_origin", 2)
	v.SetDefault("retention.max_file_age", 24*time.Hour)
	v.SetDefault("retention.record_grace", time.Hour)
	v.SetDefault("retention.sweep_every", time.Hour)
}

// FromViper unmarshals and validates a Config.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen is required")
	}
	if c.DownloadDir == "" {
		return errors.New("config: download_dir is required")
	}
	if c.Tool.Path == "" {
		return errors.New("config: tool.path is required")
	}
	if c.Limits.MaxActive <= 0 {
		return errors.New("config: limits.max_active must be positive")
	}
	if c.Limits.MaxPerOrigin <= 0 {
		return errors.New("config: limits.max_per_origin must be positive")
	}
	if c.Retention.MaxFileAge <= 0 {
		return errors.New("config: retention.max_file_age must be positive")
	}
	if c.Retention.RecordGrace <= 0 {
		return errors.New("config: retention.record_grace must be positive")
	}
	if c.Retention.SweepCron == "" && c.Retention.SweepEvery <= 0 {
		return errors.New("config: retention.sweep_every must be positive")
	}
	return nil
}
