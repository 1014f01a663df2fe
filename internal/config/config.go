package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the static server configuration. Runtime-mutable resource limits
// live in the resource package; everything here is fixed at startup.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// WorkDir is the parent of every scratch directory.
	WorkDir string `mapstructure:"work_dir"`

	// External tool binaries, resolved via $PATH unless absolute.
	FFmpegBin    string `mapstructure:"ffmpeg_bin"`
	FFprobeBin   string `mapstructure:"ffprobe_bin"`
	YtDlpBin     string `mapstructure:"ytdlp_bin"`
	WhisperBin   string `mapstructure:"whisper_bin"`
	WhisperModel string `mapstructure:"whisper_model"`

	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	SamplingInterval  time.Duration `mapstructure:"sampling_interval"`
	JanitorInterval   time.Duration `mapstructure:"janitor_interval"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`

	MaxVideoDurationSec float64 `mapstructure:"max_video_duration_sec"`
	MaxSubtitleBytes    int64   `mapstructure:"max_subtitle_bytes"`

	CacheMaxBytes int64         `mapstructure:"cache_max_bytes"`
	CacheMaxIdle  time.Duration `mapstructure:"cache_max_idle"`
}

// Scratch directory names are fixed; each task owns a subdirectory named by
// its task id inside the relevant directory.
const (
	DirOutput          = "output"
	DirDownloads       = "downloads"
	DirKeyframes       = "keyframes"
	DirCompositions    = "compositions"
	DirTempComposition = "temp_composition"
	DirCache           = "cache"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                "0.0.0.0",
		Port:                8000,
		WorkDir:             ".",
		FFmpegBin:           "ffmpeg",
		FFprobeBin:          "ffprobe",
		YtDlpBin:            "yt-dlp",
		WhisperBin:          "whisper",
		WhisperModel:        "models/ggml-base.bin",
		TaskTimeout:         time.Hour,
		SamplingInterval:    5 * time.Second,
		JanitorInterval:     5 * time.Minute,
		MaxConcurrentRuns:   2,
		MaxVideoDurationSec: 10800,
		MaxSubtitleBytes:    10 << 20,
		CacheMaxBytes:       5 << 30,
		CacheMaxIdle:        7 * 24 * time.Hour,
	}
}

// Load reads mediamill-config.(json|yaml) from $HOME or the working directory
// and applies MEDIAMILL_* environment overrides on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("mediamill-config")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")
	v.SetEnvPrefix("MEDIAMILL")
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if ok := asConfigFileNotFound(err, &notFound); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func asConfigFileNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if nf, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = nf
		return true
	}
	return false
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("work_dir", cfg.WorkDir)
	v.SetDefault("ffmpeg_bin", cfg.FFmpegBin)
	v.SetDefault("ffprobe_bin", cfg.FFprobeBin)
	v.SetDefault("ytdlp_bin", cfg.YtDlpBin)
	v.SetDefault("whisper_bin", cfg.WhisperBin)
	v.SetDefault("whisper_model", cfg.WhisperModel)
	v.SetDefault("task_timeout", cfg.TaskTimeout)
	v.SetDefault("sampling_interval", cfg.SamplingInterval)
	v.SetDefault("janitor_interval", cfg.JanitorInterval)
	v.SetDefault("max_concurrent_runs", cfg.MaxConcurrentRuns)
	v.SetDefault("max_video_duration_sec", cfg.MaxVideoDurationSec)
	v.SetDefault("max_subtitle_bytes", cfg.MaxSubtitleBytes)
	v.SetDefault("cache_max_bytes", cfg.CacheMaxBytes)
	v.SetDefault("cache_max_idle", cfg.CacheMaxIdle)
}

// Dir returns the absolute path of a named scratch directory.
func (c *Config) Dir(name string) string {
	return filepath.Join(c.WorkDir, name)
}

// TaskDir returns the per-task subdirectory inside a scratch directory.
func (c *Config) TaskDir(name, taskID string) string {
	return filepath.Join(c.WorkDir, name, taskID)
}

// EnsureDirs creates every scratch directory plus the cache partitions.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.Dir(DirOutput),
		c.Dir(DirDownloads),
		c.Dir(DirKeyframes),
		c.Dir(DirCompositions),
		c.Dir(DirTempComposition),
		filepath.Join(c.Dir(DirCache), "metadata"),
		filepath.Join(c.Dir(DirCache), "videos"),
		filepath.Join(c.Dir(DirCache), "thumbnails"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ScratchPolicies maps each scratch directory to the janitor's max file age.
func (c *Config) ScratchPolicies() map[string]time.Duration {
	return map[string]time.Duration{
		c.Dir(DirTempComposition): time.Hour,
		c.Dir(DirCompositions):    7 * 24 * time.Hour,
		c.Dir(DirOutput):          3 * 24 * time.Hour,
		c.Dir(DirDownloads):       7 * 24 * time.Hour,
		c.Dir(DirKeyframes):       3 * 24 * time.Hour,
	}
}
