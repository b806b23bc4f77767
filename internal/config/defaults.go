package config

import (
	"path/filepath"
	"time"
)

const defaultDataDir = "/usr/local/var/patmaster/data"

// Default returns a config built only from defaults and environment overrides, for
// commands run without a config file.
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Minute
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 100 << 20
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(cfg.Storage.DataDir, "db", "patmaster.db")
	}
	if cfg.Storage.FilesDir == "" {
		cfg.Storage.FilesDir = filepath.Join(cfg.Storage.DataDir, "files")
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = filepath.Join(cfg.Storage.DataDir, "indices", "bleve")
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 30 * time.Minute
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = 12
	}

	if cfg.LlamaParse.BaseURL == "" {
		cfg.LlamaParse.BaseURL = "https://api.cloud.llamaindex.ai"
	}
	if cfg.LlamaParse.ParseMode == "" {
		cfg.LlamaParse.ParseMode = "parse_page_with_agent"
	}
	if cfg.LlamaParse.PollInterval == 0 {
		cfg.LlamaParse.PollInterval = 2 * time.Second
	}
	if cfg.LlamaParse.Timeout == 0 {
		cfg.LlamaParse.Timeout = 5 * time.Minute
	}
	applyRetryDefaults(&cfg.LlamaParse.Retry, 3, time.Second, 20*time.Second)

	if cfg.Vision.BaseURL == "" {
		cfg.Vision.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Vision.Model == "" {
		cfg.Vision.Model = "gemini-2.5-flash"
	}
	if cfg.Vision.Temperature == 0 {
		cfg.Vision.Temperature = 0.1
	}
	if cfg.Vision.Timeout == 0 {
		cfg.Vision.Timeout = 60 * time.Second
	}
	if cfg.Vision.MaxConcurrent == 0 {
		cfg.Vision.MaxConcurrent = 5
	}
	if cfg.Vision.CacheSize == 0 {
		cfg.Vision.CacheSize = 512
	}
	if cfg.Vision.MinImagePixels == 0 {
		cfg.Vision.MinImagePixels = 2500
	}
	applyRetryDefaults(&cfg.Vision.Retry, 2, 500*time.Millisecond, 5*time.Second)

	if cfg.Pipeline.MaxConcurrentJobs == 0 {
		cfg.Pipeline.MaxConcurrentJobs = 50
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 200
	}
	if cfg.Pipeline.JobTimeout == 0 {
		cfg.Pipeline.JobTimeout = 10 * time.Minute
	}
	if cfg.Pipeline.StagePenalty == 0 {
		cfg.Pipeline.StagePenalty = 0.15
	}
	if cfg.Pipeline.TableOverlapThreshold == 0 {
		cfg.Pipeline.TableOverlapThreshold = 0.5
	}
}

func applyRetryDefaults(r *RetryConfig, attempts int, initial, maxBackoff time.Duration) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = attempts
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = initial
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = maxBackoff
	}
}
