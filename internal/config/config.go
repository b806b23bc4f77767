// Package config provides configuration loading and structs for the patmaster server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/patmaster/pkg/utils"
)

// Environment variables that override secrets and the data directory.
const (
	EnvLlamaParseKey = "LLAMA_CLOUD_API_KEY"
	EnvGeminiKey     = "GEMINI_API_KEY"
	EnvJWTSecret     = "JWT_SECRET_KEY"
	EnvDataDir       = "PATMASTER_DATA_DIR"
)

// Config holds all configuration for the application. It is built once by Load and
// never mutated afterwards; components receive copies of their section.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	LlamaParse LlamaParseConfig `yaml:"llamaparse"`
	Vision     VisionConfig     `yaml:"vision"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// StorageConfig holds paths for the database, uploaded files and the search index.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	FilesDir     string `yaml:"files_dir"`
	IndexPath    string `yaml:"index_path"`
}

// AuthConfig holds token and password hashing settings.
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	BcryptCost int           `yaml:"bcrypt_cost"`
}

// RetryConfig bounds retries of an upstream call.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Policy converts the section into a retry policy.
func (r RetryConfig) Policy() utils.RetryPolicy {
	return utils.RetryPolicy{MaxAttempts: r.MaxAttempts, InitialBackoff: r.InitialBackoff, MaxBackoff: r.MaxBackoff}
}

// LlamaParseConfig configures the agentic parse adapter.
type LlamaParseConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	ParseMode    string        `yaml:"parse_mode"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Retry        RetryConfig   `yaml:"retry"`
}

// Active reports whether agentic parsing should be attempted.
func (c LlamaParseConfig) Active() bool {
	if c.Enabled != nil && !*c.Enabled {
		return false
	}
	return c.APIKey != ""
}

// VisionConfig configures the diagram describer adapter.
type VisionConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	Temperature    float64       `yaml:"temperature"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	CacheSize      int           `yaml:"cache_size"`
	MinImagePixels int           `yaml:"min_image_pixels"`
	Retry          RetryConfig   `yaml:"retry"`
}

// Active reports whether diagram description should be attempted.
func (c VisionConfig) Active() bool {
	return c.APIKey != ""
}

// PipelineConfig holds extraction scheduling and merge settings.
type PipelineConfig struct {
	MaxConcurrentJobs     int           `yaml:"max_concurrent_jobs"`
	QueueSize             int           `yaml:"queue_size"`
	JobTimeout            time.Duration `yaml:"job_timeout"`
	StagePenalty          float64       `yaml:"stage_penalty"`
	TableOverlapThreshold float64       `yaml:"table_overlap_threshold"`
	RequireAgentic        bool          `yaml:"require_agentic"`
}

// Load reads and parses the config file at path, applies defaults, expands paths and
// applies environment overrides. Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg)
	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.FilesDir = expandPath(cfg.Storage.FilesDir, configDir)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)

	return &cfg, nil
}

// Save writes the config to path. Used by "patmaster init".
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("auth.jwt_secret is required (or set %s)", EnvJWTSecret))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if c.Pipeline.MaxConcurrentJobs <= 0 || c.Pipeline.QueueSize <= 0 {
		errs = append(errs, errors.New("pipeline.max_concurrent_jobs and pipeline.queue_size must be positive"))
	}
	if c.Pipeline.StagePenalty < 0 || c.Pipeline.StagePenalty > 1 {
		errs = append(errs, errors.New("pipeline.stage_penalty must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// applyEnv lets the environment supply secrets so they stay out of config files.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvLlamaParseKey); v != "" {
		cfg.LlamaParse.APIKey = v
	}
	if v := os.Getenv(EnvGeminiKey); v != "" {
		cfg.Vision.APIKey = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Storage.DataDir = v
	}
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
