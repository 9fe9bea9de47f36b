// Package config handles loading and validating Hesabu configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Hesabu.
type Config struct {
	DataDir     string             `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.hesabu. Override: HESABU_DATA_DIR.
	Server      ServerConfig       `json:"server" yaml:"server"`
	Generator   GeneratorConfig    `json:"generator" yaml:"generator"`
	Executor    ExecutorConfig     `json:"executor" yaml:"executor"`
	Retention   RetentionConfig    `json:"retention" yaml:"retention"`
	Storage     *StorageConfig     `json:"storage,omitempty" yaml:"storage,omitempty"`         // nil = operation log disabled (in-memory only).
	Metrics     *MetricsConfig     `json:"metrics,omitempty" yaml:"metrics,omitempty"`         // nil = metrics disabled.
	DenyTokens  []string           `json:"deny_tokens,omitempty" yaml:"deny_tokens,omitempty"` // Extra safety denylist entries.
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr              string `json:"addr" yaml:"addr"`                                             // Default: ":8080".
	MaxUploadBytes    int64  `json:"max_upload_bytes" yaml:"max_upload_bytes"`                     // Default: 50 MiB.
	RequestsPerMinute int    `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"` // Per-session cap on analyze/execute. 0 = unlimited.
	EnableDocs        bool   `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"`           // Serve OpenAPI docs.
}

// ListenAddr returns the bind address, defaulting to ":8080".
func (s *ServerConfig) ListenAddr() string {
	if s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

// UploadCap returns the multipart upload cap, defaulting to 50 MiB.
func (s *ServerConfig) UploadCap() int64 {
	if s.MaxUploadBytes > 0 {
		return s.MaxUploadBytes
	}
	return 50 << 20
}

// GeneratorConfig configures the script generation backend. The endpoint is
// OpenAI-compatible, so a local Ollama works via BaseURL.
type GeneratorConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: OPENAI_API_KEY.
	Model   string `json:"model" yaml:"model"`                         // Default: "gpt-4o-mini".
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// ModelName returns the configured model, defaulting to "gpt-4o-mini".
func (g *GeneratorConfig) ModelName() string {
	if g.Model != "" {
		return g.Model
	}
	return "gpt-4o-mini"
}

// ExecutorConfig bounds script execution.
type ExecutorConfig struct {
	TimeoutS int `json:"timeout_s" yaml:"timeout_s"` // Default: 30.
}

// Timeout returns the execution budget, defaulting to 30s.
func (e *ExecutorConfig) Timeout() time.Duration {
	if e.TimeoutS > 0 {
		return time.Duration(e.TimeoutS) * time.Second
	}
	return 30 * time.Second
}

// RetentionConfig bounds session and artifact lifetime.
type RetentionConfig struct {
	MaxAgeHours   int    `json:"max_age_hours" yaml:"max_age_hours"`     // Default: 24.
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"`   // Five-field cron line. Default: "0 * * * *".
}

// MaxAge returns the retention window, defaulting to 24h.
func (r *RetentionConfig) MaxAge() time.Duration {
	if r.MaxAgeHours > 0 {
		return time.Duration(r.MaxAgeHours) * time.Hour
	}
	return 24 * time.Hour
}

// Schedule returns the sweep cron line, defaulting to hourly.
func (r *RetentionConfig) Schedule() string {
	if r.SweepSchedule != "" {
		return r.SweepSchedule
	}
	return "0 * * * *"
}

// StorageConfig configures the persistent operation log.
// When nil, audit history lives only in memory.
type StorageConfig struct {
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"` // Default: <data_dir>/hesabu.db.
	JournalMode string `json:"journal_mode,omitempty" yaml:"journal_mode,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: "/metrics".
}

// MetricsPath returns the exposition path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path when non-empty, otherwise returns defaults with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("HESABU_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("HESABU_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("HESABU_MODEL"); v != "" {
		c.Generator.Model = v
	}
	if v := os.Getenv("HESABU_GENERATOR_BASE_URL"); v != "" {
		c.Generator.BaseURL = v
	}
}

// finalize resolves paths and fills derived defaults.
func (c *Config) finalize() error {
	if c.DataDir == "" {
		c.DataDir = "~/.hesabu"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolving data dir %s: %w", c.DataDir, err)
	}
	c.DataDir = resolved

	if c.Storage != nil && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.DataDir, "hesabu.db")
	}
	return nil
}

// UploadDir returns the artifact store root.
func (c *Config) UploadDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("finding home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/")), nil
	}
	return path, nil
}
