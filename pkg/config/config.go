// Package config holds client settings. Values come from defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	EnvTokenV2  = "NOTION_TOKEN_V2"
	EnvDataDir  = "NOTION_DATA_DIR"
	EnvLogLevel = "NOTIONPY_LOG_LEVEL"
	EnvBaseURL  = "NOTION_BASE_URL"

	DefaultBaseURL    = "https://www.notion.so"
	DefaultMonitorURL = "https://msgstore.www.notion.so/primus/"

	// StdoutLogPath sends log output to standard output.
	StdoutLogPath = "-"
)

type Config struct {
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	MonitorURL     string        `yaml:"monitor_url" validate:"omitempty,url"`
	TokenV2        string        `yaml:"token_v2"`
	ActiveUser     string        `yaml:"active_user" validate:"omitempty,uuid"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0"`
	CommitTimeout  time.Duration `yaml:"commit_timeout" validate:"gte=0"`
	PageChunkLimit int           `yaml:"page_chunk_limit" validate:"gte=1,lte=1000"`
	VolatileFields []string      `yaml:"volatile_fields" validate:"dive,required"`
	DataDir        string        `yaml:"data_dir"`

	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Cache   CacheConfig   `yaml:"cache"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gte=0"`
	Multiplier   float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter       bool          `yaml:"jitter"`
}

type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout          time.Duration `yaml:"timeout" validate:"gte=0"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	Dir     string `yaml:"dir"`
	Backend string `yaml:"backend" validate:"oneof=file sqlite"`
	Codec   string `yaml:"codec" validate:"oneof=json cbor"`
}

type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
	// Start connects the listener while the client is built.
	Start          bool          `yaml:"start"`
	Transport      string        `yaml:"transport" validate:"oneof=polling websocket"`
	ReceiveRetries int           `yaml:"receive_retries" validate:"gte=0"`
	ReconnectAfter int           `yaml:"reconnect_after" validate:"gte=0,ltefield=ReceiveRetries"`
	RetryDelay     time.Duration `yaml:"retry_delay" validate:"gte=0"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warning warn error critical disabled"`
	Path   string `yaml:"path"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		BaseURL:        DefaultBaseURL,
		MonitorURL:     DefaultMonitorURL,
		Timeout:        30 * time.Second,
		PageChunkLimit: 100,
		VolatileFields: []string{"version", "last_edited_time", "last_edited_by"},
		DataDir:        defaultDataDir(),
		Retry: RetryConfig{
			MaxRetries:   5,
			InitialDelay: 300 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
		Breaker: BreakerConfig{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 0.6,
			MinRequests:      5,
		},
		Cache: CacheConfig{
			Backend: "file",
			Codec:   "json",
		},
		Monitor: MonitorConfig{
			Transport:      "polling",
			ReceiveRetries: 10,
			ReconnectAfter: 5,
			RetryDelay:     100 * time.Millisecond,
			ReceiveTimeout: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "warning",
			Format: "json",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".notion-py"
	}
	return filepath.Join(home, ".notion-py")
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Parse(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse overlays YAML onto cfg. Keys the document leaves out keep their
// current value.
func (c *Config) Parse(data []byte) error {
	return yaml.Unmarshal(data, c)
}

// ApplyEnv overlays the supported environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvTokenV2); ok && v != "" {
		c.TokenV2 = v
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvBaseURL); ok && v != "" {
		c.BaseURL = v
	}
}

var validate = validator.New()

// Validate checks field constraints and reports every violation.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", field)
	case "uuid":
		return fmt.Sprintf("%s must be a UUID", field)
	case "gte", "lte", "ltefield":
		return fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param())
	}
	return fmt.Sprintf("%s is invalid", field)
}

// CacheKey is the configured key, or the hex SHA-256 of the token.
func (c *Config) CacheKey() string {
	if c.Cache.Key != "" {
		return c.Cache.Key
	}
	sum := sha256.Sum256([]byte(c.TokenV2))
	return hex.EncodeToString(sum[:])
}

// CacheDir is where snapshot files live.
func (c *Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(c.DataDir, "cache")
}

// LogPath is the log file, StdoutLogPath, or "" when logging is disabled.
func (c *Config) LogPath() string {
	if strings.EqualFold(c.Log.Level, "disabled") {
		return ""
	}
	if c.Log.Path != "" {
		return c.Log.Path
	}
	return filepath.Join(c.DataDir, "notion.log")
}
