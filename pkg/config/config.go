// Package config loads threadline settings from YAML files and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/logging"
	"github.com/odvcencio/threadline/pkg/model"
	"github.com/odvcencio/threadline/pkg/paths"
	"github.com/odvcencio/threadline/pkg/tool"
)

// Config is the full threadline configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Chat      ChatConfig      `yaml:"chat"`
	Storage   StorageConfig   `yaml:"storage"`
	Bus       BusConfig       `yaml:"bus"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BackendConfig describes the chat service.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// RequestsPerSecond and Burst feed the client rate limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxRetries        int     `yaml:"max_retries"`
	NetworkLogs       bool    `yaml:"network_logs"`
}

// ChatConfig holds the settings that can change while running.
type ChatConfig struct {
	Model           string `yaml:"model"`
	ToolUse         string `yaml:"tool_use"`
	SystemPrompt    string `yaml:"system_prompt"`
	SendImmediately bool   `yaml:"send_immediately"`
	MaxTokens       int    `yaml:"max_tokens"`
	// MaxToolIterations caps automatic resubmissions; 0 is unlimited.
	MaxToolIterations int           `yaml:"max_tool_iterations"`
	AllowedTools      []string      `yaml:"allowed_tools"`
	TitleTimeout      time.Duration `yaml:"title_timeout"`
}

// StorageConfig locates the history database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// BusConfig selects the event bus.
type BusConfig struct {
	// Driver is "memory" or "nats".
	Driver     string        `yaml:"driver"`
	URL        string        `yaml:"url"`
	Name       string        `yaml:"name"`
	Timeout    time.Duration `yaml:"timeout"`
	BufferSize int           `yaml:"buffer_size"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins lists WebSocket origins besides the server's own host.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig configures the JSONL event log.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	Tracing     bool    `yaml:"tracing"`
	TraceFile   string  `yaml:"trace_file"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Metrics     bool    `yaml:"metrics"`
}

const (
	BusDriverMemory = "memory"
	BusDriverNATS   = "nats"
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:           model.DefaultBaseURL,
			Timeout:           2 * time.Minute,
			RequestsPerSecond: 10,
			Burst:             20,
			MaxRetries:        3,
		},
		Chat: ChatConfig{
			Model:        "gpt-4o-mini",
			ToolUse:      string(tool.ModeAgent),
			TitleTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Path: paths.DatabasePath(),
		},
		Bus: BusConfig{
			Driver:     BusDriverMemory,
			URL:        "nats://127.0.0.1:4222",
			Name:       "threadline",
			Timeout:    10 * time.Second,
			BufferSize: 1024,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8787",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   paths.LogsDir(),
		},
		Telemetry: TelemetryConfig{
			SampleRatio: 1,
			Metrics:     true,
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, user file, project file, environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, paths.UserConfigPath()); err != nil && !os.IsNotExist(err) {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "loading user config")
	}

	if err := loadAndMerge(cfg, paths.ProjectConfigPath(".")); err != nil && !os.IsNotExist(err) {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "loading project config")
	}

	if err := applyEnvOverrides(cfg, loadConfigEnvVars()); err != nil {
		return nil, err
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads defaults, then path, then the environment.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "loading config").
			WithContext("path", path)
	}

	if err := applyEnvOverrides(cfg, loadConfigEnvVars()); err != nil {
		return nil, err
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies THREADLINE_* variables. Values from
// ~/.threadline/config.env fill in for variables the process does not set.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) error {
	getenv := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return configEnv[key]
	}

	if v := getenv("THREADLINE_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := getenv("THREADLINE_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := getenv("THREADLINE_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := getenv("THREADLINE_TOOL_USE"); v != "" {
		cfg.Chat.ToolUse = v
	}
	if v := getenv("THREADLINE_MAX_TOOL_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeConfigParse, "THREADLINE_MAX_TOOL_ITERATIONS must be an integer")
		}
		cfg.Chat.MaxToolIterations = n
	}
	if v := getenv("THREADLINE_ALLOWED_TOOLS"); v != "" {
		cfg.Chat.AllowedTools = splitCommaList(v)
	}
	if v := getenv("THREADLINE_BUS_URL"); v != "" {
		cfg.Bus.URL = v
		cfg.Bus.Driver = BusDriverNATS
	}
	if v := getenv("THREADLINE_DB"); v != "" {
		cfg.Storage.Path = v
	}
	if v := getenv("THREADLINE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := getenv("THREADLINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if val, ok := envBool(getenv("THREADLINE_TRACING")); ok {
		cfg.Telemetry.Tracing = val
	}
	if val, ok := envBool(getenv("THREADLINE_NETWORK_LOGS")); ok {
		cfg.Backend.NetworkLogs = val
	}
	return nil
}

func (c *Config) expandPaths() {
	c.Storage.Path = paths.ExpandHome(c.Storage.Path)
	c.Logging.Dir = paths.ExpandHome(c.Logging.Dir)
	c.Telemetry.TraceFile = paths.ExpandHome(c.Telemetry.TraceFile)
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(val string) (bool, bool) {
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Validate checks the configuration for values threadline cannot run with.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return invalid("backend.base_url is required")
	}
	if c.Backend.Timeout < 0 {
		return invalid("backend.timeout must not be negative")
	}
	if c.Backend.RequestsPerSecond < 0 || c.Backend.Burst < 0 || c.Backend.MaxRetries < 0 {
		return invalid("backend rate and retry settings must not be negative")
	}

	if !tool.Mode(c.Chat.ToolUse).Valid() {
		return invalid("invalid chat.tool_use: %s (valid: quick, explore, agent)", c.Chat.ToolUse)
	}
	if c.Chat.MaxToolIterations < 0 {
		return invalid("chat.max_tool_iterations must not be negative")
	}
	if c.Chat.MaxTokens < 0 {
		return invalid("chat.max_tokens must not be negative")
	}

	switch c.Bus.Driver {
	case BusDriverMemory:
	case BusDriverNATS:
		if strings.TrimSpace(c.Bus.URL) == "" {
			return invalid("bus.url is required for the nats driver")
		}
	default:
		return invalid("invalid bus.driver: %s (valid: memory, nats)", c.Bus.Driver)
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return invalid("storage.path is required")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return invalid("server.addr is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return invalid("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// LogLevel returns the parsed logging level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(strings.ToLower(c.Logging.Level))
}

// NetworkLogDir returns the directory for the backend network log, or ""
// when network logging is off.
func (c *Config) NetworkLogDir() string {
	if !c.Backend.NetworkLogs {
		return ""
	}
	return filepath.Join(c.Logging.Dir, "network")
}
