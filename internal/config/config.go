package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML file loaded before environment overrides.
const FileEnv = "CHATSTREAM_CONFIG"

// Config contains all runtime settings for the chat stream relay.
type Config struct {
	BindAddr                 string        `yaml:"bind_addr"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
	MetricsNamespace         string        `yaml:"metrics_namespace"`
	AllowAnyOrigin           bool          `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Stream   StreamConfig   `yaml:"stream"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type UpstreamConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	// Dialect is "sse" or "lines".
	Dialect       string        `yaml:"dialect"`
	PlainText     bool          `yaml:"plain_text"`
	HeaderTimeout time.Duration `yaml:"header_timeout"`
}

type StreamConfig struct {
	RenderInterval      time.Duration `yaml:"render_interval"`
	InitialBufferChars  int           `yaml:"initial_buffer_chars"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	MaxDuration         time.Duration `yaml:"max_duration"`
	CloseDanglingMarkup bool          `yaml:"close_dangling_markup"`
}

type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		MetricsNamespace:         "chatstream",
		LogLevel:                 "info",
		LogFormat:                "json",
		Upstream: UpstreamConfig{
			Dialect:       "sse",
			HeaderTimeout: 60 * time.Second,
		},
		Stream: StreamConfig{
			RenderInterval: 50 * time.Millisecond,
			ConnectTimeout: 15 * time.Second,
			MaxDuration:    5 * time.Minute,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Tracing: TracingConfig{Exporter: "stdout"},
	}
}

// Load reads the file named by CHATSTREAM_CONFIG (if any), then environment
// variables, on top of the defaults.
func Load() (Config, error) {
	return LoadFile(stringsTrimSpace(FileEnv))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("APP_LOG_FORMAT", cfg.LogFormat)
	cfg.Upstream.URL = envOrDefault("UPSTREAM_URL", cfg.Upstream.URL)
	cfg.Upstream.APIKey = envOrDefault("UPSTREAM_API_KEY", cfg.Upstream.APIKey)
	cfg.Upstream.Model = envOrDefault("UPSTREAM_MODEL", cfg.Upstream.Model)
	cfg.Upstream.Dialect = envOrDefault("UPSTREAM_DIALECT", cfg.Upstream.Dialect)
	cfg.Tracing.Exporter = envOrDefault("TRACING_EXPORTER", cfg.Tracing.Exporter)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"UPSTREAM_HEADER_TIMEOUT", &cfg.Upstream.HeaderTimeout},
		{"STREAM_RENDER_INTERVAL", &cfg.Stream.RenderInterval},
		{"STREAM_CONNECT_TIMEOUT", &cfg.Stream.ConnectTimeout},
		{"STREAM_MAX_DURATION", &cfg.Stream.MaxDuration},
		{"BREAKER_TIMEOUT", &cfg.Breaker.Timeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"STREAM_INITIAL_BUFFER_CHARS", &cfg.Stream.InitialBufferChars},
		{"BREAKER_MAX_FAILURES", &cfg.Breaker.MaxFailures},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"UPSTREAM_PLAIN_TEXT", &cfg.Upstream.PlainText},
		{"STREAM_CLOSE_DANGLING_MARKUP", &cfg.Stream.CloseDanglingMarkup},
		{"TRACING_ENABLED", &cfg.Tracing.Enabled},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the relay cannot run with.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.Stream.RenderInterval <= 0 {
		return fmt.Errorf("STREAM_RENDER_INTERVAL must be positive")
	}
	if c.Stream.InitialBufferChars < 0 {
		return fmt.Errorf("STREAM_INITIAL_BUFFER_CHARS must be >= 0")
	}
	if c.Stream.ConnectTimeout < 0 || c.Stream.MaxDuration < 0 {
		return fmt.Errorf("stream timeouts must be >= 0")
	}
	if c.Breaker.MaxFailures < 0 {
		return fmt.Errorf("BREAKER_MAX_FAILURES must be >= 0")
	}
	switch strings.ToLower(c.Upstream.Dialect) {
	case "sse", "lines", "ndjson", "jsonl":
	default:
		return fmt.Errorf("UPSTREAM_DIALECT must be sse or lines, got %q", c.Upstream.Dialect)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
