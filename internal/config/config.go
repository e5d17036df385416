package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "SCHOOLSYNC_"

// Config is the process configuration. Values are layered: defaults, then an
// optional YAML file, then SCHOOLSYNC_* environment variables, then command
// line flags applied by the caller.
type Config struct {
	// Profile picks a default store when DSN is empty: memory, durable-local,
	// sqlite-local or production.
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"data_dir"`
	DSN           string `yaml:"dsn"`
	ProductionDSN string `yaml:"production_dsn"`
	Table         string `yaml:"table"`
	Schema        string `yaml:"schema"`
	APIKey        string `yaml:"api_key"`
	Addr          string `yaml:"addr"`

	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Refresh RefreshConfig `yaml:"refresh"`
	HTTP    HTTPConfig    `yaml:"http"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	OperationTimeout  time.Duration `yaml:"operation_timeout"`
	FeedBuffer        int           `yaml:"feed_buffer"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	EventsPerSecond   float64       `yaml:"events_per_second"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
}

// RefreshConfig drives the optional periodic full refresh in serve mode. A
// zero Interval disables it. FeedCheck is how often serve checks that the
// change feed is still open; zero disables the check.
type RefreshConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Jitter    float64       `yaml:"jitter"`
	Timeout   time.Duration `yaml:"timeout"`
	FeedCheck time.Duration `yaml:"feed_check"`
}

type HTTPConfig struct {
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

func Default() Config {
	return Config{
		DataDir: ".schoolsync",
		Table:   "escuela",
		Schema:  "public",
		Addr:    ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			OperationTimeout: 5 * time.Second,
			FeedBuffer:       256,
			EventsPerSecond:  2,
			Heartbeat:        25 * time.Second,
		},
		Refresh: RefreshConfig{
			Jitter:    0.2,
			Timeout:   15 * time.Second,
			FeedCheck: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    1 << 20,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when path
// is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Profile = stringEnv("PROFILE", c.Profile)
	c.DataDir = stringEnv("DATA_DIR", c.DataDir)
	c.DSN = stringEnv("DSN", c.DSN)
	c.ProductionDSN = stringEnv("PRODUCTION_DSN", c.ProductionDSN)
	if c.ProductionDSN == "" {
		c.ProductionDSN = stringEnv("POSTGRES_DSN", "")
	}
	c.Table = stringEnv("TABLE", c.Table)
	c.Schema = stringEnv("SCHEMA", c.Schema)
	c.APIKey = stringEnv("API_KEY", c.APIKey)
	c.Addr = stringEnv("ADDR", c.Addr)

	c.Log.Level = stringEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = stringEnv("LOG_FORMAT", c.Log.Format)

	c.Store.OperationTimeout = durationEnv("OPERATION_TIMEOUT", c.Store.OperationTimeout)
	c.Store.FeedBuffer = intEnv("FEED_BUFFER", c.Store.FeedBuffer)
	c.Store.RequestsPerSecond = floatEnv("REQUESTS_PER_SECOND", c.Store.RequestsPerSecond)
	c.Store.EventsPerSecond = floatEnv("EVENTS_PER_SECOND", c.Store.EventsPerSecond)
	c.Store.Heartbeat = durationEnv("HEARTBEAT", c.Store.Heartbeat)

	c.Refresh.Interval = durationEnv("REFRESH_INTERVAL", c.Refresh.Interval)
	c.Refresh.Jitter = floatEnv("REFRESH_JITTER", c.Refresh.Jitter)
	c.Refresh.Timeout = durationEnv("REFRESH_TIMEOUT", c.Refresh.Timeout)
	c.Refresh.FeedCheck = durationEnv("FEED_CHECK", c.Refresh.FeedCheck)

	c.HTTP.RateLimitMax = intEnv("RATE_LIMIT_MAX", c.HTTP.RateLimitMax)
	c.HTTP.RateLimitWindow = durationEnv("RATE_LIMIT_WINDOW", c.HTTP.RateLimitWindow)
	c.HTTP.MaxBodyBytes = int64Env("MAX_BODY_BYTES", c.HTTP.MaxBodyBytes)
}

// Validate normalizes fields in place and rejects unusable combinations.
func (c *Config) Validate() error {
	c.Profile = strings.ToLower(strings.TrimSpace(c.Profile))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Refresh.Jitter = ClampJitterRatio(c.Refresh.Jitter)
	if c.Refresh.Interval < 0 {
		c.Refresh.Interval = 0
	}
	if c.Refresh.FeedCheck < 0 {
		c.Refresh.FeedCheck = 0
	}
	if strings.TrimSpace(c.Table) == "" {
		return errors.New("table must not be empty")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q: must be text or json", c.Log.Format)
	}
	_, err := c.StoreDSN()
	return err
}

// StoreDSN resolves the record store DSN. An explicit DSN wins; otherwise the
// profile supplies one.
func (c Config) StoreDSN() (string, error) {
	if dsn := strings.TrimSpace(c.DSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".schoolsync"
	}
	profile := strings.ToLower(strings.TrimSpace(c.Profile))
	switch profile {
	case "", "custom", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "schools.json"), nil
	case "sqlite-local":
		return "sqlite://" + filepath.Join(dataDir, "schools.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.ProductionDSN)
		if dsn == "" {
			return "", fmt.Errorf("%sPRODUCTION_DSN or %sPOSTGRES_DSN is required when profile=%s", envPrefix, envPrefix, profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported profile: %s", profile)
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", level)
	}
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(envPrefix + name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
