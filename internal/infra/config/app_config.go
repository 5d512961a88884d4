// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/convolog/convolog/internal/domain/logstore"
)

// StoreConfig selects and configures the primary log store backend.
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	DSN           string `yaml:"dsn"`
	Collection    string `yaml:"collection"`
	Path          string `yaml:"path"`
	Table         string `yaml:"table"`
	RunMigrations bool   `yaml:"runMigrations"`
	MigrationsDir string `yaml:"migrationsDir"`
}

func (c *StoreConfig) applyDefaults() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = string(logstore.BackendPostgres)
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" && c.Backend == string(logstore.BackendPostgres) {
		c.DSN = "postgresql://localhost:5432/convolog"
	}
	if strings.TrimSpace(c.Collection) == "" {
		c.Collection = "session_logs"
	}
	if strings.TrimSpace(c.Path) == "" && c.Backend == string(logstore.BackendSQLite) {
		c.Path = "convolog.db"
	}
	if strings.TrimSpace(c.Table) == "" {
		c.Table = "logs"
	}
	if strings.TrimSpace(c.MigrationsDir) == "" {
		c.MigrationsDir = filepath.Join("db", "migrations")
	}
}

func (c StoreConfig) validate() error {
	switch logstore.Backend(c.Backend) {
	case logstore.BackendPostgres:
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("dsn required for postgres backend")
		}
	case logstore.BackendSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("path required for sqlite backend")
		}
	default:
		return fmt.Errorf("backend must be one of postgres, sqlite")
	}
	return nil
}

// LoggerConfig tunes the batching pipeline.
type LoggerConfig struct {
	MinLevel      string        `yaml:"minLevel"`
	BatchSize     int           `yaml:"batchSize"`
	QueueCapacity int           `yaml:"queueCapacity"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	StoreTimeout  time.Duration `yaml:"storeTimeout"`
}

func (c *LoggerConfig) applyDefaults() {
	if strings.TrimSpace(c.MinLevel) == "" {
		c.MinLevel = "INFO"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
}

func (c LoggerConfig) validate() error {
	if _, err := logstore.ParseLevel(c.MinLevel); err != nil {
		return fmt.Errorf("minLevel: %w", err)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be >0")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queueCapacity must be >0")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flushInterval must be >0")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("storeTimeout must be >0")
	}
	return nil
}

// MinLevelValue returns the parsed minimum level. Call Validate first.
func (c LoggerConfig) MinLevelValue() logstore.Level {
	level, err := logstore.ParseLevel(c.MinLevel)
	if err != nil {
		return logstore.LevelInfo
	}
	return level
}

// FallbackConfig controls the rotating disk sink used when the store is down.
type FallbackConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

func (c *FallbackConfig) applyDefaults() {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = filepath.Join("logs", "fallback.log")
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 5
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 3
	}
}

func (c FallbackConfig) validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("path required")
	}
	if c.MaxSizeMB <= 0 {
		return fmt.Errorf("maxSizeMB must be >0")
	}
	if c.MaxBackups < 0 {
		return fmt.Errorf("maxBackups must be >=0")
	}
	return nil
}

// APIServerConfig configures the admin HTTP surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Store       StoreConfig     `yaml:"store"`
	Logger      LoggerConfig    `yaml:"logger"`
	Fallback    FallbackConfig  `yaml:"fallback"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no YAML file is present.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		APIServer:   APIServerConfig{Addr: ":8095"},
		Telemetry:   TelemetryConfig{ServiceName: "convolog"},
	}
	cfg.Store.applyDefaults()
	cfg.Logger.applyDefaults()
	cfg.Fallback.applyDefaults()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads the file at configPath, falling back to Default when
// the file does not exist. Environment overrides apply in both cases. The
// second return reports whether the configuration came from the file.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if _, statErr := os.Stat(strings.TrimSpace(configPath)); os.IsNotExist(statErr) {
		cfg := Default()
		cfg.applyEnvOverrides()
		if err := cfg.normalise(); err != nil {
			return AppConfig{}, false, err
		}
		if err := cfg.Validate(); err != nil {
			return AppConfig{}, false, err
		}
		return cfg, false, nil
	}
	cfg, err := Load(ctx, configPath)
	if err != nil {
		return AppConfig{}, true, err
	}
	cfg.applyEnvOverrides()
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, true, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, true, err
	}
	return cfg, true, nil
}

func (c *AppConfig) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("CONVOLOG_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("CONVOLOG_STORE_BACKEND")); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("CONVOLOG_STORE_DSN")); v != "" {
		c.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CONVOLOG_STORE_PATH")); v != "" {
		c.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("CONVOLOG_MIN_LEVEL")); v != "" {
		c.Logger.MinLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("CONVOLOG_FALLBACK_PATH")); v != "" {
		c.Fallback.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("CONVOLOG_API_ADDR")); v != "" {
		c.APIServer.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("CONVOLOG_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8095"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "convolog"
	}

	c.Store.applyDefaults()
	c.Logger.applyDefaults()
	c.Fallback.applyDefaults()

	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := c.Store.validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Logger.validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Fallback.validate(); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
