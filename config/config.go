// Package config loads and validates the application configuration from a
// JSON or YAML file, with environment variable overrides for the settings
// that differ per deployment.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/devicehub/bulk"
	"github.com/c360/devicehub/engine"
	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/ingest"
)

// Duration wraps time.Duration so config files can use "50ms" style values
// in both YAML and JSON.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete application configuration.
type Config struct {
	Log      LogConfig      `json:"log" yaml:"log"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Bulk     BulkConfig     `json:"bulk" yaml:"bulk"`
	Ingest   IngestConfig   `json:"ingest" yaml:"ingest"`
	Pruner   PrunerConfig   `json:"pruner" yaml:"pruner"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Health   HealthConfig   `json:"health" yaml:"health"`
	// Engines declares tenant engines provisioned at startup when missing.
	Engines []EngineSpec `json:"engines" yaml:"engines"`
}

// EngineSpec declares one tenant engine.
type EngineSpec struct {
	ID    string `json:"id" yaml:"id"`
	Group string `json:"group,omitempty" yaml:"group,omitempty"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
}

// Logger builds a slog logger from the configuration.
func (c LogConfig) Logger() (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("log level '%s': %w", c.Level, errors.ErrInvalidConfig),
			"LogConfig", "Logger", "level parsing")
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("log format '%s': %w", c.Format, errors.ErrInvalidConfig),
			"LogConfig", "Logger", "format parsing")
	}
}

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	// DSN is the PostgreSQL connection string; required for the postgres
	// backend, ignored otherwise.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case "":
		c.Backend = StoreMemory
	case StoreMemory:
	case StorePostgres:
		if c.DSN == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "StoreConfig", "Validate", "postgres dsn validation")
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("store backend '%s': %w", c.Backend, errors.ErrInvalidConfig),
			"StoreConfig", "Validate", "backend validation")
	}
	return nil
}

// BulkConfig configures the batched persistence engine.
type BulkConfig struct {
	FlushInterval Duration `json:"flushInterval" yaml:"flushInterval"`
	MaxBatch      int      `json:"maxBatch" yaml:"maxBatch"`
	MaxInFlight   int      `json:"maxInFlight" yaml:"maxInFlight"`
	Mode          string   `json:"mode" yaml:"mode"`
}

// Writer converts to the bulk writer's own config.
func (c BulkConfig) Writer() bulk.Config {
	return bulk.Config{
		FlushInterval: c.FlushInterval.Std(),
		MaxBatch:      c.MaxBatch,
		MaxInFlight:   c.MaxInFlight,
		Mode:          bulk.BackpressureMode(c.Mode),
	}
}

// IngestConfig configures the NATS ingest consumer.
type IngestConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	URL           string   `json:"url" yaml:"url"`
	Stream        string   `json:"stream" yaml:"stream"`
	SubjectPrefix string   `json:"subjectPrefix" yaml:"subjectPrefix"`
	AckWait       Duration `json:"ackWait" yaml:"ackWait"`
	MaxDeliver    int      `json:"maxDeliver" yaml:"maxDeliver"`
}

// Consumer converts to the ingest consumer's own config.
func (c IngestConfig) Consumer() ingest.Config {
	return ingest.Config{
		URL:           c.URL,
		Stream:        c.Stream,
		SubjectPrefix: c.SubjectPrefix,
		AckWait:       c.AckWait.Std(),
		MaxDeliver:    c.MaxDeliver,
	}
}

// PrunerConfig configures the payload log pruner.
type PrunerConfig struct {
	Enabled          bool                `json:"enabled" yaml:"enabled"`
	Interval         Duration            `json:"interval" yaml:"interval"`
	DefaultRetention Duration            `json:"defaultRetention" yaml:"defaultRetention"`
	Retentions       map[string]Duration `json:"retentions" yaml:"retentions"`
	BatchSize        int                 `json:"batchSize" yaml:"batchSize"`
	DeletesPerSecond float64             `json:"deletesPerSecond" yaml:"deletesPerSecond"`
}

// Pruner converts to the pruner's own config.
func (c PrunerConfig) Pruner() engine.PrunerConfig {
	retentions := make(map[string]time.Duration, len(c.Retentions))
	for model, d := range c.Retentions {
		retentions[model] = d.Std()
	}
	return engine.PrunerConfig{
		Interval:         c.Interval.Std(),
		DefaultRetention: c.DefaultRetention.Std(),
		Retentions:       retentions,
		BatchSize:        c.BatchSize,
		DeletesPerSecond: c.DeletesPerSecond,
	}
}

// PipelineConfig configures pipeline behavior.
type PipelineConfig struct {
	AutoProvision bool `json:"autoProvision" yaml:"autoProvision"`
}

// HealthConfig configures the operational HTTP server.
type HealthConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// Validate checks the health configuration and applies defaults.
func (c *HealthConfig) Validate() error {
	if c.Enabled && c.Addr == "" {
		c.Addr = ":8080"
	}
	return nil
}

// Load reads, overrides and validates the configuration. The format follows
// the file extension: .yaml/.yml or .json. An empty path yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "config file read")
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		case ".json":
			err = json.Unmarshal(data, cfg)
		default:
			return nil, errors.WrapInvalid(
				fmt.Errorf("unsupported config extension '%s': %w", filepath.Ext(path), errors.ErrInvalidConfig),
				"Config", "Load", "format detection")
		}
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "config parsing")
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the per-deployment settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("DEVICEHUB_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DEVICEHUB_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("DEVICEHUB_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("DEVICEHUB_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("DEVICEHUB_NATS_URL"); v != "" {
		c.Ingest.URL = v
	}
}

// Validate checks the whole configuration. Component-level defaults are
// applied by the components themselves; only cross-cutting constraints and
// enumerations are checked here.
func (c *Config) Validate() error {
	if _, err := c.Log.Logger(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	writerConfig := c.Bulk.Writer()
	if err := writerConfig.Validate(); err != nil {
		return err
	}
	if c.Ingest.Enabled {
		consumerConfig := c.Ingest.Consumer()
		if err := consumerConfig.Validate(); err != nil {
			return err
		}
	}
	if c.Pruner.Enabled {
		prunerConfig := c.Pruner.Pruner()
		if err := prunerConfig.Validate(); err != nil {
			return err
		}
	}
	if err := c.Health.Validate(); err != nil {
		return err
	}
	for _, spec := range c.Engines {
		if spec.ID == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "engine id validation")
		}
	}
	return nil
}
