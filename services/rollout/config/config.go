// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the rollout service configuration from YAML.
//
// A single file declares the ambient settings (server, logging, telemetry,
// storage) and the experiment definitions and rollout configs to register.
// Environment variables override selected fields so containers can be
// configured without editing the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
	"github.com/AleutianAI/AleutianRollout/services/rollout/specexp"
	rolloutbadger "github.com/AleutianAI/AleutianRollout/services/rollout/storage/badger"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendInflux   = "influx"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// ErrInvalid is returned when the file parses but fails validation.
var ErrInvalid = errors.New("invalid configuration")

// validate is the shared validator instance.
var validate = validator.New()

// Config is the root of the configuration file.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Logging     LoggingConfig           `yaml:"logging"`
	Telemetry   TelemetryConfig         `yaml:"telemetry"`
	Storage     StorageConfig           `yaml:"storage"`
	Journal     JournalConfig           `yaml:"journal"`
	Recorder    specexp.RecorderConfig  `yaml:"recorder"`
	Scheduler   SchedulerConfig         `yaml:"scheduler"`
	Experiments []experiment.Definition `yaml:"experiments" validate:"dive"`
	Rollouts    []RolloutConfig         `yaml:"rollouts" validate:"dive"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	Environment    string `yaml:"environment"`
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// StorageConfig selects and configures the tracker store.
type StorageConfig struct {
	Backend string               `yaml:"backend" validate:"oneof=memory badger influx redis sqlite postgres"`
	Badger  rolloutbadger.Config `yaml:"badger"`
	Influx  InfluxConfig         `yaml:"influx"`
	Redis   RedisConfig          `yaml:"redis"`
	SQL     SQLConfig            `yaml:"sql"`
}

// InfluxConfig configures the InfluxDB tracker store.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// RedisConfig configures the Redis tracker store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// SQLConfig configures the SQL tracker store.
type SQLConfig struct {
	DSN string `yaml:"dsn"`
}

// JournalConfig selects the transition journal backend.
type JournalConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory badger"`
}

// SchedulerConfig configures periodic evaluation.
type SchedulerConfig struct {
	Enabled                 bool `yaml:"enabled"`
	specexp.SchedulerConfig `yaml:",inline"`
}

// RolloutConfig declares one rollout. Experiment references a definition by
// its "key.v{version}" identity.
type RolloutConfig struct {
	Target           specexp.Target   `yaml:"target"`
	Experiment       string           `yaml:"experiment" validate:"required"`
	Control          any              `yaml:"control"`
	Variants         []BindingConfig  `yaml:"variants" validate:"dive"`
	RolloutStages    []float64        `yaml:"rollout_stages" validate:"dive,gte=0,lte=1"`
	ActiveStageIndex int              `yaml:"active_stage_index" validate:"gte=0"`
	Status           string           `yaml:"status" validate:"omitempty,oneof=draft running paused rolled_back completed"`
	Guardrails       GuardrailsConfig `yaml:"guardrails"`
}

// BindingConfig declares one variant binding.
type BindingConfig struct {
	ID                string   `yaml:"id" validate:"required"`
	Spec              any      `yaml:"spec"`
	Description       string   `yaml:"description"`
	RolloutPercentage *float64 `yaml:"rollout_percentage" validate:"omitempty,gte=0,lte=1"`
}

// GuardrailsConfig declares guardrail thresholds.
type GuardrailsConfig struct {
	ErrorRateThreshold    *float64 `yaml:"error_rate_threshold" validate:"omitempty,gte=0,lte=1"`
	LatencyP99ThresholdMs *float64 `yaml:"latency_p99_threshold_ms" validate:"omitempty,gte=0"`
}

// DefaultConfig returns a configuration that runs entirely in memory.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8090",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName:    "aleutian-rollout",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Badger:  rolloutbadger.DefaultConfig(),
			Influx: InfluxConfig{
				URL:    "http://influxdb:8086",
				Org:    "aleutian",
				Bucket: "rollout",
			},
			Redis: RedisConfig{Addr: "localhost:6379", Prefix: "rollout"},
		},
		Journal:  JournalConfig{Backend: BackendMemory},
		Recorder: specexp.DefaultRecorderConfig(),
		Scheduler: SchedulerConfig{
			Enabled:         true,
			SchedulerConfig: specexp.DefaultSchedulerConfig(),
		},
	}
}

// Load reads path on top of DefaultConfig, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of DefaultConfig, applies environment overrides
// and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ApplyEnv overrides fields from the environment.
//
//	ROLLOUT_ADDR, ROLLOUT_LOG_LEVEL, ROLLOUT_LOG_DIR, ROLLOUT_STORAGE_BACKEND,
//	ROLLOUT_BADGER_PATH, INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG,
//	INFLUXDB_BUCKET, ROLLOUT_REDIS_ADDR, ROLLOUT_REDIS_PASSWORD,
//	ROLLOUT_SQL_DSN, ROLLOUT_ENV, OTEL_TRACES_EXPORTER,
//	OTEL_METRICS_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT,
//	ROLLOUT_SCHEDULER_ENABLED
func (c *Config) ApplyEnv() {
	c.Server.Addr = getEnvOr("ROLLOUT_ADDR", c.Server.Addr)
	c.Logging.Level = getEnvOr("ROLLOUT_LOG_LEVEL", c.Logging.Level)
	c.Logging.Dir = getEnvOr("ROLLOUT_LOG_DIR", c.Logging.Dir)
	c.Storage.Backend = getEnvOr("ROLLOUT_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Badger.Path = getEnvOr("ROLLOUT_BADGER_PATH", c.Storage.Badger.Path)
	c.Storage.Influx.URL = getEnvOr("INFLUXDB_URL", c.Storage.Influx.URL)
	c.Storage.Influx.Token = getEnvOr("INFLUXDB_TOKEN", c.Storage.Influx.Token)
	c.Storage.Influx.Org = getEnvOr("INFLUXDB_ORG", c.Storage.Influx.Org)
	c.Storage.Influx.Bucket = getEnvOr("INFLUXDB_BUCKET", c.Storage.Influx.Bucket)
	c.Storage.Redis.Addr = getEnvOr("ROLLOUT_REDIS_ADDR", c.Storage.Redis.Addr)
	c.Storage.Redis.Password = getEnvOr("ROLLOUT_REDIS_PASSWORD", c.Storage.Redis.Password)
	c.Storage.SQL.DSN = getEnvOr("ROLLOUT_SQL_DSN", c.Storage.SQL.DSN)
	c.Telemetry.Environment = getEnvOr("ROLLOUT_ENV", c.Telemetry.Environment)
	c.Telemetry.TraceExporter = getEnvOr("OTEL_TRACES_EXPORTER", c.Telemetry.TraceExporter)
	c.Telemetry.MetricExporter = getEnvOr("OTEL_METRICS_EXPORTER", c.Telemetry.MetricExporter)
	c.Telemetry.OTLPEndpoint = getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	if v, err := strconv.ParseBool(os.Getenv("ROLLOUT_SCHEDULER_ENABLED")); err == nil {
		c.Scheduler.Enabled = v
	}
}

// Validate checks field constraints, backend requirements and that every
// rollout builds.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Storage.Backend {
	case BackendBadger:
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			return fmt.Errorf("%w: storage.badger.path is required", ErrInvalid)
		}
	case BackendInflux:
		if c.Storage.Influx.URL == "" || c.Storage.Influx.Bucket == "" {
			return fmt.Errorf("%w: storage.influx.url and storage.influx.bucket are required", ErrInvalid)
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("%w: storage.redis.addr is required", ErrInvalid)
		}
	case BackendSQLite, BackendPostgres:
		if c.Storage.SQL.DSN == "" {
			return fmt.Errorf("%w: storage.sql.dsn is required", ErrInvalid)
		}
	}
	if c.Journal.Backend == BackendBadger && c.Storage.Backend != BackendBadger {
		return fmt.Errorf("%w: journal.backend badger requires storage.backend badger", ErrInvalid)
	}
	if _, _, err := c.Build(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Build registers the experiment definitions and resolves each rollout
// against them. hooks run for every registered definition.
//
// Outputs:
//   - *experiment.Registry: All definitions. Duplicate identities are an error.
//   - []*specexp.Config: One validated config per rollout, in file order.
//   - error: Non-nil on duplicates, unknown experiment references or
//     invalid rollouts.
func (c *Config) Build(hooks ...experiment.RegistrationHook) (*experiment.Registry, []*specexp.Config, error) {
	experiments := experiment.NewRegistry()
	for _, hook := range hooks {
		experiments.AddHook(hook)
	}
	for i := range c.Experiments {
		def := c.Experiments[i]
		if err := experiments.Register(&def); err != nil {
			return nil, nil, err
		}
	}

	rollouts := make([]*specexp.Config, 0, len(c.Rollouts))
	seen := make(map[string]bool, len(c.Rollouts))
	for _, rc := range c.Rollouts {
		key, version, err := experiment.ParseIdentity(rc.Experiment)
		if err != nil {
			return nil, nil, fmt.Errorf("rollout %s: %w", rc.Target, err)
		}
		def, err := experiments.Lookup(key, version)
		if err != nil {
			return nil, nil, fmt.Errorf("rollout %s references unknown experiment: %w", rc.Target, err)
		}
		if seen[rc.Target.Identity()] {
			return nil, nil, fmt.Errorf("rollout %s declared twice", rc.Target)
		}
		seen[rc.Target.Identity()] = true

		cfg := rc.toSpec(def)
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		for _, b := range cfg.Variants {
			if !def.HasVariant(b.ID) {
				return nil, nil, fmt.Errorf("rollout %s binds %q which is not a variant of %s", rc.Target, b.ID, rc.Experiment)
			}
		}
		rollouts = append(rollouts, cfg)
	}
	return experiments, rollouts, nil
}

func (rc RolloutConfig) toSpec(def *experiment.Definition) *specexp.Config {
	bindings := make([]specexp.VariantBinding, len(rc.Variants))
	for i, b := range rc.Variants {
		bindings[i] = specexp.VariantBinding{
			ID:                b.ID,
			Spec:              b.Spec,
			Description:       b.Description,
			RolloutPercentage: b.RolloutPercentage,
		}
	}
	return &specexp.Config{
		Target:           rc.Target,
		Experiment:       def,
		Control:          rc.Control,
		Variants:         bindings,
		RolloutStages:    rc.RolloutStages,
		ActiveStageIndex: rc.ActiveStageIndex,
		Status:           specexp.Status(rc.Status),
		Guardrails: specexp.Guardrails{
			ErrorRateThreshold:    rc.Guardrails.ErrorRateThreshold,
			LatencyP99ThresholdMs: rc.Guardrails.LatencyP99ThresholdMs,
		},
	}
}
