// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package register

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEGALCASCADE_"

// Config configures the register service.
//
// # Description
//
// Values are resolved in order: zero value, YAML file (LoadConfig), then
// LEGALCASCADE_* environment variables, then applyConfigDefaults for
// anything still unset. Relative storage paths are resolved against
// DataDir.
//
// # Example
//
//	port: 12300
//	data_dir: /var/lib/legalcascade
//	extractor: llm
//	llm:
//	  model: gpt-4o-mini
//	redis_url: redis://localhost:6379/0
type Config struct {
	// Port is the HTTP listen port. Default: 12300.
	Port int `yaml:"port"`

	// GinMode is "debug", "release" or "test". Default: "release".
	GinMode string `yaml:"gin_mode"`

	// DataDir holds the databases. Default: ~/.legalcascade/data.
	DataDir string `yaml:"data_dir"`

	// SQLitePath is the instrument database. Default: register.db.
	SQLitePath string `yaml:"sqlite_path"`

	// BadgerPath is the staging/job store directory. Default: staging.
	BadgerPath string `yaml:"badger_path"`

	// BadgerInMemory keeps the staging store in RAM.
	BadgerInMemory bool `yaml:"badger_in_memory"`

	// Workers is the parse worker pool size. Default: 4.
	Workers int `yaml:"workers"`

	// SubscriberBuffer is the per-subscriber event buffer. Default: 256.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// KeepAlive is the progress stream ping interval. Default: 15s.
	KeepAlive time.Duration `yaml:"keep_alive"`

	// AutoCascade reparses dependents after link or content changes.
	// Default: true.
	AutoCascade *bool `yaml:"auto_cascade"`

	// CascadeLimit bounds one traversal's result. Default: 10000.
	CascadeLimit int `yaml:"cascade_limit"`

	// CascadeMaxDepth bounds traversal depth. Default: 0, unbounded.
	CascadeMaxDepth int `yaml:"cascade_max_depth"`

	// Extractor is "html" or "llm". Default: "html".
	Extractor string `yaml:"extractor"`

	// LLM configures the llm extractor.
	LLM LLMConfig `yaml:"llm"`

	// ExtractRate limits extractor calls per second. Zero disables.
	ExtractRate float64 `yaml:"extract_rate"`

	// Scraper configures the legislation.gov.uk source.
	Scraper ScraperConfig `yaml:"scraper"`

	// TraceExporter is "otlp", "stdout" or "none". Default: "otlp" when
	// OTelEndpoint is set, otherwise "none".
	TraceExporter string `yaml:"trace_exporter"`

	// OTelEndpoint is the OTLP gRPC collector address.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// OTelInsecure dials the collector without TLS.
	OTelInsecure bool `yaml:"otel_insecure"`

	// RedisURL enables the Redis progress mirror when set.
	RedisURL string `yaml:"redis_url"`

	// LogLevel is debug, info, warn or error. Default: info.
	LogLevel string `yaml:"log_level"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// LogFormat is "auto", "json" or "text". Default: auto.
	LogFormat string `yaml:"log_format"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig configures the OpenAI-compatible extractor.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
}

// ScraperConfig configures the legislation.gov.uk scraper.
type ScraperConfig struct {
	// Disabled leaves only the manual source registered.
	Disabled bool `yaml:"disabled"`

	// BaseURL of legislation.gov.uk. Default: the public site.
	BaseURL string `yaml:"base_url"`

	// Rate is requests per second. Default: 2.
	Rate float64 `yaml:"rate"`

	// SkipContent skips downloading each instrument's text.
	SkipContent bool `yaml:"skip_content"`
}

// AutoCascadeEnabled reports the effective auto-cascade setting.
func (c Config) AutoCascadeEnabled() bool {
	return c.AutoCascade == nil || *c.AutoCascade
}

// LoadConfig reads path (optional) and applies environment overrides.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file.
//
// # Outputs
//
//   - Config: With defaults applied.
//   - error: Unreadable file, malformed YAML or a malformed env value.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return applyConfigDefaults(cfg), nil
}

// applyConfigDefaults fills unset fields.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12300
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".legalcascade", "data")
		} else {
			cfg.DataDir = "data"
		}
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "register.db"
	}
	if !filepath.IsAbs(cfg.SQLitePath) {
		cfg.SQLitePath = filepath.Join(cfg.DataDir, cfg.SQLitePath)
	}
	if cfg.BadgerPath == "" {
		cfg.BadgerPath = "staging"
	}
	if !filepath.IsAbs(cfg.BadgerPath) {
		cfg.BadgerPath = filepath.Join(cfg.DataDir, cfg.BadgerPath)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.CascadeLimit <= 0 {
		cfg.CascadeLimit = 10000
	}
	if cfg.CascadeMaxDepth < 0 {
		cfg.CascadeMaxDepth = 0
	}
	if cfg.Extractor == "" {
		cfg.Extractor = "html"
	}
	if cfg.Scraper.Rate <= 0 {
		cfg.Scraper.Rate = 2
	}
	if cfg.TraceExporter == "" {
		cfg.TraceExporter = "none"
		if cfg.OTelEndpoint != "" {
			cfg.TraceExporter = "otlp"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "auto"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return cfg
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Extractor {
	case "html":
	case "llm":
		if c.LLM.APIKey == "" {
			errs = append(errs, errors.New("extractor llm requires llm.api_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown extractor %q", c.Extractor))
	}
	switch c.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if c.OTelEndpoint == "" {
			errs = append(errs, errors.New("trace exporter otlp requires otel_endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown trace exporter %q", c.TraceExporter))
	}
	switch c.LogFormat {
	case "auto", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// =============================================================================
// Environment Overrides
// =============================================================================

type envField struct {
	name string
	set  func(cfg *Config, v string) error
}

func stringField(name string, dst func(*Config) *string) envField {
	return envField{name: name, set: func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}}
}

func intField(name string, dst func(*Config) *int) envField {
	return envField{name: name, set: func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}}
}

func boolField(name string, dst func(*Config) *bool) envField {
	return envField{name: name, set: func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}}
}

func floatField(name string, dst func(*Config) *float64) envField {
	return envField{name: name, set: func(cfg *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(cfg) = f
		return nil
	}}
}

func durationField(name string, dst func(*Config) *time.Duration) envField {
	return envField{name: name, set: func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(cfg) = d
		return nil
	}}
}

var envFields = []envField{
	intField("PORT", func(c *Config) *int { return &c.Port }),
	stringField("GIN_MODE", func(c *Config) *string { return &c.GinMode }),
	stringField("DATA_DIR", func(c *Config) *string { return &c.DataDir }),
	stringField("SQLITE_PATH", func(c *Config) *string { return &c.SQLitePath }),
	stringField("BADGER_PATH", func(c *Config) *string { return &c.BadgerPath }),
	boolField("BADGER_IN_MEMORY", func(c *Config) *bool { return &c.BadgerInMemory }),
	intField("WORKERS", func(c *Config) *int { return &c.Workers }),
	intField("SUBSCRIBER_BUFFER", func(c *Config) *int { return &c.SubscriberBuffer }),
	durationField("KEEP_ALIVE", func(c *Config) *time.Duration { return &c.KeepAlive }),
	{name: "AUTO_CASCADE", set: func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.AutoCascade = &b
		return nil
	}},
	intField("CASCADE_LIMIT", func(c *Config) *int { return &c.CascadeLimit }),
	intField("CASCADE_MAX_DEPTH", func(c *Config) *int { return &c.CascadeMaxDepth }),
	stringField("EXTRACTOR", func(c *Config) *string { return &c.Extractor }),
	stringField("LLM_BASE_URL", func(c *Config) *string { return &c.LLM.BaseURL }),
	stringField("LLM_MODEL", func(c *Config) *string { return &c.LLM.Model }),
	stringField("LLM_API_KEY", func(c *Config) *string { return &c.LLM.APIKey }),
	floatField("EXTRACT_RATE", func(c *Config) *float64 { return &c.ExtractRate }),
	boolField("SCRAPER_DISABLED", func(c *Config) *bool { return &c.Scraper.Disabled }),
	stringField("SCRAPER_BASE_URL", func(c *Config) *string { return &c.Scraper.BaseURL }),
	floatField("SCRAPER_RATE", func(c *Config) *float64 { return &c.Scraper.Rate }),
	boolField("SCRAPER_SKIP_CONTENT", func(c *Config) *bool { return &c.Scraper.SkipContent }),
	stringField("TRACE_EXPORTER", func(c *Config) *string { return &c.TraceExporter }),
	stringField("OTEL_ENDPOINT", func(c *Config) *string { return &c.OTelEndpoint }),
	boolField("OTEL_INSECURE", func(c *Config) *bool { return &c.OTelInsecure }),
	stringField("REDIS_URL", func(c *Config) *string { return &c.RedisURL }),
	stringField("LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	stringField("LOG_DIR", func(c *Config) *string { return &c.LogDir }),
	stringField("LOG_FORMAT", func(c *Config) *string { return &c.LogFormat }),
	durationField("SHUTDOWN_TIMEOUT", func(c *Config) *time.Duration { return &c.ShutdownTimeout }),
}

// applyEnv overrides cfg from LEGALCASCADE_* variables. Empty values are
// ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, f := range envFields {
		v, ok := lookup(EnvPrefix + f.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := f.set(cfg, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, f.name, err))
		}
	}
	return errors.Join(errs...)
}
