// Package config loads process configuration from file, environment, and
// defaults, and fingerprints the materialized result.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lecternhq/lectern/internal/canonical"
)

// Config is the materialized configuration for one process. The effective
// values, after all layering, are what gets hashed and pinned to runs.
type Config struct {
	BindAddr  string `mapstructure:"bind_addr" json:"bind_addr"`
	DataDir   string `mapstructure:"data_dir" json:"data_dir"`
	JWTSecret string `mapstructure:"jwt_secret" json:"-"`

	Queues       []string      `mapstructure:"queues" json:"queues"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout" json:"lease_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`

	SchedulerTick   time.Duration `mapstructure:"scheduler_tick" json:"scheduler_tick"`
	AnswerRetention time.Duration `mapstructure:"answer_retention" json:"answer_retention"`
	GraphIdle       time.Duration `mapstructure:"graph_idle" json:"graph_idle"`

	OtelEnabled  bool   `mapstructure:"otel_enabled" json:"otel_enabled"`
	OtelEndpoint string `mapstructure:"otel_endpoint" json:"otel_endpoint"`

	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// Load reads lectern.yaml (from the given path or the working directory)
// layered under LECTERN_* environment variables. A missing file is fine;
// defaults cover everything.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("lectern")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("LECTERN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("bind_addr", ":8080")
	v.SetDefault("data_dir", "data")
	v.SetDefault("queues", []string{"default"})
	v.SetDefault("lease_timeout", time.Minute)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("scheduler_tick", 5*time.Second)
	v.SetDefault("answer_retention", 30*24*time.Hour)
	v.SetDefault("graph_idle", 7*24*time.Hour)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Hash fingerprints the effective configuration. Runs pin this value so
// later resumes can tell whether the configuration drifted.
func (c *Config) Hash() (string, error) {
	return canonical.Hash(canonical.DomainConfig, c)
}
