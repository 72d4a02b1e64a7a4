// Package config loads the process configuration from cloudwork.yaml and the
// CLOUDWORK_* environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/observability"
)

// ServiceConfig points at the agent service.
type ServiceConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBaseWait time.Duration `mapstructure:"retry_base_wait"`
}

// RegistryConfig tunes background-task watching.
type RegistryConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StuckThreshold int           `mapstructure:"stuck_threshold"`
}

// BridgeConfig configures the local HTTP bridge for the desktop frontend.
type BridgeConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ModelConfig selects the model the agent service should run with.
type ModelConfig struct {
	Model      string `mapstructure:"model"`
	MaxTurns   int    `mapstructure:"max_turns"`
	Permissive bool   `mapstructure:"permissive"`
}

// SandboxMode maps the permissive flag onto the wire sandbox value. An empty
// string leaves the service on its default sandbox.
func (m ModelConfig) SandboxMode() string {
	if m.Permissive {
		return "permissive"
	}
	return ""
}

// Config is the full process configuration.
type Config struct {
	Service        ServiceConfig               `mapstructure:"service"`
	DatabasePath   string                      `mapstructure:"database_path"`
	AttachmentsDir string                      `mapstructure:"attachments_dir"`
	WorkDir        string                      `mapstructure:"work_dir"`
	LogLevel       string                      `mapstructure:"log_level"`
	Registry       RegistryConfig              `mapstructure:"registry"`
	Bridge         BridgeConfig                `mapstructure:"bridge"`
	Model          ModelConfig                 `mapstructure:"model"`
	Metrics        observability.MetricsConfig `mapstructure:"metrics"`
	Tracing        observability.TracingConfig `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("service.base_url", "http://127.0.0.1:8765")
	v.SetDefault("service.retry_attempts", 3)
	v.SetDefault("service.retry_base_wait", time.Second)
	v.SetDefault("database_path", filepath.Join(home, ".cloudwork", "cloudwork.db"))
	v.SetDefault("attachments_dir", filepath.Join(home, ".cloudwork", "attachments"))
	v.SetDefault("work_dir", filepath.Join(home, "cloudwork"))
	v.SetDefault("log_level", "info")
	v.SetDefault("registry.poll_interval", time.Second)
	v.SetDefault("registry.stuck_threshold", 300)
	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", 8790)
	v.SetDefault("bridge.allowed_origins", []string{
		"http://localhost:1420",
		"tauri://localhost",
	})
	v.SetDefault("model.max_turns", 0)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.prometheus_port", 0)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "cloudwork")
}

// Load reads configuration. An explicit path wins; otherwise cloudwork.yaml
// is searched in the working directory and $HOME. A missing file is fine:
// defaults plus environment are a complete configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLOUDWORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("cloudwork")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Service.BaseURL == "" {
		return fmt.Errorf("config: service.base_url must not be empty")
	}
	if c.Service.RetryAttempts < 1 {
		return fmt.Errorf("config: service.retry_attempts must be at least 1")
	}
	if c.Registry.PollInterval <= 0 {
		return fmt.Errorf("config: registry.poll_interval must be positive")
	}
	if c.Registry.StuckThreshold < 1 {
		return fmt.Errorf("config: registry.stuck_threshold must be at least 1")
	}
	return nil
}
