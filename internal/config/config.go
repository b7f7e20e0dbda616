// Package config provides configuration management for the agent session
// daemon. It supports loading configuration from environment variables,
// a config file, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section of the daemon.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Drivers     DriversConfig     `mapstructure:"drivers"`
	EventLog    EventLogConfig    `mapstructure:"eventLog"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration (§6).
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"readTimeout"`  // seconds
	WriteTimeout   int      `mapstructure:"writeTimeout"` // seconds
	Token          string   `mapstructure:"token"`        // empty disables auth
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// RegistryConfig controls where the Agent Registry catalogue is loaded from
// (§4.1, §6 Environment). InstallDir is carried in the config but not read
// by the registry: agent executables are looked up on PATH.
type RegistryConfig struct {
	CataloguePath string `mapstructure:"cataloguePath"` // overrides the embedded agents.yaml when set
	InstallDir    string `mapstructure:"installDir"`
}

// DriversConfig controls backend driver behavior (§4.4).
type DriversConfig struct {
	StderrRingSize          int `mapstructure:"stderrRingSize"`          // bytes retained per subprocess (§4.4.1 step 6)
	ServerPortRangeStart    int `mapstructure:"serverPortRangeStart"`    // §4.4.2 step 1
	ServerPortRangeEnd      int `mapstructure:"serverPortRangeEnd"`
	ServerHealthCheckMillis int `mapstructure:"serverHealthCheckMillis"` // poll interval while waiting for a shared server to come up
	ServerRestartAttempts   int `mapstructure:"serverRestartAttempts"`   // §4.4.2 step 6 bounded restart budget
	LaunchTimeoutSeconds    int `mapstructure:"launchTimeoutSeconds"`
}

// EventLogConfig controls the per-session Event Log (§4.3).
type EventLogConfig struct {
	RetentionPerSession int `mapstructure:"retentionPerSession"` // oldest events beyond this are evicted (Open Question (c))
	SubscriberBuffer    int `mapstructure:"subscriberBuffer"`    // per-subscriber channel capacity before drop
}

// PersistenceConfig controls the optional pluggable persistence hook (§6).
type PersistenceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // "noop" or "sqlite"
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LaunchTimeout returns the subprocess/server launch timeout as a time.Duration.
func (d *DriversConfig) LaunchTimeout() time.Duration {
	return time.Duration(d.LaunchTimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" for production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration sections.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7171)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.token", "")
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("registry.cataloguePath", "")
	v.SetDefault("registry.installDir", "/usr/local/bin")

	v.SetDefault("drivers.stderrRingSize", 65536)
	v.SetDefault("drivers.serverPortRangeStart", 39000)
	v.SetDefault("drivers.serverPortRangeEnd", 39999)
	v.SetDefault("drivers.serverHealthCheckMillis", 200)
	v.SetDefault("drivers.serverRestartAttempts", 3)
	v.SetDefault("drivers.launchTimeoutSeconds", 60)

	v.SetDefault("eventLog.retentionPerSession", 10000)
	v.SetDefault("eventLog.subscriberBuffer", 256)

	v.SetDefault("persistence.enabled", false)
	v.SetDefault("persistence.driver", "noop")
	v.SetDefault("persistence.path", "./agentd.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "agentd")
}

// Load reads configuration from environment variables, config file, and
// defaults, searching the current directory and /etc/agentd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. Environment variables use the AGENTD_ prefix with
// SNAKE_CASE naming.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys whose natural env var
	// name doesn't match viper's automatic SNAKE_CASE mangling.
	_ = v.BindEnv("server.allowedOrigins", "AGENTD_SERVER_ALLOWED_ORIGINS")
	_ = v.BindEnv("registry.cataloguePath", "AGENTD_REGISTRY_CATALOGUE_PATH")
	_ = v.BindEnv("registry.installDir", "AGENTD_REGISTRY_INSTALL_DIR")
	_ = v.BindEnv("drivers.serverPortRangeStart", "AGENTD_DRIVERS_SERVER_PORT_RANGE_START")
	_ = v.BindEnv("drivers.serverPortRangeEnd", "AGENTD_DRIVERS_SERVER_PORT_RANGE_END")
	_ = v.BindEnv("eventLog.retentionPerSession", "AGENTD_EVENT_LOG_RETENTION_PER_SESSION")
	_ = v.BindEnv("logging.level", "AGENTD_LOG_LEVEL")
	_ = v.BindEnv("tracing.otlpEndpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that configuration values are internally consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Drivers.ServerPortRangeStart <= 0 || cfg.Drivers.ServerPortRangeEnd <= 0 {
		errs = append(errs, "drivers.serverPortRangeStart/End must be positive")
	} else if cfg.Drivers.ServerPortRangeStart >= cfg.Drivers.ServerPortRangeEnd {
		errs = append(errs, "drivers.serverPortRangeStart must be less than serverPortRangeEnd")
	}

	if cfg.Drivers.ServerRestartAttempts < 0 {
		errs = append(errs, "drivers.serverRestartAttempts must not be negative")
	}

	if cfg.EventLog.RetentionPerSession <= 0 {
		errs = append(errs, "eventLog.retentionPerSession must be positive")
	}

	if cfg.Persistence.Enabled {
		switch cfg.Persistence.Driver {
		case "sqlite":
			if cfg.Persistence.Path == "" {
				errs = append(errs, "persistence.path is required when persistence.driver is sqlite")
			}
		case "noop":
		default:
			errs = append(errs, "persistence.driver must be one of: noop, sqlite")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.OTLPEndpoint == "" {
		errs = append(errs, "tracing.otlpEndpoint is required when tracing.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
