package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fiasco-engine/ipc/pkg/types"
)

// Config represents the complete configuration for the IPC broker host
type Config struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	IPC     IPCConfig     `json:"ipc" yaml:"ipc"`
	Bus     BusConfig     `json:"bus" yaml:"bus"`
	Admin   AdminConfig   `json:"admin" yaml:"admin"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// IPCConfig contains broker transport configuration
type IPCConfig struct {
	BindHost         string        `json:"bind_host" yaml:"bind_host"`
	MinPort          int           `json:"min_port" yaml:"min_port"`
	MaxPort          int           `json:"max_port" yaml:"max_port"`
	MaxChannels      int           `json:"max_channels" yaml:"max_channels"`
	MaxMessageSize   int64         `json:"max_message_size" yaml:"max_message_size"` // bytes
	ReadBufferSize   int           `json:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize  int           `json:"write_buffer_size" yaml:"write_buffer_size"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout      time.Duration `json:"idle_timeout" yaml:"idle_timeout"` // 0 disables
	MaxPendingWrites int           `json:"max_pending_writes" yaml:"max_pending_writes"`
	AcceptRate       float64       `json:"accept_rate" yaml:"accept_rate"` // connections/s per port, 0 disables
	AcceptBurst      int           `json:"accept_burst" yaml:"accept_burst"`
}

// BusConfig contains event bus configuration
type BusConfig struct {
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
	MaxPending   int           `json:"max_pending" yaml:"max_pending"` // inbound messages buffered between ticks
	TapEnabled   bool          `json:"tap_enabled" yaml:"tap_enabled"`
	TapTopic     string        `json:"tap_topic" yaml:"tap_topic"`
}

// AdminConfig contains the admin HTTP server configuration
type AdminConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// applyDefaults fills in zero-valued fields left out of a partial YAML file
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultIPC := DefaultIPCConfig()
	if cfg.IPC.BindHost == "" {
		cfg.IPC.BindHost = defaultIPC.BindHost
	}
	if cfg.IPC.MinPort == 0 {
		cfg.IPC.MinPort = defaultIPC.MinPort
	}
	if cfg.IPC.MaxPort == 0 {
		cfg.IPC.MaxPort = defaultIPC.MaxPort
	}
	if cfg.IPC.MaxChannels == 0 {
		cfg.IPC.MaxChannels = defaultIPC.MaxChannels
	}
	if cfg.IPC.MaxMessageSize == 0 {
		cfg.IPC.MaxMessageSize = defaultIPC.MaxMessageSize
	}
	if cfg.IPC.ReadBufferSize == 0 {
		cfg.IPC.ReadBufferSize = defaultIPC.ReadBufferSize
	}
	if cfg.IPC.WriteBufferSize == 0 {
		cfg.IPC.WriteBufferSize = defaultIPC.WriteBufferSize
	}
	if cfg.IPC.HandshakeTimeout == 0 {
		cfg.IPC.HandshakeTimeout = defaultIPC.HandshakeTimeout
	}
	if cfg.IPC.WriteTimeout == 0 {
		cfg.IPC.WriteTimeout = defaultIPC.WriteTimeout
	}
	if cfg.IPC.MaxPendingWrites == 0 {
		cfg.IPC.MaxPendingWrites = defaultIPC.MaxPendingWrites
	}
	if cfg.IPC.AcceptBurst == 0 {
		cfg.IPC.AcceptBurst = defaultIPC.AcceptBurst
	}

	defaultBus := DefaultBusConfig()
	if cfg.Bus.TickInterval == 0 {
		cfg.Bus.TickInterval = defaultBus.TickInterval
	}
	if cfg.Bus.MaxPending == 0 {
		cfg.Bus.MaxPending = defaultBus.MaxPending
	}
	if cfg.Bus.TapTopic == "" {
		cfg.Bus.TapTopic = defaultBus.TapTopic
	}

	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = DefaultAdminConfig().Addr
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// This is used by both Load() and the config reloader.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvIPCBindHost); v != "" {
		cfg.IPC.BindHost = v
	}
	if v := os.Getenv(EnvIPCMaxChannels); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IPC.MaxChannels = n
		}
	}
	if v := os.Getenv(EnvIPCIdleTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IPC.IdleTimeout = d
		}
	}

	if v := os.Getenv(EnvBusTickInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bus.TickInterval = d
		}
	}
	if v := os.Getenv(EnvBusTapEnabled); v != "" {
		cfg.Bus.TapEnabled = parseBool(v)
	}

	if v := os.Getenv(EnvAdminEnabled); v != "" {
		cfg.Admin.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvAdminAddr); v != "" {
		cfg.Admin.Addr = v
	}
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// Default returns a configuration with every field at its default
func Default() *Config {
	return &Config{
		Logging: DefaultLoggingConfig(),
		IPC:     DefaultIPCConfig(),
		Bus:     DefaultBusConfig(),
		Admin:   DefaultAdminConfig(),
	}
}

// Load builds the configuration. An explicit path must exist; with an empty
// path the default config file is used when present, defaults otherwise.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	var cfg *Config

	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if defaultPath, err := GetDefaultConfigPath(); err == nil {
		if _, statErr := os.Stat(defaultPath); statErr == nil {
			loaded, err := LoadFromFile(defaultPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("failed to check config file: %w", statErr)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if net.ParseIP(c.IPC.BindHost) == nil && c.IPC.BindHost != "localhost" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("ipc bind host must be an IP address or localhost, got %q", c.IPC.BindHost))
	}
	if c.IPC.MinPort < 1 || c.IPC.MaxPort > 65535 || c.IPC.MinPort > c.IPC.MaxPort {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("ipc port range %d-%d is invalid (must lie within 1-65535)", c.IPC.MinPort, c.IPC.MaxPort))
	}
	if c.IPC.MaxChannels <= 0 || c.IPC.MaxChannels > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc max channels must be between 1 and 65535")
	}
	if c.IPC.MaxMessageSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc max message size must be positive")
	}
	if c.IPC.ReadBufferSize <= 0 || c.IPC.WriteBufferSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc buffer sizes must be positive")
	}
	if c.IPC.HandshakeTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc handshake timeout must be positive")
	}
	if c.IPC.WriteTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc write timeout must be positive")
	}
	if c.IPC.IdleTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc idle timeout cannot be negative")
	}
	if c.IPC.MaxPendingWrites <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc max pending writes must be positive")
	}
	if c.IPC.AcceptRate < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc accept rate cannot be negative")
	}
	if c.IPC.AcceptRate > 0 && c.IPC.AcceptBurst <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc accept burst must be positive when accept rate is set")
	}

	if c.Bus.TickInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "bus tick interval must be positive")
	}
	if c.Bus.MaxPending <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "bus max pending must be positive")
	}
	if c.Bus.TapEnabled && c.Bus.TapTopic == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "bus tap topic cannot be empty when the tap is enabled")
	}

	if c.Admin.Enabled {
		if _, _, err := net.SplitHostPort(c.Admin.Addr); err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid admin address", err)
		}
	}

	return nil
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, IPC: %s, Bus: %s, Admin: %s}",
		c.Logging, c.IPC, c.Bus, c.Admin)
}

// String returns a string representation of the logging config
func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

// String returns a string representation of the IPC config
func (c IPCConfig) String() string {
	return fmt.Sprintf("IPCConfig{BindHost: %s, Ports: %d-%d, MaxChannels: %d, IdleTimeout: %s}",
		c.BindHost, c.MinPort, c.MaxPort, c.MaxChannels, c.IdleTimeout)
}

// String returns a string representation of the bus config
func (c BusConfig) String() string {
	return fmt.Sprintf("BusConfig{TickInterval: %s, MaxPending: %d, Tap: %t}",
		c.TickInterval, c.MaxPending, c.TapEnabled)
}

// String returns a string representation of the admin config
func (c AdminConfig) String() string {
	return fmt.Sprintf("AdminConfig{Enabled: %t, Addr: %s}", c.Enabled, c.Addr)
}
