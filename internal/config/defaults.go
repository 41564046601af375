package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the broker configuration directory
// Uses ~/.config/fiasco-ipc/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "fiasco-ipc"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvLogOutput       = "LOG_OUTPUT"
	EnvIPCBindHost     = "IPC_BIND_HOST"
	EnvIPCMaxChannels  = "IPC_MAX_CHANNELS"
	EnvIPCIdleTimeout  = "IPC_IDLE_TIMEOUT"
	EnvBusTickInterval = "BUS_TICK_INTERVAL"
	EnvBusTapEnabled   = "BUS_TAP_ENABLED"
	EnvAdminEnabled    = "ADMIN_ENABLED"
	EnvAdminAddr       = "ADMIN_ADDR"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stdout"

	// Default IPC settings. The broker serves local tools, so it binds to
	// loopback unless told otherwise.
	DefaultBindHost         = "127.0.0.1"
	DefaultMinPort          = 1
	DefaultMaxPort          = 65535
	DefaultMaxChannels      = 1024
	DefaultMaxMessageSize   = 16 << 20
	DefaultReadBufferSize   = 4096
	DefaultWriteBufferSize  = 4096
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultMaxPendingWrites = 4096
	DefaultAcceptBurst      = 16

	// Default Bus settings
	DefaultTickInterval  = 16 * time.Millisecond
	DefaultBusMaxPending = 8192
	DefaultTapTopic      = "ipc.bus"

	// Default Admin settings
	DefaultAdminAddr = "127.0.0.1:9464"
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultIPCConfig returns the default IPC configuration
func DefaultIPCConfig() IPCConfig {
	return IPCConfig{
		BindHost:         DefaultBindHost,
		MinPort:          DefaultMinPort,
		MaxPort:          DefaultMaxPort,
		MaxChannels:      DefaultMaxChannels,
		MaxMessageSize:   DefaultMaxMessageSize,
		ReadBufferSize:   DefaultReadBufferSize,
		WriteBufferSize:  DefaultWriteBufferSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		IdleTimeout:      0,
		MaxPendingWrites: DefaultMaxPendingWrites,
		AcceptRate:       0,
		AcceptBurst:      DefaultAcceptBurst,
	}
}

// DefaultBusConfig returns the default bus configuration
func DefaultBusConfig() BusConfig {
	return BusConfig{
		TickInterval: DefaultTickInterval,
		MaxPending:   DefaultBusMaxPending,
		TapEnabled:   false,
		TapTopic:     DefaultTapTopic,
	}
}

// DefaultAdminConfig returns the default admin configuration
func DefaultAdminConfig() AdminConfig {
	return AdminConfig{
		Enabled: false,
		Addr:    DefaultAdminAddr,
	}
}
