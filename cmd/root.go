package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fiasco-engine/ipc/internal/config"
	"github.com/fiasco-engine/ipc/internal/logger"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=..."
var Version = "dev"

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fiasco-ipc",
	Short: "Fiasco IPC broker - WebSocket ports for in-game agents",
	Long: `fiasco-ipc hosts the engine's IPC broker outside the game: an event bus
ticked at a fixed rate, the broker bridging it to WebSocket ports, and the
admin surface for inspecting both.

Use "serve" to run a host process and "probe" to talk to a listening port.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig loads the configuration file and applies CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if logOutput != "" {
		cfg.Logging.Output = logOutput
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger builds the process logger and installs it as the global one
func initLogger(cfg config.LoggingConfig) (*logger.Logger, error) {
	log, err := logger.New(cfg)
	if err != nil {
		return nil, err
	}
	logger.SetGlobal(log)
	return log, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Global().Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/fiasco-ipc/config.yaml if present)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
}
