package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fiasco-engine/ipc/internal/admin"
	"github.com/fiasco-engine/ipc/internal/agent"
	"github.com/fiasco-engine/ipc/internal/config"
	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/events"
	"github.com/fiasco-engine/ipc/pkg/ipc"
	"github.com/fiasco-engine/ipc/pkg/types"
)

var (
	echoPort   int
	echoOwner  string
	adminAddr  string
	tapEnabled bool
	watchFile  bool
	traceBus   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a host process with the event bus and the IPC broker",
	Long: `serve runs the event bus on a fixed tick, attaches the IPC broker to it and
optionally starts an echo agent on one port. SIGHUP (or a change to the config
file with --watch) reloads the configuration and applies the new log level.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&echoPort, "echo-port", 0,
		"Start an echo agent listening on this port (0 disables)")
	serveCmd.Flags().StringVar(&echoOwner, "echo-owner", "echo",
		"Owner id the echo agent listens as")
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", "",
		"Serve the admin endpoints on this address (overrides config)")
	serveCmd.Flags().BoolVar(&tapEnabled, "tap", false,
		"Mirror every bus batch to the in-process message tap")
	serveCmd.Flags().BoolVar(&watchFile, "watch", false,
		"Reload when the config file changes on disk")
	serveCmd.Flags().BoolVar(&traceBus, "trace-bus", false,
		"Log every bus event at debug level")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if adminAddr != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Addr = adminAddr
	}
	if tapEnabled {
		cfg.Bus.TapEnabled = true
	}

	log, err := initLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	log.Info("Starting IPC host", "version", Version, "config", cfg.String())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := events.New(log)
	defer bus.Close()

	broker, err := ipc.New(cfg.IPC, log,
		ipc.WithMetrics(ipc.NewMetrics(reg)),
		ipc.WithMaxPending(cfg.Bus.MaxPending))
	if err != nil {
		return err
	}
	if err := broker.Attach(bus); err != nil {
		return err
	}

	loop, err := events.NewLoop(bus, cfg.Bus.TickInterval, log)
	if err != nil {
		return err
	}

	if traceBus {
		trace, err := events.NewLoggingConsumer(log, "debug")
		if err != nil {
			return err
		}
		if _, err := bus.Subscribe("bus_trace", trace); err != nil {
			return err
		}
	}

	var tapRun func(context.Context) error
	if cfg.Bus.TapEnabled {
		tapRun, err = newTap(bus, cfg.Bus.TapTopic, log)
		if err != nil {
			return err
		}
	}

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv, err = admin.NewServer(cfg.Admin.Addr, broker, reg, log)
		if err != nil {
			return err
		}
	}

	var reloader *config.Reloader
	if cfgFile != "" {
		reloader = config.NewReloader(cfgFile, cfg, log.Slog())
		reloader.WatchFile(watchFile)
		reloader.AddCallback(applyLogLevel(log))
	}

	if echoPort > 0 {
		echo := agent.NewEcho(bus, types.Port(echoPort), types.OwnerID(echoOwner), log)
		if _, err := bus.Subscribe("echo_agent", echo); err != nil {
			return err
		}
		if err := echo.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down IPC broker")
		return broker.Close()
	})

	if tapRun != nil {
		g.Go(func() error {
			return tapRun(gctx)
		})
	}

	if adminSrv != nil {
		g.Go(func() error {
			return adminSrv.Run(gctx)
		})
	}

	if reloader != nil {
		if err := reloader.Start(); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			reloader.Stop()
			return nil
		})
	}

	log.Info("IPC host running. Press Ctrl+C to stop.")
	if err := g.Wait(); err != nil {
		log.Error("IPC host stopped with error", "error", err)
		return err
	}
	log.Info("IPC host stopped", "stats", broker.Stats().String())
	return nil
}

// applyLogLevel returns a reload callback that moves log to the new level
func applyLogLevel(log *logger.Logger) config.ReloadCallback {
	return func(_ context.Context, newConfig *config.Config) error {
		level, err := logger.ParseLevel(newConfig.Logging.Level)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		log.Info("Log level applied", "level", level.String())
		return nil
	}
}

// newTap mirrors bus batches onto an in-process watermill topic. The
// returned function logs what comes out the other side at debug level until
// ctx is done.
func newTap(bus *events.Bus, topic string, log *logger.Logger) (func(context.Context) error, error) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256},
		watermill.NewSlogLogger(log.Slog()))

	var codec ipc.Codec
	tap, err := events.NewTap(pubSub, topic, codec, log)
	if err != nil {
		return nil, err
	}
	if _, err := bus.Subscribe("bus_tap", tap); err != nil {
		return nil, err
	}

	tapLog := log.With("component", "tap_reader", "topic", topic)
	return func(ctx context.Context) error {
		defer pubSub.Close()

		messages, err := pubSub.Subscribe(ctx, topic)
		if err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to subscribe to tap topic", err)
		}
		for msg := range messages {
			ev, err := codec.Unmarshal(msg.Payload)
			if err != nil {
				tapLog.Warn("Undecodable tap message", "uuid", msg.UUID, "error", err)
			} else {
				tapLog.Debug("Bus event", append([]any{"uuid", msg.UUID}, events.Attrs(ev)...)...)
			}
			msg.Ack()
		}
		tapLog.Info("Bus tap stopped", "published", tap.Published(), "failed", tap.Failed())
		return nil
	}, nil
}
