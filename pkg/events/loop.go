package events

import (
	"context"
	"time"

	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// Loop drives a bus from a ticker. A host that owns a simulation loop calls
// Bus.Tick itself instead.
type Loop struct {
	bus      *Bus
	interval time.Duration
	logger   *logger.Logger
}

// NewLoop creates a loop ticking bus every interval
func NewLoop(bus *Bus, interval time.Duration, log *logger.Logger) (*Loop, error) {
	if bus == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "bus cannot be nil")
	}
	if interval <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "tick interval must be positive")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Loop{
		bus:      bus,
		interval: interval,
		logger:   log.With("component", "bus_loop"),
	}, nil
}

// Run ticks until ctx is done. It returns nil on cancellation and an error
// only if the bus is closed underneath it.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("Bus loop started", "interval", l.interval)
	defer l.logger.Info("Bus loop stopped", "ticks", l.bus.Stats().Ticks)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.bus.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if l.bus.isClosed() {
					return err
				}
				l.logger.Warn("Tick failed", "error", err)
			}
		}
	}
}
