package events

import (
	"context"
	"log/slog"

	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// Predicate selects events from a batch
type Predicate func(types.Event) bool

// HandlerFunc handles a single event
type HandlerFunc func(ctx context.Context, ev types.Event)

// ForEach returns a consumer that calls fn for every event of every batch
func ForEach(fn HandlerFunc) Consumer {
	return ConsumerFunc(func(ctx context.Context, batch *Batch) {
		for _, ev := range batch.All() {
			fn(ctx, ev)
		}
	})
}

// Filter returns a consumer that calls fn for the events matching pred.
// Consumers of a broadcast bus are expected to self-filter; this is the
// usual way to do it.
func Filter(pred Predicate, fn HandlerFunc) Consumer {
	return ConsumerFunc(func(ctx context.Context, batch *Batch) {
		for _, ev := range batch.All() {
			if pred(ev) {
				fn(ctx, ev)
			}
		}
	})
}

// Chain returns a consumer that hands each batch to every consumer in order
func Chain(consumers ...Consumer) Consumer {
	return ConsumerFunc(func(ctx context.Context, batch *Batch) {
		for _, c := range consumers {
			c.Consume(ctx, batch)
		}
	})
}

// KindIs matches events of any of the given kinds
func KindIs(kinds ...types.EventKind) Predicate {
	set := make(map[types.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(ev types.Event) bool {
		_, ok := set[ev.Kind()]
		return ok
	}
}

// OwnedBy matches events carrying the given owner id
func OwnedBy(owner types.OwnerID) Predicate {
	return func(ev types.Event) bool {
		o, ok := types.OwnerOf(ev)
		return ok && o == owner
	}
}

// OnChannel matches events carrying the given channel id
func OnChannel(ch types.ChannelID) Predicate {
	return func(ev types.Event) bool {
		c, ok := types.ChannelOf(ev)
		return ok && c == ch
	}
}

// And matches when every predicate matches
func And(preds ...Predicate) Predicate {
	return func(ev types.Event) bool {
		for _, p := range preds {
			if !p(ev) {
				return false
			}
		}
		return true
	}
}

// Or matches when any predicate matches
func Or(preds ...Predicate) Predicate {
	return func(ev types.Event) bool {
		for _, p := range preds {
			if p(ev) {
				return true
			}
		}
		return false
	}
}

// LoggingConsumer logs every event it observes
type LoggingConsumer struct {
	logger *logger.Logger
	level  slog.Level
}

// NewLoggingConsumer creates a consumer that logs each event at the given
// level ("debug", "info", "warn" or "error")
func NewLoggingConsumer(log *logger.Logger, level string) (*LoggingConsumer, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid logging consumer level", err)
	}
	return &LoggingConsumer{
		logger: log.With("component", "bus_trace"),
		level:  slog.Level(lvl),
	}, nil
}

// Consume implements Consumer
func (c *LoggingConsumer) Consume(ctx context.Context, batch *Batch) {
	sl := c.logger.Slog()
	if !sl.Enabled(ctx, c.level) {
		return
	}
	for _, ev := range batch.All() {
		sl.Log(ctx, c.level, "Bus event", append([]any{"tick", batch.Tick()}, Attrs(ev)...)...)
	}
}

// Attrs returns log key-value pairs describing ev. Message payloads are
// summarized by length.
func Attrs(ev types.Event) []any {
	args := []any{"kind", ev.Kind().String()}
	switch e := ev.(type) {
	case types.PortListen:
		args = append(args, "port", uint16(e.Port), "owner", string(e.Owner))
	case types.PortIgnore:
		args = append(args, "port", uint16(e.Port), "owner", string(e.Owner))
	case types.MessageToRemote:
		args = append(args, "channel", uint16(e.Channel), "bytes", e.Len())
	case types.Close:
		args = append(args, "channel", uint16(e.Channel))
	case types.PortListenResult:
		args = append(args, "port", uint16(e.Port), "owner", string(e.Owner), "result", e.Result.String())
	case types.Opened:
		args = append(args, "port", uint16(e.Port), "owner", string(e.Owner), "channel", uint16(e.Channel))
	case types.MessageFromRemote:
		args = append(args, "channel", uint16(e.Channel), "bytes", e.Len())
	case types.Closed:
		args = append(args, "channel", uint16(e.Channel))
	case types.PortIgnored:
		args = append(args, "port", uint16(e.Port), "owner", string(e.Owner))
	}
	return args
}
