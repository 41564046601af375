package events

import (
	"context"
	"fmt"
	"iter"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// Source feeds events into the bus from outside the tick goroutine. Drain is
// called on the tick goroutine at the start of every tick and must return
// everything buffered since the previous call, in order, without blocking.
type Source interface {
	Drain() []types.Event
}

// Consumer observes every batch the bus delivers. Consume runs on the tick
// goroutine; it may Post to the bus, which schedules the event for the next
// tick.
type Consumer interface {
	Consume(ctx context.Context, batch *Batch)
}

// ConsumerFunc adapts a function to the Consumer interface
type ConsumerFunc func(ctx context.Context, batch *Batch)

// Consume calls f(ctx, batch)
func (f ConsumerFunc) Consume(ctx context.Context, batch *Batch) {
	f(ctx, batch)
}

// Batch is the frozen set of events delivered in one tick. Every consumer of
// a tick sees the same batch; it is never modified after delivery starts.
type Batch struct {
	tick   uint64
	events []types.Event
}

// NewBatch builds a batch outside the bus, mostly for tests of consumers
func NewBatch(tick uint64, evs ...types.Event) *Batch {
	return &Batch{tick: tick, events: slices.Clone(evs)}
}

// Tick returns the sequence number of the tick that delivered the batch
func (b *Batch) Tick() uint64 { return b.tick }

// Len returns the number of events in the batch
func (b *Batch) Len() int { return len(b.events) }

// At returns the i-th event
func (b *Batch) At(i int) types.Event { return b.events[i] }

// All iterates the batch in delivery order
func (b *Batch) All() iter.Seq2[int, types.Event] {
	return func(yield func(int, types.Event) bool) {
		for i, ev := range b.events {
			if !yield(i, ev) {
				return
			}
		}
	}
}

// Events returns a copy of the batch contents
func (b *Batch) Events() []types.Event {
	return slices.Clone(b.events)
}

type subscription struct {
	id       types.ID
	name     string
	consumer Consumer
}

type sourceEntry struct {
	id  types.ID
	src Source
}

// Option configures a Bus
type Option func(*Bus)

// WithMaxPending bounds the number of events that may be posted between two
// ticks. Posts beyond the bound are rejected with ErrCodeResourceExhausted.
func WithMaxPending(n int) Option {
	return func(b *Bus) {
		b.maxPending = n
	}
}

// Bus is a broadcast event bus advanced one tick at a time. Events posted
// between ticks, plus whatever the registered sources hold, form the batch of
// the next tick, which is handed to every consumer in registration order.
type Bus struct {
	mu         sync.Mutex // guards pending and closed
	pending    []types.Event
	closed     bool
	maxPending int

	regMu     sync.RWMutex
	sources   []sourceEntry
	consumers []subscription

	ticking atomic.Bool
	tick    atomic.Uint64

	delivered atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64

	logger *logger.Logger
}

// New creates a new event bus
func New(log *logger.Logger, opts ...Option) *Bus {
	if log == nil {
		log = logger.NewDefault()
	}

	b := &Bus{
		logger: log.With("component", "event_bus"),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.logger.Info("Event bus initialized", "max_pending", b.maxPending)
	return b
}

// Post schedules ev for delivery on the next tick. It is safe to call from
// any goroutine, including from inside Consume.
func (b *Bus) Post(ev types.Event) error {
	if ev == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "event cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}
	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		b.rejected.Add(1)
		b.logger.Warn("Event rejected, pending batch full",
			"kind", ev.Kind().String(),
			"max_pending", b.maxPending)
		return types.NewError(types.ErrCodeResourceExhausted, "event bus pending batch is full")
	}

	b.pending = append(b.pending, ev)
	return nil
}

// AddSource registers a source drained at the start of every tick. Sources
// are drained in registration order.
func (b *Bus) AddSource(src Source) (types.ID, error) {
	if src == nil {
		return "", types.NewError(types.ErrCodeInvalidArgument, "source cannot be nil")
	}
	if b.isClosed() {
		return "", types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}

	id := types.GenerateID()
	b.regMu.Lock()
	b.sources = append(b.sources, sourceEntry{id: id, src: src})
	b.regMu.Unlock()

	b.logger.Debug("Source registered", "source_id", id)
	return id, nil
}

// RemoveSource unregisters a source. Events it still holds are not drained.
func (b *Bus) RemoveSource(id types.ID) error {
	b.regMu.Lock()
	defer b.regMu.Unlock()

	for i, s := range b.sources {
		if s.id == id {
			b.sources = slices.Delete(b.sources, i, i+1)
			return nil
		}
	}
	return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("source not found: %s", id))
}

// Subscribe registers a consumer. Consumers registered during a tick start
// receiving batches from the next tick.
func (b *Bus) Subscribe(name string, c Consumer) (types.ID, error) {
	if c == nil {
		return "", types.NewError(types.ErrCodeInvalidArgument, "consumer cannot be nil")
	}
	if b.isClosed() {
		return "", types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}

	id := types.GenerateID()
	b.regMu.Lock()
	b.consumers = append(b.consumers, subscription{id: id, name: name, consumer: c})
	b.regMu.Unlock()

	b.logger.Debug("Consumer subscribed", "subscription_id", id, "consumer", name)
	return id, nil
}

// Unsubscribe removes a consumer
func (b *Bus) Unsubscribe(id types.ID) error {
	b.regMu.Lock()
	defer b.regMu.Unlock()

	for i, s := range b.consumers {
		if s.id == id {
			b.consumers = slices.Delete(b.consumers, i, i+1)
			b.logger.Debug("Consumer unsubscribed", "subscription_id", id, "consumer", s.name)
			return nil
		}
	}
	return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("subscription not found: %s", id))
}

// Tick advances the bus by one tick: sources are drained, everything posted
// since the previous tick is appended, and the resulting batch is delivered
// to every consumer. Only one tick runs at a time; a concurrent or reentrant
// call fails with ErrCodeUnavailable.
func (b *Bus) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.ErrCodeCanceled, "tick canceled", err)
	}
	if !b.ticking.CompareAndSwap(false, true) {
		return types.NewError(types.ErrCodeUnavailable, "tick already in progress")
	}
	defer b.ticking.Store(false)

	if b.isClosed() {
		return types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}

	b.regMu.RLock()
	sources := slices.Clone(b.sources)
	consumers := slices.Clone(b.consumers)
	b.regMu.RUnlock()

	var evs []types.Event
	for _, s := range sources {
		evs = append(evs, s.src.Drain()...)
	}

	b.mu.Lock()
	evs = append(evs, b.pending...)
	b.pending = nil
	b.mu.Unlock()

	batch := &Batch{tick: b.tick.Add(1), events: evs}
	for _, sub := range consumers {
		b.deliver(ctx, sub, batch)
	}
	b.delivered.Add(uint64(len(evs)))

	return nil
}

// deliver hands the batch to one consumer, containing any panic so that the
// remaining consumers still see the tick
func (b *Bus) deliver(ctx context.Context, sub subscription, batch *Batch) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("Consumer panicked",
				"consumer", sub.name,
				"subscription_id", sub.id,
				"tick", batch.tick,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	sub.consumer.Consume(ctx, batch)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops the bus. Pending events are discarded; later Post and Tick
// calls fail with ErrCodeUnavailable.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "event bus already closed")
	}
	b.closed = true
	dropped := len(b.pending)
	b.pending = nil
	b.mu.Unlock()

	b.logger.Info("Event bus closed", "ticks", b.tick.Load(), "dropped_pending", dropped)
	return nil
}

// Stats returns statistics about the event bus
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()

	b.regMu.RLock()
	defer b.regMu.RUnlock()

	return BusStats{
		Ticks:          b.tick.Load(),
		Delivered:      b.delivered.Load(),
		Rejected:       b.rejected.Load(),
		ConsumerPanics: b.panics.Load(),
		PendingEvents:  pending,
		Consumers:      len(b.consumers),
		Sources:        len(b.sources),
	}
}

// BusStats represents event bus statistics
type BusStats struct {
	Ticks          uint64 `json:"ticks"`
	Delivered      uint64 `json:"delivered"`
	Rejected       uint64 `json:"rejected"`
	ConsumerPanics uint64 `json:"consumer_panics"`
	PendingEvents  int    `json:"pending_events"`
	Consumers      int    `json:"consumers"`
	Sources        int    `json:"sources"`
}

// String returns a string representation of the stats
func (s BusStats) String() string {
	return fmt.Sprintf("BusStats{Ticks: %d, Delivered: %d, Pending: %d, Consumers: %d, Sources: %d}",
		s.Ticks, s.Delivered, s.PendingEvents, s.Consumers, s.Sources)
}
