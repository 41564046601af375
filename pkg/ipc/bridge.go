package ipc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fiasco-engine/ipc/pkg/events"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// CommandHandler applies one command taken from a delivered batch
type CommandHandler interface {
	HandleCommand(ctx context.Context, ev types.Event)
}

// CommandHandlerFunc adapts a function to the CommandHandler interface
type CommandHandlerFunc func(ctx context.Context, ev types.Event)

// HandleCommand calls f(ctx, ev)
func (f CommandHandlerFunc) HandleCommand(ctx context.Context, ev types.Event) {
	f(ctx, ev)
}

// Bridge connects the network goroutines to the bus. As an events.Source
// it hands over everything published since the previous tick; as an
// events.Consumer it applies the commands contained in each delivered
// batch and ignores everything else.
type Bridge struct {
	mu        sync.Mutex
	buf       []types.Event
	spare     []types.Event
	drained   chan struct{} // closed and replaced on every non-empty drain
	highWater int

	handler CommandHandler
	metrics *Metrics

	published atomic.Uint64
	blocked   atomic.Uint64
}

// NewBridge creates a bridge. PublishWait blocks while highWater events are
// buffered; highWater <= 0 means unbounded.
func NewBridge(highWater int, h CommandHandler, m *Metrics) *Bridge {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Bridge{
		drained:   make(chan struct{}),
		highWater: highWater,
		handler:   h,
		metrics:   m,
	}
}

// Publish buffers ev for the next tick. It never blocks on the tick side.
func (b *Bridge) Publish(ev types.Event) {
	b.mu.Lock()
	b.buf = append(b.buf, ev)
	b.mu.Unlock()
	b.published.Add(1)
}

// PublishWait buffers ev, waiting for a drain while the buffer is at its
// high-water mark. It returns an ErrCodeCanceled error if ctx ends first.
func (b *Bridge) PublishWait(ctx context.Context, ev types.Event) error {
	for {
		b.mu.Lock()
		if b.highWater <= 0 || len(b.buf) < b.highWater {
			b.buf = append(b.buf, ev)
			b.mu.Unlock()
			b.published.Add(1)
			return nil
		}
		wait := b.drained
		b.mu.Unlock()

		b.blocked.Add(1)
		select {
		case <-wait:
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeCanceled, "publish abandoned", ctx.Err())
		}
	}
}

// Drain implements events.Source. The returned slice stays valid until the
// next call; the bus copies it straight into the tick batch.
func (b *Bridge) Drain() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	clear(b.spare)
	b.buf = b.spare[:0]
	b.spare = out

	close(b.drained)
	b.drained = make(chan struct{})
	return out
}

// Consume implements events.Consumer
func (b *Bridge) Consume(ctx context.Context, batch *events.Batch) {
	b.metrics.batchSize.Observe(float64(batch.Len()))
	if b.handler == nil {
		return
	}
	for _, ev := range batch.All() {
		if ev.Kind().IsCommand() {
			b.handler.HandleCommand(ctx, ev)
		}
	}
}

// Pending returns how many events wait for the next drain
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Published returns how many events have been buffered since creation
func (b *Bridge) Published() uint64 { return b.published.Load() }

// Blocked returns how many times PublishWait had to wait for a drain
func (b *Bridge) Blocked() uint64 { return b.blocked.Load() }
