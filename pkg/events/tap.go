package events

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// Metadata keys set on every tapped message
const (
	MetadataKind = "kind"
	MetadataTick = "tick"
)

// Marshaler encodes a bus event into a self-describing payload
type Marshaler interface {
	Marshal(ev types.Event) ([]byte, error)
}

// MarshalerFunc adapts a function to the Marshaler interface
type MarshalerFunc func(ev types.Event) ([]byte, error)

// Marshal calls f(ev)
func (f MarshalerFunc) Marshal(ev types.Event) ([]byte, error) {
	return f(ev)
}

// Tap mirrors every delivered batch onto a watermill publisher, one message
// per event, so tools outside the process can watch the bus. Publishing
// happens on the tick goroutine; use a non-blocking publisher.
type Tap struct {
	pub       message.Publisher
	topic     string
	marshaler Marshaler
	logger    *logger.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewTap creates a tap publishing on topic
func NewTap(pub message.Publisher, topic string, m Marshaler, log *logger.Logger) (*Tap, error) {
	if pub == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "publisher cannot be nil")
	}
	if m == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "marshaler cannot be nil")
	}
	if topic == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "topic cannot be empty")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Tap{
		pub:       pub,
		topic:     topic,
		marshaler: m,
		logger:    log.With("component", "bus_tap", "topic", topic),
	}, nil
}

// Consume implements Consumer
func (t *Tap) Consume(_ context.Context, batch *Batch) {
	if batch.Len() == 0 {
		return
	}

	tick := strconv.FormatUint(batch.Tick(), 10)
	msgs := make([]*message.Message, 0, batch.Len())
	for _, ev := range batch.All() {
		payload, err := t.marshaler.Marshal(ev)
		if err != nil {
			t.failed.Add(1)
			t.logger.Error("Failed to encode event for tap", "kind", ev.Kind().String(), "error", err)
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set(MetadataKind, ev.Kind().String())
		msg.Metadata.Set(MetadataTick, tick)
		msgs = append(msgs, msg)
	}

	if err := t.pub.Publish(t.topic, msgs...); err != nil {
		t.failed.Add(uint64(len(msgs)))
		t.logger.Error("Failed to publish tapped batch", "tick", tick, "events", len(msgs), "error", err)
		return
	}
	t.published.Add(uint64(len(msgs)))
}

// Published returns how many events were handed to the publisher
func (t *Tap) Published() uint64 { return t.published.Load() }

// Failed returns how many events could not be encoded or published
func (t *Tap) Failed() uint64 { return t.failed.Load() }
