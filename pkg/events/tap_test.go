package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiasco-engine/ipc/pkg/types"
)

var kindMarshaler = MarshalerFunc(func(ev types.Event) ([]byte, error) {
	if ev.Kind() == types.KindClose {
		return nil, errors.New("unencodable")
	}
	return []byte(ev.Kind().String()), nil
})

func TestTapPublishesBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	defer pubSub.Close()

	msgs, err := pubSub.Subscribe(ctx, "ipc.bus")
	require.NoError(t, err)

	tap, err := NewTap(pubSub, "ipc.bus", kindMarshaler, newTestLogger(t))
	require.NoError(t, err)

	tap.Consume(ctx, NewBatch(3,
		types.Opened{Port: 9001, Owner: "a", Channel: 1},
		types.Close{Channel: 1},
		types.Closed{Channel: 1},
	))

	var got []*message.Message
	for len(got) < 2 {
		select {
		case msg := <-msgs:
			msg.Ack()
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d tapped messages, want 2", len(got))
		}
	}

	// gochannel fans each message out on its own goroutine, so order is not kept
	var payloads []string
	for _, msg := range got {
		payloads = append(payloads, string(msg.Payload))
		assert.Equal(t, string(msg.Payload), msg.Metadata.Get(MetadataKind))
		assert.Equal(t, "3", msg.Metadata.Get(MetadataTick))
	}
	assert.ElementsMatch(t, []string{"opened", "closed"}, payloads)

	assert.Equal(t, uint64(2), tap.Published())
	assert.Equal(t, uint64(1), tap.Failed())
}

func TestNewTapValidation(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	_, err := NewTap(nil, "t", kindMarshaler, nil)
	assert.Error(t, err)
	_, err = NewTap(pubSub, "", kindMarshaler, nil)
	assert.Error(t, err)
	_, err = NewTap(pubSub, "t", nil, nil)
	assert.Error(t, err)
}
