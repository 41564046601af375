package events

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/types"
)

func testBatch() *Batch {
	return NewBatch(7,
		types.PortListenResult{Port: 9001, Owner: "agentA", Result: types.ListenSuccess},
		types.PortListenResult{Port: 9002, Owner: "agentB", Result: types.ListenInUseFailure},
		types.Opened{Port: 9001, Owner: "agentA", Channel: 1},
		types.NewMessageFromRemote(1, []byte("hi")),
		types.NewMessageFromRemote(2, []byte("other")),
		types.Closed{Channel: 1},
	)
}

func collect(pred Predicate) []types.Event {
	var got []types.Event
	Filter(pred, func(_ context.Context, ev types.Event) {
		got = append(got, ev)
	}).Consume(context.Background(), testBatch())
	return got
}

func TestPredicates(t *testing.T) {
	t.Run("owner", func(t *testing.T) {
		got := collect(OwnedBy("agentA"))
		require.Len(t, got, 2)
		assert.Equal(t, types.KindPortListenResult, got[0].Kind())
		assert.Equal(t, types.KindOpened, got[1].Kind())
	})

	t.Run("channel", func(t *testing.T) {
		got := collect(OnChannel(1))
		require.Len(t, got, 3)
		assert.Equal(t, types.KindClosed, got[2].Kind())
	})

	t.Run("kind", func(t *testing.T) {
		assert.Len(t, collect(KindIs(types.KindMessageFromRemote)), 2)
		assert.Len(t, collect(KindIs(types.KindOpened, types.KindClosed)), 2)
		assert.Empty(t, collect(KindIs(types.KindPortIgnored)))
	})

	t.Run("combinators", func(t *testing.T) {
		assert.Len(t, collect(And(OnChannel(1), KindIs(types.KindMessageFromRemote))), 1)
		assert.Len(t, collect(Or(OwnedBy("agentB"), OnChannel(2))), 2)
	})
}

func TestForEachAndChain(t *testing.T) {
	var n1, n2 int
	c := Chain(
		ForEach(func(context.Context, types.Event) { n1++ }),
		ForEach(func(context.Context, types.Event) { n2++ }),
	)
	c.Consume(context.Background(), testBatch())
	assert.Equal(t, 6, n1)
	assert.Equal(t, 6, n2)
}

func TestBatchAccessors(t *testing.T) {
	b := testBatch()
	assert.Equal(t, uint64(7), b.Tick())
	assert.Equal(t, 6, b.Len())
	assert.Equal(t, types.KindOpened, b.At(2).Kind())

	evs := b.Events()
	evs[0] = types.Closed{Channel: 99}
	assert.Equal(t, types.KindPortListenResult, b.At(0).Kind())

	seen := 0
	for i := range b.All() {
		if i == 1 {
			break
		}
		seen++
	}
	assert.Equal(t, 1, seen)
}

func TestLoggingConsumer(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewWithWriter(&buf, "debug", "text")
	require.NoError(t, err)

	c, err := NewLoggingConsumer(log, "info")
	require.NoError(t, err)
	c.Consume(context.Background(), testBatch())

	out := buf.String()
	assert.Contains(t, out, "kind=opened")
	assert.Contains(t, out, "result=in_use_failure")
	assert.Contains(t, out, "bytes=5")
	assert.Contains(t, out, "tick=7")
	assert.NotContains(t, out, "other", "payloads are not logged")

	_, err = NewLoggingConsumer(log, "chatty")
	assert.Error(t, err)
}
