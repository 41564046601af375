package ipc

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiasco-engine/ipc/pkg/types"
)

func TestTableAllocatesSequentialIDs(t *testing.T) {
	tbl := NewTable(16)

	for want := types.ChannelID(1); want <= 3; want++ {
		id, err := tbl.open(9001, "a", nil)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 3, tbl.Len())
}

func TestTableIDsAreNotReusedImmediately(t *testing.T) {
	tbl := NewTable(16)

	id1, err := tbl.open(9001, "a", nil)
	require.NoError(t, err)
	_, ok := tbl.finalize(id1)
	require.True(t, ok)

	id2, err := tbl.open(9001, "a", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestTableWrapSkipsZeroAndLiveIDs(t *testing.T) {
	tbl := NewTable(0)

	// channel 1 stays open across the wrap
	first, err := tbl.open(9001, "a", nil)
	require.NoError(t, err)
	require.Equal(t, types.ChannelID(1), first)

	tbl.mu.Lock()
	tbl.last = math.MaxUint16 - 1
	tbl.mu.Unlock()

	id, err := tbl.open(9001, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, types.ChannelID(math.MaxUint16), id)

	id, err = tbl.open(9001, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, types.ChannelID(2), id)
}

func TestTableFull(t *testing.T) {
	tbl := NewTable(2)

	_, err := tbl.open(9001, "a", nil)
	require.NoError(t, err)
	id, err := tbl.open(9001, "a", nil)
	require.NoError(t, err)

	_, err = tbl.open(9001, "a", nil)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeResourceExhausted))

	tbl.finalize(id)
	_, err = tbl.open(9001, "a", nil)
	assert.NoError(t, err)
}

func TestTableInsertDuplicatePanics(t *testing.T) {
	tbl := NewTable(4)
	id, err := tbl.open(9001, "a", nil)
	require.NoError(t, err)

	assert.Panics(t, func() {
		tbl.mu.Lock()
		defer tbl.mu.Unlock()
		tbl.insert(&channelEntry{id: id})
	})
}

func TestTableLifecycle(t *testing.T) {
	tbl := NewTable(4)
	id, err := tbl.open(9001, "a", nil)
	require.NoError(t, err)

	e, ok := tbl.lookupOpen(id)
	require.True(t, ok)
	assert.Equal(t, types.ChannelOpen, e.state)
	assert.Equal(t, types.OwnerID("a"), e.owner)

	_, ok = tbl.beginClose(id)
	require.True(t, ok)
	_, ok = tbl.beginClose(id)
	assert.False(t, ok, "second close is a no-op")
	_, ok = tbl.lookupOpen(id)
	assert.False(t, ok, "closing channels are not open")

	e, ok = tbl.finalize(id)
	require.True(t, ok)
	assert.Equal(t, types.ChannelClosed, e.state)
	assert.Equal(t, types.Port(9001), e.port)

	_, ok = tbl.finalize(id)
	assert.False(t, ok)
	_, ok = tbl.beginClose(id)
	assert.False(t, ok)
	assert.Zero(t, tbl.Len())
}

func TestTableFinalizeRaceHasOneWinner(t *testing.T) {
	tbl := NewTable(4)
	id, err := tbl.open(9001, "a", nil)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.beginClose(id)
			if _, ok := tbl.finalize(id); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestTableSnapshotOrdered(t *testing.T) {
	tbl := NewTable(8)
	for i := 0; i < 3; i++ {
		_, err := tbl.open(types.Port(9001+i), "a", nil)
		require.NoError(t, err)
	}
	_, ok := tbl.beginClose(2)
	require.True(t, ok)

	snap := tbl.snapshot()
	require.Len(t, snap, 3)
	for i, info := range snap {
		assert.Equal(t, types.ChannelID(i+1), info.ID)
		assert.Equal(t, types.Port(9001+i), info.Port)
	}
	assert.Equal(t, types.ChannelClosing, snap[1].State)
	assert.Len(t, tbl.conns(), 3)
}
