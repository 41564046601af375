package ipc

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/fiasco-engine/ipc/pkg/types"
)

// channelEntry is the table's record of one live channel
type channelEntry struct {
	id        types.ChannelID
	port      types.Port
	owner     types.OwnerID
	state     types.ChannelState
	createdAt time.Time
	conn      *conn
}

// ChannelInfo is a read-only snapshot of a channel
type ChannelInfo struct {
	ID          types.ChannelID    `json:"id"`
	Port        types.Port         `json:"port"`
	Owner       types.OwnerID      `json:"owner"`
	State       types.ChannelState `json:"state"`
	CreatedAt   time.Time          `json:"created_at"`
	RemoteAddr  string             `json:"remote_addr"`
	MessagesIn  uint64             `json:"messages_in"`
	MessagesOut uint64             `json:"messages_out"`
	BytesIn     uint64             `json:"bytes_in"`
	BytesOut    uint64             `json:"bytes_out"`
}

// Table tracks every live channel. A single mutex guards inserts, removals
// and state transitions.
type Table struct {
	mu       sync.Mutex
	channels map[types.ChannelID]*channelEntry
	last     types.ChannelID
	max      int
}

// NewTable creates a table holding at most maxChannels channels
func NewTable(maxChannels int) *Table {
	if maxChannels <= 0 || maxChannels > math.MaxUint16 {
		maxChannels = math.MaxUint16
	}
	return &Table{
		channels: make(map[types.ChannelID]*channelEntry),
		max:      maxChannels,
	}
}

// open allocates a fresh id and inserts an Open entry for it. Ids advance
// monotonically, wrap around, and skip zero and ids still in use.
func (t *Table) open(port types.Port, owner types.OwnerID, c *conn) (types.ChannelID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.channels) >= t.max {
		return 0, types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("channel table full (%d channels)", t.max))
	}

	id := t.last
	for {
		id++
		if id == 0 {
			continue
		}
		if _, used := t.channels[id]; !used {
			break
		}
	}
	t.last = id

	t.insert(&channelEntry{
		id:        id,
		port:      port,
		owner:     owner,
		state:     types.ChannelOpen,
		createdAt: time.Now(),
		conn:      c,
	})
	return id, nil
}

// insert adds e. The caller holds t.mu. A duplicate id means the allocator
// is broken, which is not recoverable.
func (t *Table) insert(e *channelEntry) {
	if _, dup := t.channels[e.id]; dup {
		panic(fmt.Sprintf("ipc: duplicate channel id %d", e.id))
	}
	t.channels[e.id] = e
}

// lookupOpen returns the entry for id if it is Open
func (t *Table) lookupOpen(id types.ChannelID) (*channelEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.channels[id]
	if !ok || e.state != types.ChannelOpen {
		return nil, false
	}
	return e, true
}

// beginClose moves id from Open to Closing. It returns false if the channel
// is unknown or already closing.
func (t *Table) beginClose(id types.ChannelID) (*channelEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.channels[id]
	if !ok || e.state != types.ChannelOpen {
		return nil, false
	}
	e.state = types.ChannelClosing
	return e, true
}

// finalize removes id from the table. Only the first caller gets the entry
// back, and only that caller may publish Closed.
func (t *Table) finalize(id types.ChannelID) (*channelEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.channels[id]
	if !ok {
		return nil, false
	}
	delete(t.channels, id)
	e.state = types.ChannelClosed
	return e, true
}

// conns returns the connection of every channel
func (t *Table) conns() []*conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*conn, 0, len(t.channels))
	for _, e := range t.channels {
		out = append(out, e.conn)
	}
	return out
}

// Len returns the number of live channels
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// snapshot returns every channel ordered by id
func (t *Table) snapshot() []ChannelInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ChannelInfo, 0, len(t.channels))
	for _, e := range t.channels {
		info := ChannelInfo{
			ID:        e.id,
			Port:      e.port,
			Owner:     e.owner,
			State:     e.state,
			CreatedAt: e.createdAt,
		}
		if e.conn != nil {
			info.RemoteAddr = e.conn.remoteAddr
			info.MessagesIn = e.conn.messagesIn.Load()
			info.MessagesOut = e.conn.messagesOut.Load()
			info.BytesIn = e.conn.bytesIn.Load()
			info.BytesOut = e.conn.bytesOut.Load()
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b ChannelInfo) int { return int(a.ID) - int(b.ID) })
	return out
}
