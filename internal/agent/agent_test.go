package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiasco-engine/ipc/internal/config"
	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/events"
	"github.com/fiasco-engine/ipc/pkg/ipc"
	"github.com/fiasco-engine/ipc/pkg/types"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewWithWriter(io.Discard, "debug", "json")
	require.NoError(t, err)
	return log
}

func freePort(t *testing.T) types.Port {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return types.Port(ln.Addr().(*net.TCPAddr).Port)
}

// postRecorder stands in for the bus when only posted commands matter
type postRecorder struct {
	posted []types.Event
}

func (p *postRecorder) Post(ev types.Event) error {
	p.posted = append(p.posted, ev)
	return nil
}

func deliver(e *Echo, evs ...types.Event) {
	e.Consume(context.Background(), events.NewBatch(1, evs...))
}

func TestEchoStartStopPostCommands(t *testing.T) {
	bus := &postRecorder{}
	e := NewEcho(bus, 9100, "echo", newTestLogger(t))

	require.NoError(t, e.Start())
	require.NoError(t, e.Stop())
	assert.Equal(t, []types.Event{
		types.PortListen{Port: 9100, Owner: "echo"},
		types.PortIgnore{Port: 9100, Owner: "echo"},
	}, bus.posted)
}

func TestEchoTracksItsOwnChannels(t *testing.T) {
	bus := &postRecorder{}
	e := NewEcho(bus, 9100, "echo", newTestLogger(t))

	deliver(e,
		types.PortListenResult{Port: 9100, Owner: "echo", Result: types.ListenSuccess},
		types.PortListenResult{Port: 9200, Owner: "other", Result: types.ListenInUseFailure},
		types.Opened{Port: 9100, Owner: "echo", Channel: 1},
		types.Opened{Port: 9200, Owner: "other", Channel: 2},
	)
	assert.True(t, e.Listening())
	result, ok := e.Result()
	require.True(t, ok)
	assert.Equal(t, types.ListenSuccess, result)
	assert.Equal(t, 1, e.Channels())

	deliver(e,
		types.NewMessageFromRemote(1, []byte("ping")),
		types.NewMessageFromRemote(2, []byte("not mine")),
	)
	require.Len(t, bus.posted, 1)
	reply, ok := bus.posted[0].(types.MessageToRemote)
	require.True(t, ok)
	assert.Equal(t, types.ChannelID(1), reply.Channel)
	assert.Equal(t, []byte("ping"), reply.Content())
	assert.Equal(t, uint64(1), e.Echoed())

	deliver(e, types.Closed{Channel: 1}, types.NewMessageFromRemote(1, []byte("late")))
	assert.Zero(t, e.Channels())
	assert.Len(t, bus.posted, 1)

	deliver(e, types.PortIgnored{Port: 9100, Owner: "echo"})
	assert.False(t, e.Listening())
}

func TestEchoListenFailure(t *testing.T) {
	e := NewEcho(&postRecorder{}, 9100, "echo", newTestLogger(t))

	_, ok := e.Result()
	assert.False(t, ok)

	deliver(e, types.PortListenResult{Port: 9100, Owner: "echo", Result: types.ListenNoPermissionFailure})
	assert.False(t, e.Listening())
	result, ok := e.Result()
	require.True(t, ok)
	assert.Equal(t, types.ListenNoPermissionFailure, result)
	assert.Contains(t, e.String(), "Listening: false")
}

func TestEchoStopsListeningWhenAnyOwnerIgnoresItsPort(t *testing.T) {
	e := NewEcho(&postRecorder{}, 9100, "echo", newTestLogger(t))
	deliver(e, types.PortListenResult{Port: 9100, Owner: "echo", Result: types.ListenSuccess})
	require.True(t, e.Listening())

	deliver(e, types.PortIgnored{Port: 9101, Owner: "echo"})
	assert.True(t, e.Listening())

	deliver(e, types.PortIgnored{Port: 9100, Owner: "console"})
	assert.False(t, e.Listening())
}

func TestRecorderWaitFor(t *testing.T) {
	r := NewRecorder()

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Consume(context.Background(), events.NewBatch(1, types.Closed{Channel: 3}))
		r.Consume(context.Background(), events.NewBatch(2, types.Closed{Channel: 4}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := r.WaitFor(ctx, events.OnChannel(4))
	require.NoError(t, err)
	assert.Equal(t, types.Closed{Channel: 4}, ev)

	assert.Equal(t, 2, r.Count(events.KindIs(types.KindClosed)))
	assert.Len(t, r.Events(), 2)

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestRecorderWaitForCanceled(t *testing.T) {
	r := NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.WaitFor(ctx, events.KindIs(types.KindOpened))
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestEchoOverBroker(t *testing.T) {
	log := newTestLogger(t)
	cfg := config.DefaultIPCConfig()
	cfg.BindHost = "127.0.0.1"

	bus := events.New(log)
	broker, err := ipc.New(cfg, log)
	require.NoError(t, err)
	require.NoError(t, broker.Attach(bus))

	port := freePort(t)
	echo := NewEcho(bus, port, "echo", log)
	rec := NewRecorder()
	_, err = bus.Subscribe("echo", echo)
	require.NoError(t, err)
	_, err = bus.Subscribe("recorder", rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	loop, err := events.NewLoop(bus, 2*time.Millisecond, log)
	require.NoError(t, err)
	loopDone := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(loopDone)
	}()
	t.Cleanup(func() {
		_ = broker.Close()
		cancel()
		<-loopDone
		_ = bus.Close()
	})

	require.NoError(t, echo.Start())
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	_, err = rec.WaitFor(waitCtx, events.KindIs(types.KindPortListenResult))
	require.NoError(t, err)
	require.True(t, echo.Listening())

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("hello")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, 1, echo.Channels())

	require.NoError(t, ws.Close())
	_, err = rec.WaitFor(waitCtx, events.KindIs(types.KindClosed))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return echo.Channels() == 0 }, 2*time.Second, 5*time.Millisecond)
}
