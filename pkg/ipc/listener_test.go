package ipc

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiasco-engine/ipc/internal/config"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// refusedCount reads fiasco_ipc_refused_connections_total{reason} from reg
func refusedCount(t *testing.T, reg *prometheus.Registry, reason string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "fiasco_ipc_refused_connections_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestBindTCPInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	port := types.Port(taken.Addr().(*net.TCPAddr).Port)
	ln, result, err := bindTCP("127.0.0.1", port)
	require.Error(t, err)
	assert.Nil(t, ln)
	assert.Equal(t, types.ListenInUseFailure, result)

	ln, result, err = bindTCP("127.0.0.1", freePort(t))
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, types.ListenSuccess, result)
}

func TestListenerRateLimit(t *testing.T) {
	cfg := config.DefaultIPCConfig()
	cfg.AcceptRate = 0.001
	cfg.AcceptBurst = 1

	reg := prometheus.NewRegistry()
	accepted := 0
	l := newListener(9001, nil, cfg, func(*Listener, *websocket.Conn, string) { accepted++ },
		NewMetrics(reg), newTestLogger(t))

	// a plain GET spends the token and fails the handshake
	rec := httptest.NewRecorder()
	l.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(1), refusedCount(t, reg, "handshake"))

	rec = httptest.NewRecorder()
	l.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, float64(1), refusedCount(t, reg, "rate_limited"))
	assert.Zero(t, accepted)
}

func TestListenerAcceptsAndStops(t *testing.T) {
	ln, result, err := bindTCP("127.0.0.1", freePort(t))
	require.NoError(t, err)
	require.Equal(t, types.ListenSuccess, result)

	upgraded := make(chan *websocket.Conn, 1)
	l := newListener(types.Port(ln.Addr().(*net.TCPAddr).Port), ln, config.DefaultIPCConfig(),
		func(_ *Listener, ws *websocket.Conn, _ string) { upgraded <- ws },
		NewMetrics(nil), newTestLogger(t))

	exited := make(chan error, 1)
	l.start(func(err error) { exited <- err })

	client, _, err := websocket.DefaultDialer.Dial("ws://"+l.Addr().String()+"/", nil)
	require.NoError(t, err)
	defer client.Close()

	var server *websocket.Conn
	select {
	case server = <-upgraded:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not handed over")
	}
	defer server.Close()

	l.Stop()
	l.Stop()
	select {
	case err := <-exited:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not exit")
	}
	<-l.Done()

	// the upgraded connection outlives the accept socket
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte("still here")))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), data)

	_, err = net.Dial("tcp", l.Addr().String())
	assert.Error(t, err)
}

func TestListenerRefusesWhileShuttingDown(t *testing.T) {
	reg := prometheus.NewRegistry()
	accepted := 0
	l := newListener(9001, nil, config.DefaultIPCConfig(), func(*Listener, *websocket.Conn, string) { accepted++ },
		NewMetrics(reg), newTestLogger(t))
	l.enter = func() (func(), bool) { return nil, false }

	rec := httptest.NewRecorder()
	l.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, float64(1), refusedCount(t, reg, "shutting_down"))
	assert.Zero(t, refusedCount(t, reg, "handshake"))
	assert.Zero(t, accepted)
}

func TestListenerLeavesAfterEveryRequest(t *testing.T) {
	l := newListener(9001, nil, config.DefaultIPCConfig(), func(*Listener, *websocket.Conn, string) {},
		NewMetrics(nil), newTestLogger(t))
	entered, left := 0, 0
	l.enter = func() (func(), bool) {
		entered++
		return func() { left++ }, true
	}

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		l.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	assert.Equal(t, 3, entered)
	assert.Equal(t, 3, left)
}

func TestListenerStopReleasesPortAtOnce(t *testing.T) {
	for _, started := range []bool{true, false} {
		ln, _, err := bindTCP("127.0.0.1", freePort(t))
		require.NoError(t, err)
		port := types.Port(ln.Addr().(*net.TCPAddr).Port)

		l := newListener(port, ln, config.DefaultIPCConfig(), func(*Listener, *websocket.Conn, string) {},
			NewMetrics(nil), newTestLogger(t))
		if started {
			l.start(func(error) {})
		}
		l.Stop()

		again, result, err := bindTCP("127.0.0.1", port)
		require.NoError(t, err, "started=%v", started)
		assert.Equal(t, types.ListenSuccess, result)
		require.NoError(t, again.Close())
		if started {
			<-l.Done()
		}
	}
}
