// Package agent holds in-process bus consumers that use the IPC broker the
// way game code does.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/events"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// Poster accepts commands for the next bus tick
type Poster interface {
	Post(ev types.Event) error
}

// Echo listens on one port and sends every message it receives back on the
// channel it came from. It follows the usual agent flow: PortListen, wait
// for Success, track Opened channels, answer MessageFromRemote, forget the
// channel on Closed.
type Echo struct {
	bus    Poster
	port   types.Port
	owner  types.OwnerID
	router *events.Router
	logger *logger.Logger

	mu        sync.Mutex
	listening bool
	result    *types.ListenResult
	channels  map[types.ChannelID]struct{}
	echoed    uint64
}

// NewEcho creates an echo agent for port. It does nothing until Start.
func NewEcho(bus Poster, port types.Port, owner types.OwnerID, log *logger.Logger) *Echo {
	if log == nil {
		log = logger.NewDefault()
	}
	e := &Echo{
		bus:      bus,
		port:     port,
		owner:    owner,
		logger:   log.With("component", "echo_agent", "port", uint16(port), "owner", string(owner)),
		channels: make(map[types.ChannelID]struct{}),
	}

	e.router = events.NewRouter(log)
	e.router.AddRoute(e.onListenResult, types.KindPortListenResult)
	e.router.AddRoute(e.onOpened, types.KindOpened)
	e.router.AddRoute(e.onMessage, types.KindMessageFromRemote)
	e.router.AddRoute(e.onClosed, types.KindClosed)
	e.router.AddRoute(e.onIgnored, types.KindPortIgnored)
	return e
}

// Start asks the broker to listen on the agent's port
func (e *Echo) Start() error {
	if err := e.bus.Post(types.PortListen{Port: e.port, Owner: e.owner}); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to post PortListen", err)
	}
	return nil
}

// Stop asks the broker to stop accepting connections. Open channels keep
// echoing until their peers leave.
func (e *Echo) Stop() error {
	if err := e.bus.Post(types.PortIgnore{Port: e.port, Owner: e.owner}); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to post PortIgnore", err)
	}
	return nil
}

// Consume implements events.Consumer
func (e *Echo) Consume(ctx context.Context, batch *events.Batch) {
	e.router.Consume(ctx, batch)
}

func (e *Echo) onListenResult(_ context.Context, ev types.Event) {
	r := ev.(types.PortListenResult)
	if r.Port != e.port || r.Owner != e.owner {
		return
	}

	e.mu.Lock()
	result := r.Result
	e.result = &result
	e.listening = r.Result == types.ListenSuccess
	e.mu.Unlock()

	if r.Result != types.ListenSuccess {
		e.logger.Warn("Echo agent could not listen", "result", r.Result.String())
		return
	}
	e.logger.Info("Echo agent listening")
}

func (e *Echo) onOpened(_ context.Context, ev types.Event) {
	o := ev.(types.Opened)
	if o.Port != e.port || o.Owner != e.owner {
		return
	}
	e.mu.Lock()
	e.channels[o.Channel] = struct{}{}
	e.mu.Unlock()
	e.logger.Debug("Echo channel opened", "channel", uint16(o.Channel))
}

func (e *Echo) onMessage(_ context.Context, ev types.Event) {
	m := ev.(types.MessageFromRemote)

	e.mu.Lock()
	_, ours := e.channels[m.Channel]
	e.mu.Unlock()
	if !ours {
		return
	}

	if err := e.bus.Post(types.NewMessageToRemote(m.Channel, m.Content())); err != nil {
		e.logger.Warn("Echo reply dropped", "channel", uint16(m.Channel), "error", err)
		return
	}
	e.mu.Lock()
	e.echoed++
	e.mu.Unlock()
}

func (e *Echo) onClosed(_ context.Context, ev types.Event) {
	c := ev.(types.Closed)
	e.mu.Lock()
	_, ours := e.channels[c.Channel]
	delete(e.channels, c.Channel)
	e.mu.Unlock()
	if ours {
		e.logger.Debug("Echo channel closed", "channel", uint16(c.Channel))
	}
}

func (e *Echo) onIgnored(_ context.Context, ev types.Event) {
	i := ev.(types.PortIgnored)
	// any owner may stop the port, so the ack is not filtered on owner
	if i.Port != e.port {
		return
	}
	e.mu.Lock()
	e.listening = false
	e.mu.Unlock()
	e.logger.Info("Echo agent stopped listening")
}

// Listening reports whether the last listen succeeded and was not ignored since
func (e *Echo) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

// Result returns the last PortListenResult for the agent, if any
func (e *Echo) Result() (types.ListenResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result == nil {
		return 0, false
	}
	return *e.result, true
}

// Channels returns how many channels the agent is serving
func (e *Echo) Channels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels)
}

// Echoed returns how many messages were sent back
func (e *Echo) Echoed() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.echoed
}

func (e *Echo) String() string {
	return fmt.Sprintf("Echo{Port: %d, Owner: %s, Listening: %t, Channels: %d}",
		e.port, e.owner, e.Listening(), e.Channels())
}
