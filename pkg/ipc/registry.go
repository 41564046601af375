package ipc

import (
	"fmt"
	"slices"
	"sync"

	"github.com/fiasco-engine/ipc/pkg/types"
)

// listenAction tells the broker what a PortListen requires
type listenAction int

const (
	// listenBind: the port was idle; attempt the bind and report to waiters
	listenBind listenAction = iota
	// listenWait: a bind by the same owner is in flight; it will report
	listenWait
	// listenAlready: the same owner already listens; report Success now
	listenAlready
	// listenInUse: another owner holds the port; report InUseFailure now
	listenInUse
)

// ignoreAction tells the broker what a PortIgnore requires
type ignoreAction int

const (
	// ignoreAckNow: nothing is listening; acknowledge immediately
	ignoreAckNow ignoreAction = iota
	// ignoreDeferred: a bind is in flight; the ack follows its completion
	ignoreDeferred
	// ignoreStop: stop the returned listener and acknowledge once it exits
	ignoreStop
)

// bindOutcome is what completeBind hands back to the binding goroutine
type bindOutcome struct {
	// waiters are the owners that asked to listen while the bind was in flight
	waiters []types.OwnerID
	// ignores are the PortIgnore requests that arrived meanwhile
	ignores []types.OwnerID
	// keep is false when the fresh listener must be stopped straight away
	keep bool
}

type portEntry struct {
	port     types.Port
	state    types.PortState
	owner    types.OwnerID
	listener *Listener
	waiters  []types.OwnerID
	ignores  []types.OwnerID
	acks     int // PortIgnored acks waiting on a listener to exit
	channels int
}

// idle reports whether the entry can be forgotten
func (e *portEntry) idle() bool {
	return e.state == types.PortClosing && e.acks == 0 && e.channels == 0
}

// PortInfo is a read-only snapshot of a port registration
type PortInfo struct {
	Port     types.Port      `json:"port"`
	State    types.PortState `json:"state"`
	Owner    types.OwnerID   `json:"owner"`
	Channels int             `json:"channels"`
	Addr     string          `json:"addr,omitempty"`
}

// Registry tracks port registrations. One mutex guards every entry; when a
// caller needs both the registry and the channel table, the registry lock is
// taken first.
type Registry struct {
	mu      sync.Mutex
	ports   map[types.Port]*portEntry
	minPort types.Port
	maxPort types.Port
}

// NewRegistry creates a registry accepting ports in [minPort, maxPort]
func NewRegistry(minPort, maxPort types.Port) *Registry {
	if minPort == 0 {
		minPort = 1
	}
	return &Registry{
		ports:   make(map[types.Port]*portEntry),
		minPort: minPort,
		maxPort: maxPort,
	}
}

func (r *Registry) checkRange(port types.Port) error {
	if port == 0 || port < r.minPort || port > r.maxPort {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("port %d outside allowed range %d-%d", port, r.minPort, r.maxPort))
	}
	return nil
}

// listen records a PortListen and decides what the broker must do
func (r *Registry) listen(port types.Port, owner types.OwnerID) (listenAction, error) {
	if err := r.checkRange(port); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.ports[port]
	if !ok {
		r.ports[port] = &portEntry{
			port:    port,
			state:   types.PortPending,
			owner:   owner,
			waiters: []types.OwnerID{owner},
		}
		return listenBind, nil
	}

	switch e.state {
	case types.PortClosing:
		// Ignore closes the old listener's socket before returning, so
		// the port is free to bind. Remaining channels and outstanding
		// acks carry over to the new registration.
		e.state = types.PortPending
		e.owner = owner
		e.waiters = []types.OwnerID{owner}
		return listenBind, nil
	case types.PortPending:
		if e.owner == owner {
			e.waiters = append(e.waiters, owner)
			return listenWait, nil
		}
		return listenInUse, nil
	case types.PortListening:
		if e.owner == owner {
			return listenAlready, nil
		}
		return listenInUse, nil
	}
	panic(fmt.Sprintf("ipc: port %d in unexpected state %s", port, e.state))
}

// completeBind records the outcome of a bind started by listen. l is nil
// when the bind failed.
func (r *Registry) completeBind(port types.Port, l *Listener) bindOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.ports[port]
	if !ok || e.state != types.PortPending {
		panic(fmt.Sprintf("ipc: bind completed for port %d which is not pending", port))
	}

	out := bindOutcome{waiters: e.waiters, ignores: e.ignores}
	e.waiters, e.ignores = nil, nil
	e.acks += len(out.ignores)

	switch {
	case l == nil, len(out.ignores) > 0:
		e.state = types.PortClosing
	default:
		if e.listener != nil {
			panic(fmt.Sprintf("ipc: port %d already has a live listener", port))
		}
		e.state = types.PortListening
		e.listener = l
		out.keep = true
	}

	r.forgetIfIdle(e)
	return out
}

// ignore records a PortIgnore. With ignoreStop the returned listener has
// been detached and must be stopped by the caller, who then calls ackDone.
func (r *Registry) ignore(port types.Port, owner types.OwnerID) (ignoreAction, *Listener, error) {
	if err := r.checkRange(port); err != nil {
		return 0, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.ports[port]
	if !ok {
		return ignoreAckNow, nil, nil
	}

	switch e.state {
	case types.PortPending:
		e.ignores = append(e.ignores, owner)
		return ignoreDeferred, nil, nil
	case types.PortListening:
		l := e.listener
		e.listener = nil
		e.state = types.PortClosing
		e.acks++
		return ignoreStop, l, nil
	default:
		return ignoreAckNow, nil, nil
	}
}

// ackDone records that n PortIgnored acks for port have been published
func (r *Registry) ackDone(port types.Port, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.ports[port]
	if !ok {
		return
	}
	e.acks -= n
	if e.acks < 0 {
		panic(fmt.Sprintf("ipc: negative ack count for port %d", port))
	}
	r.forgetIfIdle(e)
}

// admit registers a new channel accepted by l if l is still the port's live
// listener. open runs under the registry lock and must insert the channel
// into the table.
func (r *Registry) admit(port types.Port, l *Listener, open func(owner types.OwnerID) error) (types.OwnerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.ports[port]
	if !ok || e.state != types.PortListening || e.listener != l {
		return "", types.NewError(types.ErrCodeUnavailable, fmt.Sprintf("port %d is not listening", port))
	}
	if err := open(e.owner); err != nil {
		return "", err
	}
	e.channels++
	return e.owner, nil
}

// release records that a channel on port has been removed from the table
func (r *Registry) release(port types.Port) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.ports[port]
	if !ok || e.channels == 0 {
		panic(fmt.Sprintf("ipc: channel released on port %d with no open channels", port))
	}
	e.channels--
	r.forgetIfIdle(e)
}

// listenerFailed handles a listener whose accept loop died on its own
func (r *Registry) listenerFailed(port types.Port, l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.ports[port]
	if !ok || e.listener != l {
		return
	}
	e.listener = nil
	e.state = types.PortClosing
	r.forgetIfIdle(e)
}

// shutdown detaches every live listener
func (r *Registry) shutdown() []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Listener
	for _, e := range r.ports {
		if e.listener != nil {
			out = append(out, e.listener)
			e.listener = nil
		}
		if e.state == types.PortListening {
			e.state = types.PortClosing
		}
	}
	return out
}

func (r *Registry) forgetIfIdle(e *portEntry) {
	if e.idle() {
		delete(r.ports, e.port)
	}
}

// state returns the current state of port; absent ports are idle
func (r *Registry) state(port types.Port) types.PortState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.ports[port]; ok {
		return e.state
	}
	return types.PortIdle
}

// snapshot returns every known port ordered by number
func (r *Registry) snapshot() []PortInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PortInfo, 0, len(r.ports))
	for _, e := range r.ports {
		info := PortInfo{
			Port:     e.port,
			State:    e.state,
			Owner:    e.owner,
			Channels: e.channels,
		}
		if e.listener != nil {
			info.Addr = e.listener.Addr().String()
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b PortInfo) int { return int(a.Port) - int(b.Port) })
	return out
}

// listening returns how many ports have a live listener
func (r *Registry) listening() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.ports {
		if e.state == types.PortListening {
			n++
		}
	}
	return n
}
