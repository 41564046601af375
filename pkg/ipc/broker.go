package ipc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fiasco-engine/ipc/internal/config"
	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/events"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// Broker exposes WebSocket ports to the game's event bus. Game-side
// consumers drive it with PortListen, PortIgnore, MessageToRemote and Close
// commands and observe PortListenResult, Opened, MessageFromRemote, Closed
// and PortIgnored events; network I/O stays on background goroutines.
type Broker struct {
	mu         sync.RWMutex // guards closed and the bus attachment
	closed     bool
	bus        *events.Bus
	sourceID   types.ID
	consumerID types.ID

	cfg        config.IPCConfig
	codec      Codec
	registry   *Registry
	table      *Table
	bridge     *Bridge
	metrics    *Metrics
	maxPending int
	logger     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropped atomic.Uint64
	opened  atomic.Uint64
}

// Option configures a Broker
type Option func(*Broker)

// WithMetrics sets the collectors the broker reports to
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithMaxPending bounds how many inbound messages may wait for the next
// tick before read pumps stop reading
func WithMaxPending(n int) Option {
	return func(b *Broker) {
		b.maxPending = n
	}
}

// New creates a broker. It binds nothing until a PortListen arrives.
func New(cfg config.IPCConfig, log *logger.Logger, opts ...Option) (*Broker, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.MinPort < 1 || cfg.MaxPort > 65535 || cfg.MinPort > cfg.MaxPort {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid port range %d-%d", cfg.MinPort, cfg.MaxPort))
	}
	normalize(&cfg)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:        cfg,
		registry:   NewRegistry(types.Port(cfg.MinPort), types.Port(cfg.MaxPort)),
		table:      NewTable(cfg.MaxChannels),
		maxPending: config.DefaultBusMaxPending,
		logger:     log.With("component", "ipc_broker"),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = NewMetrics(nil)
	}
	b.bridge = NewBridge(b.maxPending, b, b.metrics)

	b.logger.Info("IPC broker initialized",
		"bind_host", cfg.BindHost,
		"port_range", fmt.Sprintf("%d-%d", cfg.MinPort, cfg.MaxPort),
		"max_channels", cfg.MaxChannels,
		"max_message_size", cfg.MaxMessageSize,
		"idle_timeout", cfg.IdleTimeout.String(),
		"max_pending", b.maxPending)

	return b, nil
}

// normalize fills zero values the pumps cannot run with
func normalize(cfg *config.IPCConfig) {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if cfg.MaxPendingWrites <= 0 {
		cfg.MaxPendingWrites = config.DefaultMaxPendingWrites
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultWriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = config.DefaultMaxChannels
	}
}

// Attach registers the broker on bus as both a source of network events and
// a consumer of commands
func (b *Broker) Attach(bus *events.Bus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	if b.bus != nil {
		return types.NewError(types.ErrCodeInvalid, "broker is already attached to a bus")
	}

	sourceID, err := bus.AddSource(b.bridge)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to register bus source", err)
	}
	consumerID, err := bus.Subscribe("ipc_broker", b.bridge)
	if err != nil {
		_ = bus.RemoveSource(sourceID)
		return types.WrapError(types.ErrCodeInternal, "failed to subscribe to bus", err)
	}

	b.bus, b.sourceID, b.consumerID = bus, sourceID, consumerID
	b.logger.Info("Attached to event bus", "source_id", sourceID, "subscription_id", consumerID)
	return nil
}

// HandleCommand applies one command from a delivered batch. It implements
// CommandHandler and never blocks on network I/O.
func (b *Broker) HandleCommand(_ context.Context, ev types.Event) {
	switch ev := ev.(type) {
	case types.PortListen:
		if err := b.Listen(ev.Port, ev.Owner); err != nil {
			b.logger.Warn("PortListen rejected", "port", uint16(ev.Port), "owner", ev.Owner, "error", err)
		}
	case types.PortIgnore:
		if err := b.Ignore(ev.Port, ev.Owner); err != nil {
			b.logger.Warn("PortIgnore rejected", "port", uint16(ev.Port), "owner", ev.Owner, "error", err)
		}
	case types.MessageToRemote:
		if err := b.Send(ev); err != nil {
			b.logger.Debug("MessageToRemote dropped", "channel", uint16(ev.Channel), "bytes", ev.Len(), "error", err)
		}
	case types.Close:
		if err := b.CloseChannel(ev.Channel); err != nil {
			b.logger.Debug("Close dropped", "channel", uint16(ev.Channel), "error", err)
		}
	}
}

// Listen asks for port to accept connections on behalf of owner. The
// outcome arrives as a PortListenResult; only an out-of-range port or a
// closed broker fail synchronously, and those publish nothing.
func (b *Broker) Listen(port types.Port, owner types.OwnerID) error {
	if b.isClosed() {
		b.drop("broker_closed")
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}

	action, err := b.registry.listen(port, owner)
	if err != nil {
		b.drop("out_of_range")
		return err
	}

	switch action {
	case listenBind:
		if !b.goBackground(func() { b.bind(port) }) {
			b.bind(port)
		}
	case listenWait:
		b.logger.Debug("Listen joined pending bind", "port", uint16(port), "owner", owner)
	case listenAlready:
		b.publishListenResult(port, owner, types.ListenSuccess)
	case listenInUse:
		b.publishListenResult(port, owner, types.ListenInUseFailure)
	}
	return nil
}

// bind opens the OS socket for a pending port and reports to every owner
// that asked for it meanwhile
func (b *Broker) bind(port types.Port) {
	ln, result, err := bindTCP(b.cfg.BindHost, port)

	var l *Listener
	if err != nil {
		b.logger.Warn("Bind failed", "port", uint16(port), "result", result.String(), "error", err)
	} else {
		l = newListener(port, ln, b.cfg, b.acceptConn, b.metrics, b.logger)
		l.enter = b.enterHandler
	}

	out := b.registry.completeBind(port, l)
	if l != nil && out.keep && b.isClosed() {
		b.registry.listenerFailed(port, l)
		out.keep = false
		result = types.ListenGeneralFailure
	}
	if l != nil {
		if out.keep {
			b.startListener(l)
			b.logger.Info("Port listening", "port", uint16(port), "addr", l.Addr().String())
		} else {
			_ = ln.Close()
		}
	}
	b.updatePortGauge()

	for _, owner := range out.waiters {
		b.publishListenResult(port, owner, result)
	}
	for _, owner := range out.ignores {
		b.publishIgnored(port, owner)
	}
	if len(out.ignores) > 0 {
		b.registry.ackDone(port, len(out.ignores))
	}
}

func (b *Broker) startListener(l *Listener) {
	b.wg.Add(1)
	l.start(func(err error) {
		defer b.wg.Done()
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		b.logger.Error("Listener stopped unexpectedly", "port", uint16(l.Port()), "error", err)
		b.registry.listenerFailed(l.Port(), l)
		b.updatePortGauge()
	})
}

// Ignore stops accepting connections on port. A PortIgnored ack always
// follows, once the listener (if any) has stopped. Open channels are not
// affected.
func (b *Broker) Ignore(port types.Port, owner types.OwnerID) error {
	if b.isClosed() {
		b.drop("broker_closed")
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}

	action, l, err := b.registry.ignore(port, owner)
	if err != nil {
		b.drop("out_of_range")
		return err
	}

	switch action {
	case ignoreAckNow:
		b.publishIgnored(port, owner)
	case ignoreDeferred:
		b.logger.Debug("Ignore deferred until bind completes", "port", uint16(port), "owner", owner)
	case ignoreStop:
		l.Stop()
		b.updatePortGauge()
		stop := func() {
			<-l.Done()
			b.logger.Info("Port ignored", "port", uint16(port), "owner", owner)
			b.publishIgnored(port, owner)
			b.registry.ackDone(port, 1)
		}
		if !b.goBackground(stop) {
			stop()
		}
	}
	return nil
}

// acceptConn turns an upgraded connection into a channel
func (b *Broker) acceptConn(l *Listener, ws *websocket.Conn, remoteAddr string) {
	c := newConn(b, l.Port(), ws, remoteAddr)

	owner, err := b.registry.admit(l.Port(), l, func(owner types.OwnerID) error {
		id, err := b.table.open(l.Port(), owner, c)
		if err != nil {
			return err
		}
		c.id, c.owner = id, owner
		return nil
	})
	if err != nil {
		reason, code := "not_listening", websocket.CloseGoingAway
		if types.IsErrCode(err, types.ErrCodeResourceExhausted) {
			reason, code = "table_full", websocket.CloseTryAgainLater
		}
		b.metrics.refused.WithLabelValues(reason).Inc()
		b.logger.Warn("Connection refused", "port", uint16(l.Port()), "remote_addr", remoteAddr, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""),
			time.Now().Add(b.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		_ = ws.Close()
		if _, ok := b.table.finalize(c.id); ok {
			b.registry.release(c.port)
		}
		return
	}
	b.wg.Add(2)
	b.opened.Add(1)
	b.metrics.channelsOpened.Inc()
	b.metrics.openChannels.Inc()
	b.bridge.Publish(types.Opened{Port: c.port, Owner: owner, Channel: c.id})
	b.mu.RUnlock()

	b.logger.Info("Channel opened",
		"channel", uint16(c.id), "port", uint16(c.port), "owner", owner, "remote_addr", remoteAddr)

	go c.writePump()
	go c.readPump(b.ctx)
}

// finalizeChannel removes a channel whose read pump has exited and
// publishes its single Closed event
func (b *Broker) finalizeChannel(c *conn) {
	close(c.done)
	_ = c.ws.Close()

	e, ok := b.table.finalize(c.id)
	if !ok {
		panic(fmt.Sprintf("ipc: channel %d finalized twice", c.id))
	}
	b.registry.release(e.port)

	reason := c.closeReason()
	b.metrics.openChannels.Dec()
	b.metrics.channelCloses.WithLabelValues(string(reason)).Inc()
	b.bridge.Publish(types.Closed{Channel: c.id})
	b.logger.Info("Channel closed",
		"channel", uint16(c.id),
		"port", uint16(e.port),
		"reason", string(reason),
		"messages_in", c.messagesIn.Load(),
		"messages_out", c.messagesOut.Load())
}

// Send queues content for the remote end of an open channel. Messages for
// unknown or closing channels are dropped without an event.
func (b *Broker) Send(msg types.MessageToRemote) error {
	e, ok := b.table.lookupOpen(msg.Channel)
	if !ok {
		b.drop("channel_not_open")
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("channel %d is not open", msg.Channel))
	}

	_, data := b.codec.EncodeFrame(msg)
	err := e.conn.enqueue(data)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSlowPeer):
		b.drop("slow_peer")
		b.logger.Warn("Outbound queue full, closing channel",
			"channel", uint16(msg.Channel), "pending", b.cfg.MaxPendingWrites)
		if _, ok := b.table.beginClose(msg.Channel); ok {
			e.conn.abort(ReasonSlowPeer)
		}
		return types.WrapError(types.ErrCodeResourceExhausted, "outbound queue full", err)
	default:
		b.drop("channel_not_open")
		return types.WrapError(types.ErrCodeNotFound, fmt.Sprintf("channel %d is closing", msg.Channel), err)
	}
}

// CloseChannel starts closing an open channel: queued messages are flushed,
// the peer gets a normal close frame, and Closed follows once the
// connection is gone. Unknown or already closing channels are ignored.
func (b *Broker) CloseChannel(id types.ChannelID) error {
	e, ok := b.table.beginClose(id)
	if !ok {
		b.drop("channel_not_open")
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("channel %d is not open", id))
	}
	e.conn.requestClose(ReasonRequested)
	b.logger.Debug("Channel closing", "channel", uint16(id))
	return nil
}

func (b *Broker) publishListenResult(port types.Port, owner types.OwnerID, result types.ListenResult) {
	b.metrics.listenResults.WithLabelValues(result.String()).Inc()
	b.bridge.Publish(types.PortListenResult{Port: port, Owner: owner, Result: result})
	b.logger.Debug("Listen result", "port", uint16(port), "owner", owner, "result", result.String())
}

func (b *Broker) publishIgnored(port types.Port, owner types.OwnerID) {
	b.bridge.Publish(types.PortIgnored{Port: port, Owner: owner})
}

func (b *Broker) drop(reason string) {
	b.dropped.Add(1)
	b.metrics.droppedCommands.WithLabelValues(reason).Inc()
}

func (b *Broker) updatePortGauge() {
	b.metrics.listeningPorts.Set(float64(b.registry.listening()))
}

// goBackground runs fn on a goroutine tracked by Close. It returns false
// without running fn once the broker is closed.
func (b *Broker) goBackground(fn func()) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

// enterHandler counts a listener request in progress so that Close waits
// for it. It refuses once the broker is closed.
func (b *Broker) enterHandler() (func(), bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}
	b.wg.Add(1)
	return b.wg.Done, true
}

func (b *Broker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close stops every listener, closes every channel and waits for all
// network goroutines. The Closed events it causes stay queued on the
// bridge and reach consumers on the bus's next tick.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "broker already closed")
	}
	b.closed = true
	bus, consumerID := b.bus, b.consumerID
	b.mu.Unlock()

	b.logger.Info("Closing IPC broker")

	for _, l := range b.registry.shutdown() {
		l.Stop()
	}
	for _, c := range b.table.conns() {
		c.requestClose(ReasonShutdown)
	}
	b.cancel()
	b.wg.Wait()
	b.updatePortGauge()

	if bus != nil {
		if err := bus.Unsubscribe(consumerID); err != nil {
			b.logger.Debug("Unsubscribe failed", "error", err)
		}
	}

	b.logger.Info("IPC broker closed")
	return nil
}

// Ports returns a snapshot of every known port
func (b *Broker) Ports() []PortInfo {
	return b.registry.snapshot()
}

// Channels returns a snapshot of every live channel
func (b *Broker) Channels() []ChannelInfo {
	return b.table.snapshot()
}

// PortState returns the registry state of port
func (b *Broker) PortState(port types.Port) types.PortState {
	return b.registry.state(port)
}

// Stats returns broker statistics
func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		ListeningPorts:  b.registry.listening(),
		OpenChannels:    b.table.Len(),
		ChannelsOpened:  b.opened.Load(),
		PendingEvents:   b.bridge.Pending(),
		EventsPublished: b.bridge.Published(),
		DroppedCommands: b.dropped.Load(),
	}
}

// String returns a string representation of the broker
func (b *Broker) String() string {
	return fmt.Sprintf("Broker{%s}", b.Stats())
}

// BrokerStats represents broker statistics
type BrokerStats struct {
	ListeningPorts  int    `json:"listening_ports"`
	OpenChannels    int    `json:"open_channels"`
	ChannelsOpened  uint64 `json:"channels_opened"`
	PendingEvents   int    `json:"pending_events"`
	EventsPublished uint64 `json:"events_published"`
	DroppedCommands uint64 `json:"dropped_commands"`
}

// String returns a string representation of the stats
func (s BrokerStats) String() string {
	return fmt.Sprintf("BrokerStats{Ports: %d, Channels: %d, Opened: %d, Pending: %d, Published: %d, Dropped: %d}",
		s.ListeningPorts, s.OpenChannels, s.ChannelsOpened, s.PendingEvents, s.EventsPublished, s.DroppedCommands)
}
