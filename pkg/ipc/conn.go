package ipc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fiasco-engine/ipc/pkg/types"
)

var (
	errConnClosing = errors.New("channel is closing")
	errSlowPeer    = errors.New("outbound queue full")
)

// conn owns the transport side of one channel: a read pump feeding the
// bridge and a write pump draining the outbox. The read pump's exit is the
// only place a channel is finalized.
type conn struct {
	id         types.ChannelID
	port       types.Port
	owner      types.OwnerID
	remoteAddr string
	ws         *websocket.Conn
	broker     *Broker

	mu      sync.Mutex
	outbox  [][]byte
	closing bool
	reason  CloseReason

	wake chan struct{}
	done chan struct{} // closed when the read pump exits

	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
}

func newConn(b *Broker, port types.Port, ws *websocket.Conn, remoteAddr string) *conn {
	return &conn{
		port:       port,
		remoteAddr: remoteAddr,
		ws:         ws,
		broker:     b,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (c *conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// enqueue queues one outbound frame for the write pump
func (c *conn) enqueue(data []byte) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return errConnClosing
	}
	if len(c.outbox) >= c.broker.cfg.MaxPendingWrites {
		c.mu.Unlock()
		return errSlowPeer
	}
	c.outbox = append(c.outbox, data)
	c.mu.Unlock()

	c.signal()
	return nil
}

// take hands the write pump everything queued so far
func (c *conn) take() ([][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out, c.closing
}

// requestClose asks the write pump to flush the outbox, send a close frame
// and drop the connection. It returns false if a close was already underway.
func (c *conn) requestClose(reason CloseReason) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.closing = true
	c.reason = reason
	c.mu.Unlock()

	c.signal()
	return true
}

// abort drops the connection without flushing
func (c *conn) abort(reason CloseReason) {
	c.mu.Lock()
	c.closing = true
	if c.reason == "" || c.reason == ReasonRequested {
		c.reason = reason
	}
	c.outbox = nil
	c.mu.Unlock()

	c.ws.Close()
}

func (c *conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// setReason records why the channel ended unless a reason is already known
func (c *conn) setReason(reason CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		c.reason = reason
	}
}

func (c *conn) closeReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		return ReasonDisconnected
	}
	return c.reason
}

func (c *conn) extendReadDeadline() {
	if idle := c.broker.cfg.IdleTimeout; idle > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	}
}

// readPump delivers inbound frames to the bridge in arrival order
func (c *conn) readPump(ctx context.Context) {
	defer c.broker.wg.Done()
	defer c.broker.finalizeChannel(c)

	c.ws.SetReadLimit(c.broker.cfg.MaxMessageSize)
	if c.broker.cfg.IdleTimeout > 0 {
		c.extendReadDeadline()
		c.ws.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
	}

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			reason := c.broker.codec.ReadErrorReason(err)
			if reason == ReasonProtocolViolation && !c.isClosing() {
				c.broker.metrics.protocolViolations.Inc()
				c.broker.logger.Warn("Protocol violation, closing channel",
					"channel", uint16(c.id), "remote_addr", c.remoteAddr, "error", err)
			}
			c.setReason(reason)
			return
		}
		c.extendReadDeadline()

		msg, err := c.broker.codec.DecodeFrame(c.id, messageType, data)
		if err != nil {
			c.broker.metrics.protocolViolations.Inc()
			c.broker.logger.Warn("Protocol violation, closing channel",
				"channel", uint16(c.id), "remote_addr", c.remoteAddr, "error", err)
			c.setReason(ReasonProtocolViolation)
			return
		}

		if c.isClosing() {
			c.broker.logger.Debug("Discarding inbound frame on closing channel",
				"channel", uint16(c.id), "bytes", len(data))
			continue
		}

		c.messagesIn.Add(1)
		c.bytesIn.Add(uint64(len(data)))
		c.broker.metrics.messages.WithLabelValues(directionIn).Inc()
		c.broker.metrics.bytes.WithLabelValues(directionIn).Add(float64(len(data)))

		if err := c.broker.bridge.PublishWait(ctx, msg); err != nil {
			c.setReason(ReasonShutdown)
			return
		}
	}
}

// writePump writes queued frames, keeps the peer alive with pings when an
// idle timeout is configured, and performs the closing handshake
func (c *conn) writePump() {
	defer c.broker.wg.Done()

	writeTimeout := c.broker.cfg.WriteTimeout

	var pings <-chan time.Time
	if idle := c.broker.cfg.IdleTimeout; idle > 0 {
		ticker := time.NewTicker(idle * 9 / 10)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-c.wake:
		case <-pings:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.failWrite(err)
				return
			}
			continue
		case <-c.done:
			return
		}

		frames, closing := c.take()
		for _, data := range frames {
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.failWrite(err)
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.failWrite(err)
				return
			}
			c.messagesOut.Add(1)
			c.bytesOut.Add(uint64(len(data)))
			c.broker.metrics.messages.WithLabelValues(directionOut).Inc()
			c.broker.metrics.bytes.WithLabelValues(directionOut).Add(float64(len(data)))
		}

		if closing {
			code := websocket.CloseNormalClosure
			if c.closeReason() == ReasonShutdown {
				code = websocket.CloseGoingAway
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), time.Now().Add(writeTimeout))
			c.ws.Close()
			return
		}
	}
}

func (c *conn) failWrite(err error) {
	c.setReason(ReasonWriteFailed)
	select {
	case <-c.done:
		// the read side already tore the connection down
	default:
		c.broker.logger.Warn("Write to channel failed",
			"channel", uint16(c.id), "remote_addr", c.remoteAddr, "error", err)
	}
	c.ws.Close()
}
