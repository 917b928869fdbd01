// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/tether/wire"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the
	// read side gives up on it. Pings go out at pingInterval so a
	// healthy peer always answers in time.
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second

	// maxMessageSize bounds inbound client messages.
	maxMessageSize = 1 << 20

	// outboundDepth is the per-connection send queue. A consumer
	// that falls this far behind is dropped rather than allowed to
	// stall the session's output path.
	outboundDepth = 256
)

// adminHandle records one admin attachment's mode.
type adminHandle struct {
	mode       string
	attachedAt time.Time
}

// connection is one WebSocket client. The read loop dispatches
// inbound messages on its own goroutine; outbound traffic is queued
// to a dedicated writer so broadcasts never block on the network.
type connection struct {
	gateway *Gateway
	socket  *websocket.Conn
	logger  *slog.Logger

	outbound chan []byte
	closed   chan struct{}
	once     sync.Once

	mutex sync.Mutex
	// admin maps session id to the mode of this connection's admin
	// attachment.
	admin map[string]adminHandle
	// subscriptions maps a session id ("" for all sessions) to the
	// event types wanted (empty set for all types).
	subscriptions map[string]map[string]bool
}

func newConnection(g *Gateway, socket *websocket.Conn) *connection {
	return &connection{
		gateway:       g,
		socket:        socket,
		logger:        g.logger.With("remote", socket.RemoteAddr().String()),
		outbound:      make(chan []byte, outboundDepth),
		closed:        make(chan struct{}),
		admin:         make(map[string]adminHandle),
		subscriptions: make(map[string]map[string]bool),
	}
}

// run services the connection until either side closes it.
func (c *connection) run() {
	go c.writeLoop()
	c.readLoop()
}

func (c *connection) readLoop() {
	defer func() {
		c.close()
		c.gateway.dropConnection(c)
	}()

	c.socket.SetReadLimit(maxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		message, err := wire.Decode(payload)
		if err != nil {
			c.logger.Warn("undecodable client message", "error", err)
			c.send(wire.Error{Message: err.Error()})
			continue
		}
		c.gateway.metrics.ClientMessages.WithLabelValues(message.Kind()).Inc()
		c.handle(message)
	}
}

// writeLoop drains the outbound queue and keeps the socket alive with
// pings. Keepalive runs on wall time, not the injected clock: it
// belongs to the transport, not to session semantics.
func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.outbound:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("connection write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			c.socket.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// send queues a message without blocking. A full queue means the
// consumer is too slow to keep; the connection is closed and the
// session carries on for everyone else.
func (c *connection) send(message wire.Message) {
	payload, err := wire.Encode(message)
	if err != nil {
		c.logger.Error("message encode failed", "type", message.Kind(), "error", err)
		return
	}
	select {
	case c.outbound <- payload:
	case <-c.closed:
	default:
		c.logger.Warn("slow consumer dropped", "type", message.Kind())
		c.gateway.metrics.BroadcastDrops.Inc()
		c.close()
	}
}

// close makes the connection defunct. Safe to call from any
// goroutine, any number of times.
func (c *connection) close() {
	c.once.Do(func() {
		close(c.closed)
		c.socket.Close()
	})
}

// adminMode returns the mode of this connection's admin attachment to
// a session, if any.
func (c *connection) adminMode(sessionID string) (string, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	handle, ok := c.admin[sessionID]
	return handle.mode, ok
}

func (c *connection) setAdmin(sessionID, mode string, now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.admin[sessionID] = adminHandle{mode: mode, attachedAt: now}
}

func (c *connection) clearAdmin(sessionID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.admin[sessionID]
	delete(c.admin, sessionID)
	return ok
}

// subscribe records interest in events. An empty sessionID covers
// every session; an empty type list covers every event type. Merging
// into an existing all-types subscription keeps it all-types.
func (c *connection) subscribe(sessionID string, eventTypes []string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	existing, ok := c.subscriptions[sessionID]
	if !ok {
		set := make(map[string]bool, len(eventTypes))
		for _, t := range eventTypes {
			set[t] = true
		}
		c.subscriptions[sessionID] = set
		return
	}
	if len(existing) == 0 {
		return
	}
	if len(eventTypes) == 0 {
		c.subscriptions[sessionID] = make(map[string]bool)
		return
	}
	for _, t := range eventTypes {
		existing[t] = true
	}
}

// unsubscribe drops interest in a session's events. An empty
// sessionID clears every subscription.
func (c *connection) unsubscribe(sessionID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if sessionID == "" {
		c.subscriptions = make(map[string]map[string]bool)
		return
	}
	delete(c.subscriptions, sessionID)
}

// wantsEvent reports whether any subscription covers the event.
func (c *connection) wantsEvent(sessionID, eventType string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, scope := range []string{sessionID, ""} {
		types, ok := c.subscriptions[scope]
		if !ok {
			continue
		}
		if len(types) == 0 || types[eventType] {
			return true
		}
	}
	return false
}
