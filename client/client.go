// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the Go client for the tether daemon. It speaks
// the wire protocol over a WebSocket, correlates request/response
// pairs by requestId, tracks per-session sequence numbers, and
// reconnects with exponential backoff, resuming each attachment
// incrementally from the last sequence it saw.
//
// Callbacks run on the connection's read goroutine: a handler that
// blocks stalls all message processing for this client, so handlers
// must hand heavy work elsewhere.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/pattern"
	"github.com/bureau-foundation/tether/session"
	"github.com/bureau-foundation/tether/wire"
)

var (
	// ErrClosed is returned by operations on a client after Close.
	ErrClosed = errors.New("client: closed")

	// ErrNotConnected is returned when no connection is up and no
	// reconnect has succeeded yet.
	ErrNotConnected = errors.New("client: not connected")
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReconnectDelay = time.Second
	defaultMaxReconnects  = 5
	writeTimeout          = 10 * time.Second
)

// Config configures a Client. Only URL is required.
type Config struct {
	// URL is the daemon's WebSocket endpoint, e.g.
	// ws://127.0.0.1:7070/ws.
	URL string

	// Dialer overrides the default WebSocket dialer.
	Dialer *websocket.Dialer

	// RequestTimeout bounds correlated round trips. Defaults to 10s.
	RequestTimeout time.Duration

	// ReconnectDelay is the first backoff delay; each failed attempt
	// doubles it. Defaults to 1s.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts caps the backoff cycle. After this many
	// failures no further attempt is scheduled until the caller calls
	// Connect again. Defaults to 5.
	MaxReconnectAttempts int

	// DisableReconnect turns automatic reconnection off entirely.
	DisableReconnect bool

	Clock  clock.Clock
	Logger *slog.Logger

	// OnOutput receives broadcast session output, including replays.
	OnOutput func(wire.Output)

	// OnBell receives bell notifications.
	OnBell func(wire.Bell)

	// OnExit receives session-end notifications.
	OnExit func(wire.Exit)

	// OnEvent receives terminal events for subscribed sessions.
	OnEvent func(pattern.Event)

	// OnServerError receives server errors not correlated with a
	// pending request.
	OnServerError func(wire.Error)

	// OnReconnect runs after a successful reconnect, before replayed
	// output arrives. The argument is the attempt number that
	// succeeded.
	OnReconnect func(attempt int)

	// OnDown runs when the connection is lost for good: reconnection
	// is disabled, or the backoff cycle ran out of attempts.
	OnDown func(error)
}

// attachment is the client-side record of one session subscription.
type attachment struct {
	lastSequence uint64
}

// Client is a connection to the tether daemon. Safe for concurrent
// use.
type Client struct {
	config  Config
	dialer  *websocket.Dialer
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration

	// writeMutex serializes socket writes; gorilla allows one
	// concurrent writer.
	writeMutex sync.Mutex

	// createMutex and listMutex serialize the two round trips the
	// protocol does not correlate by requestId.
	createMutex sync.Mutex
	listMutex   sync.Mutex

	mutex         sync.Mutex
	socket        *websocket.Conn
	pending       map[string]chan wire.Message
	pendingCreate chan wire.Message
	pendingList   chan wire.Message
	attachments   map[string]*attachment
	subscriptions map[string][]string
	closed        bool
}

// New builds a Client. It performs no I/O; call Connect to dial.
func New(config Config) *Client {
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaultReconnectDelay
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = defaultMaxReconnects
	}
	return &Client{
		config:        config,
		dialer:        config.Dialer,
		clock:         config.Clock,
		logger:        config.Logger,
		timeout:       config.RequestTimeout,
		pending:       make(map[string]chan wire.Message),
		attachments:   make(map[string]*attachment),
		subscriptions: make(map[string][]string),
	}
}

// Connect dials the daemon. Callable again after Close or after the
// backoff cycle gave up.
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	if c.socket != nil {
		c.mutex.Unlock()
		return nil
	}
	c.closed = false
	c.mutex.Unlock()

	socket, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}
	c.adopt(socket)
	return nil
}

// adopt installs a freshly dialed socket and starts its read loop.
func (c *Client) adopt(socket *websocket.Conn) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		socket.Close()
		return
	}
	c.socket = socket
	c.mutex.Unlock()
	go c.readLoop(socket)
}

// Close tears the client down. Pending round trips fail, and no
// reconnect is scheduled.
func (c *Client) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	socket := c.socket
	c.socket = nil
	c.mutex.Unlock()

	c.failPending()
	if socket != nil {
		c.writeMutex.Lock()
		socket.SetWriteDeadline(time.Now().Add(writeTimeout))
		socket.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMutex.Unlock()
		return socket.Close()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

// send encodes and writes one message on the current socket.
func (c *Client) send(message wire.Message) error {
	payload, err := wire.Encode(message)
	if err != nil {
		return err
	}
	c.mutex.Lock()
	socket := c.socket
	closed := c.closed
	c.mutex.Unlock()
	if closed {
		return ErrClosed
	}
	if socket == nil {
		return ErrNotConnected
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := socket.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", message.Kind(), err)
	}
	return nil
}

func (c *Client) readLoop(socket *websocket.Conn) {
	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			c.handleDisconnect(socket, err)
			return
		}
		message, err := wire.Decode(payload)
		if err != nil {
			c.logger.Warn("undecodable server message", "error", err)
			continue
		}
		c.dispatch(message)
	}
}

// handleDisconnect runs when a socket's read loop ends. Exactly one
// read loop exists per socket, so at most one reconnect cycle starts.
func (c *Client) handleDisconnect(socket *websocket.Conn, err error) {
	c.mutex.Lock()
	if c.socket != socket {
		// A stale loop for a socket already replaced or closed.
		c.mutex.Unlock()
		return
	}
	c.socket = nil
	closed := c.closed
	c.mutex.Unlock()

	socket.Close()
	c.failPending()
	if closed {
		return
	}

	c.logger.Warn("connection lost", "error", err)
	if c.config.DisableReconnect {
		if c.config.OnDown != nil {
			c.config.OnDown(err)
		}
		return
	}
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with doubling delays until one
// succeeds or the attempt budget runs out.
func (c *Client) reconnectLoop() {
	delay := c.config.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		c.clock.Sleep(delay)
		if c.isClosed() {
			return
		}
		socket, _, err := c.dialer.Dial(c.config.URL, nil)
		if err != nil {
			lastErr = err
			c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			delay *= 2
			continue
		}
		c.adopt(socket)
		c.replayState()
		c.logger.Info("reconnected", "attempt", attempt)
		if c.config.OnReconnect != nil {
			c.config.OnReconnect(attempt)
		}
		return
	}

	err := fmt.Errorf("reconnect abandoned after %d attempts: %w", c.config.MaxReconnectAttempts, lastErr)
	c.logger.Error("giving up on reconnection", "error", err)
	if c.config.OnDown != nil {
		c.config.OnDown(err)
	}
}

// replayState restores server-side connection state after a
// reconnect: each attachment resumes from its last seen sequence, and
// event subscriptions are re-registered.
func (c *Client) replayState() {
	c.mutex.Lock()
	attachments := make(map[string]uint64, len(c.attachments))
	for id, a := range c.attachments {
		attachments[id] = a.lastSequence
	}
	subscriptions := make(map[string][]string, len(c.subscriptions))
	for id, types := range c.subscriptions {
		subscriptions[id] = append([]string(nil), types...)
	}
	c.mutex.Unlock()

	for id, lastSequence := range attachments {
		err := c.send(wire.Connect{
			SessionID:             id,
			LastSequence:          lastSequence,
			UseIncrementalUpdates: lastSequence > 0,
		})
		if err != nil {
			c.logger.Warn("re-attach failed", "session_id", id, "error", err)
		}
	}
	for id, types := range subscriptions {
		if err := c.send(wire.SubscribeEvents{SessionID: id, EventTypes: types}); err != nil {
			c.logger.Warn("re-subscribe failed", "session_id", id, "error", err)
		}
	}
}

// dispatch routes one server message to its pending request or
// callback.
func (c *Client) dispatch(message wire.Message) {
	switch m := message.(type) {
	case *wire.Output:
		// An attach replay can overlap a racing broadcast; sequence
		// numbers make the duplicate detectable. Only chunks that
		// advance the session's sequence reach the callback.
		if c.admitOutput(m.SessionID, m.Sequence) && c.config.OnOutput != nil {
			c.config.OnOutput(*m)
		}
	case *wire.Bell:
		if c.config.OnBell != nil {
			c.config.OnBell(*m)
		}
	case *wire.Exit:
		c.mutex.Lock()
		delete(c.attachments, m.SessionID)
		c.mutex.Unlock()
		if c.config.OnExit != nil {
			c.config.OnExit(*m)
		}
	case *wire.TerminalEvent:
		if c.config.OnEvent != nil {
			c.config.OnEvent(m.Event)
		}
	case *wire.Created:
		if !c.resolveCreate(m) {
			c.logger.Warn("unsolicited created message", "session_id", m.Session.ID)
		}
	case *wire.AdminSessionsList:
		if !c.resolveList(m) {
			c.logger.Warn("unsolicited session list")
		}
	case *wire.PatternRegistered:
		c.resolve(m.RequestID, m)
	case *wire.PatternUnregistered:
		c.resolve(m.RequestID, m)
	case *wire.PatternsList:
		c.resolve(m.RequestID, m)
	case *wire.Error:
		if m.RequestID != "" && c.resolve(m.RequestID, m) {
			return
		}
		// Errors answering create carry neither a requestId nor a
		// session id.
		if m.RequestID == "" && m.SessionID == "" && c.resolveCreate(m) {
			return
		}
		if c.config.OnServerError != nil {
			c.config.OnServerError(*m)
		}
	default:
		c.logger.Warn("unexpected server message", "type", message.Kind())
	}
}

// admitOutput advances the attachment's sequence watermark and
// reports whether the chunk is new. Output for sessions this client
// never attached passes through untracked.
func (c *Client) admitOutput(sessionID string, sequence uint64) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	a, ok := c.attachments[sessionID]
	if !ok {
		return true
	}
	if sequence <= a.lastSequence {
		return false
	}
	a.lastSequence = sequence
	return true
}

// LastSequence returns the newest output sequence seen for an
// attached session.
func (c *Client) LastSequence(sessionID string) uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if a, ok := c.attachments[sessionID]; ok {
		return a.lastSequence
	}
	return 0
}

// resolve hands a reply to the round trip waiting on requestID.
func (c *Client) resolve(requestID string, message wire.Message) bool {
	c.mutex.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mutex.Unlock()
	if !ok {
		return false
	}
	ch <- message
	return true
}

// resolveCreate hands a reply to the waiting CreateSession. A nil
// message just clears the slot.
func (c *Client) resolveCreate(message wire.Message) bool {
	c.mutex.Lock()
	ch := c.pendingCreate
	c.pendingCreate = nil
	c.mutex.Unlock()
	if ch == nil {
		return false
	}
	if message != nil {
		ch <- message
	}
	return true
}

func (c *Client) resolveList(message wire.Message) bool {
	c.mutex.Lock()
	ch := c.pendingList
	c.pendingList = nil
	c.mutex.Unlock()
	if ch == nil {
		return false
	}
	if message != nil {
		ch <- message
	}
	return true
}

// failPending rejects every in-flight round trip. Closing the
// channels signals transport failure to the waiters.
func (c *Client) failPending() {
	c.mutex.Lock()
	pending := c.pending
	c.pending = make(map[string]chan wire.Message)
	create := c.pendingCreate
	c.pendingCreate = nil
	list := c.pendingList
	c.pendingList = nil
	c.mutex.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if create != nil {
		close(create)
	}
	if list != nil {
		close(list)
	}
}

// roundTrip sends a correlated request and waits for its reply, the
// request timeout, or transport failure.
func (c *Client) roundTrip(requestID string, request wire.Message) (wire.Message, error) {
	ch := make(chan wire.Message, 1)
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil, ErrClosed
	}
	c.pending[requestID] = ch
	c.mutex.Unlock()

	if err := c.send(request); err != nil {
		c.mutex.Lock()
		delete(c.pending, requestID)
		c.mutex.Unlock()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if failure, isError := reply.(*wire.Error); isError {
			return nil, failure
		}
		return reply, nil
	case <-c.clock.After(c.timeout):
		c.mutex.Lock()
		delete(c.pending, requestID)
		c.mutex.Unlock()
		return nil, fmt.Errorf("%s: no response within %s", request.Kind(), c.timeout)
	}
}

// CreateSession spawns a session on the daemon. The server attaches
// the creating connection automatically, so output callbacks start
// firing without a separate Attach.
func (c *Client) CreateSession(request wire.Create) (session.Session, error) {
	c.createMutex.Lock()
	defer c.createMutex.Unlock()

	ch := make(chan wire.Message, 1)
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return session.Session{}, ErrClosed
	}
	c.pendingCreate = ch
	c.mutex.Unlock()

	if err := c.send(request); err != nil {
		c.resolveCreate(nil)
		return session.Session{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return session.Session{}, ErrNotConnected
		}
		switch m := reply.(type) {
		case *wire.Created:
			c.mutex.Lock()
			c.attachments[m.Session.ID] = &attachment{}
			c.mutex.Unlock()
			return m.Session, nil
		case *wire.Error:
			return session.Session{}, m
		default:
			return session.Session{}, fmt.Errorf("unexpected create reply %s", reply.Kind())
		}
	case <-c.clock.After(c.timeout):
		c.resolveCreate(nil)
		return session.Session{}, fmt.Errorf("create: no response within %s", c.timeout)
	}
}

// Attach subscribes this client to a session's output. The full
// scrollback replays through OnOutput; the sequence watermark resets
// so the replay is not mistaken for a duplicate.
func (c *Client) Attach(sessionID string) error {
	c.mutex.Lock()
	c.attachments[sessionID] = &attachment{}
	c.mutex.Unlock()
	return c.send(wire.Connect{SessionID: sessionID})
}

// Detach drops the subscription without touching the session.
func (c *Client) Detach(sessionID string) error {
	c.mutex.Lock()
	delete(c.attachments, sessionID)
	c.mutex.Unlock()
	return c.send(wire.Disconnect{SessionID: sessionID})
}

// SendInput writes raw bytes to the session's PTY.
func (c *Client) SendInput(sessionID, data string) error {
	return c.send(wire.Input{SessionID: sessionID, Data: data})
}

// SendCommand writes a command line; the daemon appends the newline.
func (c *Client) SendCommand(sessionID, command string) error {
	return c.send(wire.Input{SessionID: sessionID, Data: command, Mode: wire.InputCommand})
}

// SendKey writes a symbolic key such as "enter" or "ctrl-c".
func (c *Client) SendKey(sessionID, key string) error {
	return c.send(wire.Input{SessionID: sessionID, Data: key, Mode: wire.InputKey})
}

// Resize changes the session's terminal dimensions.
func (c *Client) Resize(sessionID string, cols, rows int) error {
	return c.send(wire.Resize{SessionID: sessionID, Cols: cols, Rows: rows})
}

// SubscribeEvents opts into terminal events. Empty sessionID means
// all sessions; no types means all types. Survives reconnects.
func (c *Client) SubscribeEvents(sessionID string, eventTypes ...string) error {
	c.mutex.Lock()
	c.subscriptions[sessionID] = append([]string(nil), eventTypes...)
	c.mutex.Unlock()
	return c.send(wire.SubscribeEvents{SessionID: sessionID, EventTypes: eventTypes})
}

// UnsubscribeEvents drops event subscriptions. Empty sessionID drops
// all of them.
func (c *Client) UnsubscribeEvents(sessionID string) error {
	c.mutex.Lock()
	if sessionID == "" {
		c.subscriptions = make(map[string][]string)
	} else {
		delete(c.subscriptions, sessionID)
	}
	c.mutex.Unlock()
	return c.send(wire.UnsubscribeEvents{SessionID: sessionID})
}

// RegisterPattern registers an output pattern and returns its id.
func (c *Client) RegisterPattern(sessionID string, config pattern.Config) (string, error) {
	requestID := uuid.NewString()
	reply, err := c.roundTrip(requestID, wire.RegisterPattern{
		RequestID: requestID,
		SessionID: sessionID,
		Config:    config,
	})
	if err != nil {
		return "", err
	}
	registered, ok := reply.(*wire.PatternRegistered)
	if !ok {
		return "", fmt.Errorf("unexpected reply %s", reply.Kind())
	}
	return registered.PatternID, nil
}

// UnregisterPattern removes a pattern by id.
func (c *Client) UnregisterPattern(patternID string) error {
	requestID := uuid.NewString()
	_, err := c.roundTrip(requestID, wire.UnregisterPattern{
		RequestID: requestID,
		PatternID: patternID,
	})
	return err
}

// GetPatterns lists the patterns registered on a session.
func (c *Client) GetPatterns(sessionID string) ([]pattern.Registration, error) {
	requestID := uuid.NewString()
	reply, err := c.roundTrip(requestID, wire.GetPatterns{
		RequestID: requestID,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, err
	}
	list, ok := reply.(*wire.PatternsList)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %s", reply.Kind())
	}
	return list.Patterns, nil
}

// AdminAttach opens an admin view on a session.
func (c *Client) AdminAttach(sessionID, mode string) error {
	return c.send(wire.AdminAttach{SessionID: sessionID, Mode: mode})
}

// AdminDetach closes an admin view.
func (c *Client) AdminDetach(sessionID string) error {
	return c.send(wire.AdminDetach{SessionID: sessionID})
}

// AdminInput writes to a session through an interactive admin view.
func (c *Client) AdminInput(sessionID, data string) error {
	return c.send(wire.AdminInput{SessionID: sessionID, Data: data})
}

// ListSessions fetches every session the daemon knows about.
func (c *Client) ListSessions() ([]wire.SessionSummary, error) {
	c.listMutex.Lock()
	defer c.listMutex.Unlock()

	ch := make(chan wire.Message, 1)
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil, ErrClosed
	}
	c.pendingList = ch
	c.mutex.Unlock()

	if err := c.send(wire.AdminListSessions{}); err != nil {
		c.resolveList(nil)
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		list, isList := reply.(*wire.AdminSessionsList)
		if !isList {
			return nil, fmt.Errorf("unexpected list reply %s", reply.Kind())
		}
		return list.Sessions, nil
	case <-c.clock.After(c.timeout):
		c.resolveList(nil)
		return nil, fmt.Errorf("list sessions: no response within %s", c.timeout)
	}
}
