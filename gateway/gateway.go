// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the daemon's connection layer and the glue
// between its components. It owns the WebSocket protocol surface,
// fans session output out to attached connections with per-session
// sequence numbers, and wires the output path end to end:
//
//	PTY output → pipeline → scrollback append → pattern matching
//	           → broadcast → debounced store save
//
// Session teardown runs the reverse: pending save timers are
// cancelled, a final snapshot is written, patterns are cleaned up,
// and the scrollback buffer is released. Every consumer of a
// session's auxiliary state hangs off the exit path here; nothing is
// garbage-collected implicitly.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/tether/audit"
	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/pattern"
	"github.com/bureau-foundation/tether/pipeline"
	"github.com/bureau-foundation/tether/restrict"
	"github.com/bureau-foundation/tether/scrollback"
	"github.com/bureau-foundation/tether/session"
	"github.com/bureau-foundation/tether/store"
	"github.com/bureau-foundation/tether/wire"
)

// detailTailBytes bounds the buffer tail returned by SessionDetail.
const detailTailBytes = 2048

// Config configures a Gateway. The gateway constructs the session
// and pattern managers itself so their callbacks land here; the
// store is passed in because the daemon needs it before the gateway
// exists, to restore history.
type Config struct {
	DefaultShell       string
	DefaultCols        int
	DefaultRows        int
	ScrollbackCapacity int

	// IdleThreshold separates active from idle in derived status.
	IdleThreshold time.Duration

	// SaveDebounce is the minimum spacing between buffer saves for
	// one session.
	SaveDebounce time.Duration

	// SocketPath and MetricsPath route the HTTP handler. Defaults
	// are /ws and /metrics.
	SocketPath  string
	MetricsPath string

	// PersistPath is the directory holding the pattern snapshot
	// file. Empty disables pattern persistence.
	PersistPath string

	// Store persists sessions. Nil runs fully in-memory.
	Store *store.Store

	// Processors and Filters form the output pipeline.
	Processors []pipeline.Processor
	Filters    []pipeline.Filter

	// Profiles are named restriction presets that create requests may
	// reference instead of sending an inline policy.
	Profiles map[string]restrict.Policy

	// Audit, when set, records pipeline sub-events.
	Audit *audit.Log

	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// sessionMeta is creation-time state the session manager does not
// track but the store schema needs.
type sessionMeta struct {
	cwd string
	env map[string]string
}

// historyEntry is a session that exited (or was restored from disk)
// and remains visible to listings until deleted.
type historyEntry struct {
	session  session.Session
	exitCode int
	hasExit  bool
	exitedAt time.Time
}

// Gateway owns the protocol surface and component wiring. All methods
// are safe for concurrent use.
type Gateway struct {
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	registry *prometheus.Registry

	sessions *session.Manager
	buffers  *scrollback.Manager
	patterns *pattern.Manager
	pipe     *pipeline.Pipeline
	store    *store.Store

	idleThreshold time.Duration
	saveDebounce  time.Duration
	socketPath    string
	metricsPath   string
	profiles      map[string]restrict.Policy

	mutex       sync.Mutex
	connections map[*connection]struct{}
	attached    map[string]map[*connection]struct{}
	adminView   map[string]map[*connection]struct{}
	meta        map[string]sessionMeta
	history     map[string]historyEntry
	saveTimers  map[string]*clock.Timer
	closed      bool
}

// New constructs a Gateway and its internally owned components.
func New(config Config) *Gateway {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.ScrollbackCapacity <= 0 {
		config.ScrollbackCapacity = scrollback.DefaultCapacity
	}
	if config.IdleThreshold <= 0 {
		config.IdleThreshold = 2 * time.Minute
	}
	if config.SaveDebounce <= 0 {
		config.SaveDebounce = time.Second
	}
	if config.SocketPath == "" {
		config.SocketPath = "/ws"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	g := &Gateway{
		clock:         config.Clock,
		logger:        config.Logger,
		registry:      config.Registry,
		store:         config.Store,
		idleThreshold: config.IdleThreshold,
		saveDebounce:  config.SaveDebounce,
		socketPath:    config.SocketPath,
		metricsPath:   config.MetricsPath,
		profiles:      config.Profiles,
		connections:   make(map[*connection]struct{}),
		attached:      make(map[string]map[*connection]struct{}),
		adminView:     make(map[string]map[*connection]struct{}),
		meta:          make(map[string]sessionMeta),
		history:       make(map[string]historyEntry),
		saveTimers:    make(map[string]*clock.Timer),
	}
	g.metrics = NewMetrics(config.Registry)
	g.buffers = scrollback.NewManager(config.ScrollbackCapacity)
	g.pipe = pipeline.New(pipeline.Config{
		Processors: config.Processors,
		Filters:    config.Filters,
		Logger:     config.Logger,
	})
	g.patterns = pattern.NewManager(pattern.ManagerConfig{
		PersistPath: config.PersistPath,
		Clock:       config.Clock,
		Logger:      config.Logger,
		OnEvent:     g.handlePatternEvent,
	})
	g.sessions = session.NewManager(session.Config{
		DefaultShell: config.DefaultShell,
		DefaultCols:  config.DefaultCols,
		DefaultRows:  config.DefaultRows,
		Clock:        config.Clock,
		Logger:       config.Logger,
		OnOutput:     g.handleOutput,
		OnExit:       g.handleExit,
	})
	if config.Audit != nil {
		g.pipe.OnTap(audit.Tap(config.Audit))
	}
	return g
}

// RestoreSessions seeds the history with sessions persisted by a
// previous run. They list as exited; their buffers stay on disk until
// queried.
func (g *Gateway) RestoreSessions(records map[string]store.StoredSession) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for id, record := range records {
		g.history[id] = historyEntry{
			session:  record.Session,
			exitedAt: record.Session.LastAccessedAt,
		}
	}
	if len(records) > 0 {
		g.logger.Info("sessions restored from store", "count", len(records))
	}
}

// RestorePatterns reloads persisted pattern registrations.
func (g *Gateway) RestorePatterns() (int, error) {
	return g.patterns.LoadPersisted()
}

// handleOutput is the PTY output entry point, called on each
// session's read goroutine. One session's chunks arrive here in
// order; the pipeline, buffer append, and broadcast all run
// synchronously, so attached connections observe output in
// production order.
func (g *Gateway) handleOutput(sessionID string, data []byte) {
	g.metrics.OutputBytes.Add(float64(len(data)))

	processed, ok := g.pipe.Process(pipeline.Event{
		SessionID: sessionID,
		Data:      string(data),
		Timestamp: g.clock.Now(),
	})
	if !ok {
		g.metrics.PipelineVetoed.Inc()
		return
	}

	sequence := g.buffers.Append(sessionID, []byte(processed.Data))
	g.patterns.ProcessData(sessionID, processed.Data, g.buffers.String(sessionID))

	if strings.ContainsRune(processed.Data, 0x07) {
		g.broadcast(sessionID, wire.Bell{SessionID: sessionID})
	}
	g.broadcast(sessionID, wire.Output{
		SessionID: sessionID,
		Data:      processed.Data,
		Sequence:  sequence,
	})
	g.scheduleSave(sessionID)
}

// scheduleSave arms the session's debounced buffer save unless one is
// already pending.
func (g *Gateway) scheduleSave(sessionID string) {
	if g.store == nil {
		return
	}
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.closed {
		return
	}
	if _, pending := g.saveTimers[sessionID]; pending {
		return
	}
	g.saveTimers[sessionID] = g.clock.AfterFunc(g.saveDebounce, func() {
		g.mutex.Lock()
		delete(g.saveTimers, sessionID)
		g.mutex.Unlock()
		g.saveBuffer(sessionID)
	})
}

// saveBuffer writes the session's current scrollback to the store. A
// failure is logged and the in-memory state stays authoritative.
func (g *Gateway) saveBuffer(sessionID string) {
	if err := g.store.UpdateBuffer(sessionID, g.buffers.String(sessionID)); err != nil {
		g.logger.Error("buffer save failed", "session_id", sessionID, "error", err)
		return
	}
	g.metrics.BufferSaves.Inc()
}

// handleExit tears down everything keyed by the session id: the
// pending save timer, the stored snapshot (written synchronously so
// the final output survives a restart), registered patterns, and the
// scrollback buffer. Runs once, on the session's reaper goroutine.
func (g *Gateway) handleExit(ended session.Session, exitCode int) {
	id := ended.ID

	g.mutex.Lock()
	if timer, pending := g.saveTimers[id]; pending {
		timer.Stop()
		delete(g.saveTimers, id)
	}
	meta := g.meta[id]
	delete(g.meta, id)
	g.history[id] = historyEntry{
		session:  ended,
		exitCode: exitCode,
		hasExit:  true,
		exitedAt: g.clock.Now(),
	}
	g.mutex.Unlock()

	if g.store != nil {
		record := store.StoredSession{
			Session: ended,
			Buffer:  g.buffers.String(id),
			Cwd:     meta.cwd,
			Env:     meta.env,
		}
		if err := g.store.Save(id, record); err != nil {
			g.logger.Error("final session save failed", "session_id", id, "error", err)
		}
	}
	g.patterns.CleanupSession(id)
	g.buffers.Clear(id)
	g.metrics.SessionsActive.Dec()

	g.broadcast(id, wire.Exit{SessionID: id, ExitCode: exitCode})
	g.detachSession(id)
}

// handlePatternEvent fans a pattern-match or ansi-sequence event out
// to every connection whose subscription covers it.
func (g *Gateway) handlePatternEvent(event pattern.Event) {
	g.metrics.PatternMatches.Inc()

	g.mutex.Lock()
	targets := make([]*connection, 0, len(g.connections))
	for c := range g.connections {
		targets = append(targets, c)
	}
	g.mutex.Unlock()

	message := wire.TerminalEvent{Event: event}
	for _, c := range targets {
		if c.wantsEvent(event.SessionID, event.Type) {
			c.send(message)
		}
	}
}

// broadcast delivers a message to every connection attached to the
// session, primary and admin alike. Send failures cost only the
// failing connection.
func (g *Gateway) broadcast(sessionID string, message wire.Message) {
	g.mutex.Lock()
	targets := make([]*connection, 0, len(g.attached[sessionID])+len(g.adminView[sessionID]))
	for c := range g.attached[sessionID] {
		targets = append(targets, c)
	}
	for c := range g.adminView[sessionID] {
		if _, primary := g.attached[sessionID][c]; !primary {
			targets = append(targets, c)
		}
	}
	g.mutex.Unlock()

	for _, c := range targets {
		c.send(message)
	}
}

// attach adds a connection to a session's broadcast set and computes
// the replay it should receive. Incremental replay sends only bytes
// past lastSequence. The replay's sequence comes from the same atomic
// buffer read as its data: output racing the attach either lands in
// the replay or reaches the connection as a broadcast, and overlap is
// deduplicated client-side by sequence.
func (g *Gateway) attach(c *connection, sessionID string, lastSequence uint64, incremental bool) *wire.Output {
	g.mutex.Lock()
	set := g.attached[sessionID]
	if set == nil {
		set = make(map[*connection]struct{})
		g.attached[sessionID] = set
	}
	set[c] = struct{}{}

	offset := uint64(0)
	if incremental && lastSequence > 0 {
		offset = lastSequence
	}
	data, sequence := g.buffers.ReadFrom(sessionID, offset)
	g.mutex.Unlock()

	if len(data) == 0 {
		return nil
	}
	return &wire.Output{SessionID: sessionID, Data: string(data), Sequence: sequence}
}

// adminAttach registers an admin view on a session and returns the
// full-buffer replay.
func (g *Gateway) adminAttach(c *connection, sessionID string) *wire.Output {
	g.mutex.Lock()
	set := g.adminView[sessionID]
	if set == nil {
		set = make(map[*connection]struct{})
		g.adminView[sessionID] = set
	}
	set[c] = struct{}{}
	data, sequence := g.buffers.ReadFrom(sessionID, 0)
	g.mutex.Unlock()

	if len(data) == 0 {
		return nil
	}
	return &wire.Output{SessionID: sessionID, Data: string(data), Sequence: sequence}
}

// detach removes one connection from a session's primary broadcast
// set.
func (g *Gateway) detach(c *connection, sessionID string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.detachLocked(c, sessionID)
}

func (g *Gateway) detachLocked(c *connection, sessionID string) {
	if set := g.attached[sessionID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(g.attached, sessionID)
		}
	}
}

// adminDetach removes one connection's admin view of a session.
func (g *Gateway) adminDetach(c *connection, sessionID string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.adminDetachLocked(c, sessionID)
}

func (g *Gateway) adminDetachLocked(c *connection, sessionID string) {
	if set := g.adminView[sessionID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(g.adminView, sessionID)
		}
	}
}

// detachSession removes every connection from an ended session.
func (g *Gateway) detachSession(sessionID string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.attached, sessionID)
	delete(g.adminView, sessionID)
}

// dropConnection removes a closed connection from every index.
func (g *Gateway) dropConnection(c *connection) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if _, known := g.connections[c]; !known {
		return
	}
	delete(g.connections, c)
	for sessionID := range g.attached {
		g.detachLocked(c, sessionID)
	}
	for sessionID := range g.adminView {
		g.adminDetachLocked(c, sessionID)
	}
	g.metrics.ConnectionsActive.Dec()
}

// Sessions returns every session the gateway knows about: live ones
// with status derived from activity, exited ones from history.
// Ordered by creation time.
func (g *Gateway) Sessions() []wire.SessionSummary {
	now := g.clock.Now()

	var summaries []wire.SessionSummary
	for _, record := range g.sessions.List() {
		summaries = append(summaries, wire.SessionSummary{
			Session:    record,
			Status:     session.DeriveStatus(record.LastAccessedAt, false, now, g.idleThreshold),
			BufferSize: g.buffers.Len(record.ID),
		})
	}

	g.mutex.Lock()
	for _, entry := range g.history {
		summaries = append(summaries, wire.SessionSummary{
			Session: entry.session,
			Status:  session.StatusExited,
		})
	}
	g.mutex.Unlock()

	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i].Session, summaries[j].Session
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return summaries
}

// SessionDetail is a summary plus the recent buffer tail, stripped of
// escape sequences for display.
type SessionDetail struct {
	wire.SessionSummary
	ExitCode   *int   `json:"exitCode,omitempty"`
	BufferTail string `json:"bufferTail"`
}

// SessionDetail fetches one session's detail. Exited sessions read
// their buffer from the store.
func (g *Gateway) SessionDetail(id string) (SessionDetail, bool) {
	now := g.clock.Now()

	if record, live := g.sessions.Get(id); live {
		return SessionDetail{
			SessionSummary: wire.SessionSummary{
				Session:    record,
				Status:     session.DeriveStatus(record.LastAccessedAt, false, now, g.idleThreshold),
				BufferSize: g.buffers.Len(id),
			},
			BufferTail: tailOf(g.buffers.String(id)),
		}, true
	}

	g.mutex.Lock()
	entry, exited := g.history[id]
	g.mutex.Unlock()
	if !exited {
		return SessionDetail{}, false
	}

	detail := SessionDetail{
		SessionSummary: wire.SessionSummary{
			Session: entry.session,
			Status:  session.StatusExited,
		},
	}
	if entry.hasExit {
		code := entry.exitCode
		detail.ExitCode = &code
	}
	if g.store != nil {
		if stored, err := g.store.Load(id); err == nil {
			detail.BufferSize = len(stored.Buffer)
			detail.BufferTail = tailOf(stored.Buffer)
		}
	}
	return detail, true
}

// tailOf returns the last detailTailBytes of buffer with ANSI
// sequences stripped.
func tailOf(buffer string) string {
	if len(buffer) > detailTailBytes {
		buffer = buffer[len(buffer)-detailTailBytes:]
	}
	return ansi.Strip(buffer)
}

// KillSession kills a live session or deletes an exited one from
// history and the store. Reports whether the id was known.
func (g *Gateway) KillSession(id string) bool {
	if g.sessions.Kill(id) {
		return true
	}

	g.mutex.Lock()
	_, known := g.history[id]
	delete(g.history, id)
	g.mutex.Unlock()
	if !known {
		return false
	}
	if g.store != nil {
		if err := g.store.Delete(id); err != nil {
			g.logger.Error("stored session delete failed", "session_id", id, "error", err)
		}
	}
	return true
}

// KillAllSessions kills every live session and purges history.
// Returns how many sessions it touched.
func (g *Gateway) KillAllSessions() int {
	count := 0
	for _, record := range g.sessions.List() {
		if g.sessions.Kill(record.ID) {
			count++
		}
	}

	g.mutex.Lock()
	ids := make([]string, 0, len(g.history))
	for id := range g.history {
		ids = append(ids, id)
	}
	g.history = make(map[string]historyEntry)
	g.mutex.Unlock()

	for _, id := range ids {
		count++
		if g.store != nil {
			if err := g.store.Delete(id); err != nil {
				g.logger.Error("stored session delete failed", "session_id", id, "error", err)
			}
		}
	}
	return count
}

// LockSession toggles input locking on a live session. Locked
// sessions reject input from every connection but still resize,
// broadcast, and record output.
func (g *Gateway) LockSession(id string, locked bool) bool {
	return g.sessions.SetLocked(id, locked)
}

// Patterns exposes the pattern manager for composition and tests.
func (g *Gateway) Patterns() *pattern.Manager { return g.patterns }

// Pipeline exposes the output pipeline for additional subscribers,
// such as recorders.
func (g *Gateway) Pipeline() *pipeline.Pipeline { return g.pipe }

// Shutdown kills the sessions (triggering their final saves), closes
// every client connection, and flushes pattern persistence.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mutex.Lock()
	g.closed = true
	conns := make([]*connection, 0, len(g.connections))
	for c := range g.connections {
		conns = append(conns, c)
	}
	g.mutex.Unlock()

	sessionErr := g.sessions.Shutdown(ctx)

	for _, c := range conns {
		c.close()
	}

	if err := g.patterns.Close(); err != nil {
		g.logger.Error("pattern persistence flush failed", "error", err)
	}
	if sessionErr != nil {
		return fmt.Errorf("gateway shutdown: %w", sessionErr)
	}
	return nil
}
