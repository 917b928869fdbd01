// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"

	"github.com/bureau-foundation/tether/session"
	"github.com/bureau-foundation/tether/store"
	"github.com/bureau-foundation/tether/wire"
)

// handle dispatches one decoded client message. Runs on the
// connection's read goroutine, so handlers for the same connection
// never race each other.
func (c *connection) handle(message wire.Message) {
	switch m := message.(type) {
	case *wire.Create:
		c.handleCreate(m)
	case *wire.Connect:
		c.handleConnect(m)
	case *wire.Input:
		c.handleInput(m)
	case *wire.Resize:
		c.handleResize(m)
	case *wire.Disconnect:
		c.gateway.detach(c, m.SessionID)
	case *wire.RegisterPattern:
		c.handleRegisterPattern(m)
	case *wire.UnregisterPattern:
		c.handleUnregisterPattern(m)
	case *wire.GetPatterns:
		c.handleGetPatterns(m)
	case *wire.SubscribeEvents:
		c.subscribe(m.SessionID, m.EventTypes)
	case *wire.UnsubscribeEvents:
		c.unsubscribe(m.SessionID)
	case *wire.AdminAttach:
		c.handleAdminAttach(m)
	case *wire.AdminDetach:
		c.handleAdminDetach(m)
	case *wire.AdminInput:
		c.handleAdminInput(m)
	case *wire.AdminListSessions:
		c.send(wire.AdminSessionsList{Sessions: c.gateway.Sessions()})
	default:
		c.send(wire.Error{Message: fmt.Sprintf("unexpected message type %q", message.Kind())})
	}
}

// handleCreate spawns a session and attaches its creator.
func (c *connection) handleCreate(m *wire.Create) {
	g := c.gateway
	restriction := m.Restriction
	if m.Profile != "" {
		if restriction != nil {
			c.send(wire.Error{Message: "create names both a profile and an inline restriction"})
			return
		}
		policy, known := g.profiles[m.Profile]
		if !known {
			c.send(wire.Error{Message: fmt.Sprintf("unknown restriction profile %q", m.Profile)})
			return
		}
		restriction = &policy
	}
	record, err := g.sessions.Create(session.CreateOptions{
		Command:     m.Command,
		Args:        m.Args,
		Env:         m.Env,
		Cwd:         m.Cwd,
		Cols:        m.Cols,
		Rows:        m.Rows,
		Restriction: restriction,
	})
	if err != nil {
		c.send(wire.Error{Message: fmt.Sprintf("create session: %v", err)})
		return
	}
	g.metrics.SessionsCreated.Inc()
	g.metrics.SessionsActive.Inc()

	g.mutex.Lock()
	g.meta[record.ID] = sessionMeta{cwd: m.Cwd, env: m.Env}
	set := g.attached[record.ID]
	if set == nil {
		set = make(map[*connection]struct{})
		g.attached[record.ID] = set
	}
	set[c] = struct{}{}
	g.mutex.Unlock()

	if g.store != nil {
		stored := store.StoredSession{Session: record, Cwd: m.Cwd, Env: m.Env}
		if err := g.store.Save(record.ID, stored); err != nil {
			g.logger.Error("initial session save failed", "session_id", record.ID, "error", err)
		}
	}
	c.send(wire.Created{Session: record})
}

// handleConnect attaches to a live session and replays the buffer. An
// incremental connect with a current lastSequence replays nothing.
func (c *connection) handleConnect(m *wire.Connect) {
	g := c.gateway
	if _, live := g.sessions.Get(m.SessionID); !live {
		c.send(wire.Error{SessionID: m.SessionID, Message: "unknown session"})
		return
	}
	if replay := g.attach(c, m.SessionID, m.LastSequence, m.UseIncrementalUpdates); replay != nil {
		c.send(*replay)
	}
}

// handleInput forwards data to the session PTY according to its mode.
func (c *connection) handleInput(m *wire.Input) {
	g := c.gateway
	var delivered bool
	switch m.Mode {
	case wire.InputRaw:
		delivered = g.sessions.SendRaw(m.SessionID, m.Data)
	case wire.InputCommand:
		delivered = g.sessions.SendCommand(m.SessionID, m.Data)
	case wire.InputKey:
		delivered = g.sessions.SendKey(m.SessionID, m.Data)
	default:
		c.send(wire.Error{SessionID: m.SessionID, Message: fmt.Sprintf("unknown input mode %q", m.Mode)})
		return
	}
	if !delivered {
		c.send(wire.Error{SessionID: m.SessionID, Message: inputFailure(g, m.SessionID, m.Mode, m.Data)})
	}
}

// inputFailure distinguishes the ways an input can be refused.
func inputFailure(g *Gateway, sessionID, mode, data string) string {
	record, live := g.sessions.Get(sessionID)
	switch {
	case !live:
		return "unknown session"
	case record.Locked:
		return "session input is locked"
	case mode == wire.InputKey:
		return fmt.Sprintf("unknown key %q", data)
	default:
		return "input rejected"
	}
}

func (c *connection) handleResize(m *wire.Resize) {
	g := c.gateway
	if g.sessions.Resize(m.SessionID, m.Cols, m.Rows) {
		return
	}
	if _, live := g.sessions.Get(m.SessionID); !live {
		c.send(wire.Error{SessionID: m.SessionID, Message: "unknown session"})
		return
	}
	c.send(wire.Error{
		SessionID: m.SessionID,
		Message:   fmt.Sprintf("invalid dimensions %dx%d", m.Cols, m.Rows),
	})
}

func (c *connection) handleRegisterPattern(m *wire.RegisterPattern) {
	g := c.gateway
	patternID, err := g.patterns.Register(m.SessionID, m.Config)
	if err != nil {
		c.send(wire.Error{RequestID: m.RequestID, SessionID: m.SessionID, Message: err.Error()})
		return
	}
	c.send(wire.PatternRegistered{RequestID: m.RequestID, PatternID: patternID})
}

func (c *connection) handleUnregisterPattern(m *wire.UnregisterPattern) {
	g := c.gateway
	if err := g.patterns.Unregister(m.PatternID); err != nil {
		c.send(wire.Error{RequestID: m.RequestID, Message: err.Error()})
		return
	}
	c.send(wire.PatternUnregistered{RequestID: m.RequestID, PatternID: m.PatternID})
}

func (c *connection) handleGetPatterns(m *wire.GetPatterns) {
	c.send(wire.PatternsList{
		RequestID: m.RequestID,
		SessionID: m.SessionID,
		Patterns:  c.gateway.patterns.Patterns(m.SessionID),
	})
}

// handleAdminAttach opens a read-only or interactive view on a live
// session and replays its buffer.
func (c *connection) handleAdminAttach(m *wire.AdminAttach) {
	g := c.gateway
	mode := m.Mode
	if mode == "" {
		mode = wire.ModeReadOnly
	}
	if mode != wire.ModeReadOnly && mode != wire.ModeInteractive {
		c.send(wire.Error{SessionID: m.SessionID, Message: fmt.Sprintf("unknown attach mode %q", m.Mode)})
		return
	}
	if _, live := g.sessions.Get(m.SessionID); !live {
		c.send(wire.Error{SessionID: m.SessionID, Message: "unknown session"})
		return
	}
	c.setAdmin(m.SessionID, mode, g.clock.Now())
	g.logger.Info("admin attached", "session_id", m.SessionID, "mode", mode)
	if replay := g.adminAttach(c, m.SessionID); replay != nil {
		c.send(*replay)
	}
}

func (c *connection) handleAdminDetach(m *wire.AdminDetach) {
	if c.clearAdmin(m.SessionID) {
		c.gateway.adminDetach(c, m.SessionID)
	}
}

// handleAdminInput forwards input through an interactive admin
// attachment. Read-only attachments are refused.
func (c *connection) handleAdminInput(m *wire.AdminInput) {
	g := c.gateway
	mode, attached := c.adminMode(m.SessionID)
	if !attached {
		c.send(wire.Error{SessionID: m.SessionID, Message: "not attached to session"})
		return
	}
	if mode != wire.ModeInteractive {
		c.send(wire.Error{SessionID: m.SessionID, Message: "attachment is read-only"})
		return
	}
	if !g.sessions.SendRaw(m.SessionID, m.Data) {
		c.send(wire.Error{SessionID: m.SessionID, Message: inputFailure(g, m.SessionID, wire.InputRaw, m.Data)})
	}
}
