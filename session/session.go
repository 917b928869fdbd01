// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns pseudo-terminal processes: spawning them under
// a restriction policy, feeding them input, resizing them, and
// reporting their lifecycle. Exactly one PTY handle exists per
// session and it never leaves this package.
package session

import (
	"time"

	"github.com/bureau-foundation/tether/restrict"
)

// Session is the descriptor for one terminal session. It is what the
// wire protocol's created message carries and what the store
// persists; the process handle stays behind the Manager.
type Session struct {
	ID             string           `json:"id"`
	CreatedAt      time.Time        `json:"createdAt"`
	LastAccessedAt time.Time        `json:"lastAccessedAt"`
	Cols           int              `json:"cols"`
	Rows           int              `json:"rows"`
	Command        string           `json:"command"`
	Args           []string         `json:"args,omitempty"`
	Locked         bool             `json:"locked"`
	Restriction    *restrict.Policy `json:"restriction,omitempty"`
}

// Restricted reports whether the session runs under an active
// restriction policy.
func (s Session) Restricted() bool {
	return s.Restriction != nil && s.Restriction.Active()
}

// Status values derived from session activity.
const (
	StatusActive = "active"
	StatusIdle   = "idle"
	StatusExited = "exited"
)

// DeriveStatus classifies a session for the query surface: exited
// sessions report exited, sessions without activity for idleAfter or
// longer report idle, everything else reports active.
func DeriveStatus(lastAccessed time.Time, exited bool, now time.Time, idleAfter time.Duration) string {
	if exited {
		return StatusExited
	}
	if idleAfter > 0 && now.Sub(lastAccessed) >= idleAfter {
		return StatusIdle
	}
	return StatusActive
}
