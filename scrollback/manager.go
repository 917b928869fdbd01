// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scrollback

import "sync"

// Manager holds one Buffer per session id. Buffers are created
// lazily on first append and removed by Clear; sessions are fully
// independent. Lookups for ids never written return empty results,
// never errors.
//
// All methods are safe for concurrent use.
type Manager struct {
	mutex    sync.Mutex
	capacity int
	buffers  map[string]*Buffer
}

// NewManager creates a Manager whose buffers each hold capacity
// bytes. Non-positive capacities fall back to DefaultCapacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		capacity: capacity,
		buffers:  make(map[string]*Buffer),
	}
}

// Append adds chunk to the session's buffer, creating it if needed.
// Returns the session's sequence number after the append.
func (m *Manager) Append(sessionID string, chunk []byte) uint64 {
	return m.buffer(sessionID).Append(chunk)
}

// Bytes returns the session's retained output, oldest first. Unknown
// sessions yield nil.
func (m *Manager) Bytes(sessionID string) []byte {
	buffer := m.lookup(sessionID)
	if buffer == nil {
		return nil
	}
	return buffer.Bytes()
}

// String returns the session's retained output as a string. Unknown
// sessions yield "".
func (m *Manager) String(sessionID string) string {
	return string(m.Bytes(sessionID))
}

// Len returns the number of retained bytes for the session, 0 when
// unknown.
func (m *Manager) Len(sessionID string) int {
	buffer := m.lookup(sessionID)
	if buffer == nil {
		return 0
	}
	return buffer.Len()
}

// Sequence returns the session's current sequence number, 0 when
// unknown.
func (m *Manager) Sequence(sessionID string) uint64 {
	buffer := m.lookup(sessionID)
	if buffer == nil {
		return 0
	}
	return buffer.Sequence()
}

// ReadFrom returns the session's retained bytes appended after the
// given sequence offset, and the sequence those bytes run up to.
// Unknown sessions yield (nil, 0).
func (m *Manager) ReadFrom(sessionID string, offset uint64) ([]byte, uint64) {
	buffer := m.lookup(sessionID)
	if buffer == nil {
		return nil, 0
	}
	return buffer.ReadFrom(offset)
}

// Clear removes all stored content for the session.
func (m *Manager) Clear(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.buffers, sessionID)
}

// buffer returns the session's Buffer, creating it if needed.
func (m *Manager) buffer(sessionID string) *Buffer {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	buffer, ok := m.buffers[sessionID]
	if !ok {
		buffer = NewBuffer(m.capacity)
		m.buffers[sessionID] = buffer
	}
	return buffer
}

// lookup returns the session's Buffer or nil without creating one.
func (m *Manager) lookup(sessionID string) *Buffer {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.buffers[sessionID]
}
