// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scrollback stores each session's retained terminal output.
//
// A Buffer is a fixed-capacity circular byte store: appends beyond
// capacity silently overwrite the oldest data, so the buffer always
// holds exactly the trailing bytes of the session's logical output
// stream, with no truncation markers. Escape sequences are preserved
// verbatim for full-fidelity replay; truncation is byte-exact and may
// split a multi-byte sequence at the boundary.
//
// Each Buffer also tracks the total number of bytes ever appended.
// That count is the session's sequence number: a client that saw
// output up to sequence N reconnects and asks for everything after N.
package scrollback

import "sync"

// DefaultCapacity is the default per-session scrollback capacity in
// bytes.
const DefaultCapacity = 100000

// Buffer is a bounded scrollback store for one session. All methods
// are safe for concurrent use.
type Buffer struct {
	mutex    sync.Mutex
	data     []byte
	capacity int
	// writePosition is the next write index within data (0 to
	// capacity-1).
	writePosition int
	// totalWritten counts every byte ever appended. Retained contents
	// span offsets (totalWritten - stored) to totalWritten, where
	// stored = min(totalWritten, capacity).
	totalWritten uint64
}

// NewBuffer creates a scrollback buffer with the given capacity in
// bytes. Non-positive capacities fall back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Append adds bytes to the buffer, overwriting the oldest data once
// capacity is exceeded. Returns the sequence number after the append,
// i.e. the offset of the byte following chunk's last byte.
func (b *Buffer) Append(chunk []byte) uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	// A chunk larger than the whole buffer reduces to its tail.
	if len(chunk) > b.capacity {
		b.totalWritten += uint64(len(chunk) - b.capacity)
		chunk = chunk[len(chunk)-b.capacity:]
	}

	for offset := 0; offset < len(chunk); {
		available := b.capacity - b.writePosition
		copyLength := len(chunk) - offset
		if copyLength > available {
			copyLength = available
		}
		copy(b.data[b.writePosition:b.writePosition+copyLength], chunk[offset:offset+copyLength])
		b.writePosition = (b.writePosition + copyLength) % b.capacity
		offset += copyLength
	}
	b.totalWritten += uint64(len(chunk))
	return b.totalWritten
}

// Bytes returns the retained contents, oldest first.
func (b *Buffer) Bytes() []byte {
	data, _ := b.ReadFrom(0)
	return data
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return int(b.storedLocked())
}

// Sequence returns the total number of bytes ever appended. This is
// what a client stores and passes to ReadFrom on reconnect.
func (b *Buffer) Sequence() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.totalWritten
}

// ReadFrom returns all retained bytes appended after the given
// sequence offset, together with the sequence number those bytes run
// up to. If the offset predates the oldest retained byte, ReadFrom
// returns everything retained (the caller missed data that is gone).
// Returns nil when offset is at or past the current sequence.
//
// The pair is read atomically: the returned sequence is exactly the
// offset of the last returned byte, never of a later append. A caller
// stamping a replay with it will not mask subsequent output.
func (b *Buffer) ReadFrom(offset uint64) ([]byte, uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if offset >= b.totalWritten {
		return nil, b.totalWritten
	}

	stored := b.storedLocked()
	oldest := b.totalWritten - stored

	readOffset := offset
	if readOffset < oldest {
		readOffset = oldest
	}
	count := b.totalWritten - readOffset
	if count == 0 {
		return nil, b.totalWritten
	}

	result := make([]byte, count)

	// writePosition points at the next write slot; retained data runs
	// from (writePosition - stored) to writePosition, wrapping.
	readPosition := (b.writePosition - int(stored) + int(readOffset-oldest)) % b.capacity
	if readPosition < 0 {
		readPosition += b.capacity
	}

	for copied := 0; copied < int(count); {
		available := b.capacity - readPosition
		copyLength := int(count) - copied
		if copyLength > available {
			copyLength = available
		}
		copy(result[copied:copied+copyLength], b.data[readPosition:readPosition+copyLength])
		readPosition = (readPosition + copyLength) % b.capacity
		copied += copyLength
	}
	return result, b.totalWritten
}

// storedLocked returns the retained byte count. Callers hold b.mutex.
func (b *Buffer) storedLocked() uint64 {
	if b.totalWritten > uint64(b.capacity) {
		return uint64(b.capacity)
	}
	return b.totalWritten
}
