// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit writes an append-only record of pipeline activity:
// one CBOR record per sub-event, zstd-compressed, one file per daemon
// run. The log is for after-the-fact inspection of what a session
// produced and what the pipeline did to it; nothing in the daemon
// reads it back at runtime.
package audit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/tether/lib/codec"
	"github.com/bureau-foundation/tether/pipeline"
)

// Record kinds, one per pipeline sub-event.
const (
	KindRaw         = "raw"
	KindProcessed   = "processed"
	KindTransformed = "transformed"
	KindBlocked     = "blocked"
)

// Record is one audit entry. Only sizes and pipeline metadata are
// recorded, never the output bytes themselves.
type Record struct {
	Kind            string    `cbor:"kind"`
	SessionID       string    `cbor:"sessionId"`
	Timestamp       time.Time `cbor:"timestamp"`
	Bytes           int       `cbor:"bytes"`
	Transformations []string  `cbor:"transformations,omitempty"`
	BlockedBy       string    `cbor:"blockedBy,omitempty"`
}

// Log is an open audit file. Writes are serialized; a write failure
// is logged and the entry dropped, it never propagates to the
// pipeline.
type Log struct {
	path   string
	logger *slog.Logger

	mutex      sync.Mutex
	file       *os.File
	compressor *zstd.Encoder
	encoder    *codec.Encoder
	closed     bool
}

// Open creates a new audit file named audit-<unix>.cbor.zst under
// directory.
func Open(directory string, now time.Time, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	path := filepath.Join(directory, fmt.Sprintf("audit-%d.cbor.zst", now.Unix()))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create audit file: %w", err)
	}
	compressor, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open zstd writer: %w", err)
	}
	return &Log{
		path:       path,
		logger:     logger,
		file:       file,
		compressor: compressor,
		encoder:    codec.NewEncoder(compressor),
	}, nil
}

// Path returns the audit file's location.
func (l *Log) Path() string { return l.path }

// Write appends one record.
func (l *Log) Write(record Record) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return
	}
	if err := l.encoder.Encode(record); err != nil {
		l.logger.Error("audit write failed", "path", l.path, "error", err)
	}
}

// Close flushes the compressor and closes the file. Writes after
// Close are dropped.
func (l *Log) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Join(l.compressor.Close(), l.file.Close())
}

// Tap returns a pipeline tap that records every sub-event in the log.
func Tap(log *Log) pipeline.Tap {
	return pipeline.Tap{
		Raw: func(event pipeline.Event) {
			log.Write(Record{
				Kind:      KindRaw,
				SessionID: event.SessionID,
				Timestamp: event.Timestamp,
				Bytes:     len(event.Data),
			})
		},
		Processed: func(processed pipeline.Processed) {
			log.Write(Record{
				Kind:      KindProcessed,
				SessionID: processed.Original.SessionID,
				Timestamp: processed.Original.Timestamp,
				Bytes:     len(processed.Data),
			})
		},
		Transformed: func(processed pipeline.Processed) {
			log.Write(Record{
				Kind:            KindTransformed,
				SessionID:       processed.Original.SessionID,
				Timestamp:       processed.Original.Timestamp,
				Bytes:           len(processed.Data),
				Transformations: processed.Transformations,
			})
		},
		Blocked: func(event pipeline.Event, by string) {
			log.Write(Record{
				Kind:      KindBlocked,
				SessionID: event.SessionID,
				Timestamp: event.Timestamp,
				Bytes:     len(event.Data),
				BlockedBy: by,
			})
		},
	}
}

// Read decodes every record in an audit file, oldest first. Meant for
// tooling and tests; the daemon never reads its own log.
func Read(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	decompressor, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("open zstd reader: %w", err)
	}
	defer decompressor.Close()

	var records []Record
	decoder := codec.NewDecoder(decompressor)
	for {
		var record Record
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("decode audit record %d: %w", len(records), err)
		}
		records = append(records, record)
	}
}
