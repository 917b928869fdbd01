// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists session state to disk: one JSON file per
// session id under the store directory. The in-memory state is
// authoritative; store failures are reported to the caller to log,
// and operation continues degraded.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/tether/session"
)

// StoredSession is the on-disk record for one session: the
// descriptor, the retained scrollback, and the spawn-time working
// directory and environment.
type StoredSession struct {
	Session session.Session   `json:"session"`
	Buffer  string            `json:"buffer"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env,omitempty"`
}

// Store reads and writes StoredSession files. Methods are safe for
// concurrent use within a single process; there is no cross-process
// locking.
type Store struct {
	directory string
}

// New creates a Store rooted at directory, creating it if needed.
func New(directory string) (*Store, error) {
	if directory == "" {
		return nil, fmt.Errorf("store: directory is required")
	}
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("store: creating %s: %w", directory, err)
	}
	return &Store{directory: directory}, nil
}

// Save writes the record to <directory>/<id>.json. Session files are
// private to the daemon user: terminal output may contain secrets.
func (s *Store) Save(id string, record StoredSession) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encoding session %s: %w", id, err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("store: writing session %s: %w", id, err)
	}
	return nil
}

// Load reads one session record. A missing file satisfies
// errors.Is(err, fs.ErrNotExist).
func (s *Store) Load(id string) (StoredSession, error) {
	path, err := s.path(id)
	if err != nil {
		return StoredSession{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return StoredSession{}, fmt.Errorf("store: reading session %s: %w", id, err)
	}
	var record StoredSession
	if err := json.Unmarshal(data, &record); err != nil {
		return StoredSession{}, fmt.Errorf("store: decoding session %s: %w", id, err)
	}
	return record, nil
}

// LoadAll reads every session file in the store directory. Corrupt or
// unreadable files are skipped; their errors come back joined
// alongside the successfully loaded records so the caller can log and
// continue.
func (s *Store) LoadAll() (map[string]StoredSession, error) {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", s.directory, err)
	}

	records := make(map[string]StoredSession)
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		record, err := s.Load(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records[id] = record
	}
	return records, errors.Join(errs...)
}

// UpdateBuffer loads the existing record, replaces only the buffer
// field, and re-saves. Callers must not assume atomicity beyond
// single-process usage.
func (s *Store) UpdateBuffer(id string, buffer string) error {
	record, err := s.Load(id)
	if err != nil {
		return err
	}
	record.Buffer = buffer
	return s.Save(id, record)
}

// Delete removes one session file. Deleting a session that was never
// saved is not an error.
func (s *Store) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: deleting session %s: %w", id, err)
	}
	return nil
}

// DeleteAll removes every session file in the store directory,
// including files that no longer decode.
func (s *Store) DeleteAll() error {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return fmt.Errorf("store: listing %s: %w", s.directory, err)
	}
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.directory, name)); err != nil {
			errs = append(errs, fmt.Errorf("store: deleting %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// path maps a session id to its file, rejecting ids that could
// escape the store directory.
func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return "", fmt.Errorf("store: invalid session id %q", id)
	}
	return filepath.Join(s.directory, id+".json"), nil
}
