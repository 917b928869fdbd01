// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
)

// persistFile is the filename under the persist path holding the
// registered-pattern snapshot.
const persistFile = "patterns.json"

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// PersistPath is the directory where persisted patterns are
	// saved. Empty disables persistence entirely.
	PersistPath string

	// Clock supplies time for pattern ids, debounce windows, and
	// event timestamps. Defaults to the system clock.
	Clock clock.Clock

	// Logger receives matcher faults and persistence errors.
	// Defaults to slog.Default().
	Logger *slog.Logger

	// OnEvent receives every emitted pattern-match and
	// ansi-sequence event. A nil callback drops events.
	OnEvent func(Event)
}

// registration pairs the public record with the compiled matcher and
// debounce state.
type registration struct {
	Registration

	matcher  MatchFunc
	debounce time.Duration
	lastEmit time.Time
}

// Manager is the pattern registry and matching engine. Patterns are
// owned by exactly one session; evaluating a chunk for one session
// never touches another session's patterns. All methods are safe for
// concurrent use.
type Manager struct {
	clock   clock.Clock
	logger  *slog.Logger
	onEvent func(Event)
	path    string

	mutex    sync.Mutex
	counter  int
	patterns map[string]*registration
	sessions map[string]map[string]*registration

	// persistMutex serializes snapshot writes so a slow write
	// cannot interleave with a newer one.
	persistMutex sync.Mutex
	inflight     sync.WaitGroup
}

// NewManager constructs a Manager. The persist directory is created
// on first save, not here.
func NewManager(config ManagerConfig) *Manager {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		clock:    config.Clock,
		logger:   config.Logger,
		onEvent:  config.OnEvent,
		path:     config.PersistPath,
		patterns: make(map[string]*registration),
		sessions: make(map[string]map[string]*registration),
	}
}

// Register validates the configuration, allocates a pattern id, and
// records the session association. Persistable patterns (persist
// option set, type not custom) are written to disk asynchronously.
// Returns a *ValidationError when the configuration is malformed;
// nothing is registered in that case.
func (m *Manager) Register(sessionID string, config Config) (string, error) {
	matcher, err := newMatcher(config)
	if err != nil {
		return "", err
	}

	m.mutex.Lock()
	m.counter++
	id := fmt.Sprintf("pattern-%d-%d", m.counter, m.clock.Now().UnixMilli())
	reg := &registration{
		Registration: Registration{ID: id, SessionID: sessionID, Config: config},
		matcher:      matcher,
		debounce:     time.Duration(config.Options.Debounce) * time.Millisecond,
	}
	m.addLocked(reg)
	persist := persistable(reg)
	m.mutex.Unlock()

	if persist {
		m.persistAsync()
	}
	m.logger.Info("pattern registered",
		"pattern_id", id,
		"session_id", sessionID,
		"type", config.Type,
		"name", config.Name)
	return id, nil
}

// Unregister removes a pattern and its session association. Returns a
// *NotFoundError when the id is unknown.
func (m *Manager) Unregister(patternID string) error {
	m.mutex.Lock()
	reg, ok := m.patterns[patternID]
	if !ok {
		m.mutex.Unlock()
		return &NotFoundError{PatternID: patternID}
	}
	m.removeLocked(reg)
	persist := persistable(reg)
	m.mutex.Unlock()

	if persist {
		m.persistAsync()
	}
	m.logger.Info("pattern unregistered", "pattern_id", patternID, "session_id", reg.SessionID)
	return nil
}

// CleanupSession unregisters every pattern owned by the session and
// returns how many were removed. Intended to run on session exit;
// unknown sessions are a no-op.
func (m *Manager) CleanupSession(sessionID string) int {
	m.mutex.Lock()
	owned := m.sessions[sessionID]
	persist := false
	for _, reg := range owned {
		delete(m.patterns, reg.ID)
		if persistable(reg) {
			persist = true
		}
	}
	delete(m.sessions, sessionID)
	count := len(owned)
	m.mutex.Unlock()

	if persist {
		m.persistAsync()
	}
	if count > 0 {
		m.logger.Info("session patterns removed", "session_id", sessionID, "count", count)
	}
	return count
}

// Patterns returns a snapshot of the patterns registered to a
// session, ordered by id. Unknown sessions yield an empty slice.
func (m *Manager) Patterns(sessionID string) []Registration {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	owned := m.sessions[sessionID]
	records := make([]Registration, 0, len(owned))
	for _, reg := range owned {
		records = append(records, reg.Registration)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// ProcessData evaluates every pattern registered to the session
// against the chunk, then scans the chunk with the built-in ANSI
// classifier. A panicking matcher is logged and skipped; the
// remaining patterns still run. The rolling buffer is recent prior
// output supplied by the caller so matchers can consider context
// preceding the chunk.
func (m *Manager) ProcessData(sessionID, chunk, rolling string) {
	now := m.clock.Now()

	m.mutex.Lock()
	active := make([]*registration, 0, len(m.sessions[sessionID]))
	for _, reg := range m.sessions[sessionID] {
		active = append(active, reg)
	}
	m.mutex.Unlock()
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	for _, reg := range active {
		for _, match := range m.evaluate(reg, chunk, rolling) {
			if !m.admit(reg, now) {
				continue
			}
			m.emit(Event{
				Type:      EventPatternMatch,
				SessionID: sessionID,
				Match: &MatchEvent{
					SessionID: sessionID,
					PatternID: reg.ID,
					Name:      reg.Config.Name,
					Match:     match.Text,
					Position:  match.Position,
					Groups:    match.Groups,
					Timestamp: now,
				},
			})
		}
	}

	for _, sequence := range scanCSI(chunk) {
		m.emit(Event{
			Type:      EventAnsiSequence,
			SessionID: sessionID,
			Ansi: &AnsiEvent{
				SessionID: sessionID,
				Sequence:  sequence.Sequence,
				Category:  sequence.Category,
				Parsed:    sequence.Params,
				Timestamp: now,
			},
		})
	}
}

// evaluate runs one matcher with panic isolation.
func (m *Manager) evaluate(reg *registration, chunk, rolling string) (matches []Match) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("pattern matcher panicked",
				"pattern_id", reg.ID,
				"session_id", reg.SessionID,
				"name", reg.Config.Name,
				"panic", r)
			matches = nil
		}
	}()
	return reg.matcher(chunk, rolling)
}

// admit applies the pattern's debounce window. A match inside the
// window is dropped without extending it.
func (m *Manager) admit(reg *registration, now time.Time) bool {
	if reg.debounce <= 0 {
		return true
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !reg.lastEmit.IsZero() && now.Sub(reg.lastEmit) < reg.debounce {
		return false
	}
	reg.lastEmit = now
	return true
}

func (m *Manager) emit(event Event) {
	if m.onEvent != nil {
		m.onEvent(event)
	}
}

func (m *Manager) addLocked(reg *registration) {
	m.patterns[reg.ID] = reg
	owned := m.sessions[reg.SessionID]
	if owned == nil {
		owned = make(map[string]*registration)
		m.sessions[reg.SessionID] = owned
	}
	owned[reg.ID] = reg
}

func (m *Manager) removeLocked(reg *registration) {
	delete(m.patterns, reg.ID)
	if owned := m.sessions[reg.SessionID]; owned != nil {
		delete(owned, reg.ID)
		if len(owned) == 0 {
			delete(m.sessions, reg.SessionID)
		}
	}
}

func persistable(reg *registration) bool {
	return reg.Config.Options.Persist && reg.Config.Type != TypeCustom
}

// persistedPattern is the on-disk record. Custom patterns never
// appear here: their matcher is not serializable.
type persistedPattern struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Config    Config `json:"config"`
}

// Persist writes the current persistable patterns to
// <persistPath>/patterns.json, replacing the previous snapshot.
func (m *Manager) Persist() error {
	if m.path == "" {
		return nil
	}
	m.persistMutex.Lock()
	defer m.persistMutex.Unlock()

	m.mutex.Lock()
	records := make([]persistedPattern, 0, len(m.patterns))
	for _, reg := range m.patterns {
		if persistable(reg) {
			records = append(records, persistedPattern{
				ID:        reg.ID,
				SessionID: reg.SessionID,
				Config:    reg.Config,
			})
		}
	}
	m.mutex.Unlock()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode patterns: %w", err)
	}
	if err := os.MkdirAll(m.path, 0o755); err != nil {
		return fmt.Errorf("create persist directory: %w", err)
	}
	path := filepath.Join(m.path, persistFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// persistAsync snapshots and writes in the background. The snapshot
// is taken inside the write lock, so overlapping saves always leave
// the newest state on disk.
func (m *Manager) persistAsync() {
	if m.path == "" {
		return
	}
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		if err := m.Persist(); err != nil {
			m.logger.Error("persist patterns", "error", err)
		}
	}()
}

// LoadPersisted restores patterns saved by a previous run, preserving
// their ids and session associations. Records whose configuration no
// longer validates are skipped and reported joined in the returned
// error alongside the count of successful restores. A missing
// snapshot file is not an error.
func (m *Manager) LoadPersisted() (int, error) {
	if m.path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(filepath.Join(m.path, persistFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read persisted patterns: %w", err)
	}
	var records []persistedPattern
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("decode persisted patterns: %w", err)
	}

	restored := 0
	var errs []error
	for _, record := range records {
		matcher, err := newMatcher(record.Config)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %s: %w", record.ID, err))
			continue
		}
		m.mutex.Lock()
		m.addLocked(&registration{
			Registration: Registration{ID: record.ID, SessionID: record.SessionID, Config: record.Config},
			matcher:      matcher,
			debounce:     time.Duration(record.Config.Options.Debounce) * time.Millisecond,
		})
		m.advanceCounterLocked(record.ID)
		m.mutex.Unlock()
		restored++
	}
	return restored, errors.Join(errs...)
}

// advanceCounterLocked bumps the id counter past a restored id so new
// registrations never collide with restored ones.
func (m *Manager) advanceCounterLocked(patternID string) {
	parts := strings.Split(patternID, "-")
	if len(parts) < 3 || parts[0] != "pattern" {
		return
	}
	n, err := strconv.Atoi(parts[1])
	if err == nil && n > m.counter {
		m.counter = n
	}
}

// Close drains in-flight background saves and writes a final
// snapshot.
func (m *Manager) Close() error {
	m.inflight.Wait()
	return m.Persist()
}
