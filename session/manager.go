// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/restrict"
)

// killGracePeriod is how long a terminated process gets between
// SIGTERM and SIGKILL.
const killGracePeriod = 5 * time.Second

// drainGracePeriod bounds how long the reaper waits for the read loop
// to deliver output buffered at process exit.
const drainGracePeriod = 5 * time.Second

// SpawnError reports that the session's process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("session: spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Config configures a Manager.
type Config struct {
	// DefaultShell is spawned when CreateOptions names no command.
	DefaultShell string

	// DefaultCols and DefaultRows size sessions that specify none.
	DefaultCols int
	DefaultRows int

	// Clock supplies time for activity stamps and the kill grace
	// timer. Defaults to the system clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnOutput receives raw PTY output. It runs on the session's
	// read goroutine: chunks for one session arrive in order, and a
	// slow callback stalls only that session's reads.
	OnOutput func(sessionID string, data []byte)

	// OnExit runs exactly once per session, after the process ends
	// for any reason, with the final session record and exit code.
	// The session is already unregistered when it runs, and the final
	// OnOutput delivery has already completed.
	OnExit func(ended Session, exitCode int)
}

// CreateOptions are the caller-supplied parameters for a new session.
type CreateOptions struct {
	// Command and Args replace the default shell when set.
	Command string
	Args    []string

	// Env entries are merged over the daemon's environment.
	Env map[string]string

	// Cwd is the working directory; empty inherits the daemon's.
	Cwd string

	Cols int
	Rows int

	// Restriction applies a command policy to the session. Nil
	// spawns an unrestricted shell.
	Restriction *restrict.Policy
}

// entry is the manager's private state for one live session. The PTY
// master never escapes it.
type entry struct {
	session    Session
	master     *os.File
	command    *exec.Cmd
	initFile   string
	readerDone chan struct{}
	done       chan struct{}
}

// Manager owns every live session process. All methods are safe for
// concurrent use. Input and lookup operations on unknown session ids
// return false or a zero value rather than an error; callers check
// the return, not an error chain.
type Manager struct {
	defaultShell string
	defaultCols  int
	defaultRows  int
	clock        clock.Clock
	logger       *slog.Logger
	onOutput     func(string, []byte)
	onExit       func(Session, int)

	mutex   sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewManager constructs a Manager.
func NewManager(config Config) *Manager {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.DefaultShell == "" {
		config.DefaultShell = restrict.DefaultShell
	}
	if config.DefaultCols <= 0 {
		config.DefaultCols = 80
	}
	if config.DefaultRows <= 0 {
		config.DefaultRows = 24
	}
	return &Manager{
		defaultShell: config.DefaultShell,
		defaultCols:  config.DefaultCols,
		defaultRows:  config.DefaultRows,
		clock:        config.Clock,
		logger:       config.Logger,
		onOutput:     config.OnOutput,
		onExit:       config.OnExit,
		entries:      make(map[string]*entry),
	}
}

// Create resolves the shell invocation for the options' restriction
// policy, spawns the process on a PTY, and starts its read loop.
// Returns a *SpawnError when the process cannot start.
func (m *Manager) Create(options CreateOptions) (Session, error) {
	cols, rows := options.Cols, options.Rows
	if cols <= 0 {
		cols = m.defaultCols
	}
	if rows <= 0 {
		rows = m.defaultRows
	}

	var policy restrict.Policy
	if options.Restriction != nil {
		policy = *options.Restriction
	}
	shell := restrict.NewShell(restrict.ShellConfig{
		Policy:       policy,
		Command:      options.Command,
		Args:         options.Args,
		DefaultShell: m.defaultShell,
	})
	invocation, err := shell.ShellCommand()
	if err != nil {
		return Session{}, fmt.Errorf("resolve shell command: %w", err)
	}

	command := exec.Command(invocation.Command, invocation.Args...)
	command.Dir = options.Cwd
	command.Env = os.Environ()
	for key, value := range options.Env {
		command.Env = append(command.Env, key+"="+value)
	}
	for key, value := range invocation.Env {
		command.Env = append(command.Env, key+"="+value)
	}

	master, err := pty.StartWithSize(command, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		if invocation.InitFile != "" {
			os.Remove(invocation.InitFile)
		}
		return Session{}, &SpawnError{Command: invocation.Command, Err: err}
	}

	now := m.clock.Now()
	record := Session{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		LastAccessedAt: now,
		Cols:           cols,
		Rows:           rows,
		Command:        invocation.Command,
		Args:           invocation.Args,
		Restriction:    options.Restriction,
	}
	e := &entry{
		session:    record,
		master:     master,
		command:    command,
		initFile:   invocation.InitFile,
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		master.Close()
		command.Process.Kill()
		command.Wait()
		if e.initFile != "" {
			os.Remove(e.initFile)
		}
		return Session{}, errors.New("session: manager is shut down")
	}
	m.entries[record.ID] = e
	m.mutex.Unlock()

	go m.readLoop(e)
	go m.waitLoop(e)

	m.logger.Info("session created",
		"session_id", record.ID,
		"command", record.Command,
		"cols", cols,
		"rows", rows,
		"restricted", record.Restricted())
	return record, nil
}

// readLoop pumps PTY output to the OnOutput callback until the
// process side closes. Reads from a PTY master return an error once
// the child exits and the buffered output is drained; that ends the
// loop.
func (m *Manager) readLoop(e *entry) {
	defer close(e.readerDone)
	buffer := make([]byte, 32*1024)
	for {
		n, err := e.master.Read(buffer)
		if n > 0 {
			m.touch(e.session.ID)
			if m.onOutput != nil {
				chunk := make([]byte, n)
				copy(chunk, buffer[:n])
				m.onOutput(e.session.ID, chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the process and tears the session down. The exit
// callback fires only after the read loop has delivered its final
// chunk, so callers never observe output for a session they were
// already told is gone.
func (m *Manager) waitLoop(e *entry) {
	err := e.command.Wait()
	exitCode := exitCodeOf(err)

	m.mutex.Lock()
	ended := e.session
	delete(m.entries, ended.ID)
	m.mutex.Unlock()

	// The read loop ends on its own once the child's slave side is
	// closed. A grandchild still holding the slave open stalls that,
	// so the wait is bounded and the close forces the reader out.
	select {
	case <-e.readerDone:
	case <-m.clock.After(drainGracePeriod):
	}
	e.master.Close()
	<-e.readerDone

	if e.initFile != "" {
		os.Remove(e.initFile)
	}
	close(e.done)

	m.logger.Info("session exited", "session_id", ended.ID, "exit_code", exitCode)
	if m.onExit != nil {
		m.onExit(ended, exitCode)
	}
}

// exitCodeOf converts a Wait error to a shell-convention exit code:
// 0 for clean exit, the code itself for a nonzero exit, 128+signal
// for a signal death.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

// touch updates the session's activity stamp.
func (m *Manager) touch(id string) {
	m.mutex.Lock()
	if e, ok := m.entries[id]; ok {
		e.session.LastAccessedAt = m.clock.Now()
	}
	m.mutex.Unlock()
}

// write delivers input bytes to the session's PTY. Returns false for
// unknown ids and for locked sessions.
func (m *Manager) write(id string, data []byte) bool {
	m.mutex.Lock()
	e, ok := m.entries[id]
	if !ok || e.session.Locked {
		m.mutex.Unlock()
		return false
	}
	e.session.LastAccessedAt = m.clock.Now()
	master := e.master
	m.mutex.Unlock()

	if _, err := master.Write(data); err != nil {
		m.logger.Warn("session input write failed", "session_id", id, "error", err)
		return false
	}
	return true
}

// SendCommand writes a command line with a trailing newline appended.
func (m *Manager) SendCommand(id, text string) bool {
	return m.write(id, []byte(text+"\n"))
}

// SendRaw writes input verbatim, no newline added.
func (m *Manager) SendRaw(id, data string) bool {
	return m.write(id, []byte(data))
}

// SendKey writes the byte sequence for a symbolic key name. Returns
// false for unknown keys as well as unknown sessions.
func (m *Manager) SendKey(id, key string) bool {
	sequence, ok := KeyBytes(key)
	if !ok {
		return false
	}
	return m.write(id, sequence)
}

// Resize updates the PTY dimensions and the session record. Resizing
// is allowed on locked sessions; locking guards input only.
func (m *Manager) Resize(id string, cols, rows int) bool {
	if cols <= 0 || rows <= 0 {
		return false
	}
	m.mutex.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mutex.Unlock()
		return false
	}
	e.session.Cols = cols
	e.session.Rows = rows
	e.session.LastAccessedAt = m.clock.Now()
	master := e.master
	m.mutex.Unlock()

	if err := pty.Setsize(master, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		m.logger.Warn("session resize failed", "session_id", id, "error", err)
		return false
	}
	return true
}

// SetLocked toggles the session's input lock.
func (m *Manager) SetLocked(id string, locked bool) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	e.session.Locked = locked
	return true
}

// Kill terminates the session's process and reports whether the
// session existed. Termination is SIGTERM first, SIGKILL after the
// grace period if the process is still running. Teardown (exit
// callback, unregistration) happens on the reaper goroutine once the
// process is gone.
func (m *Manager) Kill(id string) bool {
	m.mutex.Lock()
	e, ok := m.entries[id]
	m.mutex.Unlock()
	if !ok {
		return false
	}

	if err := e.command.Process.Signal(syscall.SIGTERM); err != nil {
		// Already reaped or reaping; Kill still succeeded in the
		// sense the caller cares about.
		return true
	}
	go func() {
		select {
		case <-e.done:
		case <-m.clock.After(killGracePeriod):
			e.command.Process.Kill()
		}
	}()
	return true
}

// Get returns a snapshot of one session's record.
func (m *Manager) Get(id string) (Session, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// List returns snapshots of every live session, oldest first.
func (m *Manager) List() []Session {
	m.mutex.Lock()
	sessions := make([]Session, 0, len(m.entries))
	for _, e := range m.entries {
		sessions = append(sessions, e.session)
	}
	m.mutex.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.entries)
}

// Shutdown kills every live session and waits for their processes to
// be reaped, or for the context to expire. New sessions are refused
// from the first call onward.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mutex.Lock()
	m.closed = true
	waiting := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		waiting = append(waiting, e)
	}
	m.mutex.Unlock()

	for _, e := range waiting {
		m.Kill(e.session.ID)
	}
	for _, e := range waiting {
		select {
		case <-e.done:
		case <-ctx.Done():
			return fmt.Errorf("session: shutdown: %w", ctx.Err())
		}
	}
	return nil
}
