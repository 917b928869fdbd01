// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/pattern"
	"github.com/bureau-foundation/tether/pipeline"
	"github.com/bureau-foundation/tether/restrict"
	"github.com/bureau-foundation/tether/session"
	"github.com/bureau-foundation/tether/store"
	"github.com/bureau-foundation/tether/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	gateway *Gateway
	server  *httptest.Server
}

func newTestGateway(t *testing.T, config Config) *testGateway {
	t.Helper()
	if config.Logger == nil {
		config.Logger = quietLogger()
	}
	g := New(config)
	server := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.Shutdown(ctx); err != nil {
			t.Errorf("gateway shutdown: %v", err)
		}
	})
	return &testGateway{gateway: g, server: server}
}

// testClient is one WebSocket peer of the gateway under test. Its
// read goroutine funnels decoded messages into a channel the test
// drains with await and collectOutput.
type testClient struct {
	t        *testing.T
	socket   *websocket.Conn
	messages chan wire.Message
}

func (tg *testGateway) dial(t *testing.T) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/ws"
	socket, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	client := &testClient{t: t, socket: socket, messages: make(chan wire.Message, 256)}
	t.Cleanup(func() { socket.Close() })
	go client.readLoop()
	return client
}

func (c *testClient) readLoop() {
	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			close(c.messages)
			return
		}
		message, err := wire.Decode(payload)
		if err != nil {
			c.t.Errorf("decode server message: %v", err)
			continue
		}
		c.messages <- message
	}
}

func (c *testClient) send(message wire.Message) {
	c.t.Helper()
	payload, err := wire.Encode(message)
	if err != nil {
		c.t.Fatalf("encode %s: %v", message.Kind(), err)
	}
	if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.t.Fatalf("write %s: %v", message.Kind(), err)
	}
}

// await drains the client's messages until one of type T arrives.
// Messages of other kinds are discarded.
func await[T wire.Message](t *testing.T, c *testClient) T {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case message, ok := <-c.messages:
			if !ok {
				var zero T
				t.Fatalf("connection closed while waiting for %T", zero)
			}
			if m, ok := message.(T); ok {
				return m
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

// collectOutput accumulates Output data until the predicate accepts
// the total, returning the accumulation and the last sequence seen.
func collectOutput(t *testing.T, c *testClient, accept func(string) bool) (string, uint64) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	var accumulated strings.Builder
	var sequence uint64
	for {
		if accept(accumulated.String()) {
			return accumulated.String(), sequence
		}
		select {
		case message, ok := <-c.messages:
			if !ok {
				t.Fatalf("connection closed while collecting output, have %q", accumulated.String())
			}
			if output, isOutput := message.(*wire.Output); isOutput {
				accumulated.WriteString(output.Data)
				sequence = output.Sequence
			}
		case <-deadline:
			t.Fatalf("timed out collecting output, have %q", accumulated.String())
		}
	}
}

func contains(substring string) func(string) bool {
	return func(s string) bool { return strings.Contains(s, substring) }
}

func occurrences(substring string, n int) func(string) bool {
	return func(s string) bool { return strings.Count(s, substring) >= n }
}

// createCat spawns a /bin/cat session, which echoes every input line
// back, and returns its descriptor.
func createCat(t *testing.T, c *testClient) *wire.Created {
	t.Helper()
	c.send(wire.Create{Command: "/bin/cat"})
	return await[*wire.Created](t, c)
}

func TestCreateEchoesAndBroadcasts(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	creator := tg.dial(t)

	created := createCat(t, creator)
	if created.Session.ID == "" {
		t.Fatal("created session has empty id")
	}
	if created.Session.Command != "/bin/cat" {
		t.Errorf("command = %q, want %q", created.Session.Command, "/bin/cat")
	}

	watcher := tg.dial(t)
	watcher.send(wire.Connect{SessionID: created.Session.ID})

	creator.send(wire.Input{SessionID: created.Session.ID, Data: "round trip\n"})

	if got, _ := collectOutput(t, creator, contains("round trip")); !strings.Contains(got, "round trip") {
		t.Fatalf("creator output = %q, want it to contain %q", got, "round trip")
	}
	if got, _ := collectOutput(t, watcher, contains("round trip")); !strings.Contains(got, "round trip") {
		t.Fatalf("watcher output = %q, want it to contain %q", got, "round trip")
	}
}

func TestOutputSequencesGrow(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)

	client.send(wire.Input{SessionID: created.Session.ID, Data: "one\n"})
	client.send(wire.Input{SessionID: created.Session.ID, Data: "two\n"})

	deadline := time.After(10 * time.Second)
	var last uint64
	var seen int
	for seen < 2 {
		select {
		case message := <-client.messages:
			output, isOutput := message.(*wire.Output)
			if !isOutput {
				continue
			}
			if output.Sequence <= last {
				t.Fatalf("sequence %d did not grow past %d", output.Sequence, last)
			}
			last = output.Sequence
			seen++
		case <-deadline:
			t.Fatal("timed out waiting for two output chunks")
		}
	}
}

func TestConnectReplaysScrollback(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	creator := tg.dial(t)
	created := createCat(t, creator)

	creator.send(wire.Input{SessionID: created.Session.ID, Data: "history line\n"})
	_, sequence := collectOutput(t, creator, occurrences("history line", 2))

	late := tg.dial(t)
	late.send(wire.Connect{SessionID: created.Session.ID})

	replay := await[*wire.Output](t, late)
	if !strings.Contains(replay.Data, "history line") {
		t.Errorf("replay = %q, want it to contain %q", replay.Data, "history line")
	}
	if replay.Sequence < sequence {
		t.Errorf("replay sequence = %d, want at least %d", replay.Sequence, sequence)
	}
}

func TestIncrementalReconnectSkipsKnownBytes(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	creator := tg.dial(t)
	created := createCat(t, creator)
	id := created.Session.ID

	// cat under a tty produces each line twice: the echo and the
	// copy. Waiting for both pins the sequence past all alpha bytes.
	creator.send(wire.Input{SessionID: id, Data: "alpha\n"})
	_, afterAlpha := collectOutput(t, creator, occurrences("alpha", 2))

	creator.send(wire.Input{SessionID: id, Data: "bravo\n"})
	collectOutput(t, creator, occurrences("bravo", 2))

	reconnecting := tg.dial(t)
	reconnecting.send(wire.Connect{
		SessionID:             id,
		LastSequence:          afterAlpha,
		UseIncrementalUpdates: true,
	})

	replay := await[*wire.Output](t, reconnecting)
	if strings.Contains(replay.Data, "alpha") {
		t.Errorf("incremental replay = %q, should not repeat bytes before sequence %d", replay.Data, afterAlpha)
	}
	if !strings.Contains(replay.Data, "bravo") {
		t.Errorf("incremental replay = %q, want it to contain %q", replay.Data, "bravo")
	}
}

func TestConnectUnknownSession(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)

	client.send(wire.Connect{SessionID: "no-such-session"})
	failure := await[*wire.Error](t, client)
	if failure.SessionID != "no-such-session" {
		t.Errorf("error session id = %q, want %q", failure.SessionID, "no-such-session")
	}
}

func TestInputModes(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)
	id := created.Session.ID

	client.send(wire.Input{SessionID: id, Data: "typed command", Mode: wire.InputCommand})
	collectOutput(t, client, occurrences("typed command", 2))

	// ctrl-d on an empty line makes cat exit cleanly.
	client.send(wire.Input{SessionID: id, Data: "ctrl-d", Mode: wire.InputKey})
	exit := await[*wire.Exit](t, client)
	if exit.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", exit.ExitCode)
	}
}

func TestInputUnknownMode(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)

	client.send(wire.Input{SessionID: created.Session.ID, Data: "x", Mode: "telepathy"})
	failure := await[*wire.Error](t, client)
	if !strings.Contains(failure.Message, "telepathy") {
		t.Errorf("error = %q, want it to name the mode", failure.Message)
	}
}

func TestLockedSessionRejectsInputOverWire(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)
	id := created.Session.ID

	if !tg.gateway.LockSession(id, true) {
		t.Fatal("LockSession returned false for a live session")
	}
	client.send(wire.Input{SessionID: id, Data: "blocked\n"})
	failure := await[*wire.Error](t, client)
	if !strings.Contains(failure.Message, "locked") {
		t.Errorf("error = %q, want it to mention locking", failure.Message)
	}
}

func TestResizePropagates(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)
	id := created.Session.ID

	client.send(wire.Resize{SessionID: id, Cols: 132, Rows: 50})
	// The read loop handles messages in order, so the list reply
	// reflects the resize.
	client.send(wire.AdminListSessions{})
	list := await[*wire.AdminSessionsList](t, client)

	for _, summary := range list.Sessions {
		if summary.Session.ID != id {
			continue
		}
		if summary.Session.Cols != 132 || summary.Session.Rows != 50 {
			t.Errorf("dimensions = %dx%d, want 132x50", summary.Session.Cols, summary.Session.Rows)
		}
		return
	}
	t.Fatalf("session %s missing from list", id)
}

func TestResizeRejectsBadDimensions(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)

	client.send(wire.Resize{SessionID: created.Session.ID, Cols: 0, Rows: 50})
	failure := await[*wire.Error](t, client)
	if !strings.Contains(failure.Message, "0x50") {
		t.Errorf("error = %q, want it to name the dimensions", failure.Message)
	}
}

func TestExitBroadcastCarriesCode(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)

	client.send(wire.Create{Command: "/bin/sh", Args: []string{"-c", "read line; exit 7"}})
	created := await[*wire.Created](t, client)

	client.send(wire.Input{SessionID: created.Session.ID, Data: "go\n"})
	exit := await[*wire.Exit](t, client)
	if exit.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", exit.ExitCode)
	}
	if exit.SessionID != created.Session.ID {
		t.Errorf("exit session = %q, want %q", exit.SessionID, created.Session.ID)
	}
}

func TestBellBroadcast(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)

	client.send(wire.Input{SessionID: created.Session.ID, Data: "ding\a\n"})
	bell := await[*wire.Bell](t, client)
	if bell.SessionID != created.Session.ID {
		t.Errorf("bell session = %q, want %q", bell.SessionID, created.Session.ID)
	}
}

func TestCreateFailureReturnsError(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)

	client.send(wire.Create{Command: "/no/such/binary"})
	failure := await[*wire.Error](t, client)
	if !strings.Contains(failure.Message, "create session") {
		t.Errorf("error = %q, want a create failure", failure.Message)
	}
	if count := tg.gateway.sessions.Count(); count != 0 {
		t.Errorf("session count after failed create = %d, want 0", count)
	}
}

func TestPatternLifecycleOverWire(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)
	id := created.Session.ID

	client.send(wire.SubscribeEvents{SessionID: id, EventTypes: []string{pattern.EventPatternMatch}})
	client.send(wire.RegisterPattern{
		RequestID: "req-1",
		SessionID: id,
		Config: pattern.Config{
			Name:    "exit-code",
			Type:    pattern.TypeRegex,
			Pattern: `exit code (?P<code>\d+)`,
		},
	})
	registered := await[*wire.PatternRegistered](t, client)
	if registered.RequestID != "req-1" {
		t.Fatalf("requestId = %q, want %q", registered.RequestID, "req-1")
	}
	if registered.PatternID == "" {
		t.Fatal("registered pattern has empty id")
	}

	client.send(wire.Input{SessionID: id, Data: "exit code 42\n"})
	event := await[*wire.TerminalEvent](t, client)
	if event.Event.Type != pattern.EventPatternMatch {
		t.Fatalf("event type = %q, want %q", event.Event.Type, pattern.EventPatternMatch)
	}
	if event.Event.Match == nil {
		t.Fatal("pattern-match event has nil match")
	}
	if got := event.Event.Match.Groups["code"]; got != "42" {
		t.Errorf("captured code = %q, want %q", got, "42")
	}

	client.send(wire.GetPatterns{RequestID: "req-2", SessionID: id})
	list := await[*wire.PatternsList](t, client)
	if list.RequestID != "req-2" {
		t.Fatalf("requestId = %q, want %q", list.RequestID, "req-2")
	}
	if len(list.Patterns) != 1 || list.Patterns[0].ID != registered.PatternID {
		t.Fatalf("patterns = %+v, want exactly the registered one", list.Patterns)
	}

	client.send(wire.UnregisterPattern{RequestID: "req-3", PatternID: registered.PatternID})
	unregistered := await[*wire.PatternUnregistered](t, client)
	if unregistered.PatternID != registered.PatternID {
		t.Errorf("unregistered id = %q, want %q", unregistered.PatternID, registered.PatternID)
	}
}

func TestRegisterPatternValidationError(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)

	client.send(wire.RegisterPattern{
		RequestID: "req-bad",
		SessionID: created.Session.ID,
		Config:    pattern.Config{Type: pattern.TypeRegex, Pattern: "("},
	})
	failure := await[*wire.Error](t, client)
	if failure.RequestID != "req-bad" {
		t.Errorf("requestId = %q, want %q", failure.RequestID, "req-bad")
	}
}

func TestUnsubscribedClientGetsNoEvents(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	subscriber := tg.dial(t)
	bystander := tg.dial(t)

	created := createCat(t, subscriber)
	id := created.Session.ID
	bystander.send(wire.Connect{SessionID: id})

	subscriber.send(wire.SubscribeEvents{SessionID: id})
	subscriber.send(wire.RegisterPattern{
		RequestID: "req-1",
		SessionID: id,
		Config:    pattern.Config{Type: pattern.TypeString, Pattern: "marker"},
	})
	await[*wire.PatternRegistered](t, subscriber)

	subscriber.send(wire.Input{SessionID: id, Data: "marker\n"})
	await[*wire.TerminalEvent](t, subscriber)

	// The bystander saw the output broadcast but no terminal event.
	collectOutput(t, bystander, contains("marker"))
	select {
	case message := <-bystander.messages:
		if _, isEvent := message.(*wire.TerminalEvent); isEvent {
			t.Fatal("bystander received a terminal event without subscribing")
		}
	default:
	}
}

func TestAdminAttachModes(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	owner := tg.dial(t)
	admin := tg.dial(t)

	created := createCat(t, owner)
	id := created.Session.ID

	admin.send(wire.AdminAttach{SessionID: id, Mode: wire.ModeReadOnly})
	admin.send(wire.AdminInput{SessionID: id, Data: "intruding\n"})
	failure := await[*wire.Error](t, admin)
	if !strings.Contains(failure.Message, "read-only") {
		t.Fatalf("error = %q, want a read-only refusal", failure.Message)
	}

	// Re-attaching interactive upgrades the handle.
	admin.send(wire.AdminAttach{SessionID: id, Mode: wire.ModeInteractive})
	admin.send(wire.AdminInput{SessionID: id, Data: "hands on\n"})

	if got, _ := collectOutput(t, owner, contains("hands on")); !strings.Contains(got, "hands on") {
		t.Fatalf("owner output = %q, want admin input to reach the session", got)
	}
	if got, _ := collectOutput(t, admin, contains("hands on")); !strings.Contains(got, "hands on") {
		t.Fatalf("admin output = %q, want the session broadcast", got)
	}
}

func TestAdminAttachUnknownModeAndSession(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)

	client.send(wire.AdminAttach{SessionID: created.Session.ID, Mode: "superuser"})
	failure := await[*wire.Error](t, client)
	if !strings.Contains(failure.Message, "superuser") {
		t.Errorf("error = %q, want it to name the mode", failure.Message)
	}

	client.send(wire.AdminAttach{SessionID: "ghost", Mode: wire.ModeReadOnly})
	failure = await[*wire.Error](t, client)
	if failure.SessionID != "ghost" {
		t.Errorf("error session = %q, want %q", failure.SessionID, "ghost")
	}
}

func TestAdminInputWithoutAttachment(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	owner := tg.dial(t)
	admin := tg.dial(t)

	created := createCat(t, owner)
	admin.send(wire.AdminInput{SessionID: created.Session.ID, Data: "sneaky\n"})
	failure := await[*wire.Error](t, admin)
	if !strings.Contains(failure.Message, "not attached") {
		t.Errorf("error = %q, want an attachment refusal", failure.Message)
	}
}

func TestAdminDetachStopsBroadcast(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	owner := tg.dial(t)
	admin := tg.dial(t)

	created := createCat(t, owner)
	id := created.Session.ID

	admin.send(wire.AdminAttach{SessionID: id, Mode: wire.ModeReadOnly})
	owner.send(wire.Input{SessionID: id, Data: "before detach\n"})
	collectOutput(t, admin, contains("before detach"))

	admin.send(wire.AdminDetach{SessionID: id})
	// Fence: the detach is processed before the list request.
	admin.send(wire.AdminListSessions{})
	await[*wire.AdminSessionsList](t, admin)

	owner.send(wire.Input{SessionID: id, Data: "after detach\n"})
	collectOutput(t, owner, occurrences("after detach", 2))

	select {
	case message, ok := <-admin.messages:
		if ok {
			if output, isOutput := message.(*wire.Output); isOutput && strings.Contains(output.Data, "after detach") {
				t.Fatal("detached admin still received session output")
			}
		}
	default:
	}
}

func TestAdminListSessions(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)

	first := createCat(t, client)
	second := createCat(t, client)

	client.send(wire.AdminListSessions{})
	list := await[*wire.AdminSessionsList](t, client)
	if len(list.Sessions) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(list.Sessions))
	}
	ids := map[string]bool{first.Session.ID: false, second.Session.ID: false}
	for _, summary := range list.Sessions {
		ids[summary.Session.ID] = true
		if summary.Status == "" {
			t.Errorf("session %s has empty status", summary.Session.ID)
		}
	}
	for id, seen := range ids {
		if !seen {
			t.Errorf("session %s missing from list", id)
		}
	}
}

func TestProcessorVetoSuppressesEverywhere(t *testing.T) {
	t.Parallel()
	veto := pipeline.Processor{
		Name: "censor",
		Process: func(event pipeline.Event) (string, bool) {
			if strings.Contains(event.Data, "secret") {
				return "", false
			}
			return event.Data, true
		},
	}
	tg := newTestGateway(t, Config{Processors: []pipeline.Processor{veto}})
	client := tg.dial(t)
	created := createCat(t, client)
	id := created.Session.ID

	client.send(wire.Input{SessionID: id, Data: "secret\n"})
	client.send(wire.Input{SessionID: id, Data: "visible\n"})

	got, _ := collectOutput(t, client, occurrences("visible", 2))
	if strings.Contains(got, "secret") {
		t.Fatalf("output = %q, vetoed chunks must not broadcast", got)
	}

	detail, ok := tg.gateway.SessionDetail(id)
	if !ok {
		t.Fatal("session detail missing")
	}
	if strings.Contains(detail.BufferTail, "secret") {
		t.Fatalf("buffer tail = %q, vetoed chunks must not persist", detail.BufferTail)
	}
}

func TestBufferSaveDebounce(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	fake := clock.Fake(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	tg := newTestGateway(t, Config{Store: st, Clock: fake, SaveDebounce: time.Second})
	client := tg.dial(t)
	created := createCat(t, client)
	id := created.Session.ID

	client.send(wire.Input{SessionID: id, Data: "persist me\n"})
	collectOutput(t, client, occurrences("persist me", 2))

	// The save timer arms when output lands; nothing is written until
	// the debounce window elapses.
	fake.WaitForTimers(1)
	if record, err := st.Load(id); err == nil && strings.Contains(record.Buffer, "persist me") {
		t.Fatal("buffer saved before the debounce window elapsed")
	}

	fake.Advance(time.Second)

	record, err := st.Load(id)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if !strings.Contains(record.Buffer, "persist me") {
		t.Errorf("stored buffer = %q, want it to contain %q", record.Buffer, "persist me")
	}
}

func TestExitCancelsPendingSave(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	fake := clock.Fake(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	tg := newTestGateway(t, Config{Store: st, Clock: fake, SaveDebounce: time.Second})
	client := tg.dial(t)
	created := createCat(t, client)
	id := created.Session.ID

	client.send(wire.Input{SessionID: id, Data: "last words\n"})
	collectOutput(t, client, occurrences("last words", 2))
	fake.WaitForTimers(1)

	// End the session while the save timer is still armed. Exit writes
	// the final snapshot synchronously and cancels the timer.
	client.send(wire.Input{SessionID: id, Data: "ctrl-d", Mode: wire.InputKey})
	await[*wire.Exit](t, client)

	record, err := st.Load(id)
	if err != nil {
		t.Fatalf("store.Load after exit: %v", err)
	}
	if !strings.Contains(record.Buffer, "last words") {
		t.Fatalf("stored buffer = %q, want the final output", record.Buffer)
	}

	// A stale timer firing now would snapshot the cleared buffer and
	// wipe the record.
	fake.Advance(5 * time.Second)
	record, err = st.Load(id)
	if err != nil {
		t.Fatalf("store.Load after advance: %v", err)
	}
	if !strings.Contains(record.Buffer, "last words") {
		t.Errorf("stored buffer = %q after advance, the cancelled save must not fire", record.Buffer)
	}
}

func TestExitWritesFinalSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	tg := newTestGateway(t, Config{Store: st})
	client := tg.dial(t)

	client.send(wire.Create{
		Command: "/bin/sh",
		Args:    []string{"-c", "read line; printf 'parting words'; exit 0"},
		Cwd:     "/tmp",
		Env:     map[string]string{"TETHER_TEST": "1"},
	})
	created := await[*wire.Created](t, client)
	id := created.Session.ID

	client.send(wire.Input{SessionID: id, Data: "go\n"})
	await[*wire.Exit](t, client)

	record, err := st.Load(id)
	if err != nil {
		t.Fatalf("store.Load after exit: %v", err)
	}
	if !strings.Contains(record.Buffer, "parting words") {
		t.Errorf("stored buffer = %q, want final output", record.Buffer)
	}
	if record.Cwd != "/tmp" {
		t.Errorf("stored cwd = %q, want %q", record.Cwd, "/tmp")
	}
	if record.Env["TETHER_TEST"] != "1" {
		t.Errorf("stored env = %v, want TETHER_TEST=1", record.Env)
	}

	// The exited session remains visible with its code.
	detail, ok := tg.gateway.SessionDetail(id)
	if !ok {
		t.Fatal("exited session missing from detail")
	}
	if detail.Status != "exited" {
		t.Errorf("status = %q, want %q", detail.Status, "exited")
	}
	if detail.ExitCode == nil || *detail.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", detail.ExitCode)
	}
	if !strings.Contains(detail.BufferTail, "parting words") {
		t.Errorf("buffer tail = %q, want stored output", detail.BufferTail)
	}
}

func TestRestoreSessionsListsAsExited(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	stored := store.StoredSession{
		Session: sessionFixture("restored-1"),
		Buffer:  "output from a previous life",
	}
	if err := st.Save("restored-1", stored); err != nil {
		t.Fatalf("store.Save: %v", err)
	}

	tg := newTestGateway(t, Config{Store: st})
	records, err := st.LoadAll()
	if err != nil {
		t.Fatalf("store.LoadAll: %v", err)
	}
	tg.gateway.RestoreSessions(records)

	summaries := tg.gateway.Sessions()
	if len(summaries) != 1 {
		t.Fatalf("listed %d sessions, want 1", len(summaries))
	}
	if summaries[0].Status != "exited" {
		t.Errorf("status = %q, want %q", summaries[0].Status, "exited")
	}

	detail, ok := tg.gateway.SessionDetail("restored-1")
	if !ok {
		t.Fatal("restored session missing from detail")
	}
	if !strings.Contains(detail.BufferTail, "previous life") {
		t.Errorf("buffer tail = %q, want the stored buffer", detail.BufferTail)
	}

	if !tg.gateway.KillSession("restored-1") {
		t.Fatal("KillSession returned false for a restored session")
	}
	if _, err := st.Load("restored-1"); err == nil {
		t.Error("stored record survived KillSession")
	}
	if _, ok := tg.gateway.SessionDetail("restored-1"); ok {
		t.Error("restored session still listed after KillSession")
	}
}

func TestHTTPSurface(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	created := createCat(t, client)
	id := created.Session.ID

	client.send(wire.Input{SessionID: id, Data: "hello-http\n"})
	collectOutput(t, client, occurrences("hello-http", 2))

	var listing struct {
		Sessions []wire.SessionSummary `json:"sessions"`
	}
	getJSON(t, tg.server.URL+"/api/sessions", &listing)
	if len(listing.Sessions) != 1 || listing.Sessions[0].Session.ID != id {
		t.Fatalf("listing = %+v, want the one session", listing.Sessions)
	}
	if listing.Sessions[0].BufferSize == 0 {
		t.Error("listed buffer size = 0, want recorded output")
	}

	var detail SessionDetail
	getJSON(t, tg.server.URL+"/api/sessions/"+id, &detail)
	if !strings.Contains(detail.BufferTail, "hello-http") {
		t.Errorf("buffer tail = %q, want it to contain %q", detail.BufferTail, "hello-http")
	}

	response, err := http.Get(tg.server.URL + "/api/sessions/absent")
	if err != nil {
		t.Fatalf("GET detail: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", response.StatusCode)
	}

	deleteRequest, err := http.NewRequest(http.MethodDelete, tg.server.URL+"/api/sessions/"+id, nil)
	if err != nil {
		t.Fatalf("build DELETE: %v", err)
	}
	response, err = http.DefaultClient.Do(deleteRequest)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", response.StatusCode)
	}

	exit := await[*wire.Exit](t, client)
	if exit.SessionID != id {
		t.Errorf("exit session = %q, want %q", exit.SessionID, id)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)
	createCat(t, client)

	response, err := http.Get(tg.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	text := string(body)
	for _, name := range []string{"tether_sessions_active", "tether_sessions_created_total", "tether_connections_active"} {
		if !strings.Contains(text, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{})

	response, err := http.Get(tg.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", response.StatusCode)
	}
}

func getJSON(t *testing.T, url string, into any) {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d, want 200", url, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(into); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func sessionFixture(id string) session.Session {
	created := time.Date(2026, 2, 9, 8, 0, 0, 0, time.UTC)
	return session.Session{
		ID:             id,
		CreatedAt:      created,
		LastAccessedAt: created.Add(time.Minute),
		Command:        "/bin/cat",
		Cols:           80,
		Rows:           24,
	}
}

func TestSubscriptionScopes(t *testing.T) {
	t.Parallel()
	c := &connection{subscriptions: make(map[string]map[string]bool)}

	if c.wantsEvent("s1", pattern.EventPatternMatch) {
		t.Error("fresh connection wants events")
	}

	c.subscribe("s1", []string{pattern.EventPatternMatch})
	if !c.wantsEvent("s1", pattern.EventPatternMatch) {
		t.Error("typed subscription missed its event")
	}
	if c.wantsEvent("s1", pattern.EventAnsiSequence) {
		t.Error("typed subscription matched a foreign type")
	}
	if c.wantsEvent("s2", pattern.EventPatternMatch) {
		t.Error("session subscription leaked to another session")
	}

	// Widening to all types sticks.
	c.subscribe("s1", nil)
	if !c.wantsEvent("s1", pattern.EventAnsiSequence) {
		t.Error("all-types subscription missed an event")
	}
	c.subscribe("s1", []string{pattern.EventPatternMatch})
	if !c.wantsEvent("s1", pattern.EventAnsiSequence) {
		t.Error("merging a narrower subscription narrowed an all-types one")
	}

	// The empty scope covers every session.
	c.subscribe("", []string{pattern.EventAnsiSequence})
	if !c.wantsEvent("s2", pattern.EventAnsiSequence) {
		t.Error("global subscription missed another session's event")
	}

	c.unsubscribe("s1")
	if c.wantsEvent("s1", pattern.EventPatternMatch) {
		t.Error("unsubscribed session still wanted")
	}
	if !c.wantsEvent("s1", pattern.EventAnsiSequence) {
		t.Error("global subscription should survive a session unsubscribe")
	}

	c.unsubscribe("")
	if c.wantsEvent("s2", pattern.EventAnsiSequence) {
		t.Error("bare unsubscribe left subscriptions behind")
	}
}

func TestRestrictedCreateOverWire(t *testing.T) {
	t.Parallel()
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("restricted sessions need /bin/bash")
	}
	tg := newTestGateway(t, Config{})
	client := tg.dial(t)

	client.send(wire.Create{Restriction: &restrict.Policy{BlockedCommands: []string{"rm"}}})
	created := await[*wire.Created](t, client)
	if !created.Session.Restricted() {
		t.Error("session does not report restriction")
	}

	client.send(wire.Input{SessionID: created.Session.ID, Data: "rm /tmp/anything\n"})
	got, _ := collectOutput(t, client, contains("blocked by session policy"))
	if !strings.Contains(got, "rm") {
		t.Errorf("denial output = %q, want it to name the command", got)
	}
}

func TestCreateWithProfile(t *testing.T) {
	t.Parallel()
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("restricted sessions need /bin/bash")
	}
	tg := newTestGateway(t, Config{
		Profiles: map[string]restrict.Policy{
			"quarantine": {BlockedCommands: []string{"curl"}},
		},
	})
	client := tg.dial(t)

	client.send(wire.Create{Profile: "quarantine"})
	created := await[*wire.Created](t, client)
	if !created.Session.Restricted() {
		t.Error("profile did not restrict the session")
	}

	client.send(wire.Input{SessionID: created.Session.ID, Data: "curl example.com\n"})
	collectOutput(t, client, contains("blocked by session policy"))
}

func TestCreateProfileErrors(t *testing.T) {
	t.Parallel()
	tg := newTestGateway(t, Config{
		Profiles: map[string]restrict.Policy{
			"quarantine": {BlockedCommands: []string{"curl"}},
		},
	})
	client := tg.dial(t)

	client.send(wire.Create{Profile: "nonexistent"})
	failure := await[*wire.Error](t, client)
	if !strings.Contains(failure.Message, "nonexistent") {
		t.Errorf("error = %q, want it to name the profile", failure.Message)
	}

	client.send(wire.Create{
		Profile:     "quarantine",
		Restriction: &restrict.Policy{BlockedCommands: []string{"rm"}},
	})
	failure = await[*wire.Error](t, client)
	if !strings.Contains(failure.Message, "profile") {
		t.Errorf("error = %q, want a profile conflict", failure.Message)
	}
	if tg.gateway.sessions.Count() != 0 {
		t.Errorf("session count = %d, want 0", tg.gateway.sessions.Count())
	}
}
