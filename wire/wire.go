// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the protocol messages exchanged between the
// daemon and its clients. Every message is a flat JSON object
// discriminated by a "type" field; each kind is its own struct
// carrying only the fields that kind uses. Encode injects the tag,
// Decode dispatches on it, and nothing else in the module inspects
// raw JSON.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/tether/pattern"
	"github.com/bureau-foundation/tether/restrict"
	"github.com/bureau-foundation/tether/session"
)

// Message type tags.
const (
	TypeCreate              = "create"
	TypeConnect             = "connect"
	TypeInput               = "input"
	TypeResize              = "resize"
	TypeDisconnect          = "disconnect"
	TypeOutput              = "output"
	TypeCreated             = "created"
	TypeBell                = "bell"
	TypeExit                = "exit"
	TypeError               = "error"
	TypeRegisterPattern     = "register-pattern"
	TypeUnregisterPattern   = "unregister-pattern"
	TypePatternRegistered   = "pattern-registered"
	TypePatternUnregistered = "pattern-unregistered"
	TypeTerminalEvent       = "terminal-event"
	TypeSubscribeEvents     = "subscribe-events"
	TypeUnsubscribeEvents   = "unsubscribe-events"
	TypeGetPatterns         = "get-patterns"
	TypePatternsList        = "patterns-list"
	TypeAdminAttach         = "admin-attach"
	TypeAdminDetach         = "admin-detach"
	TypeAdminInput          = "admin-input"
	TypeAdminListSessions   = "admin-list-sessions"
	TypeAdminSessionsList   = "admin-sessions-list"
)

// Input modes. Raw input is the default; command appends a newline;
// key resolves a symbolic key name.
const (
	InputRaw     = ""
	InputCommand = "command"
	InputKey     = "key"
)

// Admin attach modes.
const (
	ModeReadOnly    = "read-only"
	ModeInteractive = "interactive"
)

// Message is implemented by every wire message kind.
type Message interface {
	Kind() string
}

// Create asks the daemon to spawn a new session. Restriction carries
// an inline policy; Profile names one of the daemon's configured
// presets instead. Setting both is rejected.
type Create struct {
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Cols        int               `json:"cols,omitempty"`
	Rows        int               `json:"rows,omitempty"`
	Restriction *restrict.Policy  `json:"restriction,omitempty"`
	Profile     string            `json:"profile,omitempty"`
}

func (Create) Kind() string { return TypeCreate }

// Connect attaches the connection to an existing session. A client
// holding output through LastSequence sets UseIncrementalUpdates to
// receive only what it is missing instead of the full scrollback.
type Connect struct {
	SessionID             string `json:"sessionId"`
	LastSequence          uint64 `json:"lastSequence,omitempty"`
	UseIncrementalUpdates bool   `json:"useIncrementalUpdates,omitempty"`
}

func (Connect) Kind() string { return TypeConnect }

// Input forwards data to the session's PTY.
type Input struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Mode      string `json:"mode,omitempty"`
}

func (Input) Kind() string { return TypeInput }

// Resize changes the session's terminal dimensions.
type Resize struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func (Resize) Kind() string { return TypeResize }

// Disconnect detaches the connection from a session without killing
// it.
type Disconnect struct {
	SessionID string `json:"sessionId"`
}

func (Disconnect) Kind() string { return TypeDisconnect }

// Output is one broadcast chunk of session output. Sequence is the
// session's total output byte count after this chunk; it only grows.
type Output struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Sequence  uint64 `json:"sequence"`
}

func (Output) Kind() string { return TypeOutput }

// Created answers a Create with the new session's descriptor.
type Created struct {
	Session session.Session `json:"session"`
}

func (Created) Kind() string { return TypeCreated }

// Bell reports a BEL byte in the session's output.
type Bell struct {
	SessionID string `json:"sessionId"`
}

func (Bell) Kind() string { return TypeBell }

// Exit reports the session's process ending.
type Exit struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

func (Exit) Kind() string { return TypeExit }

// Error reports a failed operation. RequestID is set when the failure
// answers a correlated request.
type Error struct {
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

func (Error) Kind() string { return TypeError }

func (e Error) Error() string { return e.Message }

// RegisterPattern registers an output pattern on a session. The
// correlated response is PatternRegistered or Error carrying the same
// RequestID.
type RegisterPattern struct {
	RequestID string         `json:"requestId"`
	SessionID string         `json:"sessionId"`
	Config    pattern.Config `json:"config"`
}

func (RegisterPattern) Kind() string { return TypeRegisterPattern }

// UnregisterPattern removes a pattern by id.
type UnregisterPattern struct {
	RequestID string `json:"requestId"`
	PatternID string `json:"patternId"`
}

func (UnregisterPattern) Kind() string { return TypeUnregisterPattern }

// PatternRegistered confirms a RegisterPattern.
type PatternRegistered struct {
	RequestID string `json:"requestId"`
	PatternID string `json:"patternId"`
}

func (PatternRegistered) Kind() string { return TypePatternRegistered }

// PatternUnregistered confirms an UnregisterPattern.
type PatternUnregistered struct {
	RequestID string `json:"requestId"`
	PatternID string `json:"patternId"`
}

func (PatternUnregistered) Kind() string { return TypePatternUnregistered }

// TerminalEvent delivers a pattern-match or ansi-sequence event to
// subscribed connections.
type TerminalEvent struct {
	Event pattern.Event `json:"event"`
}

func (TerminalEvent) Kind() string { return TypeTerminalEvent }

// SubscribeEvents opts the connection into terminal events. An empty
// EventTypes list means all types; an empty SessionID means all
// sessions.
type SubscribeEvents struct {
	SessionID  string   `json:"sessionId,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
}

func (SubscribeEvents) Kind() string { return TypeSubscribeEvents }

// UnsubscribeEvents removes the connection's event subscription.
type UnsubscribeEvents struct {
	SessionID  string   `json:"sessionId,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
}

func (UnsubscribeEvents) Kind() string { return TypeUnsubscribeEvents }

// GetPatterns asks for the patterns registered on a session.
type GetPatterns struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

func (GetPatterns) Kind() string { return TypeGetPatterns }

// PatternsList answers a GetPatterns.
type PatternsList struct {
	RequestID string                 `json:"requestId"`
	SessionID string                 `json:"sessionId"`
	Patterns  []pattern.Registration `json:"patterns"`
}

func (PatternsList) Kind() string { return TypePatternsList }

// AdminAttach attaches the connection to a session it does not own,
// read-only or interactive.
type AdminAttach struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

func (AdminAttach) Kind() string { return TypeAdminAttach }

// AdminDetach removes an admin attachment.
type AdminDetach struct {
	SessionID string `json:"sessionId"`
}

func (AdminDetach) Kind() string { return TypeAdminDetach }

// AdminInput forwards input through an interactive admin attachment.
// Read-only attachments get an Error back.
type AdminInput struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

func (AdminInput) Kind() string { return TypeAdminInput }

// AdminListSessions asks for every session the daemon knows about.
type AdminListSessions struct{}

func (AdminListSessions) Kind() string { return TypeAdminListSessions }

// SessionSummary is one row of an AdminSessionsList: the session
// record with its derived status and current scrollback size.
type SessionSummary struct {
	Session    session.Session `json:"session"`
	Status     string          `json:"status"`
	BufferSize int             `json:"bufferSize"`
}

// AdminSessionsList answers an AdminListSessions.
type AdminSessionsList struct {
	Sessions []SessionSummary `json:"sessions"`
}

func (AdminSessionsList) Kind() string { return TypeAdminSessionsList }

// Encode renders a message as a flat JSON object with its type tag
// injected.
func Encode(message Message) ([]byte, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", message.Kind(), err)
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", message.Kind(), err)
	}
	if object == nil {
		object = make(map[string]json.RawMessage, 1)
	}
	tag, err := json.Marshal(message.Kind())
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", message.Kind(), err)
	}
	object["type"] = tag
	return json.Marshal(object)
}

// Decode parses a message and returns it as its concrete kind.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}

	var message Message
	switch head.Type {
	case TypeCreate:
		message = &Create{}
	case TypeConnect:
		message = &Connect{}
	case TypeInput:
		message = &Input{}
	case TypeResize:
		message = &Resize{}
	case TypeDisconnect:
		message = &Disconnect{}
	case TypeOutput:
		message = &Output{}
	case TypeCreated:
		message = &Created{}
	case TypeBell:
		message = &Bell{}
	case TypeExit:
		message = &Exit{}
	case TypeError:
		message = &Error{}
	case TypeRegisterPattern:
		message = &RegisterPattern{}
	case TypeUnregisterPattern:
		message = &UnregisterPattern{}
	case TypePatternRegistered:
		message = &PatternRegistered{}
	case TypePatternUnregistered:
		message = &PatternUnregistered{}
	case TypeTerminalEvent:
		message = &TerminalEvent{}
	case TypeSubscribeEvents:
		message = &SubscribeEvents{}
	case TypeUnsubscribeEvents:
		message = &UnsubscribeEvents{}
	case TypeGetPatterns:
		message = &GetPatterns{}
	case TypePatternsList:
		message = &PatternsList{}
	case TypeAdminAttach:
		message = &AdminAttach{}
	case TypeAdminDetach:
		message = &AdminDetach{}
	case TypeAdminInput:
		message = &AdminInput{}
	case TypeAdminListSessions:
		message = &AdminListSessions{}
	case TypeAdminSessionsList:
		message = &AdminSessionsList{}
	case "":
		return nil, fmt.Errorf("wire: decode: missing type field")
	default:
		return nil, fmt.Errorf("wire: decode: unknown message type %q", head.Type)
	}

	if err := json.Unmarshal(data, message); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", head.Type, err)
	}
	return message, nil
}
