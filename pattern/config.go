// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pattern detects patterns in live terminal output: a
// registry of per-session matching rules, a built-in ANSI CSI
// classifier that runs on every chunk, per-pattern debounce, and
// disk persistence of registrations across restarts.
package pattern

import "time"

// Pattern types.
const (
	// TypeRegex matches a compiled regular expression against each
	// output chunk.
	TypeRegex = "regex"
	// TypeString matches a literal substring; the emitted match text
	// is the line containing the occurrence.
	TypeString = "string"
	// TypeAnsi matches ANSI CSI sequences by category (cursor, color,
	// clear, other); an empty pattern matches every sequence.
	TypeAnsi = "ansi"
	// TypeCustom runs a caller-supplied MatchFunc. Custom patterns
	// carry a Go function and are never persisted.
	TypeCustom = "custom"
)

// Config describes one pattern registration.
type Config struct {
	// Name is an optional label carried on emitted events.
	Name string `json:"name,omitempty"`

	// Type is one of TypeRegex, TypeString, TypeAnsi, TypeCustom.
	Type string `json:"type"`

	// Pattern is the regex source, literal string, or ANSI category,
	// depending on Type. Unused for TypeCustom.
	Pattern string `json:"pattern,omitempty"`

	// Options adjusts matching behavior.
	Options Options `json:"options,omitempty"`

	// Matcher is the callable for TypeCustom. It is not serializable;
	// persistence skips custom patterns by construction.
	Matcher MatchFunc `json:"-"`
}

// Options adjusts how a pattern matches and emits.
type Options struct {
	// CaseSensitive controls regex and string matching. Unset means
	// case-sensitive; pointing at false requests case folding.
	CaseSensitive *bool `json:"caseSensitive,omitempty"`

	// Multiline makes ^ and $ in a regex match at line boundaries.
	Multiline bool `json:"multiline,omitempty"`

	// Debounce suppresses matches occurring within this many
	// milliseconds of the pattern's previous emitted match. Zero
	// emits everything.
	Debounce int `json:"debounce,omitempty"`

	// Persist stores the registration on disk so it is replayed at
	// startup. Ignored for TypeCustom.
	Persist bool `json:"persist,omitempty"`
}

// caseSensitive resolves the optional flag; the default is sensitive.
func (o Options) caseSensitive() bool {
	return o.CaseSensitive == nil || *o.CaseSensitive
}

// MatchFunc evaluates one output chunk. The rolling argument is the
// session's retained scrollback for matchers that need context beyond
// the chunk; the built-in matchers use only the chunk. Positions are
// byte offsets into chunk.
type MatchFunc func(chunk, rolling string) []Match

// Match is one occurrence found by a matcher.
type Match struct {
	// Text is the matched text. String matchers report the containing
	// line; regex matchers report the expression match.
	Text string
	// Position is the byte offset of the occurrence within the chunk.
	Position int
	// Groups holds named regex capture groups, nil otherwise.
	Groups map[string]string
}

// Event kinds carried on the terminal-event stream.
const (
	EventPatternMatch = "pattern-match"
	EventAnsiSequence = "ansi-sequence"
)

// Event is one emitted detection. Exactly one of Match and Ansi is
// set, discriminated by Type.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Match     *MatchEvent `json:"match,omitempty"`
	Ansi      *AnsiEvent  `json:"ansi,omitempty"`
}

// MatchEvent is emitted when a registered pattern matches. Ephemeral:
// delivered to subscribers, never stored.
type MatchEvent struct {
	SessionID string            `json:"sessionId"`
	PatternID string            `json:"patternId"`
	Name      string            `json:"name,omitempty"`
	Match     string            `json:"match"`
	Position  int               `json:"position"`
	Groups    map[string]string `json:"groups,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AnsiEvent is emitted for each ANSI CSI sequence the built-in
// detector finds, independent of registered patterns.
type AnsiEvent struct {
	SessionID string    `json:"sessionId"`
	Sequence  string    `json:"sequence"`
	Category  string    `json:"category"`
	Parsed    string    `json:"parsed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Registration is a registered pattern as reported by Patterns and
// persisted to disk.
type Registration struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Config    Config `json:"config"`
}
