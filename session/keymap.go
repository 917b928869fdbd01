// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "fmt"

// keySequences maps symbolic key names to the bytes a terminal would
// send for them. Escape-prefixed entries use the xterm sequences;
// every mainstream terminal emulator accepts these.
var keySequences = map[string][]byte{
	"enter":     {'\r'},
	"tab":       {'\t'},
	"escape":    {0x1b},
	"space":     {' '},
	"backspace": {0x7f},
	"delete":    []byte("\x1b[3~"),
	"up":        []byte("\x1b[A"),
	"down":      []byte("\x1b[B"),
	"right":     []byte("\x1b[C"),
	"left":      []byte("\x1b[D"),
	"home":      []byte("\x1b[H"),
	"end":       []byte("\x1b[F"),
	"pageup":    []byte("\x1b[5~"),
	"pagedown":  []byte("\x1b[6~"),
	"insert":    []byte("\x1b[2~"),
	"f1":        []byte("\x1bOP"),
	"f2":        []byte("\x1bOQ"),
	"f3":        []byte("\x1bOR"),
	"f4":        []byte("\x1bOS"),
	"f5":        []byte("\x1b[15~"),
	"f6":        []byte("\x1b[17~"),
	"f7":        []byte("\x1b[18~"),
	"f8":        []byte("\x1b[19~"),
	"f9":        []byte("\x1b[20~"),
	"f10":       []byte("\x1b[21~"),
	"f11":       []byte("\x1b[23~"),
	"f12":       []byte("\x1b[24~"),
}

func init() {
	// ctrl-a through ctrl-z are the C0 control bytes 0x01..0x1a.
	for c := byte('a'); c <= 'z'; c++ {
		keySequences[fmt.Sprintf("ctrl-%c", c)] = []byte{c - 'a' + 1}
	}
}

// KeyBytes resolves a symbolic key name to the byte sequence written
// to the PTY. The second return is false for unknown names.
func KeyBytes(key string) ([]byte, bool) {
	sequence, ok := keySequences[key]
	return sequence, ok
}
