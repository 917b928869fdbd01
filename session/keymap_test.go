// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"testing"
)

func TestKeyBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want []byte
	}{
		{"ctrl-a", []byte{0x01}},
		{"ctrl-c", []byte{0x03}},
		{"ctrl-z", []byte{0x1a}},
		{"enter", []byte{'\r'}},
		{"tab", []byte{'\t'}},
		{"escape", []byte{0x1b}},
		{"backspace", []byte{0x7f}},
		{"up", []byte("\x1b[A")},
		{"left", []byte("\x1b[D")},
		{"home", []byte("\x1b[H")},
		{"pagedown", []byte("\x1b[6~")},
		{"delete", []byte("\x1b[3~")},
		{"f1", []byte("\x1bOP")},
		{"f5", []byte("\x1b[15~")},
		{"f12", []byte("\x1b[24~")},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			got, ok := KeyBytes(test.key)
			if !ok {
				t.Fatalf("KeyBytes(%q) not found", test.key)
			}
			if !bytes.Equal(got, test.want) {
				t.Errorf("KeyBytes(%q) = %q, want %q", test.key, got, test.want)
			}
		})
	}
}

func TestKeyBytesUnknown(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "ctrl-1", "super-x", "F1", "Enter"} {
		if _, ok := KeyBytes(key); ok {
			t.Errorf("KeyBytes(%q) resolved, want unknown", key)
		}
	}
}
