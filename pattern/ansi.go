// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"github.com/charmbracelet/x/ansi"
)

// Categories assigned to decoded CSI sequences. The category is the
// coarse intent of the sequence, keyed off its final byte.
const (
	CategoryCursor = "cursor"
	CategoryColor  = "color"
	CategoryClear  = "clear"
	CategoryOther  = "other"
)

// Sequence is one complete CSI escape sequence decoded from an output
// chunk.
type Sequence struct {
	// Sequence is the raw bytes, ESC through the final byte.
	Sequence string
	// Params is everything between "ESC [" and the final byte:
	// parameter and intermediate bytes, such as "1;31" in
	// "ESC [1;31m".
	Params string
	// Category is one of the Category constants.
	Category string
	// Position is the byte offset of ESC within the chunk.
	Position int
}

// scanCSI walks a chunk and returns every complete CSI sequence in
// order of appearance. Printable text and non-CSI escapes (OSC, DCS,
// charset selection) are skipped. A sequence split across chunk
// boundaries is not reassembled; its fragments decode as incomplete
// and are dropped.
func scanCSI(chunk string) []Sequence {
	var sequences []Sequence
	var state byte
	for offset := 0; offset < len(chunk); {
		sequence, _, consumed, newState := ansi.DecodeSequence(chunk[offset:], state, nil)
		if consumed == 0 {
			break
		}
		if isCSI(sequence) {
			sequences = append(sequences, Sequence{
				Sequence: sequence,
				Params:   csiParams(sequence),
				Category: classifyCSI(sequence),
				Position: offset,
			})
		}
		offset += consumed
		state = newState
	}
	return sequences
}

func isCSI(sequence string) bool {
	return len(sequence) >= 3 && sequence[0] == 0x1b && sequence[1] == '['
}

func csiParams(sequence string) string {
	return sequence[2 : len(sequence)-1]
}

// classifyCSI buckets a CSI sequence by its final byte. SGR ('m') is
// color, erase display/line ('J', 'K') is clear, and the cursor
// movement and positioning finals are cursor. Everything else,
// including mode changes and scrolling, is other.
func classifyCSI(sequence string) string {
	switch sequence[len(sequence)-1] {
	case 'm':
		return CategoryColor
	case 'J', 'K':
		return CategoryClear
	case 'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'f', 'd', 'e', '`', 's', 'u':
		return CategoryCursor
	default:
		return CategoryOther
	}
}
