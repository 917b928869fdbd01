// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scrollback

import (
	"bytes"
	"strings"
	"testing"
)

func TestBufferBasicAppendRead(t *testing.T) {
	t.Parallel()
	buffer := NewBuffer(1024)

	buffer.Append([]byte("hello"))
	buffer.Append([]byte(" world"))

	got := buffer.Bytes()
	if !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("Bytes(): got %q, want %q", got, "hello world")
	}
}

func TestBufferReadFromOffset(t *testing.T) {
	t.Parallel()
	buffer := NewBuffer(1024)

	buffer.Append([]byte("abcde"))
	buffer.Append([]byte("fghij"))

	// Offset 5 skips "abcde".
	got, sequence := buffer.ReadFrom(5)
	if !bytes.Equal(got, []byte("fghij")) {
		t.Errorf("ReadFrom(5): got %q, want %q", got, "fghij")
	}
	if sequence != 10 {
		t.Errorf("ReadFrom(5) sequence = %d, want 10", sequence)
	}
}

func TestBufferReadFromCurrentSequence(t *testing.T) {
	t.Parallel()
	buffer := NewBuffer(1024)
	buffer.Append([]byte("data"))

	if got, _ := buffer.ReadFrom(buffer.Sequence()); got != nil {
		t.Errorf("ReadFrom(current): got %q, want nil", got)
	}
	if got, _ := buffer.ReadFrom(buffer.Sequence() + 100); got != nil {
		t.Errorf("ReadFrom(future): got %q, want nil", got)
	}
}

func TestBufferExactTailRetention(t *testing.T) {
	t.Parallel()
	const capacity = 1000
	buffer := NewBuffer(capacity)

	// Append capacity+1000 bytes one at a time; the buffer must hold
	// exactly the trailing capacity bytes of the logical stream.
	for i := 0; i < capacity+1000; i++ {
		buffer.Append([]byte{byte('a' + i%26)})
	}

	if got := buffer.Len(); got != capacity {
		t.Fatalf("Len() = %d, want %d", got, capacity)
	}

	var want []byte
	for i := 1000; i < capacity+1000; i++ {
		want = append(want, byte('a'+i%26))
	}
	if got := buffer.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Bytes() after overflow: got %q..., want trailing window", got[:16])
	}
}

func TestBufferUniformOverflow(t *testing.T) {
	t.Parallel()
	const capacity = 500
	buffer := NewBuffer(capacity)
	for i := 0; i < capacity+1000; i++ {
		buffer.Append([]byte("a"))
	}
	got := buffer.Bytes()
	if len(got) != capacity {
		t.Fatalf("len(Bytes()) = %d, want %d", len(got), capacity)
	}
	if string(got) != strings.Repeat("a", capacity) {
		t.Error("Bytes() contains non-'a' bytes after uniform writes")
	}
}

func TestBufferChunkLargerThanCapacity(t *testing.T) {
	t.Parallel()
	buffer := NewBuffer(8)
	sequence := buffer.Append([]byte("0123456789abcdef"))

	if sequence != 16 {
		t.Fatalf("Append sequence = %d, want 16", sequence)
	}
	if got := buffer.Bytes(); !bytes.Equal(got, []byte("89abcdef")) {
		t.Errorf("Bytes(): got %q, want %q", got, "89abcdef")
	}
}

func TestBufferReadFromEvictedOffset(t *testing.T) {
	t.Parallel()
	buffer := NewBuffer(8)
	buffer.Append([]byte("01234567"))
	buffer.Append([]byte("89ab"))

	// Offset 0 predates the oldest retained byte; everything retained
	// comes back.
	got, sequence := buffer.ReadFrom(0)
	if !bytes.Equal(got, []byte("456789ab")) {
		t.Errorf("ReadFrom(0) after eviction: got %q, want %q", got, "456789ab")
	}
	if sequence != 12 {
		t.Errorf("ReadFrom(0) sequence = %d, want 12", sequence)
	}
}

func TestBufferWrapAround(t *testing.T) {
	t.Parallel()
	buffer := NewBuffer(8)
	buffer.Append([]byte("abcdefgh"))
	buffer.Append([]byte("ij"))

	if got := buffer.Bytes(); !bytes.Equal(got, []byte("cdefghij")) {
		t.Errorf("Bytes() after wrap: got %q, want %q", got, "cdefghij")
	}
	if got, _ := buffer.ReadFrom(8); !bytes.Equal(got, []byte("ij")) {
		t.Errorf("ReadFrom(8) after wrap: got %q, want %q", got, "ij")
	}
}

func TestBufferPreservesEscapeSequences(t *testing.T) {
	t.Parallel()
	buffer := NewBuffer(1024)
	payload := []byte("\x1b[31mred\x1b[0m plain \x1b[1;32mbold green\x1b[0m")
	buffer.Append(payload)

	if got := buffer.Bytes(); !bytes.Equal(got, payload) {
		t.Errorf("escape sequences not preserved: got %q", got)
	}
}

func TestBufferSequenceAccumulates(t *testing.T) {
	t.Parallel()
	buffer := NewBuffer(4)
	if got := buffer.Sequence(); got != 0 {
		t.Fatalf("initial Sequence() = %d, want 0", got)
	}
	buffer.Append([]byte("abc"))
	buffer.Append([]byte("defgh"))
	if got := buffer.Sequence(); got != 8 {
		t.Fatalf("Sequence() = %d, want 8", got)
	}
}

func TestManagerUnknownSessionIsEmpty(t *testing.T) {
	t.Parallel()
	manager := NewManager(1024)

	if got := manager.String("never-written"); got != "" {
		t.Errorf(`String(unknown) = %q, want ""`, got)
	}
	if got := manager.Bytes("never-written"); got != nil {
		t.Errorf("Bytes(unknown) = %v, want nil", got)
	}
	if got := manager.Sequence("never-written"); got != 0 {
		t.Errorf("Sequence(unknown) = %d, want 0", got)
	}
	if got := manager.Len("never-written"); got != 0 {
		t.Errorf("Len(unknown) = %d, want 0", got)
	}
}

func TestManagerSessionsAreIndependent(t *testing.T) {
	t.Parallel()
	manager := NewManager(1024)

	manager.Append("one", []byte("first session"))
	manager.Append("two", []byte("second session"))

	if got := manager.String("one"); got != "first session" {
		t.Errorf("String(one) = %q, want %q", got, "first session")
	}
	if got := manager.String("two"); got != "second session" {
		t.Errorf("String(two) = %q, want %q", got, "second session")
	}

	manager.Clear("one")
	if got := manager.String("one"); got != "" {
		t.Errorf(`String(one) after Clear = %q, want ""`, got)
	}
	if got := manager.String("two"); got != "second session" {
		t.Errorf("Clear(one) disturbed session two: %q", got)
	}
}

func TestManagerAppendReturnsSequence(t *testing.T) {
	t.Parallel()
	manager := NewManager(1024)
	if got := manager.Append("s", []byte("12345")); got != 5 {
		t.Fatalf("first Append sequence = %d, want 5", got)
	}
	if got := manager.Append("s", []byte("678")); got != 8 {
		t.Fatalf("second Append sequence = %d, want 8", got)
	}
}

func TestManagerClearResetsSequence(t *testing.T) {
	t.Parallel()
	manager := NewManager(1024)
	manager.Append("s", []byte("data"))
	manager.Clear("s")
	if got := manager.Append("s", []byte("x")); got != 1 {
		t.Fatalf("Append after Clear sequence = %d, want 1", got)
	}
}

func TestManagerReadFrom(t *testing.T) {
	t.Parallel()
	manager := NewManager(1024)
	manager.Append("s", []byte("abcdef"))

	got, sequence := manager.ReadFrom("s", 3)
	if !bytes.Equal(got, []byte("def")) {
		t.Errorf("ReadFrom(s, 3): got %q, want %q", got, "def")
	}
	if sequence != 6 {
		t.Errorf("ReadFrom(s, 3) sequence = %d, want 6", sequence)
	}

	got, sequence = manager.ReadFrom("unknown", 0)
	if got != nil || sequence != 0 {
		t.Errorf("ReadFrom(unknown) = (%q, %d), want (nil, 0)", got, sequence)
	}
}
