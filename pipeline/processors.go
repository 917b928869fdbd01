// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"regexp"
	"sync"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
)

// Redact returns a processor that replaces every match of expression
// with replacement. Running it upstream of the scrollback buffer
// keeps the matched text out of persistence and replay.
func Redact(name string, expression *regexp.Regexp, replacement string) Processor {
	return Processor{
		Name: name,
		Process: func(event Event) (string, bool) {
			return expression.ReplaceAllString(event.Data, replacement), true
		},
	}
}

// RateLimit returns a processor that vetoes a session's events once
// more than limit bytes have passed within the current window. Each
// session gets its own window; the counter resets when the window
// expires. Vetoed bytes are gone, not queued.
func RateLimit(name string, clk clock.Clock, limit int, window time.Duration) Processor {
	type bucket struct {
		start time.Time
		bytes int
	}
	var mutex sync.Mutex
	buckets := make(map[string]*bucket)

	return Processor{
		Name: name,
		Process: func(event Event) (string, bool) {
			mutex.Lock()
			defer mutex.Unlock()
			now := clk.Now()
			entry := buckets[event.SessionID]
			if entry == nil || now.Sub(entry.start) >= window {
				entry = &bucket{start: now}
				buckets[event.SessionID] = entry
			}
			entry.bytes += len(event.Data)
			return event.Data, entry.bytes <= limit
		},
	}
}

// DropEmpty is a filter rejecting events whose data is empty after
// processing, such as a chunk fully consumed by redaction.
func DropEmpty() Filter {
	return Filter{
		Name: "drop-empty",
		Allow: func(event Event) bool {
			return len(event.Data) > 0
		},
	}
}
