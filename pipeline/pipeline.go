// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline runs session output through an ordered chain of
// processors and filters, then fans the result out to subscribers.
//
// Processors may rewrite an event's data or veto it outright; filters
// are boolean gates over the processed event. An event vetoed by
// either produces no output. Subscribers receive every surviving
// event (OnData), only one session's events (OnSessionData), or the
// raw/blocked sub-events around the chain (OnTap) for audit and
// metrics.
//
// Dispatch is synchronous: Process returns after every subscriber has
// run, so output for a session reaches subscribers in production
// order. A slow subscriber stalls the producing session's read loop,
// nothing else.
package pipeline

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one chunk of session output entering the pipeline.
type Event struct {
	SessionID string
	Data      string
	Timestamp time.Time
	Metadata  map[string]any
}

// Processed is the pipeline's result for one surviving event.
type Processed struct {
	// Original is the event as it entered the chain.
	Original Event
	// Data is the output after every processor ran.
	Data string
	// Transformations names the processors that changed the data,
	// in chain order.
	Transformations []string
}

// Processor inspects an event and may rewrite its data or veto it.
// Returning ok=false drops the event; no later processor, filter, or
// subscriber sees it.
type Processor struct {
	Name    string
	Process func(event Event) (data string, ok bool)
}

// Filter is a boolean gate evaluated after all processors, against
// the processed data.
type Filter struct {
	Name  string
	Allow func(event Event) bool
}

// Tap receives the sub-events around the chain. Any field may be nil.
type Tap struct {
	// Raw sees every event before the chain runs.
	Raw func(event Event)
	// Processed sees every surviving event.
	Processed func(processed Processed)
	// Transformed sees surviving events whose data was changed.
	Transformed func(processed Processed)
	// Blocked sees vetoed events with the name of the processor or
	// filter that dropped them.
	Blocked func(event Event, by string)
}

type subscriber struct {
	id       int
	callback func(Processed)
}

type tapEntry struct {
	id  int
	tap Tap
}

// Config configures a Pipeline. The processor and filter chains are
// fixed at construction; subscriptions come and go at runtime.
type Config struct {
	Processors []Processor
	Filters    []Filter

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pipeline is safe for concurrent use. Events for one session should
// be fed from a single goroutine to preserve their order.
type Pipeline struct {
	processors []Processor
	filters    []Filter
	logger     *slog.Logger

	mutex    sync.Mutex
	nextID   int
	global   []subscriber
	sessions map[string][]subscriber
	taps     []tapEntry
}

func New(config Config) *Pipeline {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Pipeline{
		processors: config.Processors,
		filters:    config.Filters,
		logger:     config.Logger,
		sessions:   make(map[string][]subscriber),
	}
}

// OnData subscribes to every surviving event. The returned closure
// removes the subscription; calling it more than once is harmless.
func (p *Pipeline) OnData(callback func(Processed)) func() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	id := p.allocateLocked()
	p.global = append(p.global, subscriber{id: id, callback: callback})
	return func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		p.global = removeSubscriber(p.global, id)
	}
}

// OnSessionData subscribes to surviving events for one session only.
func (p *Pipeline) OnSessionData(sessionID string, callback func(Processed)) func() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	id := p.allocateLocked()
	p.sessions[sessionID] = append(p.sessions[sessionID], subscriber{id: id, callback: callback})
	return func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		remaining := removeSubscriber(p.sessions[sessionID], id)
		if len(remaining) == 0 {
			delete(p.sessions, sessionID)
		} else {
			p.sessions[sessionID] = remaining
		}
	}
}

// OnTap subscribes to the audit sub-events around the chain.
func (p *Pipeline) OnTap(tap Tap) func() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	id := p.allocateLocked()
	p.taps = append(p.taps, tapEntry{id: id, tap: tap})
	return func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		for i, entry := range p.taps {
			if entry.id == id {
				p.taps = append(p.taps[:i], p.taps[i+1:]...)
				return
			}
		}
	}
}

func (p *Pipeline) allocateLocked() int {
	p.nextID++
	return p.nextID
}

func removeSubscriber(subscribers []subscriber, id int) []subscriber {
	for i, entry := range subscribers {
		if entry.id == id {
			return append(subscribers[:i], subscribers[i+1:]...)
		}
	}
	return subscribers
}

// Process runs one event through the chain and dispatches the result.
// It reports whether the event survived; vetoed events return the
// zero Processed.
func (p *Pipeline) Process(event Event) (Processed, bool) {
	p.eachTap(func(tap Tap) {
		if tap.Raw != nil {
			tap.Raw(event)
		}
	})

	data := event.Data
	var transformations []string
	current := event
	for _, processor := range p.processors {
		next, ok := processor.Process(current)
		if !ok {
			p.blocked(event, processor.Name)
			return Processed{}, false
		}
		if next != data {
			transformations = append(transformations, processor.Name)
		}
		data = next
		current.Data = data
	}

	for _, filter := range p.filters {
		if !filter.Allow(current) {
			p.blocked(event, filter.Name)
			return Processed{}, false
		}
	}

	processed := Processed{
		Original:        event,
		Data:            data,
		Transformations: transformations,
	}

	p.eachTap(func(tap Tap) {
		if tap.Processed != nil {
			tap.Processed(processed)
		}
		if tap.Transformed != nil && len(processed.Transformations) > 0 {
			tap.Transformed(processed)
		}
	})

	for _, entry := range p.snapshot(event.SessionID) {
		entry.callback(processed)
	}
	return processed, true
}

func (p *Pipeline) blocked(event Event, by string) {
	p.logger.Debug("pipeline event blocked", "session_id", event.SessionID, "by", by)
	p.eachTap(func(tap Tap) {
		if tap.Blocked != nil {
			tap.Blocked(event, by)
		}
	})
}

// snapshot returns the global then session subscribers in
// registration order, copied so a callback may unsubscribe without
// deadlocking.
func (p *Pipeline) snapshot(sessionID string) []subscriber {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	combined := make([]subscriber, 0, len(p.global)+len(p.sessions[sessionID]))
	combined = append(combined, p.global...)
	combined = append(combined, p.sessions[sessionID]...)
	return combined
}

func (p *Pipeline) eachTap(visit func(Tap)) {
	p.mutex.Lock()
	entries := make([]tapEntry, len(p.taps))
	copy(entries, p.taps)
	p.mutex.Unlock()
	for _, entry := range entries {
		visit(entry.tap)
	}
}
