// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
)

// Pool shares one Client per daemon URL between independent
// consumers, counting handles explicitly. Acquire dials on first use
// and increments the count; Release decrements it and closes the
// connection when the last handle goes away. The pool is an ordinary
// object owned by whoever composes the application, not a package
// global.
type Pool struct {
	template Config

	mutex   sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	client  *Client
	handles int
}

// NewPool creates a Pool. The template supplies everything but the
// URL, which Acquire fills in per call.
func NewPool(template Config) *Pool {
	return &Pool{
		template: template,
		entries:  make(map[string]*poolEntry),
	}
}

// Acquire returns the shared Client for url, dialing if this is the
// first handle. The caller must pair it with exactly one Release.
func (p *Pool) Acquire(ctx context.Context, url string) (*Client, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if entry, ok := p.entries[url]; ok {
		entry.handles++
		return entry.client, nil
	}

	config := p.template
	config.URL = url
	client := New(config)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	p.entries[url] = &poolEntry{client: client, handles: 1}
	return client, nil
}

// Release returns one handle. The last release closes the connection.
// Releasing an unknown or already fully released url is a no-op.
func (p *Pool) Release(url string) {
	p.mutex.Lock()
	entry, ok := p.entries[url]
	if !ok {
		p.mutex.Unlock()
		return
	}
	entry.handles--
	if entry.handles > 0 {
		p.mutex.Unlock()
		return
	}
	delete(p.entries, url)
	p.mutex.Unlock()

	entry.client.Close()
}

// Handles reports the current handle count for url.
func (p *Pool) Handles(url string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if entry, ok := p.entries[url]; ok {
		return entry.handles
	}
	return 0
}

// Close force-closes every pooled connection regardless of handle
// counts.
func (p *Pool) Close() {
	p.mutex.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mutex.Unlock()

	for _, entry := range entries {
		entry.client.Close()
	}
}
