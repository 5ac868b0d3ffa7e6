// Package router resolves intent names to handlers. An exact registration
// wins over wildcard patterns; among patterns the first one in sorted
// order that matches wins.
package router

import (
	"sort"
	"sync"
)

// Subscription removes one registration.
type Subscription interface {
	Unsubscribe()
}

type Option func(*options)

type options struct {
	match func(pattern, name string) bool
}

// WithMatcher replaces the pattern matcher.
func WithMatcher(match func(pattern, name string) bool) Option {
	return func(o *options) {
		if match != nil {
			o.match = match
		}
	}
}

type Mux[H any] struct {
	mu     sync.RWMutex
	sorted []string
	routes map[string][]entry[H]
	match  func(pattern, name string) bool
	nextID uint64
}

type entry[H any] struct {
	id      uint64
	handler H
}

type registration[H any] struct {
	mux     *Mux[H]
	pattern string
	id      uint64
}

func (r registration[H]) Unsubscribe() {
	r.mux.remove(r.pattern, r.id)
}

// NewMux defaults to matching "_" separated names.
func NewMux[H any](opts ...Option) *Mux[H] {
	o := options{match: NewMatcher("_")}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Mux[H]{
		routes: make(map[string][]entry[H]),
		match:  o.match,
	}
}

// Add registers handler under pattern.
func (m *Mux[H]) Add(pattern string, handler H) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	if _, exists := m.routes[pattern]; !exists {
		m.sorted = append(m.sorted, pattern)
		sort.Strings(m.sorted)
	}
	m.routes[pattern] = append(m.routes[pattern], entry[H]{id: id, handler: handler})
	return registration[H]{mux: m, pattern: pattern, id: id}
}

// Get returns the handlers registered for name, in registration order.
func (m *Mux[H]) Get(name string) []H {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.routes[name]
	if !ok {
		for _, pattern := range m.sorted {
			if m.match(pattern, name) {
				entries = m.routes[pattern]
				break
			}
		}
	}
	out := make([]H, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.handler)
	}
	return out
}

// Patterns lists the registered patterns sorted.
func (m *Mux[H]) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.sorted...)
}

func (m *Mux[H]) remove(pattern string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.routes[pattern]
	kept := make([]entry[H], 0, len(old))
	for _, e := range old {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	if len(kept) > 0 {
		m.routes[pattern] = kept
		return
	}
	delete(m.routes, pattern)
	for i, p := range m.sorted {
		if p == pattern {
			m.sorted = append(m.sorted[:i], m.sorted[i+1:]...)
			break
		}
	}
}
