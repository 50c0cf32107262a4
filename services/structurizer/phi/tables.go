// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phi

import "github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"

// Trace maps a forwarded value to the value it was last copied from.
// A key may map to cfg.NoValue ("forwarded, no single source").
type Trace struct {
	m map[cfg.ValueID]cfg.ValueID
}

// NewTrace creates an empty trace.
func NewTrace() *Trace {
	return &Trace{m: make(map[cfg.ValueID]cfg.ValueID)}
}

// Record sets the source of v.
func (t *Trace) Record(v, src cfg.ValueID) { t.m[v] = src }

// Has reports whether v is a key.
func (t *Trace) Has(v cfg.ValueID) bool {
	_, ok := t.m[v]
	return ok
}

// Source returns the recorded source of v.
func (t *Trace) Source(v cfg.ValueID) (cfg.ValueID, bool) {
	src, ok := t.m[v]
	return src, ok
}

// Len returns the number of keys.
func (t *Trace) Len() int { return len(t.m) }

// Clear removes every entry.
func (t *Trace) Clear() { clear(t.m) }

// registryEntry is nil-able: a reserved entry has no id yet.
type registryEntry struct {
	id           TargetID
	materialized bool
}

// Registry maps values to materialized target identifiers. A reserved
// entry is known to the registry but resolved lazily on first use.
type Registry struct {
	m map[cfg.ValueID]registryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[cfg.ValueID]registryEntry)}
}

// Reserve registers v without an identifier, dropping any previous one.
func (r *Registry) Reserve(v cfg.ValueID) { r.m[v] = registryEntry{} }

// Bind materializes v as id.
func (r *Registry) Bind(v cfg.ValueID, id TargetID) {
	r.m[v] = registryEntry{id: id, materialized: true}
}

// Materialized returns the identifier bound to v.
func (r *Registry) Materialized(v cfg.ValueID) (TargetID, bool) {
	e, ok := r.m[v]
	return e.id, ok && e.materialized
}

// Reserved reports whether v is registered without an identifier.
func (r *Registry) Reserved(v cfg.ValueID) bool {
	e, ok := r.m[v]
	return ok && !e.materialized
}

// Len returns the number of registered values.
func (r *Registry) Len() int { return len(r.m) }

// Clear removes every entry.
func (r *Registry) Clear() { clear(r.m) }
