// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package emit

import (
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/phi"
)

// Operands is the result-id table of one emitted method.
//
// A value used before its definition gets a placeholder id; the definition
// claims it later. Ids are never reused across values, except that an
// alias binds its destination to the source's id.
//
// Thread Safety: NOT safe for concurrent use.
type Operands struct {
	next phi.TargetID
	ids  map[cfg.ValueID]phi.TargetID

	// forward holds values whose id is a placeholder not yet claimed by a
	// definition.
	forward map[cfg.ValueID]bool
}

// NewOperands creates an empty table. Ids start at 1.
func NewOperands() *Operands {
	return &Operands{
		ids:     make(map[cfg.ValueID]phi.TargetID),
		forward: make(map[cfg.ValueID]bool),
	}
}

func (o *Operands) alloc() phi.TargetID {
	o.next++
	return o.next
}

// Lookup returns the id currently bound to v.
func (o *Operands) Lookup(v cfg.ValueID) (phi.TargetID, bool) {
	id, ok := o.ids[v]
	return id, ok
}

// Fresh returns v's placeholder id when there is one, otherwise a new id
// that stays a placeholder until v is defined or bound.
func (o *Operands) Fresh(v cfg.ValueID) phi.TargetID {
	if o.forward[v] {
		return o.ids[v]
	}
	id := o.alloc()
	o.ids[v] = id
	o.forward[v] = true
	return id
}

// Ref returns the id for a use of v, allocating a placeholder if v has
// none yet.
func (o *Operands) Ref(v cfg.ValueID) phi.TargetID {
	if id, ok := o.ids[v]; ok {
		return id
	}
	return o.Fresh(v)
}

// Define returns the id for the definition of v, claiming its placeholder
// when v was referenced earlier.
func (o *Operands) Define(v cfg.ValueID) phi.TargetID {
	if o.forward[v] {
		delete(o.forward, v)
		return o.ids[v]
	}
	id := o.alloc()
	o.ids[v] = id
	return id
}

// Bind makes id the definition of v.
func (o *Operands) Bind(v cfg.ValueID, id phi.TargetID) {
	o.ids[v] = id
	delete(o.forward, v)
}

// Placeholders returns the number of ids handed out but never defined.
func (o *Operands) Placeholders() int { return len(o.forward) }

// Len returns the number of ids allocated.
func (o *Operands) Len() int { return int(o.next) }
