// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phi resolves SSA phi values into value-forwarding actions at
// merges, loop headers and back edges.
//
// The Resolver decides, per phi, whether the destination simply aliases an
// incoming value, needs one merge instruction carrying every incoming
// (value, predecessor) pair, or needs plain copies on the incoming edges.
// Every decision is recorded in two per-method tables: the Trace, which
// remembers where a forwarded value was last copied from, and the
// Registry, which holds the target-level identifier materialized for a
// value.
//
// # Thread Safety
//
// A Resolver belongs to one traversal and is NOT safe for concurrent use.
package phi

import (
	"fmt"
	"strings"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
)

// TargetID is a target-level identifier (a result id in the emitted
// program). Zero means "not assigned".
type TargetID uint32

// OperandResolver maps SSA values to target-level identifiers.
//
// It is owned by the emitter: Lookup returns the identifier currently
// materialized for v, and Fresh assigns v a new identifier (reusing one
// that was handed out earlier for a forward reference).
type OperandResolver interface {
	Lookup(v cfg.ValueID) (TargetID, bool)
	Fresh(v cfg.ValueID) TargetID
}

// ActionKind classifies a phi action.
type ActionKind uint8

const (
	// ActionAlias makes the destination denote the source. No instruction.
	ActionAlias ActionKind = iota + 1

	// ActionCopy copies the source into the destination.
	ActionCopy

	// ActionMerge emits one merge instruction with a (value, predecessor)
	// pair per incoming edge.
	ActionMerge
)

func (k ActionKind) String() string {
	switch k {
	case ActionAlias:
		return "alias"
	case ActionCopy:
		return "copy"
	case ActionMerge:
		return "merge"
	default:
		return fmt.Sprintf("ActionKind(%d)", uint8(k))
	}
}

// Position places an action inside its block.
type Position uint8

const (
	// AtEntry is after the block label, before its instructions.
	AtEntry Position = iota + 1

	// AtExit is after the block's instructions, before its terminator.
	AtExit
)

func (p Position) String() string {
	if p == AtEntry {
		return "entry"
	}
	return "exit"
}

// Operand is a value with the identifier materialized for it. ID stays
// zero until the action is materialized.
type Operand struct {
	Value cfg.ValueID
	ID    TargetID
}

// Pair is one incoming edge of a merge instruction.
type Pair struct {
	Value Operand
	Pred  cfg.BlockID
}

// Action is one value-forwarding decision.
type Action struct {
	Kind     ActionKind
	Block    cfg.BlockID
	Position Position

	Dest Operand

	// Src is set for ActionAlias and ActionCopy.
	Src Operand

	// Pairs is set for ActionMerge.
	Pairs []Pair
}

// String renders the action for logs and test failures.
func (a Action) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s v%d", a.Kind, a.Dest.Value)
	switch a.Kind {
	case ActionMerge:
		sb.WriteString(" <-")
		for _, p := range a.Pairs {
			fmt.Fprintf(&sb, " [v%d, B%d]", p.Value.Value, p.Pred)
		}
	default:
		fmt.Fprintf(&sb, " <- v%d", a.Src.Value)
	}
	fmt.Fprintf(&sb, " @B%d:%s", a.Block, a.Position)
	return sb.String()
}
