// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cfg

import (
	"fmt"
	"strings"
)

// =============================================================================
// Identifiers
// =============================================================================

// BlockID indexes a Block in its Graph.
type BlockID int32

// NoBlock marks an absent block reference (no dominator, no sibling, ...).
const NoBlock BlockID = -1

// Valid reports whether id refers to a block.
func (id BlockID) Valid() bool { return id >= 0 }

// ValueID indexes a Value in its Graph.
type ValueID int32

// NoValue marks an absent value reference.
const NoValue ValueID = -1

// Valid reports whether id refers to a value.
func (id ValueID) Valid() bool { return id >= 0 }

// =============================================================================
// Values
// =============================================================================

// Kind is the target-level kind of an SSA value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindI32
	KindI64
	KindF32
	KindF64
	KindPtr
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindBool:    "bool",
	KindI32:     "i32",
	KindI64:     "i64",
	KindF32:     "f32",
	KindF64:     "f64",
	KindPtr:     "ptr",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind converts a kind name ("i32", "f64", ...) to a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if k != int(KindInvalid) && name == s {
			return Kind(k), nil
		}
	}
	return KindInvalid, fmt.Errorf("%w: unknown value kind %q", ErrInvalidGraph, s)
}

// Value is an SSA value produced by an instruction, a phi or the constant
// pool.
type Value struct {
	ID       ValueID
	Name     string
	Kind     Kind
	Constant bool

	// Literal is the textual constant for constant values.
	Literal string
}

// Phi merges one value per incoming edge of Block into Dest.
//
// Inputs[i] flows in along Block.Preds[i].
type Phi struct {
	Dest   ValueID
	Block  BlockID
	Inputs []ValueID
}

// SingleValue returns the value every input agrees on, ignoring inputs that
// are the phi itself. It returns NoValue when the inputs differ.
func (p *Phi) SingleValue() ValueID {
	single := NoValue
	for _, in := range p.Inputs {
		if in == p.Dest {
			continue
		}
		if single == NoValue {
			single = in
		} else if single != in {
			return NoValue
		}
	}
	if single == NoValue {
		return p.Dest
	}
	return single
}

// Instruction is an already-selected target instruction. The structurizer
// never looks inside it; emitters render it.
type Instruction struct {
	Op   string
	Def  ValueID
	Uses []ValueID
}

// =============================================================================
// Terminators
// =============================================================================

// Terminator is the closed set of block endings: *Fallthrough, *If,
// *Switch, *LoopEnd and *Return.
type Terminator interface {
	// Targets returns the successor blocks in static order, duplicates
	// included.
	Targets() []BlockID

	isTerminator()
}

// Fallthrough transfers control unconditionally to Target.
type Fallthrough struct {
	Target BlockID
}

// If branches on Cond.
type If struct {
	Cond  ValueID
	True  BlockID
	False BlockID
}

// Switch dispatches on Selector. Keys[i] selects Cases[i].
type Switch struct {
	Selector ValueID
	Keys     []int64
	Cases    []BlockID
	Default  BlockID
}

// LoopEnd is the back edge to Header.
type LoopEnd struct {
	Header BlockID
}

// Return leaves the method. Value is NoValue for void returns.
type Return struct {
	Value ValueID
}

func (t *Fallthrough) Targets() []BlockID { return []BlockID{t.Target} }
func (t *If) Targets() []BlockID          { return []BlockID{t.True, t.False} }
func (t *LoopEnd) Targets() []BlockID     { return []BlockID{t.Header} }
func (t *Return) Targets() []BlockID      { return nil }

func (t *Switch) Targets() []BlockID {
	out := make([]BlockID, 0, len(t.Cases)+1)
	out = append(out, t.Cases...)
	return append(out, t.Default)
}

func (*Fallthrough) isTerminator() {}
func (*If) isTerminator()          {}
func (*Switch) isTerminator()      {}
func (*LoopEnd) isTerminator()     {}
func (*Return) isTerminator()      {}

// IsSplit reports whether t branches to more than one block.
func IsSplit(t Terminator) bool {
	switch t.(type) {
	case *If, *Switch:
		return true
	default:
		return false
	}
}

// TerminatorName returns a short name for logs and listings.
func TerminatorName(t Terminator) string {
	switch t.(type) {
	case *Fallthrough:
		return "fallthrough"
	case *If:
		return "if"
	case *Switch:
		return "switch"
	case *LoopEnd:
		return "loop_end"
	case *Return:
		return "return"
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", t)
	}
}

// =============================================================================
// Blocks
// =============================================================================

// Block is a basic block with its dominance annotations.
//
// Thread Safety: Immutable once the owning Graph is built.
type Block struct {
	ID   BlockID
	Name string

	Terminator Terminator

	// Preds and Succs are ordered and free of duplicates. Phi inputs are
	// aligned with Preds.
	Preds []BlockID
	Succs []BlockID

	// LoopHeader is set for blocks that begin a loop.
	LoopHeader bool

	// LoopExit is set for blocks that begin with a loop-exit marker.
	LoopExit bool

	// Dominator is the immediate dominator, NoBlock for the start block.
	Dominator BlockID

	// FirstDominated is the head of this block's dominated-children chain.
	FirstDominated BlockID

	// DominatedSibling is the next child of Dominator in chain order.
	DominatedSibling BlockID

	// Postdominator is the immediate post-dominator, NoBlock when the block
	// is post-dominated only by the virtual exit.
	Postdominator BlockID

	// Order is the reverse-postorder index from the start block.
	Order int

	// Depth is the depth in the dominator tree; the start block has 0.
	Depth int

	// LoopDepth is the number of loops containing this block.
	LoopDepth int

	Instructions []Instruction
}

func (b *Block) String() string {
	if b.Name != "" {
		return b.Name
	}
	return fmt.Sprintf("B%d", b.ID)
}

// IsLoopEnd reports whether b closes a back edge.
func IsLoopEnd(b *Block) bool {
	_, ok := b.Terminator.(*LoopEnd)
	return ok
}
