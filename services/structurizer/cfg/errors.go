// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cfg provides the block model consumed by the structurizer.
//
// A Graph is a flat table of Blocks addressed by BlockID. Each block carries
// its ordered predecessors and successors, a closed Terminator variant, the
// loop-header and loop-exit flags supplied by the host compiler, and the
// dominator tree encoded as a first-dominated / dominated-sibling chain.
//
// # Ownership Model
//
// Blocks reference each other only by BlockID. The Graph owns every Block,
// Value and Phi; callers receive pointers but MUST NOT mutate them.
//
// # Thread Safety
//
// Builder is NOT safe for concurrent use. A Graph returned by Builder.Build
// is immutable and can be read from multiple goroutines.
//
// # Lifecycle
//
//  1. Create with NewBuilder(name)
//  2. Add blocks, terminators, values, phis and instructions
//  3. Call Build() to compute order, dominators, post-dominators and loops
//  4. Hand the Graph to the walker
package cfg

import (
	"errors"
	"fmt"
)

// Sentinel errors for structuring.
var (
	// ErrUnsupportedControlFlow is returned for control flow the structured
	// target cannot express: irreducible regions, improperly nested loops,
	// back edges that do not end in a LoopEnd, or merges the phi resolver
	// cannot classify.
	ErrUnsupportedControlFlow = errors.New("unsupported control flow")

	// ErrPhiKindMismatch is returned when a phi input's kind disagrees with
	// the kind of its destination.
	ErrPhiKindMismatch = errors.New("phi input kind mismatch")

	// ErrReentrantVisit is returned when the walker is asked to descend into
	// a block that is already visited and was not force-visited. It always
	// indicates a defect in the walk order.
	ErrReentrantVisit = errors.New("re-entrant block visit")
)

// Sentinel errors for graph construction.
var (
	// ErrGraphFrozen is returned when a Builder is used after Build.
	ErrGraphFrozen = errors.New("graph is frozen and cannot be modified")

	// ErrEmptyGraph is returned when Build is called without any block.
	ErrEmptyGraph = errors.New("graph has no blocks")

	// ErrBlockNotFound is returned when a terminator, phi or instruction
	// references a block that does not exist.
	ErrBlockNotFound = errors.New("block not found")

	// ErrDuplicateBlock is returned when two blocks share a name.
	ErrDuplicateBlock = errors.New("duplicate block name")

	// ErrValueNotFound is returned when a phi or instruction references a
	// value that does not exist.
	ErrValueNotFound = errors.New("value not found")

	// ErrUnreachableBlock is returned when a block cannot be reached from
	// the start block.
	ErrUnreachableBlock = errors.New("block not reachable from start")

	// ErrInvalidGraph is returned for malformed input: missing terminators,
	// phi arity that differs from the predecessor count, or a dominated
	// order that is not a permutation of the dominated children.
	ErrInvalidGraph = errors.New("invalid graph")
)

// StructuringError carries the block and value a failure refers to.
//
// It unwraps to one of the sentinel errors above so callers can use
// errors.Is(err, cfg.ErrUnsupportedControlFlow).
type StructuringError struct {
	// Kind is the sentinel this error unwraps to.
	Kind error

	// Block is the block the failure was detected at, or NoBlock.
	Block BlockID

	// Value is the value involved, or NoValue.
	Value ValueID

	// Message describes the failure.
	Message string
}

func (e *StructuringError) Error() string {
	msg := e.Kind.Error()
	if e.Block != NoBlock {
		msg += fmt.Sprintf(" at block %d", e.Block)
	}
	if e.Value != NoValue {
		msg += fmt.Sprintf(" (value %d)", e.Value)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *StructuringError) Unwrap() error {
	return e.Kind
}

// Errorf builds a StructuringError for block b.
func Errorf(kind error, b BlockID, format string, args ...any) *StructuringError {
	return &StructuringError{
		Kind:    kind,
		Block:   b,
		Value:   NoValue,
		Message: fmt.Sprintf(format, args...),
	}
}

// ValueErrorf builds a StructuringError for value v at block b.
func ValueErrorf(kind error, b BlockID, v ValueID, format string, args ...any) *StructuringError {
	return &StructuringError{
		Kind:    kind,
		Block:   b,
		Value:   v,
		Message: fmt.Sprintf(format, args...),
	}
}
