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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var builderTracer = otel.Tracer("structurizer.cfg.builder")

// BuildOptions controls the analyses run by Build.
type BuildOptions struct {
	// CheckReducibility rejects irreducible graphs.
	CheckReducibility bool

	// InferLoopHeaders sets LoopHeader on every block targeted by a back
	// edge. When false, an unflagged header is an error.
	InferLoopHeaders bool

	// InferLoopExits sets LoopExit on every block entered from a loop it is
	// not part of.
	InferLoopExits bool

	// MaxBlocks rejects graphs with more blocks. Zero means no limit.
	MaxBlocks int
}

// DefaultBuildOptions returns the options used by the compile service.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		CheckReducibility: true,
		InferLoopHeaders:  true,
		InferLoopExits:    false,
	}
}

// Builder assembles a Graph.
//
// Errors from the Add and Set methods are sticky: the first one is
// reported by Err and Build, and later calls become no-ops.
//
// Thread Safety: NOT safe for concurrent use.
type Builder struct {
	name   string
	blocks []*Block
	byName map[string]BlockID
	values []*Value
	phis   map[BlockID][]*Phi

	predOrder map[BlockID][]BlockID
	domOrder  map[BlockID][]BlockID

	frozen bool
	err    error
}

// NewBuilder creates a builder for the named method.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:      name,
		byName:    make(map[string]BlockID),
		phis:      make(map[BlockID][]*Phi),
		predOrder: make(map[BlockID][]BlockID),
		domOrder:  make(map[BlockID][]BlockID),
	}
}

// Err returns the first error recorded by the builder.
func (b *Builder) Err() error { return b.err }

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) usable() bool {
	if b.frozen {
		b.fail(ErrGraphFrozen)
	}
	return b.err == nil
}

func (b *Builder) checkBlock(id BlockID) bool {
	if id < 0 || int(id) >= len(b.blocks) {
		b.fail(fmt.Errorf("%w: %d", ErrBlockNotFound, id))
		return false
	}
	return true
}

func (b *Builder) checkValue(id ValueID) bool {
	if id < 0 || int(id) >= len(b.values) {
		b.fail(fmt.Errorf("%w: %d", ErrValueNotFound, id))
		return false
	}
	return true
}

// AddBlock adds a block. The first block added is the start block.
func (b *Builder) AddBlock(name string) BlockID {
	if !b.usable() {
		return NoBlock
	}
	if name == "" {
		name = fmt.Sprintf("B%d", len(b.blocks))
	}
	if _, dup := b.byName[name]; dup {
		b.fail(fmt.Errorf("%w: %q", ErrDuplicateBlock, name))
		return NoBlock
	}
	id := BlockID(len(b.blocks))
	b.blocks = append(b.blocks, &Block{
		ID:               id,
		Name:             name,
		Dominator:        NoBlock,
		FirstDominated:   NoBlock,
		DominatedSibling: NoBlock,
		Postdominator:    NoBlock,
		Order:            -1,
	})
	b.byName[name] = id
	return id
}

// SetTerminator sets the terminator of block id.
func (b *Builder) SetTerminator(id BlockID, t Terminator) {
	if !b.usable() || !b.checkBlock(id) {
		return
	}
	if t == nil {
		b.fail(Errorf(ErrInvalidGraph, id, "nil terminator"))
		return
	}
	b.blocks[id].Terminator = t
}

// MarkLoopHeader flags block id as a loop header.
func (b *Builder) MarkLoopHeader(id BlockID) {
	if b.usable() && b.checkBlock(id) {
		b.blocks[id].LoopHeader = true
	}
}

// MarkLoopExit flags block id as beginning with a loop-exit marker.
func (b *Builder) MarkLoopExit(id BlockID) {
	if b.usable() && b.checkBlock(id) {
		b.blocks[id].LoopExit = true
	}
}

// AddValue adds a non-constant SSA value.
func (b *Builder) AddValue(name string, kind Kind) ValueID {
	return b.addValue(&Value{Name: name, Kind: kind})
}

// AddConstant adds a constant SSA value with its literal text.
func (b *Builder) AddConstant(name string, kind Kind, literal string) ValueID {
	return b.addValue(&Value{Name: name, Kind: kind, Constant: true, Literal: literal})
}

func (b *Builder) addValue(v *Value) ValueID {
	if !b.usable() {
		return NoValue
	}
	if v.Kind == KindInvalid {
		b.fail(fmt.Errorf("%w: value %q has no kind", ErrInvalidGraph, v.Name))
		return NoValue
	}
	v.ID = ValueID(len(b.values))
	if v.Name == "" {
		v.Name = fmt.Sprintf("v%d", v.ID)
	}
	b.values = append(b.values, v)
	return v.ID
}

// AddPhi adds a phi to block. inputs are aligned with the block's
// predecessors as they will be ordered by Build.
func (b *Builder) AddPhi(block BlockID, dest ValueID, inputs ...ValueID) {
	if !b.usable() || !b.checkBlock(block) || !b.checkValue(dest) {
		return
	}
	for _, in := range inputs {
		if !b.checkValue(in) {
			return
		}
	}
	b.phis[block] = append(b.phis[block], &Phi{
		Dest:   dest,
		Block:  block,
		Inputs: append([]ValueID(nil), inputs...),
	})
}

// AddInstruction appends an instruction to block. def may be NoValue.
func (b *Builder) AddInstruction(block BlockID, op string, def ValueID, uses ...ValueID) {
	if !b.usable() || !b.checkBlock(block) {
		return
	}
	if def != NoValue && !b.checkValue(def) {
		return
	}
	for _, u := range uses {
		if !b.checkValue(u) {
			return
		}
	}
	blk := b.blocks[block]
	blk.Instructions = append(blk.Instructions, Instruction{
		Op:   op,
		Def:  def,
		Uses: append([]ValueID(nil), uses...),
	})
}

// SetPredOrder fixes the predecessor order of block. Without it,
// predecessors are ordered by block id.
func (b *Builder) SetPredOrder(block BlockID, preds ...BlockID) {
	if b.usable() && b.checkBlock(block) {
		b.predOrder[block] = append([]BlockID(nil), preds...)
	}
}

// SetDominatedOrder fixes the dominated-children chain order of parent.
// Without it, children are chained in reverse postorder.
func (b *Builder) SetDominatedOrder(parent BlockID, children ...BlockID) {
	if b.usable() && b.checkBlock(parent) {
		b.domOrder[parent] = append([]BlockID(nil), children...)
	}
}

// Build freezes the builder and runs the graph analyses.
//
// Description:
//
//	Computes successor and predecessor lists, reverse postorder,
//	dominators with the first-dominated / dominated-sibling chains,
//	post-dominators, reducibility and natural loops, then validates phis.
//
// Inputs:
//
//   - ctx: Context for cancellation.
//   - opts: Analyses to run. See DefaultBuildOptions.
//
// Outputs:
//
//   - *Graph: The immutable graph. nil on error.
//   - error: The first builder error, ErrUnreachableBlock, ErrInvalidGraph
//     for misplaced or mis-sized phis, ErrUnsupportedControlFlow for shapes
//     the structurizer cannot express, or ctx.Err().
//
// Thread Safety: NOT safe for concurrent use.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (*Graph, error) {
	if b.frozen {
		return nil, ErrGraphFrozen
	}
	b.frozen = true
	if b.err != nil {
		return nil, b.err
	}
	if len(b.blocks) == 0 {
		return nil, ErrEmptyGraph
	}
	if opts.MaxBlocks > 0 && len(b.blocks) > opts.MaxBlocks {
		return nil, fmt.Errorf("%w: %d blocks exceeds limit %d", ErrInvalidGraph, len(b.blocks), opts.MaxBlocks)
	}

	start := time.Now()
	ctx, span := builderTracer.Start(ctx, "Builder.Build",
		trace.WithAttributes(
			attribute.String("method", b.name),
			attribute.Int("block_count", len(b.blocks)),
			attribute.Int("value_count", len(b.values)),
		),
	)
	defer span.End()

	g := &Graph{
		Name:   b.name,
		blocks: b.blocks,
		byName: b.byName,
		values: b.values,
		phis:   make([][]*Phi, len(b.blocks)),
		phiOf:  make(map[ValueID]*Phi),
	}

	steps := []func() error{
		g.linkEdges,
		func() error { return g.applyPredOrder(b.predOrder) },
		func() error { return g.computeDominators(ctx, b.domOrder) },
		func() error { return g.computePostdominators(ctx) },
		func() error {
			r, err := g.checkReducibility(ctx)
			if err != nil {
				return err
			}
			g.reducible = r
			if opts.CheckReducibility && !r.IsReducible {
				return g.irreducibleError(r)
			}
			return nil
		},
		func() error { return g.analyzeLoops(ctx, opts.InferLoopHeaders) },
		func() error {
			if opts.InferLoopExits {
				g.inferLoopExits()
			}
			return nil
		},
		func() error { return g.attachPhis(b.phis) },
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := step(); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	g.stats.Blocks = len(g.blocks)
	g.stats.Values = len(g.values)
	for _, blk := range g.blocks {
		g.stats.Edges += len(blk.Succs)
		g.stats.Phis += len(g.phis[blk.ID])
	}

	telemetry.SetSpanOK(span)
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("cfg: graph built",
		slog.String("method", g.Name),
		slog.Int("blocks", g.stats.Blocks),
		slog.Int("loops", g.stats.Loops),
		slog.Duration("duration", time.Since(start)),
	)
	return g, nil
}

// linkEdges derives Succs and Preds from the terminators.
func (g *Graph) linkEdges() error {
	for _, blk := range g.blocks {
		if blk.Terminator == nil {
			return Errorf(ErrInvalidGraph, blk.ID, "block %s has no terminator", blk)
		}
		if sw, ok := blk.Terminator.(*Switch); ok && len(sw.Keys) != len(sw.Cases) {
			return Errorf(ErrInvalidGraph, blk.ID, "switch has %d keys and %d cases", len(sw.Keys), len(sw.Cases))
		}
		seen := make(map[BlockID]bool)
		blk.Succs = blk.Succs[:0]
		for _, t := range blk.Terminator.Targets() {
			if g.Block(t) == nil {
				return Errorf(ErrBlockNotFound, blk.ID, "terminator of %s targets block %d", blk, t)
			}
			if !seen[t] {
				seen[t] = true
				blk.Succs = append(blk.Succs, t)
			}
		}
		if t, ok := blk.Terminator.(*If); ok && t.True == t.False {
			return Errorf(ErrInvalidGraph, blk.ID, "if in %s has identical targets", blk)
		}
	}
	for _, blk := range g.blocks {
		for _, s := range blk.Succs {
			g.blocks[s].Preds = append(g.blocks[s].Preds, blk.ID)
		}
	}
	return nil
}

func (g *Graph) applyPredOrder(order map[BlockID][]BlockID) error {
	for id, preds := range order {
		blk := g.blocks[id]
		if !samePermutation(blk.Preds, preds) {
			return Errorf(ErrInvalidGraph, id, "predecessor order %v is not a permutation of %v", preds, blk.Preds)
		}
		blk.Preds = append([]BlockID(nil), preds...)
	}
	return nil
}

// attachPhis validates phi placement, arity and ownership and indexes phi
// results. Phis live only on merges and loop headers.
func (g *Graph) attachPhis(phis map[BlockID][]*Phi) error {
	for id, list := range phis {
		blk := g.blocks[id]
		if len(list) > 0 && len(blk.Preds) < 2 && !blk.LoopHeader {
			return Errorf(ErrInvalidGraph, id, "phi on non-merge block %s", blk)
		}
		for _, p := range list {
			if len(p.Inputs) != len(blk.Preds) {
				return ValueErrorf(ErrInvalidGraph, id, p.Dest,
					"phi has %d inputs but %s has %d predecessors", len(p.Inputs), blk, len(blk.Preds))
			}
			if prev, dup := g.phiOf[p.Dest]; dup {
				return ValueErrorf(ErrInvalidGraph, id, p.Dest, "value already defined by a phi in block %d", prev.Block)
			}
			g.phiOf[p.Dest] = p
		}
		g.phis[id] = list
	}
	return nil
}
