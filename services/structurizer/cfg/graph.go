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

// Graph is a built, immutable control-flow graph of one method.
//
// Thread Safety: Safe for concurrent use.
type Graph struct {
	// Name is the method name, used in logs and listings.
	Name string

	blocks []*Block
	byName map[string]BlockID
	values []*Value
	phis   [][]*Phi
	phiOf  map[ValueID]*Phi

	rpo []BlockID

	loops     map[BlockID]*Loop
	loopOrder []*Loop
	innermost []BlockID

	stats     GraphStats
	reducible *ReducibilityResult
}

// GraphStats summarises the analyses run by Build.
type GraphStats struct {
	Blocks              int
	Edges               int
	Values              int
	Phis                int
	Loops               int
	MaxLoopDepth        int
	DominatorIterations int
	Converged           bool
	UsedVirtualExit     bool
}

// Start returns the start block. It is always the first block added.
func (g *Graph) Start() BlockID { return 0 }

// Len returns the number of blocks.
func (g *Graph) Len() int { return len(g.blocks) }

// Block returns the block with the given id, or nil.
func (g *Graph) Block(id BlockID) *Block {
	if id < 0 || int(id) >= len(g.blocks) {
		return nil
	}
	return g.blocks[id]
}

// Blocks returns every block in id order.
func (g *Graph) Blocks() []*Block {
	out := make([]*Block, len(g.blocks))
	copy(out, g.blocks)
	return out
}

// Lookup finds a block by name.
func (g *Graph) Lookup(name string) (BlockID, bool) {
	id, ok := g.byName[name]
	return id, ok
}

// Value returns the value with the given id, or nil.
func (g *Graph) Value(id ValueID) *Value {
	if id < 0 || int(id) >= len(g.values) {
		return nil
	}
	return g.values[id]
}

// Values returns every value in id order.
func (g *Graph) Values() []*Value {
	out := make([]*Value, len(g.values))
	copy(out, g.values)
	return out
}

// Phis returns the phis of block b in declaration order.
func (g *Graph) Phis(b BlockID) []*Phi {
	if b < 0 || int(b) >= len(g.phis) {
		return nil
	}
	return g.phis[b]
}

// PhiOf returns the phi defining v, or nil when v is not a phi result.
func (g *Graph) PhiOf(v ValueID) *Phi {
	return g.phiOf[v]
}

// ReversePostorder returns the blocks in reverse postorder from Start.
func (g *Graph) ReversePostorder() []BlockID {
	out := make([]BlockID, len(g.rpo))
	copy(out, g.rpo)
	return out
}

// Stats returns construction statistics.
func (g *Graph) Stats() GraphStats { return g.stats }

// Reducibility returns the reducibility analysis computed by Build.
func (g *Graph) Reducibility() *ReducibilityResult { return g.reducible }

// PredIndex returns the position of pred in b's predecessor list, or -1.
func (g *Graph) PredIndex(b, pred BlockID) int {
	blk := g.Block(b)
	if blk == nil {
		return -1
	}
	for i, p := range blk.Preds {
		if p == pred {
			return i
		}
	}
	return -1
}

// DominatedChildren returns b's dominated children in chain order.
func (g *Graph) DominatedChildren(b BlockID) []BlockID {
	blk := g.Block(b)
	if blk == nil {
		return nil
	}
	var out []BlockID
	for c := blk.FirstDominated; c != NoBlock; c = g.blocks[c].DominatedSibling {
		out = append(out, c)
	}
	return out
}

// Dominates reports whether a dominates b. Every block dominates itself.
func (g *Graph) Dominates(a, b BlockID) bool {
	ba, bb := g.Block(a), g.Block(b)
	if ba == nil || bb == nil {
		return false
	}
	for bb.Depth > ba.Depth {
		bb = g.blocks[bb.Dominator]
	}
	return bb.ID == a
}

// IsMerge reports whether b joins two or more forward edges.
func (g *Graph) IsMerge(b BlockID) bool {
	blk := g.Block(b)
	return blk != nil && !blk.LoopHeader && len(blk.Preds) >= 2
}
