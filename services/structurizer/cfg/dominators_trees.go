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
	"log/slog"
	"sort"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Dominator Trees - Cooper-Harvey-Kennedy Algorithm
// =============================================================================

var dominatorTracer = otel.Tracer("structurizer.cfg.dominators")

// dominatorContextCheckInterval is how often to check for context cancellation.
const dominatorContextCheckInterval = 256

// DefaultMaxDominatorIterations caps convergence iterations.
const DefaultMaxDominatorIterations = 100

// undefinedDom marks a node whose immediate dominator is not yet known.
const undefinedDom = -1

// domResult is the output of solveDominators over an integer-indexed graph.
type domResult struct {
	idom       []int
	rpo        []int
	rpoIndex   []int
	iterations int
	converged  bool
}

// reversePostorder computes reverse postorder via iterative DFS.
//
// Successors are explored last-to-first so that, in the resulting order, the
// first declared successor of a split comes before the second. Nodes not
// reachable from entry are absent from the result.
func reversePostorder(ctx context.Context, n, entry int, succs func(int) []int) ([]int, error) {
	visited := make([]bool, n)
	postOrder := make([]int, 0, n)

	type frame struct {
		node     int
		childIdx int
	}

	visited[entry] = true
	stack := []frame{{node: entry, childIdx: len(succs(entry)) - 1}}
	iterations := 0

	for len(stack) > 0 {
		iterations++
		if iterations%dominatorContextCheckInterval == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		top := &stack[len(stack)-1]
		children := succs(top.node)
		if top.childIdx < 0 {
			postOrder = append(postOrder, top.node)
			stack = stack[:len(stack)-1]
			continue
		}

		child := children[top.childIdx]
		top.childIdx--
		if !visited[child] {
			visited[child] = true
			stack = append(stack, frame{node: child, childIdx: len(succs(child)) - 1})
		}
	}

	for i, j := 0, len(postOrder)-1; i < j; i, j = i+1, j-1 {
		postOrder[i], postOrder[j] = postOrder[j], postOrder[i]
	}
	return postOrder, nil
}

// solveDominators runs the iterative Cooper-Harvey-Kennedy fixed point.
//
// Description:
//
//	Uses the data-flow formulation from "A Simple, Fast Dominance Algorithm"
//	(Cooper, Harvey, Kennedy 2001). Nodes are processed in reverse
//	postorder; the first processed predecessor seeds the candidate and the
//	remaining processed predecessors are intersected into it.
//
// Inputs:
//
//   - ctx: Context for cancellation. Checked every iteration.
//   - n: Number of nodes.
//   - entry: Root node.
//   - succs, preds: Adjacency functions.
//
// Outputs:
//
//   - *domResult: idom[entry] == entry, idom of unreachable nodes is undefinedDom.
//   - error: Non-nil only if ctx is cancelled.
//
// Complexity: O(E) typical, O(V²) worst case.
func solveDominators(ctx context.Context, n, entry int, succs, preds func(int) []int) (*domResult, error) {
	rpo, err := reversePostorder(ctx, n, entry, succs)
	if err != nil {
		return nil, err
	}

	res := &domResult{
		idom:     make([]int, n),
		rpo:      rpo,
		rpoIndex: make([]int, n),
	}
	for i := range res.idom {
		res.idom[i] = undefinedDom
		res.rpoIndex[i] = -1
	}
	for i, node := range rpo {
		res.rpoIndex[node] = i
	}
	res.idom[entry] = entry

	changed := true
	for changed && res.iterations < DefaultMaxDominatorIterations {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		changed = false
		res.iterations++

		for _, node := range rpo {
			if node == entry {
				continue
			}

			newIdom := undefinedDom
			for _, p := range preds(node) {
				if res.rpoIndex[p] < 0 || res.idom[p] == undefinedDom {
					continue
				}
				if newIdom == undefinedDom {
					newIdom = p
				} else {
					newIdom = intersect(res, p, newIdom)
				}
			}

			if newIdom != undefinedDom && res.idom[node] != newIdom {
				res.idom[node] = newIdom
				changed = true
			}
		}
	}
	res.converged = !changed
	return res, nil
}

// intersect walks both fingers up the tree until they meet.
func intersect(res *domResult, a, b int) int {
	for a != b {
		for res.rpoIndex[a] > res.rpoIndex[b] {
			a = res.idom[a]
		}
		for res.rpoIndex[b] > res.rpoIndex[a] {
			b = res.idom[b]
		}
	}
	return a
}

// computeDominators fills Order, Dominator and Depth on every block and
// links the dominated-children chains.
//
// Blocks not reachable from the start block make the graph invalid.
func (g *Graph) computeDominators(ctx context.Context, domOrder map[BlockID][]BlockID) error {
	ctx, span := dominatorTracer.Start(ctx, "Graph.computeDominators",
		trace.WithAttributes(
			attribute.String("method", g.Name),
			attribute.Int("block_count", len(g.blocks)),
		),
	)
	defer span.End()

	n := len(g.blocks)
	res, err := solveDominators(ctx, n, int(g.Start()), g.succIndices, g.predIndices)
	if err != nil {
		span.AddEvent("context_cancelled")
		return err
	}

	if len(res.rpo) != n {
		for _, b := range g.blocks {
			if res.rpoIndex[b.ID] < 0 {
				return Errorf(ErrUnreachableBlock, b.ID, "block %s", b)
			}
		}
	}

	g.rpo = make([]BlockID, len(res.rpo))
	for i, node := range res.rpo {
		g.rpo[i] = BlockID(node)
		g.blocks[node].Order = i
	}

	for _, id := range g.rpo {
		b := g.blocks[id]
		if id == g.Start() {
			b.Dominator = NoBlock
			b.Depth = 0
			continue
		}
		b.Dominator = BlockID(res.idom[id])
		b.Depth = g.blocks[b.Dominator].Depth + 1
	}

	if err := g.linkDominatorTree(domOrder); err != nil {
		return err
	}

	g.stats.DominatorIterations = res.iterations
	g.stats.Converged = res.converged

	span.AddEvent("algorithm_complete", trace.WithAttributes(
		attribute.Int("iterations", res.iterations),
		attribute.Bool("converged", res.converged),
	))
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("cfg: dominators complete",
		slog.String("method", g.Name),
		slog.Int("iterations", res.iterations),
		slog.Bool("converged", res.converged),
	)
	return nil
}

// linkDominatorTree encodes the dominator tree as first-dominated /
// dominated-sibling chains. Children are chained in reverse postorder unless
// domOrder names an explicit order for a parent.
func (g *Graph) linkDominatorTree(domOrder map[BlockID][]BlockID) error {
	children := make([][]BlockID, len(g.blocks))
	for _, id := range g.rpo {
		b := g.blocks[id]
		b.FirstDominated = NoBlock
		b.DominatedSibling = NoBlock
		if b.Dominator != NoBlock {
			children[b.Dominator] = append(children[b.Dominator], id)
		}
	}

	for parent, order := range domOrder {
		if int(parent) >= len(children) || !samePermutation(children[parent], order) {
			return Errorf(ErrInvalidGraph, parent,
				"dominated order %v is not a permutation of the dominated children %v", order, children[parent])
		}
		children[parent] = append([]BlockID(nil), order...)
	}

	for parent, kids := range children {
		if len(kids) == 0 {
			continue
		}
		g.blocks[parent].FirstDominated = kids[0]
		for i := 0; i+1 < len(kids); i++ {
			g.blocks[kids[i]].DominatedSibling = kids[i+1]
		}
	}
	return nil
}

func samePermutation(a, b []BlockID) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]BlockID(nil), a...)
	y := append([]BlockID(nil), b...)
	sort.Slice(x, func(i, j int) bool { return x[i] < x[j] })
	sort.Slice(y, func(i, j int) bool { return y[i] < y[j] })
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func (g *Graph) succIndices(node int) []int {
	return toInts(g.blocks[node].Succs)
}

func (g *Graph) predIndices(node int) []int {
	return toInts(g.blocks[node].Preds)
}

func toInts(ids []BlockID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
