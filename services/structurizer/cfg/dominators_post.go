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

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// computePostdominators fills Postdominator on every block.
//
// Description:
//
//	Runs the dominator solver on the reversed graph rooted at a virtual exit
//	node whose predecessors are every Return block. A block whose only
//	post-dominator is the virtual exit (for example a branch whose arms both
//	return) gets NoBlock. Blocks that cannot reach any exit (infinite loops)
//	also get NoBlock.
//
// Thread Safety: Not safe for concurrent use; called once from Build.
func (g *Graph) computePostdominators(ctx context.Context) error {
	ctx, span := dominatorTracer.Start(ctx, "Graph.computePostdominators",
		trace.WithAttributes(attribute.String("method", g.Name)),
	)
	defer span.End()

	n := len(g.blocks)
	virtualExit := n

	var exits []int
	for _, b := range g.blocks {
		if len(b.Succs) == 0 {
			exits = append(exits, int(b.ID))
		}
	}
	isExit := make([]bool, n)
	for _, e := range exits {
		isExit[e] = true
	}

	// Reversed adjacency: successors in the reversed graph are the original
	// predecessors, and the virtual exit fans out to every exit block.
	rsuccs := func(node int) []int {
		if node == virtualExit {
			return exits
		}
		return g.predIndices(node)
	}
	rpreds := func(node int) []int {
		if node == virtualExit {
			return nil
		}
		out := g.succIndices(node)
		if isExit[node] {
			out = append(out, virtualExit)
		}
		return out
	}

	res, err := solveDominators(ctx, n+1, virtualExit, rsuccs, rpreds)
	if err != nil {
		return err
	}

	usedVirtual := false
	for _, b := range g.blocks {
		ipdom := res.idom[b.ID]
		switch {
		case ipdom == undefinedDom:
			b.Postdominator = NoBlock
		case ipdom == virtualExit:
			b.Postdominator = NoBlock
			usedVirtual = usedVirtual || len(exits) > 1
		default:
			b.Postdominator = BlockID(ipdom)
		}
	}
	g.stats.UsedVirtualExit = usedVirtual

	span.AddEvent("postdominators_complete", trace.WithAttributes(
		attribute.Int("exit_count", len(exits)),
		attribute.Int("iterations", res.iterations),
	))
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("cfg: post-dominators complete",
		slog.String("method", g.Name),
		slog.Int("exit_count", len(exits)),
	)
	return nil
}

// Postdominates reports whether a post-dominates b. Every block
// post-dominates itself.
func (g *Graph) Postdominates(a, b BlockID) bool {
	if g.Block(a) == nil || g.Block(b) == nil {
		return false
	}
	for cur := b; cur != NoBlock; cur = g.blocks[cur].Postdominator {
		if cur == a {
			return true
		}
	}
	return false
}
