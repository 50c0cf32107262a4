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
	"strings"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Reducibility Check
// =============================================================================

// maxIrreducibleEdges caps the number of offending edges recorded.
const maxIrreducibleEdges = 32

// ReducibilityResult contains the reducibility analysis output.
//
// A graph is reducible if every retreating DFS edge targets a block that
// dominates its source.
type ReducibilityResult struct {
	// IsReducible is true if the entire graph is reducible.
	IsReducible bool

	// Summary counts DFS edge classes.
	Summary EdgeSummary

	// IrreducibleEdges lists retreating edges whose target does not
	// dominate their source. Capped at maxIrreducibleEdges.
	IrreducibleEdges [][2]BlockID
}

// EdgeSummary counts DFS edge classes.
type EdgeSummary struct {
	Tree    int
	Forward int
	Back    int
	Cross   int
}

type reducibilityEdgeType int

const (
	edgeTypeUnknown reducibilityEdgeType = iota
	edgeTypeTree                         // first discovery of the target
	edgeTypeForward                      // to a finished descendant
	edgeTypeBack                         // to a block on the DFS stack
	edgeTypeCross                        // to a finished non-descendant
)

// checkReducibility classifies every edge with a DFS from the start block.
//
// Description:
//
//	A retreating edge (to a block still on the DFS stack) is a natural
//	back edge only when its target dominates its source; otherwise the
//	cycle has a second entry and the graph is irreducible.
//
// Thread Safety: Not safe for concurrent use; called once from Build.
func (g *Graph) checkReducibility(ctx context.Context) (*ReducibilityResult, error) {
	ctx, span := dominatorTracer.Start(ctx, "Graph.checkReducibility",
		trace.WithAttributes(attribute.String("method", g.Name)),
	)
	defer span.End()

	const (
		white = iota
		grey
		black
	)
	n := len(g.blocks)
	color := make([]int, n)
	pre := make([]int, n)
	result := &ReducibilityResult{IsReducible: true}

	type frame struct {
		block BlockID
		next  int
	}
	clock := 0
	color[g.Start()] = grey
	pre[g.Start()] = clock
	stack := []frame{{block: g.Start()}}

	for len(stack) > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		top := &stack[len(stack)-1]
		succs := g.blocks[top.block].Succs
		if top.next >= len(succs) {
			color[top.block] = black
			stack = stack[:len(stack)-1]
			continue
		}
		to := succs[top.next]
		top.next++

		var kind reducibilityEdgeType
		switch color[to] {
		case white:
			kind = edgeTypeTree
			clock++
			pre[to] = clock
			color[to] = grey
			stack = append(stack, frame{block: to})
		case grey:
			kind = edgeTypeBack
		default:
			if pre[to] > pre[top.block] {
				kind = edgeTypeForward
			} else {
				kind = edgeTypeCross
			}
		}

		switch kind {
		case edgeTypeTree:
			result.Summary.Tree++
		case edgeTypeForward:
			result.Summary.Forward++
		case edgeTypeCross:
			result.Summary.Cross++
		case edgeTypeBack:
			result.Summary.Back++
			from := stack[len(stack)-1].block
			if !g.Dominates(to, from) {
				result.IsReducible = false
				if len(result.IrreducibleEdges) < maxIrreducibleEdges {
					result.IrreducibleEdges = append(result.IrreducibleEdges, [2]BlockID{from, to})
				}
			}
		}
	}

	span.SetAttributes(attribute.Bool("reducible", result.IsReducible))
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("cfg: reducibility check complete",
		slog.String("method", g.Name),
		slog.Bool("reducible", result.IsReducible),
		slog.Int("back_edges", result.Summary.Back),
	)
	return result, nil
}

// irreducibleError describes the offending edges of an irreducible graph.
func (g *Graph) irreducibleError(r *ReducibilityResult) error {
	parts := make([]string, 0, len(r.IrreducibleEdges))
	for _, e := range r.IrreducibleEdges {
		parts = append(parts, fmt.Sprintf("%s -> %s", g.blocks[e[0]], g.blocks[e[1]]))
	}
	at := NoBlock
	if len(r.IrreducibleEdges) > 0 {
		at = r.IrreducibleEdges[0][1]
	}
	return Errorf(ErrUnsupportedControlFlow, at, "irreducible control flow: cycle entered by %s", strings.Join(parts, ", "))
}
