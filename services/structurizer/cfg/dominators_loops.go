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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Natural Loop Detection
// =============================================================================

// Loop is a natural loop.
//
// Thread Safety: Immutable once the owning Graph is built.
type Loop struct {
	// Header is the single entry block; it dominates every body block.
	Header BlockID

	// Ends are the LoopEnd blocks closing back edges to Header, in the
	// order they appear in Header.Preds.
	Ends []BlockID

	// Body holds every block of the loop except Header, in reverse
	// postorder.
	Body []BlockID

	// Exits are the blocks outside the loop with a predecessor inside it,
	// in reverse postorder.
	Exits []BlockID

	// Parent is the header of the immediately enclosing loop, or NoBlock.
	Parent BlockID

	// Depth is 1 for outermost loops.
	Depth int

	members map[BlockID]bool
}

// Contains reports whether b is Header or a body block.
func (l *Loop) Contains(b BlockID) bool {
	return b == l.Header || l.members[b]
}

// Loop returns the loop headed by h, or nil.
func (g *Graph) Loop(h BlockID) *Loop {
	return g.loops[h]
}

// Loops returns every loop, outermost first, then by header order.
func (g *Graph) Loops() []*Loop {
	out := make([]*Loop, len(g.loopOrder))
	copy(out, g.loopOrder)
	return out
}

// InnermostLoop returns the header of the innermost loop containing b, or
// NoBlock.
func (g *Graph) InnermostLoop(b BlockID) BlockID {
	if b < 0 || int(b) >= len(g.innermost) {
		return NoBlock
	}
	return g.innermost[b]
}

// IsLoopBlock reports whether a forward walk from block reaches header
// before stepping onto any block ordered before header.
//
// Description:
//
//	This is the loop-membership oracle used to classify a loop header's
//	successors: a successor that can flow back to the header without
//	leaving the header's region is an inner-loop continuation.
//
// Complexity: O(V + E).
func (g *Graph) IsLoopBlock(block, header BlockID) bool {
	h := g.Block(header)
	if h == nil || g.Block(block) == nil {
		return false
	}

	visited := make(map[BlockID]bool)
	stack := []BlockID{block}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visited[b] = true

		switch {
		case g.blocks[b].Order < h.Order:
			return false
		case b == header:
			return true
		}
		for _, s := range g.blocks[b].Succs {
			if !visited[s] {
				stack = append(stack, s)
			}
		}
	}
	return false
}

// analyzeLoops finds natural loops from back edges and validates them.
//
// Description:
//
//	An edge u→h is a back edge when h dominates u. Each back edge must come
//	from a LoopEnd terminator, every LoopEnd must close a back edge, and
//	every header must carry the loop-header flag (set here when
//	inferHeaders is true). Loop bodies are collected by a reverse walk from
//	the loop ends that stops at the header. Two loops whose bodies overlap
//	must be nested.
//
// Outputs:
//
//   - error: *StructuringError wrapping ErrUnsupportedControlFlow on any
//     violation, or ctx.Err().
func (g *Graph) analyzeLoops(ctx context.Context, inferHeaders bool) error {
	ctx, span := dominatorTracer.Start(ctx, "Graph.analyzeLoops",
		trace.WithAttributes(attribute.String("method", g.Name)),
	)
	defer span.End()

	g.loops = make(map[BlockID]*Loop)
	g.innermost = make([]BlockID, len(g.blocks))
	for i := range g.innermost {
		g.innermost[i] = NoBlock
	}

	for _, u := range g.rpo {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ub := g.blocks[u]
		end, isEnd := ub.Terminator.(*LoopEnd)
		for _, h := range ub.Succs {
			back := g.Dominates(h, u)
			switch {
			case back && !isEnd:
				return Errorf(ErrUnsupportedControlFlow, u,
					"back edge %s -> %s does not end in a loop end", ub, g.blocks[h])
			case !back && isEnd:
				return Errorf(ErrUnsupportedControlFlow, u,
					"loop end %s targets %s which does not dominate it", ub, g.blocks[h])
			case !back:
				continue
			}
			if end.Header != h {
				return Errorf(ErrUnsupportedControlFlow, u, "loop end target mismatch")
			}
			loop := g.loops[h]
			if loop == nil {
				loop = &Loop{Header: h, Parent: NoBlock, members: make(map[BlockID]bool)}
				g.loops[h] = loop
			}
		}
	}

	for _, b := range g.blocks {
		_, hasLoop := g.loops[b.ID]
		switch {
		case hasLoop && !b.LoopHeader:
			if !inferHeaders {
				return Errorf(ErrUnsupportedControlFlow, b.ID, "block %s closes a loop but is not marked as a loop header", b)
			}
			b.LoopHeader = true
		case !hasLoop && b.LoopHeader:
			return Errorf(ErrUnsupportedControlFlow, b.ID, "loop header %s has no back edge", b)
		}
	}

	for h, loop := range g.loops {
		for _, p := range g.blocks[h].Preds {
			if g.Dominates(h, p) {
				loop.Ends = append(loop.Ends, p)
			}
		}
		g.collectLoopBody(loop)
	}

	if err := g.nestLoops(); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	span.AddEvent("loops_complete", trace.WithAttributes(
		attribute.Int("loop_count", len(g.loops)),
		attribute.Int("max_depth", g.stats.MaxLoopDepth),
	))
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("cfg: loop analysis complete",
		slog.String("method", g.Name),
		slog.Int("loop_count", len(g.loops)),
		slog.Int("max_depth", g.stats.MaxLoopDepth),
	)
	return nil
}

// collectLoopBody walks predecessors backwards from the loop ends.
func (g *Graph) collectLoopBody(loop *Loop) {
	work := make([]BlockID, 0, len(loop.Ends))
	for _, e := range loop.Ends {
		if e != loop.Header && !loop.members[e] {
			loop.members[e] = true
			work = append(work, e)
		}
	}
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		for _, p := range g.blocks[b].Preds {
			if p == loop.Header || loop.members[p] {
				continue
			}
			loop.members[p] = true
			work = append(work, p)
		}
	}

	for b := range loop.members {
		loop.Body = append(loop.Body, b)
	}
	g.sortByOrder(loop.Body)

	seen := make(map[BlockID]bool)
	for _, b := range append([]BlockID{loop.Header}, loop.Body...) {
		for _, s := range g.blocks[b].Succs {
			if !loop.Contains(s) && !seen[s] {
				seen[s] = true
				loop.Exits = append(loop.Exits, s)
			}
		}
	}
	g.sortByOrder(loop.Exits)
}

// nestLoops assigns parents and depths and rejects overlapping loops.
func (g *Graph) nestLoops() error {
	all := make([]*Loop, 0, len(g.loops))
	for _, l := range g.loops {
		all = append(all, l)
	}
	// Larger loops first so a loop's parent is already placed.
	sort.Slice(all, func(i, j int) bool {
		if len(all[i].Body) != len(all[j].Body) {
			return len(all[i].Body) > len(all[j].Body)
		}
		return g.blocks[all[i].Header].Order < g.blocks[all[j].Header].Order
	})

	for i, inner := range all {
		for j := 0; j < i; j++ {
			outer := all[j]
			if !outer.Contains(inner.Header) {
				if overlaps(outer, inner) {
					return Errorf(ErrUnsupportedControlFlow, inner.Header,
						"loops headed by %s and %s overlap without nesting", g.blocks[outer.Header], g.blocks[inner.Header])
				}
				continue
			}
			for _, b := range inner.Body {
				if !outer.Contains(b) {
					return Errorf(ErrUnsupportedControlFlow, b,
						"block %s is reachable from loops %s and %s without proper nesting",
						g.blocks[b], g.blocks[outer.Header], g.blocks[inner.Header])
				}
			}
			// The last containing loop in size order is the tightest.
			inner.Parent = outer.Header
		}
	}

	for _, l := range all {
		l.Depth = 1
		for p := l.Parent; p != NoBlock; p = g.loops[p].Parent {
			l.Depth++
		}
		if l.Depth > g.stats.MaxLoopDepth {
			g.stats.MaxLoopDepth = l.Depth
		}
	}

	// Outermost first so inner loops overwrite innermost membership.
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Depth != all[j].Depth {
			return all[i].Depth < all[j].Depth
		}
		return g.blocks[all[i].Header].Order < g.blocks[all[j].Header].Order
	})
	for _, l := range all {
		g.innermost[l.Header] = l.Header
		for _, b := range l.Body {
			g.innermost[b] = l.Header
		}
		g.blocks[l.Header].LoopDepth = l.Depth
		for _, b := range l.Body {
			if g.blocks[b].LoopDepth < l.Depth {
				g.blocks[b].LoopDepth = l.Depth
			}
		}
	}
	g.loopOrder = all
	g.stats.Loops = len(all)
	return nil
}

func overlaps(a, b *Loop) bool {
	for _, x := range b.Body {
		if a.Contains(x) {
			return true
		}
	}
	return a.Contains(b.Header)
}

// inferLoopExits flags blocks entered from inside a loop they are not part
// of.
func (g *Graph) inferLoopExits() {
	for _, l := range g.loops {
		for _, e := range l.Exits {
			g.blocks[e].LoopExit = true
		}
	}
}

func (g *Graph) sortByOrder(ids []BlockID) {
	sort.Slice(ids, func(i, j int) bool {
		return g.blocks[ids[i]].Order < g.blocks[ids[j]].Order
	})
}
