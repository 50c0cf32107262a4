// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package walker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/phi"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
)

var walkerTracer = otel.Tracer("structurizer.walker")

// contextCheckInterval is how many frames run between cancellation checks.
const contextCheckInterval = 64

// =============================================================================
// Work Stack
// =============================================================================

type frameKind uint8

const (
	// frameDescend runs the per-block stages up to Enter.
	frameDescend frameKind = iota

	// frameChain walks the dominated-sibling chains of a work queue.
	frameChain

	// frameCloseScope exits a normally visited block.
	frameCloseScope

	// frameForceClose exits a force-visited block.
	frameForceClose

	// frameResolveLoop resolves a loop's back edges once its body is done.
	frameResolveLoop
)

type stage uint8

const (
	stagePending stage = iota
	stageTrueBranch
	stageEnter
)

// frame is one unit of pending work. Only the fields used by its kind are
// set.
type frame struct {
	kind  frameKind
	block cfg.BlockID
	stage stage

	// forced marks a descend started by forceVisit; its scope closes with
	// frameForceClose.
	forced bool

	// chain state: queue heads, index of the current head, and the next
	// block on the current sibling chain.
	queue  []cfg.BlockID
	next   int
	cursor cfg.BlockID
}

func (s *Session) push(f frame) {
	s.stack = append(s.stack, f)
	if len(s.stack) > s.stats.MaxStackDepth {
		s.stats.MaxStackDepth = len(s.stack)
	}
}

func (s *Session) pop() frame {
	f := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return f
}

// =============================================================================
// Walk
// =============================================================================

// Walk emits every block reachable from start.
//
// Description:
//
//	Blocks are entered in a topological refinement of the dominator tree.
//	Each block's dominated children are walked between its Enter and Exit;
//	a loop header queues its inner-loop continuations first, then its other
//	dominated successors, then true-arm loop exits (last encountered
//	first), then its remaining dominated children. Before a block is
//	entered, the pending loop exit recorded for it and a true arm that must
//	precede it are force-visited.
//
//	Phi actions are resolved on the way and delivered through
//	Emitter.EmitPhi after being materialized. The per-method phi tables are
//	cleared when the walk ends.
//
// Inputs:
//
//   - ctx: Checked every few frames. Must not be nil.
//   - start: The block to start from, normally Graph.Start().
//
// Outputs:
//
//   - error: Emitter errors are returned as-is, resolver failures wrap
//     cfg.ErrUnsupportedControlFlow or cfg.ErrPhiKindMismatch, and a
//     cancelled context returns ctx.Err().
//
// Thread Safety: NOT safe for concurrent use.
func (s *Session) Walk(ctx context.Context, start cfg.BlockID) (err error) {
	if ctx == nil {
		return fmt.Errorf("walk: %w", telemetry.ErrNilContext)
	}
	if s.g.Block(start) == nil {
		return cfg.Errorf(cfg.ErrBlockNotFound, start, "walk start")
	}

	ctx, span := walkerTracer.Start(ctx, "Session.Walk",
		trace.WithAttributes(
			attribute.String("method", s.g.Name),
			attribute.Int("blocks", s.g.Len()),
			attribute.Int("start", int(start)),
		),
	)
	defer span.End()

	began := time.Now()
	defer func() {
		s.recordWalk(ctx, span, time.Since(began), err)
		s.resolver.Clear()
	}()

	s.push(frame{kind: frameDescend, block: start, stage: stagePending})
	for steps := 0; len(s.stack) > 0; steps++ {
		if steps%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				s.stack = s.stack[:0]
				return err
			}
		}
		if err := s.step(ctx, s.pop()); err != nil {
			s.stack = s.stack[:0]
			return err
		}
	}

	if start == s.g.Start() && s.visited.Len() != s.g.Len() {
		for _, b := range s.g.Blocks() {
			if !s.Visited(b.ID) {
				return cfg.Errorf(cfg.ErrUnsupportedControlFlow, b.ID, "block %s never visited", b)
			}
		}
	}
	return nil
}

func (s *Session) step(ctx context.Context, f frame) error {
	switch f.kind {
	case frameDescend:
		return s.descend(ctx, f)
	case frameChain:
		s.chain(f)
		return nil
	case frameCloseScope:
		return s.closeScope(ctx, f.block, false)
	case frameForceClose:
		return s.closeScope(ctx, f.block, true)
	case frameResolveLoop:
		return s.deliver(ctx, s.resolver.ResolveBackEdges(ctx, f.block))
	default:
		return fmt.Errorf("walker: unknown frame kind %d", f.kind)
	}
}

// descend runs the stages of one block. A stage that forces another block
// first re-pushes the descend frame at the following stage.
func (s *Session) descend(ctx context.Context, f frame) error {
	b := f.block

	if f.stage <= stagePending {
		if p, ok := s.pending[b]; ok {
			delete(s.pending, b)
			if !s.Visited(p) {
				s.push(frame{kind: frameDescend, block: b, stage: stageTrueBranch, forced: f.forced})
				return s.forceVisit(ctx, p, reasonPending)
			}
		}
	}

	if f.stage <= stageTrueBranch {
		if t := s.trueBranchTarget(b); t != cfg.NoBlock && !s.Visited(t) {
			s.push(frame{kind: frameDescend, block: b, stage: stageEnter, forced: f.forced})
			return s.forceVisit(ctx, t, reasonTrueBranch)
		}
	}

	if s.Visited(b) {
		if s.rescheduled[b] {
			return nil
		}
		return cfg.Errorf(cfg.ErrReentrantVisit, b, "block %s", s.g.Block(b))
	}

	if err := s.enter(ctx, b); err != nil {
		return err
	}
	if f.forced {
		s.openScope(b, frameForceClose)
	} else {
		s.openScope(b, frameCloseScope)
	}
	return nil
}

// openScope pushes the close frame and the work queue of an entered block.
func (s *Session) openScope(b cfg.BlockID, closeKind frameKind) {
	s.push(frame{kind: closeKind, block: b})
	if s.g.Block(b).LoopHeader {
		s.push(frame{kind: frameResolveLoop, block: b})
	}
	if q := s.workQueue(b); len(q) > 0 {
		s.push(frame{kind: frameChain, queue: q, next: -1, cursor: cfg.NoBlock})
	}
}

// chain advances along the sibling chains of f's queue and suspends at the
// first unvisited block.
func (s *Session) chain(f frame) {
	for {
		if f.cursor == cfg.NoBlock {
			f.next++
			if f.next >= len(f.queue) {
				return
			}
			f.cursor = f.queue[f.next]
		}

		b := f.cursor
		f.cursor = s.g.Block(b).DominatedSibling
		if !s.Visited(b) {
			s.push(f)
			s.push(frame{kind: frameDescend, block: b, stage: stagePending})
			return
		}
	}
}

// enter resolves the phis owned by b, enters it and resolves the values b
// forwards into a merge.
func (s *Session) enter(ctx context.Context, b cfg.BlockID) error {
	blk := s.g.Block(b)

	var (
		actions []phi.Action
		err     error
	)
	switch {
	case blk.LoopHeader:
		if blk.LoopDepth > s.opts.LoopDepthWarning {
			telemetry.LoggerWithTrace(ctx, s.logger).Warn("deep loop nest",
				slog.String("method", s.g.Name),
				slog.String("header", blk.String()),
				slog.Int("depth", blk.LoopDepth))
		}
		actions, err = s.resolver.ResolveLoopEntry(ctx, b)
	case s.g.IsMerge(b):
		actions, err = s.resolver.ResolveMerge(ctx, b)
	}
	if err != nil {
		return err
	}
	if err := s.deliver(ctx, actions); err != nil {
		return err
	}

	if err := s.emitter.Enter(ctx, blk); err != nil {
		return fmt.Errorf("enter %s: %w", blk, err)
	}
	s.visited.ReplaceOrInsert(b)
	s.order = append(s.order, b)
	s.stats.Visited++

	return s.deliver(ctx, s.resolver.ForwardEnd(ctx, b))
}

// closeScope exits b. A normal close of a force-visited block is skipped:
// forceClose already exited it.
func (s *Session) closeScope(ctx context.Context, b cfg.BlockID, forced bool) error {
	if s.closed[b] || (!forced && s.rescheduled[b]) {
		return nil
	}
	s.closed[b] = true
	if err := s.emitter.Exit(ctx, s.g.Block(b)); err != nil {
		return fmt.Errorf("exit %s: %w", s.g.Block(b), err)
	}
	return nil
}

// deliver materializes and emits actions in order.
func (s *Session) deliver(ctx context.Context, actions []phi.Action) error {
	for i := range actions {
		a := actions[i]
		s.resolver.Materialize(&a)
		if err := s.emitter.EmitPhi(ctx, a); err != nil {
			return fmt.Errorf("emit %s: %w", a, err)
		}
		if s.metrics != nil {
			s.metrics.PhiActions.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", a.Kind.String())))
		}
	}
	return nil
}

func (s *Session) recordWalk(ctx context.Context, span trace.Span, elapsed time.Duration, err error) {
	st := s.Stats()
	span.SetAttributes(
		attribute.Int("visited", st.Visited),
		attribute.Int("reschedules.pending", st.PendingReschedules),
		attribute.Int("reschedules.true_branch", st.TrueBranchReschedules),
		attribute.Int("max_stack_depth", st.MaxStackDepth),
	)

	if s.metrics != nil {
		s.metrics.WalkDuration.Record(ctx, elapsed.Seconds())
		s.metrics.BlocksVisited.Add(ctx, int64(st.Visited))
	}

	if err != nil {
		kind := "other"
		var se *cfg.StructuringError
		if errors.As(err, &se) {
			kind = se.Kind.Error()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.metrics != nil {
			s.metrics.FailuresTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", kind)))
		}
		return
	}
	span.SetStatus(codes.Ok, "")
}
