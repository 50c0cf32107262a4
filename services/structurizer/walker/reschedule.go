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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
)

type rescheduleReason string

const (
	reasonPending    rescheduleReason = "pending"
	reasonTrueBranch rescheduleReason = "true_branch"
)

// forceVisit schedules x out of its natural place: x runs its own pending
// and true-branch stages, is entered, walks its dominated subtree and is
// exited. It is a no-op when x is already visited.
//
// The caller must return after forceVisit so the forced descend frame is
// the next one popped. x's scope closes with a forceClose frame, before
// the block that forced it continues.
func (s *Session) forceVisit(ctx context.Context, x cfg.BlockID, reason rescheduleReason) error {
	if s.Visited(x) {
		return nil
	}

	s.rescheduled[x] = true
	// Entries keyed on x stay; x's own pending stage consumes them.
	for k, v := range s.pending {
		if v == x {
			delete(s.pending, k)
		}
	}

	switch reason {
	case reasonPending:
		s.stats.PendingReschedules++
	case reasonTrueBranch:
		s.stats.TrueBranchReschedules++
	}
	if s.metrics != nil {
		s.metrics.Reschedules.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", string(reason))))
	}
	telemetry.AddSpanEvent(trace.SpanFromContext(ctx), "force_visit",
		attribute.Int("block", int(x)),
		attribute.String("reason", string(reason)))
	telemetry.LoggerWithTrace(ctx, s.logger).Debug("force visit",
		slog.String("method", s.g.Name),
		slog.String("block", s.g.Block(x).String()),
		slog.String("reason", string(reason)))

	s.push(frame{kind: frameDescend, block: x, stage: stagePending, forced: true})
	return nil
}

// trueBranchTarget returns the true successor that must be emitted before
// b, or NoBlock.
//
// It applies when b is the false successor of a conditional in a non-header
// block D, b is not a loop header, and either b closes a back edge or the
// true successor begins a loop exit and does not split again.
func (s *Session) trueBranchTarget(b cfg.BlockID) cfg.BlockID {
	blk := s.g.Block(b)
	if blk.LoopHeader || blk.Dominator == cfg.NoBlock {
		return cfg.NoBlock
	}
	dom := s.g.Block(blk.Dominator)
	if dom.LoopHeader {
		return cfg.NoBlock
	}
	cond, ok := dom.Terminator.(*cfg.If)
	if !ok || cond.False != b {
		return cfg.NoBlock
	}

	t := s.g.Block(cond.True)
	if cfg.IsLoopEnd(blk) {
		return t.ID
	}
	if t.LoopExit && !cfg.IsSplit(t.Terminator) {
		return t.ID
	}
	return cfg.NoBlock
}

// workQueue returns the chain heads to walk below b.
//
// Description:
//
//	For a plain block this is its first dominated child. For a loop header
//	the dominated successors are partitioned into inner-loop continuations,
//	other successors, and true-arm loop exits that fall through; the exits
//	go last, the last one encountered first. An exit whose post-dominator
//	is a merge is recorded as pending for that merge. The header's first
//	dominated child closes the queue so no dominated child is missed.
func (s *Session) workQueue(b cfg.BlockID) []cfg.BlockID {
	blk := s.g.Block(b)
	if !blk.LoopHeader {
		if blk.FirstDominated == cfg.NoBlock {
			return nil
		}
		return []cfg.BlockID{blk.FirstDominated}
	}

	cond, _ := blk.Terminator.(*cfg.If)

	var inner, others, deferred []cfg.BlockID
	for _, succ := range blk.Succs {
		sb := s.g.Block(succ)
		if sb.Dominator != b {
			continue
		}

		_, fallsThrough := sb.Terminator.(*cfg.Fallthrough)
		switch {
		case s.g.IsLoopBlock(succ, b):
			inner = append(inner, succ)
		case cond != nil && cond.True == succ && sb.LoopExit && fallsThrough:
			deferred = append([]cfg.BlockID{succ}, deferred...)
			if pd := sb.Postdominator; pd != cfg.NoBlock && s.g.IsMerge(pd) {
				s.pending[pd] = succ
				s.logger.Debug("pending loop exit",
					slog.String("method", s.g.Name),
					slog.String("merge", s.g.Block(pd).String()),
					slog.String("exit", sb.String()))
			}
		default:
			others = append(others, succ)
		}
	}

	queue := make([]cfg.BlockID, 0, len(inner)+len(others)+len(deferred)+1)
	queue = append(queue, inner...)
	queue = append(queue, others...)
	queue = append(queue, deferred...)
	if blk.FirstDominated != cfg.NoBlock {
		queue = append(queue, blk.FirstDominated)
	}
	return queue
}
