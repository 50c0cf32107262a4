// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package walker drives structured emission of a method's control-flow
// graph.
//
// A Session walks the dominator tree from the start block and calls an
// Emitter at every block entry and exit, so the emitter can open and close
// the lexical scopes a structured target requires. Along the way it asks
// the phi Resolver what to do at every merge, loop header and back edge,
// and delivers the resulting actions to the emitter.
//
// The walk is a topological refinement of the dominator tree: a block is
// never entered before its dominator. Two situations force a block out of
// its natural place, and both are handled by the rescheduler:
//
//   - A loop exit taken on the true arm of a conditional must be emitted
//     before the merge it falls into (the pending map).
//   - A true arm that leaves a loop must precede the false arm when the
//     false arm closes the loop's back edge.
//
// # Thread Safety
//
// A Session is bound to one graph and one emitter and is NOT safe for
// concurrent use. Independent methods use independent sessions.
package walker

import (
	"log/slog"

	"github.com/google/btree"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/phi"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
)

// DefaultLoopDepthWarning is the loop nesting depth above which entering a
// header logs a warning.
const DefaultLoopDepthWarning = 8

// Options configures a Session.
type Options struct {
	// Phi configures the phi resolver.
	Phi phi.Options

	// LoopDepthWarning logs a warning for headers nested deeper than this.
	// Zero uses DefaultLoopDepthWarning.
	LoopDepthWarning int

	// Logger receives decision logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics receives walk metrics. Nil uses telemetry.Global().
	Metrics *telemetry.Metrics
}

// DefaultOptions returns copy minimisation and the default limits.
func DefaultOptions() Options {
	return Options{
		Phi:              phi.DefaultOptions(),
		LoopDepthWarning: DefaultLoopDepthWarning,
	}
}

// Stats summarises one walk.
type Stats struct {
	// Visited is the number of blocks entered.
	Visited int

	// PendingReschedules counts loop exits forced ahead of their merge.
	PendingReschedules int

	// TrueBranchReschedules counts true arms forced ahead of a back-edge
	// false arm.
	TrueBranchReschedules int

	// MaxStackDepth is the deepest work stack seen.
	MaxStackDepth int

	// Phi holds the phi resolver's counts.
	Phi phi.Stats
}

// Session owns the per-method traversal state.
//
// Thread Safety: NOT safe for concurrent use.
type Session struct {
	g        *cfg.Graph
	emitter  Emitter
	resolver *phi.Resolver
	opts     Options
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	// visited is ordered so VisitedIDs is deterministic. Entries are never
	// removed during a walk.
	visited *btree.BTreeG[cfg.BlockID]

	// order records blocks in Enter order.
	order []cfg.BlockID

	// pending maps a merge block to the loop exit that must be emitted
	// before it.
	pending map[cfg.BlockID]cfg.BlockID

	// rescheduled holds force-visited blocks.
	rescheduled map[cfg.BlockID]bool

	// closed holds blocks whose scope has been closed.
	closed map[cfg.BlockID]bool

	stack []frame
	stats Stats
}

// NewSession creates a session that walks g, reports to emitter and
// resolves operands through operands.
//
// If emitter implements TrackerAware it is attached to the session.
func NewSession(g *cfg.Graph, emitter Emitter, operands phi.OperandResolver, opts Options) *Session {
	if opts.LoopDepthWarning <= 0 {
		opts.LoopDepthWarning = DefaultLoopDepthWarning
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Global()
	}

	s := &Session{
		g:           g,
		emitter:     emitter,
		resolver:    phi.NewResolver(g, operands, opts.Phi, logger),
		opts:        opts,
		logger:      logger,
		metrics:     metrics,
		visited:     btree.NewG[cfg.BlockID](16, func(a, b cfg.BlockID) bool { return a < b }),
		pending:     make(map[cfg.BlockID]cfg.BlockID),
		rescheduled: make(map[cfg.BlockID]bool),
		closed:      make(map[cfg.BlockID]bool),
	}
	if ta, ok := emitter.(TrackerAware); ok {
		ta.AttachTracker(s)
	}
	return s
}

// Graph returns the graph being walked.
func (s *Session) Graph() *cfg.Graph { return s.g }

// Resolver returns the session's phi resolver.
func (s *Session) Resolver() *phi.Resolver { return s.resolver }

// Visited reports whether b has been entered.
func (s *Session) Visited(b cfg.BlockID) bool {
	return s.visited.Has(b)
}

// VisitedIDs returns the entered blocks in ascending id order.
func (s *Session) VisitedIDs() []cfg.BlockID {
	out := make([]cfg.BlockID, 0, s.visited.Len())
	s.visited.Ascend(func(b cfg.BlockID) bool {
		out = append(out, b)
		return true
	})
	return out
}

// Order returns the blocks in the order they were entered.
func (s *Session) Order() []cfg.BlockID {
	out := make([]cfg.BlockID, len(s.order))
	copy(out, s.order)
	return out
}

// Rescheduled reports whether b was force-visited.
func (s *Session) Rescheduled(b cfg.BlockID) bool {
	return s.rescheduled[b]
}

// Pending returns a copy of the pending map.
func (s *Session) Pending() map[cfg.BlockID]cfg.BlockID {
	out := make(map[cfg.BlockID]cfg.BlockID, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}

// Stats returns the walk statistics so far.
func (s *Session) Stats() Stats {
	st := s.stats
	st.Phi = s.resolver.Stats()
	return st
}
