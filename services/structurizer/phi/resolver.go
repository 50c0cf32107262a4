// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phi

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
)

var resolverTracer = otel.Tracer("structurizer.phi")

// DefaultMaxTraceHops bounds multi-hop forwarding lookups.
const DefaultMaxTraceHops = 64

// Options controls phi resolution.
type Options struct {
	// MinimizeCopies prefers aliases and merge instructions over copies.
	MinimizeCopies bool

	// MaxTraceHops bounds Trace chains followed by Resolve.
	MaxTraceHops int
}

// DefaultOptions returns copy minimisation with the default hop limit.
func DefaultOptions() Options {
	return Options{MinimizeCopies: true, MaxTraceHops: DefaultMaxTraceHops}
}

// Stats counts the actions produced by a Resolver.
type Stats struct {
	Aliases int
	Copies  int
	Merges  int
}

type edge struct {
	from, to cfg.BlockID
}

// Resolver turns phis into Actions for one traversal.
//
// Thread Safety: NOT safe for concurrent use.
type Resolver struct {
	g        *cfg.Graph
	operands OperandResolver
	opts     Options
	logger   *slog.Logger

	trace    *Trace
	registry *Registry

	// copied holds edges whose copies have been emitted.
	copied map[edge]bool

	// invariant holds header phis whose back values never differ from the
	// forward value.
	invariant map[cfg.ValueID]bool

	stats Stats
}

// NewResolver creates a resolver over g. operands must not be nil.
func NewResolver(g *cfg.Graph, operands OperandResolver, opts Options, logger *slog.Logger) *Resolver {
	if opts.MaxTraceHops <= 0 {
		opts.MaxTraceHops = DefaultMaxTraceHops
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		g:         g,
		operands:  operands,
		opts:      opts,
		logger:    logger,
		trace:     NewTrace(),
		registry:  NewRegistry(),
		copied:    make(map[edge]bool),
		invariant: make(map[cfg.ValueID]bool),
	}
}

// Trace returns the forwarding trace.
func (r *Resolver) Trace() *Trace { return r.trace }

// Registry returns the identifier registry.
func (r *Resolver) Registry() *Registry { return r.registry }

// Stats returns action counts so far.
func (r *Resolver) Stats() Stats { return r.stats }

// Clear empties the per-method tables.
func (r *Resolver) Clear() {
	r.trace.Clear()
	r.registry.Clear()
	clear(r.copied)
	clear(r.invariant)
}

// =============================================================================
// Merges
// =============================================================================

// ForwardEnd handles block b falling through into a merge.
//
// Description:
//
//	For every phi of the merge whose inputs differ, the value flowing in
//	from b is either recorded in the Trace (copy minimisation, non-constant
//	values) or copied into the destination at the end of b. Loop-exit
//	merges are left to ResolveMerge.
//
// Outputs:
//
//   - []Action: Copies placed at b's exit. Nil when nothing is needed.
func (r *Resolver) ForwardEnd(ctx context.Context, b cfg.BlockID) []Action {
	blk := r.g.Block(b)
	ft, ok := blk.Terminator.(*cfg.Fallthrough)
	if !ok || !r.g.IsMerge(ft.Target) || r.isLoopExitMerge(ft.Target) {
		return nil
	}
	idx := r.g.PredIndex(ft.Target, b)

	var actions []Action
	for _, p := range r.g.Phis(ft.Target) {
		if p.SingleValue() != cfg.NoValue {
			continue
		}
		value := p.Inputs[idx]
		if r.opts.MinimizeCopies {
			if !r.isConstant(value) {
				r.trace.Record(value, p.Dest)
			}
			continue
		}
		if e := (edge{b, ft.Target}); !r.copied[e] {
			actions = append(actions, r.copyAction(b, AtExit, p.Dest, value))
		}
	}
	if len(actions) > 0 {
		r.copied[edge{b, ft.Target}] = true
	}
	r.log(ctx, "forward_end", b, actions)
	return actions
}

// ResolveMerge resolves the phis of merge block m.
//
// Description:
//
//	Per phi, in order of preference:
//	  1. every input is the same value (or the phi itself): alias, no
//	     instruction;
//	  2. every predecessor is a loop-exit block: one copy from the single
//	     non-trivial input;
//	  3. copy minimisation and input 0 is already traced or constant: one
//	     merge instruction with every (value, predecessor) pair;
//	  4. otherwise: a copy at the end of every predecessor not yet copied.
//
// Outputs:
//
//   - []Action: The actions, in phi order.
//   - error: ErrPhiKindMismatch, or ErrUnsupportedControlFlow for a
//     loop-exit merge that does not join exactly two edges.
func (r *Resolver) ResolveMerge(ctx context.Context, m cfg.BlockID) ([]Action, error) {
	phis := r.g.Phis(m)
	if len(phis) == 0 {
		return nil, nil
	}

	ctx, span := resolverTracer.Start(ctx, "Resolver.ResolveMerge",
		trace.WithAttributes(
			attribute.Int("block", int(m)),
			attribute.Int("phi_count", len(phis)),
		),
	)
	defer span.End()

	blk := r.g.Block(m)
	loopExitMerge := r.isLoopExitMerge(m)

	var actions []Action
	for _, p := range phis {
		if err := r.checkKinds(p); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}

		if single := p.SingleValue(); single != cfg.NoValue {
			if single != p.Dest {
				actions = append(actions, r.aliasAction(m, AtEntry, p.Dest, single))
				if r.opts.MinimizeCopies {
					r.trace.Record(p.Dest, single)
				}
			}
			continue
		}

		if loopExitMerge {
			if len(blk.Preds) != 2 {
				err := cfg.ValueErrorf(cfg.ErrUnsupportedControlFlow, m, p.Dest,
					"loop-exit merge joins %d edges", len(blk.Preds))
				telemetry.RecordError(span, err)
				return nil, err
			}
			actions = append(actions, r.copyAction(m, AtEntry, p.Dest, loopExitSource(p)))
			continue
		}

		if r.opts.MinimizeCopies && (r.trace.Has(p.Inputs[0]) || r.isConstant(p.Inputs[0])) {
			actions = append(actions, r.mergeAction(m, p.Dest, p.Inputs))
			continue
		}

		for i, pred := range blk.Preds {
			if r.copied[edge{pred, m}] {
				continue
			}
			actions = append(actions, r.copyAction(pred, AtExit, p.Dest, p.Inputs[i]))
		}
	}

	// Copies of case 4 cover every phi on an edge at once.
	for _, a := range actions {
		if a.Kind == ActionCopy && a.Position == AtExit {
			r.copied[edge{a.Block, m}] = true
		}
	}

	r.log(ctx, "merge", m, actions)
	return actions, nil
}

// isLoopExitMerge reports whether every predecessor of m is a loop-exit
// block that falls straight through.
func (r *Resolver) isLoopExitMerge(m cfg.BlockID) bool {
	blk := r.g.Block(m)
	if len(blk.Preds) == 0 {
		return false
	}
	for _, p := range blk.Preds {
		pb := r.g.Block(p)
		if _, ft := pb.Terminator.(*cfg.Fallthrough); !pb.LoopExit || !ft {
			return false
		}
	}
	return true
}

// loopExitSource picks the single input that is not the phi itself;
// input 1 when both qualify.
func loopExitSource(p *cfg.Phi) cfg.ValueID {
	var nontrivial []cfg.ValueID
	for _, in := range p.Inputs {
		if in != p.Dest {
			nontrivial = append(nontrivial, in)
		}
	}
	if len(nontrivial) == 1 {
		return nontrivial[0]
	}
	return p.Inputs[1]
}

// =============================================================================
// Loops
// =============================================================================

// ResolveLoopEntry resolves the forward edge into loop header h. The
// returned actions are placed at the end of the pre-header or at the
// header entry and must be delivered before h is entered.
//
// Description:
//
//	A phi whose back values all equal the forward value (or the phi
//	itself) is loop-invariant: the destination aliases the forward value
//	and back edges are skipped. Otherwise the forward value is aliased
//	(copy minimisation) or copied (no minimisation) before the label; with
//	minimisation a merge instruction after the label carries the forward
//	pair and every back-edge pair.
//
// Outputs:
//
//   - error: ErrPhiKindMismatch, or ErrUnsupportedControlFlow when h has
//     more than one forward predecessor.
func (r *Resolver) ResolveLoopEntry(ctx context.Context, h cfg.BlockID) ([]Action, error) {
	phis := r.g.Phis(h)
	if len(phis) == 0 {
		return nil, nil
	}

	ctx, span := resolverTracer.Start(ctx, "Resolver.ResolveLoopEntry",
		trace.WithAttributes(attribute.Int("header", int(h))),
	)
	defer span.End()

	fwd, err := r.forwardPred(h)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	fwdIdx := r.g.PredIndex(h, fwd)

	var actions []Action
	for _, p := range phis {
		if err := r.checkKinds(p); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		forward := p.Inputs[fwdIdx]

		invariant := true
		for i, in := range p.Inputs {
			if i != fwdIdx && in != p.Dest && in != forward {
				invariant = false
				break
			}
		}

		switch {
		case invariant:
			r.invariant[p.Dest] = true
			actions = append(actions, r.aliasAction(fwd, AtExit, p.Dest, forward))
		case r.opts.MinimizeCopies:
			actions = append(actions,
				r.aliasAction(fwd, AtExit, p.Dest, forward),
				r.mergeAction(h, p.Dest, p.Inputs),
			)
		default:
			actions = append(actions, r.copyAction(fwd, AtExit, p.Dest, forward))
		}
	}

	r.log(ctx, "loop_entry", h, actions)
	return actions, nil
}

// ResolveBackEdges resolves the back edges of loop header h. Call it only
// once every block of the loop body has been walked.
//
// Description:
//
//	Per loop end and non-invariant phi: nothing when the incoming value is
//	the destination itself. Otherwise, without copy minimisation, the value
//	is copied into the destination at the end of the loop end. With
//	minimisation the header merge instruction already carries the value;
//	the forwarding chain is recorded in the Trace and the affected registry
//	entries are reset so they are resolved through it.
func (r *Resolver) ResolveBackEdges(ctx context.Context, h cfg.BlockID) []Action {
	phis := r.g.Phis(h)
	loop := r.g.Loop(h)
	if len(phis) == 0 || loop == nil {
		return nil
	}

	var actions []Action
	for _, end := range loop.Ends {
		idx := r.g.PredIndex(h, end)
		for _, p := range phis {
			if r.invariant[p.Dest] {
				continue
			}
			src := p.Inputs[idx]
			if src == p.Dest {
				continue
			}
			if !r.opts.MinimizeCopies {
				actions = append(actions, r.copyAction(end, AtExit, p.Dest, src))
				continue
			}
			if prev, ok := r.trace.Source(src); ok && prev != cfg.NoValue {
				r.trace.Record(prev, src)
				r.registry.Reserve(prev)
			}
			r.trace.Record(p.Dest, src)
			r.registry.Reserve(src)
		}
	}

	r.log(ctx, "back_edges", h, actions)
	return actions
}

// forwardPred returns the single predecessor of h it does not dominate.
func (r *Resolver) forwardPred(h cfg.BlockID) (cfg.BlockID, error) {
	fwd := cfg.NoBlock
	for _, p := range r.g.Block(h).Preds {
		if r.g.Dominates(h, p) {
			continue
		}
		if fwd != cfg.NoBlock {
			return cfg.NoBlock, cfg.Errorf(cfg.ErrUnsupportedControlFlow, h,
				"loop header %s has more than one forward predecessor", r.g.Block(h))
		}
		fwd = p
	}
	if fwd == cfg.NoBlock {
		return cfg.NoBlock, cfg.Errorf(cfg.ErrUnsupportedControlFlow, h,
			"loop header %s has no forward predecessor", r.g.Block(h))
	}
	return fwd, nil
}

// =============================================================================
// Identifiers
// =============================================================================

// Materialize fills the target identifiers of a.
//
// Description:
//
//	Sources are resolved with Resolve. An alias destination takes its
//	source's identifier; a merge destination gets a fresh identifier from
//	the operand resolver; a
//	copy destination is resolved like any other value. Destinations are
//	bound in the Registry.
func (r *Resolver) Materialize(a *Action) {
	switch a.Kind {
	case ActionAlias:
		a.Src.ID = r.Resolve(a.Src.Value)
		a.Dest.ID = a.Src.ID
		r.registry.Bind(a.Dest.Value, a.Dest.ID)
	case ActionCopy:
		a.Src.ID = r.Resolve(a.Src.Value)
		a.Dest.ID = r.Resolve(a.Dest.Value)
	case ActionMerge:
		// Bind the result first: a back edge may carry the phi itself.
		a.Dest.ID = r.operands.Fresh(a.Dest.Value)
		r.registry.Bind(a.Dest.Value, a.Dest.ID)
		for i := range a.Pairs {
			a.Pairs[i].Value.ID = r.Resolve(a.Pairs[i].Value.Value)
		}
	}
}

// Resolve returns the identifier for v.
//
// Description:
//
//	A materialized registry entry wins. A reserved entry is resolved by
//	following Trace hops until a value with an identifier is found; the
//	walk stops at MaxTraceHops or on a cycle. Otherwise the operand
//	resolver is asked, and as a last resort v gets a fresh identifier.
func (r *Resolver) Resolve(v cfg.ValueID) TargetID {
	if id, ok := r.registry.Materialized(v); ok {
		return id
	}
	if r.registry.Reserved(v) {
		if id, ok := r.followTrace(v); ok {
			r.registry.Bind(v, id)
			return id
		}
	}
	if id, ok := r.operands.Lookup(v); ok {
		r.registry.Bind(v, id)
		return id
	}
	id := r.operands.Fresh(v)
	r.registry.Bind(v, id)
	return id
}

func (r *Resolver) followTrace(v cfg.ValueID) (TargetID, bool) {
	seen := map[cfg.ValueID]bool{v: true}
	cur := v
	for hop := 0; hop < r.opts.MaxTraceHops; hop++ {
		next, ok := r.trace.Source(cur)
		if !ok || next == cfg.NoValue || seen[next] {
			return 0, false
		}
		if id, ok := r.registry.Materialized(next); ok {
			return id, true
		}
		if !r.registry.Reserved(next) {
			if id, ok := r.operands.Lookup(next); ok {
				return id, true
			}
		}
		seen[next] = true
		cur = next
	}
	return 0, false
}

// =============================================================================
// Helpers
// =============================================================================

func (r *Resolver) checkKinds(p *cfg.Phi) error {
	want := r.g.Value(p.Dest).Kind
	for i, in := range p.Inputs {
		if got := r.g.Value(in).Kind; got != want {
			return cfg.ValueErrorf(cfg.ErrPhiKindMismatch, p.Block, p.Dest,
				"input %d (%s) is %s, destination is %s", i, r.g.Value(in).Name, got, want)
		}
	}
	return nil
}

func (r *Resolver) isConstant(v cfg.ValueID) bool {
	val := r.g.Value(v)
	return val != nil && val.Constant
}

func (r *Resolver) aliasAction(b cfg.BlockID, pos Position, dest, src cfg.ValueID) Action {
	r.stats.Aliases++
	return Action{
		Kind: ActionAlias, Block: b, Position: pos,
		Dest: Operand{Value: dest}, Src: Operand{Value: src},
	}
}

func (r *Resolver) copyAction(b cfg.BlockID, pos Position, dest, src cfg.ValueID) Action {
	r.stats.Copies++
	return Action{
		Kind: ActionCopy, Block: b, Position: pos,
		Dest: Operand{Value: dest}, Src: Operand{Value: src},
	}
}

func (r *Resolver) mergeAction(m cfg.BlockID, dest cfg.ValueID, inputs []cfg.ValueID) Action {
	r.stats.Merges++
	preds := r.g.Block(m).Preds
	pairs := make([]Pair, len(inputs))
	for i, in := range inputs {
		pairs[i] = Pair{Value: Operand{Value: in}, Pred: preds[i]}
	}
	r.registry.Reserve(dest)
	r.trace.Record(dest, cfg.NoValue)
	return Action{
		Kind: ActionMerge, Block: m, Position: AtEntry,
		Dest: Operand{Value: dest}, Pairs: pairs,
	}
}

func (r *Resolver) log(ctx context.Context, event string, b cfg.BlockID, actions []Action) {
	if len(actions) == 0 {
		return
	}
	logger := telemetry.LoggerWithTrace(ctx, r.logger)
	for _, a := range actions {
		logger.Debug("phi: action",
			slog.String("event", event),
			slog.Int("block", int(b)),
			slog.String("action", a.String()),
		)
	}
}
