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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/phi"
)

// =============================================================================
// Test Helpers
// =============================================================================

// recorder logs every emitter call and checks that scopes nest.
type recorder struct {
	t       *testing.T
	events  []string
	entered []string
	scopes  []cfg.BlockID
	actions []phi.Action
	tracker VisitTracker
	failOn  string
}

func newRecorder(t *testing.T) *recorder {
	return &recorder{t: t}
}

func (r *recorder) AttachTracker(vt VisitTracker) { r.tracker = vt }

func (r *recorder) Enter(_ context.Context, b *cfg.Block) error {
	if b.Name == r.failOn {
		return errors.New("boom")
	}
	r.events = append(r.events, "enter "+b.Name)
	r.entered = append(r.entered, b.Name)
	r.scopes = append(r.scopes, b.ID)
	return nil
}

func (r *recorder) Exit(_ context.Context, b *cfg.Block) error {
	require.NotEmpty(r.t, r.scopes, "exit %s without open scope", b.Name)
	top := r.scopes[len(r.scopes)-1]
	require.Equal(r.t, b.ID, top, "exit %s does not close the innermost scope", b.Name)
	r.scopes = r.scopes[:len(r.scopes)-1]
	r.events = append(r.events, "exit "+b.Name)
	return nil
}

func (r *recorder) EmitPhi(_ context.Context, a phi.Action) error {
	r.events = append(r.events, "phi "+a.String())
	r.actions = append(r.actions, a)
	return nil
}

func (r *recorder) indexOf(event string) int {
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

// filterScopes drops phi events.
func filterScopes(events []string) []string {
	var out []string
	for _, e := range events {
		if !strings.HasPrefix(e, "phi ") {
			out = append(out, e)
		}
	}
	return out
}

type operands struct {
	ids  map[cfg.ValueID]phi.TargetID
	next phi.TargetID
}

func newOperands() *operands {
	return &operands{ids: make(map[cfg.ValueID]phi.TargetID)}
}

func (o *operands) Lookup(v cfg.ValueID) (phi.TargetID, bool) {
	id, ok := o.ids[v]
	return id, ok
}

func (o *operands) Fresh(v cfg.ValueID) phi.TargetID {
	o.next++
	o.ids[v] = o.next
	return o.next
}

func build(t *testing.T, b *cfg.Builder) *cfg.Graph {
	t.Helper()
	g, err := b.Build(context.Background(), cfg.DefaultBuildOptions())
	require.NoError(t, err)
	return g
}

func walk(t *testing.T, g *cfg.Graph, opts Options) (*Session, *recorder) {
	t.Helper()
	rec := newRecorder(t)
	s := NewSession(g, rec, newOperands(), opts)
	require.NoError(t, s.Walk(context.Background(), g.Start()))
	require.Empty(t, rec.scopes, "every Enter must be matched by an Exit")
	return s, rec
}

func copyOptions() Options {
	opts := DefaultOptions()
	opts.Phi.MinimizeCopies = false
	return opts
}

// assertWalkInvariants checks totality, uniqueness, dominance order and
// loop nesting.
func assertWalkInvariants(t *testing.T, g *cfg.Graph, s *Session) {
	t.Helper()

	order := s.Order()
	require.Len(t, order, g.Len())

	pos := make(map[cfg.BlockID]int, len(order))
	for i, b := range order {
		_, dup := pos[b]
		require.False(t, dup, "block %s entered twice", g.Block(b))
		pos[b] = i
	}

	for _, b := range g.Blocks() {
		if b.Dominator != cfg.NoBlock {
			assert.Less(t, pos[b.Dominator], pos[b.ID], "%s entered before its dominator", b)
		}
	}

	// Header first, then the body, then the exits that were not forced
	// ahead.
	for _, loop := range g.Loops() {
		last := pos[loop.Header]
		for _, b := range loop.Body {
			assert.Less(t, pos[loop.Header], pos[b], "%s entered before its loop header", g.Block(b))
			last = max(last, pos[b])
		}
		for _, e := range loop.Exits {
			if !s.Rescheduled(e) {
				assert.Greater(t, pos[e], last, "exit %s entered inside its loop body", g.Block(e))
			}
		}
	}

	assert.Len(t, s.VisitedIDs(), g.Len())
}

// =============================================================================
// Scenario Graphs
// =============================================================================

// diamond: Entry -> {Then, Else} -> Merge -> Return, x = phi(a, b).
func diamond(t *testing.T, sameInputs bool) *cfg.Graph {
	t.Helper()

	b := cfg.NewBuilder("diamond")
	entry := b.AddBlock("Entry")
	then := b.AddBlock("Then")
	els := b.AddBlock("Else")
	merge := b.AddBlock("Merge")
	ret := b.AddBlock("Return")

	c := b.AddValue("c", cfg.KindBool)
	a := b.AddValue("a", cfg.KindI32)
	v := b.AddValue("b", cfg.KindI32)
	x := b.AddValue("x", cfg.KindI32)
	b.AddInstruction(then, "OpIAdd", a, c)
	b.AddInstruction(els, "OpISub", v, c)
	if sameInputs {
		b.AddPhi(merge, x, a, a)
	} else {
		b.AddPhi(merge, x, a, v)
	}

	b.SetTerminator(entry, &cfg.If{Cond: c, True: then, False: els})
	b.SetTerminator(then, &cfg.Fallthrough{Target: merge})
	b.SetTerminator(els, &cfg.Fallthrough{Target: merge})
	b.SetTerminator(merge, &cfg.Fallthrough{Target: ret})
	b.SetTerminator(ret, &cfg.Return{Value: x})
	return build(t, b)
}

// countedLoop: Entry -> Header -> {Body -> Header, Exit}, i = phi(i0, i1).
func countedLoop(t *testing.T) *cfg.Graph {
	t.Helper()

	b := cfg.NewBuilder("loop")
	entry := b.AddBlock("Entry")
	header := b.AddBlock("Header")
	body := b.AddBlock("Body")
	exit := b.AddBlock("Exit")

	c := b.AddValue("c", cfg.KindBool)
	i0 := b.AddConstant("i0", cfg.KindI32, "0")
	i := b.AddValue("i", cfg.KindI32)
	i1 := b.AddValue("i1", cfg.KindI32)
	b.AddPhi(header, i, i0, i1)
	b.AddInstruction(body, "OpIAdd", i1, i, i0)

	b.SetTerminator(entry, &cfg.Fallthrough{Target: header})
	b.SetTerminator(header, &cfg.If{Cond: c, True: body, False: exit})
	b.SetTerminator(body, &cfg.LoopEnd{Header: header})
	b.SetTerminator(exit, &cfg.Return{Value: i})
	return build(t, b)
}

// pendingExit: the header's true arm X leaves the loop and falls into
// Merge, which is also reached from the inner exit Y.
//
//	Entry -> H; H: if (X, B); B: if (L, Y); L -> H; X, Y -> Merge.
func pendingExit(t *testing.T) *cfg.Graph {
	t.Helper()

	b := cfg.NewBuilder("pending")
	entry := b.AddBlock("Entry")
	h := b.AddBlock("H")
	x := b.AddBlock("X")
	body := b.AddBlock("B")
	l := b.AddBlock("L")
	y := b.AddBlock("Y")
	m := b.AddBlock("Merge")

	c := b.AddValue("c", cfg.KindBool)
	d := b.AddValue("d", cfg.KindBool)
	b.MarkLoopExit(x)
	b.MarkLoopExit(y)

	b.SetTerminator(entry, &cfg.Fallthrough{Target: h})
	b.SetTerminator(h, &cfg.If{Cond: c, True: x, False: body})
	b.SetTerminator(body, &cfg.If{Cond: d, True: l, False: y})
	b.SetTerminator(l, &cfg.LoopEnd{Header: h})
	b.SetTerminator(x, &cfg.Fallthrough{Target: m})
	b.SetTerminator(y, &cfg.Fallthrough{Target: m})
	b.SetTerminator(m, &cfg.Return{Value: cfg.NoValue})
	return build(t, b)
}

// trueArmFirst: D's false arm F closes the loop and its true arm T leaves
// it into T2. D's children are chained F first.
//
//	Entry -> H -> D; D: if (T, F); F -> H; T -> T2; T2 returns.
func trueArmFirst(t *testing.T) *cfg.Graph {
	t.Helper()

	b := cfg.NewBuilder("true-arm")
	entry := b.AddBlock("Entry")
	h := b.AddBlock("H")
	d := b.AddBlock("D")
	tb := b.AddBlock("T")
	t2 := b.AddBlock("T2")
	f := b.AddBlock("F")

	c := b.AddValue("c", cfg.KindBool)
	b.MarkLoopExit(tb)

	b.SetTerminator(entry, &cfg.Fallthrough{Target: h})
	b.SetTerminator(h, &cfg.Fallthrough{Target: d})
	b.SetTerminator(d, &cfg.If{Cond: c, True: tb, False: f})
	b.SetTerminator(f, &cfg.LoopEnd{Header: h})
	b.SetTerminator(tb, &cfg.Fallthrough{Target: t2})
	b.SetTerminator(t2, &cfg.Return{Value: cfg.NoValue})
	b.SetDominatedOrder(d, f, tb)
	return build(t, b)
}

// nestedLoops: Entry -> H1; H1: if (H2, X); H2: if (B, L1); B -> H2;
// L1 -> H1; X returns.
func nestedLoops(t *testing.T) *cfg.Graph {
	t.Helper()

	b := cfg.NewBuilder("nested")
	entry := b.AddBlock("Entry")
	h1 := b.AddBlock("H1")
	h2 := b.AddBlock("H2")
	body := b.AddBlock("B")
	l1 := b.AddBlock("L1")
	x := b.AddBlock("X")

	c := b.AddValue("c", cfg.KindBool)
	d := b.AddValue("d", cfg.KindBool)

	b.SetTerminator(entry, &cfg.Fallthrough{Target: h1})
	b.SetTerminator(h1, &cfg.If{Cond: c, True: h2, False: x})
	b.SetTerminator(h2, &cfg.If{Cond: d, True: body, False: l1})
	b.SetTerminator(body, &cfg.LoopEnd{Header: h2})
	b.SetTerminator(l1, &cfg.LoopEnd{Header: h1})
	b.SetTerminator(x, &cfg.Return{Value: cfg.NoValue})
	return build(t, b)
}

// loopChain builds n loops in sequence, each exiting into the next header.
func loopChain(tb testing.TB, n int) *cfg.Graph {
	tb.Helper()

	b := cfg.NewBuilder("chain")
	entry := b.AddBlock("Entry")
	c := b.AddValue("c", cfg.KindBool)

	prev := entry
	for k := 0; k < n; k++ {
		h := b.AddBlock(fmt.Sprintf("H%d", k))
		body := b.AddBlock(fmt.Sprintf("B%d", k))
		x := b.AddBlock(fmt.Sprintf("X%d", k))
		b.MarkLoopExit(x)
		b.SetTerminator(prev, &cfg.Fallthrough{Target: h})
		b.SetTerminator(h, &cfg.If{Cond: c, True: body, False: x})
		b.SetTerminator(body, &cfg.LoopEnd{Header: h})
		prev = x
	}
	b.SetTerminator(prev, &cfg.Return{Value: cfg.NoValue})

	g, err := b.Build(context.Background(), cfg.DefaultBuildOptions())
	require.NoError(tb, err)
	return g
}

// =============================================================================
// Walk Order Tests
// =============================================================================

func TestWalk_DiamondOrder(t *testing.T) {
	g := diamond(t, false)
	s, rec := walk(t, g, DefaultOptions())

	assert.Equal(t, []string{"Entry", "Then", "Else", "Merge", "Return"}, rec.entered)
	assertWalkInvariants(t, g, s)

	// Then and Else close before Merge opens.
	assert.Less(t, rec.indexOf("exit Else"), rec.indexOf("enter Merge"))
}

func TestWalk_DiamondMergeInstruction(t *testing.T) {
	g := diamond(t, false)
	_, rec := walk(t, g, DefaultOptions())

	require.Len(t, rec.actions, 1)
	a := rec.actions[0]
	assert.Equal(t, phi.ActionMerge, a.Kind)
	require.Len(t, a.Pairs, 2)
	assert.NotZero(t, a.Dest.ID)
	for _, p := range a.Pairs {
		assert.NotZero(t, p.Value.ID)
	}

	merge, _ := g.Lookup("Merge")
	assert.Equal(t, merge, a.Block)
	assert.Less(t, rec.indexOf("phi "+a.String()), rec.indexOf("enter Merge"))
}

func TestWalk_DiamondEqualInputsAlias(t *testing.T) {
	g := diamond(t, true)
	s, rec := walk(t, g, DefaultOptions())

	require.Len(t, rec.actions, 1)
	assert.Equal(t, phi.ActionAlias, rec.actions[0].Kind)
	assert.Equal(t, rec.actions[0].Src.ID, rec.actions[0].Dest.ID)
	assert.Equal(t, phi.Stats{Aliases: 1}, s.Stats().Phi)
}

func TestWalk_DiamondCopies(t *testing.T) {
	g := diamond(t, false)
	_, rec := walk(t, g, copyOptions())

	require.Len(t, rec.actions, 2)
	then, _ := g.Lookup("Then")
	els, _ := g.Lookup("Else")
	for _, a := range rec.actions {
		assert.Equal(t, phi.ActionCopy, a.Kind)
		assert.Equal(t, phi.AtExit, a.Position)
	}
	assert.Equal(t, then, rec.actions[0].Block)
	assert.Equal(t, els, rec.actions[1].Block)

	// Both copies write the same destination id.
	assert.Equal(t, rec.actions[0].Dest.ID, rec.actions[1].Dest.ID)
}

func TestWalk_LoopOrder(t *testing.T) {
	g := countedLoop(t)
	s, rec := walk(t, g, copyOptions())

	assert.Equal(t, []string{"Entry", "Header", "Body", "Exit"}, rec.entered)
	assertWalkInvariants(t, g, s)

	require.Len(t, rec.actions, 2)
	entryCopy, backCopy := rec.actions[0], rec.actions[1]

	entry, _ := g.Lookup("Entry")
	body, _ := g.Lookup("Body")
	assert.Equal(t, entry, entryCopy.Block)
	assert.Equal(t, body, backCopy.Block)
	assert.Equal(t, entryCopy.Dest.ID, backCopy.Dest.ID)

	assert.Less(t, rec.indexOf("phi "+entryCopy.String()), rec.indexOf("enter Header"))
	assert.Greater(t, rec.indexOf("phi "+backCopy.String()), rec.indexOf("exit Body"))
	assert.Less(t, rec.indexOf("phi "+backCopy.String()), rec.indexOf("exit Header"))
}

func TestWalk_LoopMinimized(t *testing.T) {
	g := countedLoop(t)
	_, rec := walk(t, g, DefaultOptions())

	require.Len(t, rec.actions, 2)
	assert.Equal(t, phi.ActionAlias, rec.actions[0].Kind)
	assert.Equal(t, phi.ActionMerge, rec.actions[1].Kind)

	header, _ := g.Lookup("Header")
	body, _ := g.Lookup("Body")
	merge := rec.actions[1]
	assert.Equal(t, header, merge.Block)
	require.Len(t, merge.Pairs, 2)
	assert.Equal(t, body, merge.Pairs[1].Pred)
	assert.NotZero(t, merge.Pairs[1].Value.ID)
}

func TestWalk_NestedLoops(t *testing.T) {
	g := nestedLoops(t)
	s, rec := walk(t, g, DefaultOptions())

	assert.Equal(t, []string{"Entry", "H1", "H2", "B", "L1", "X"}, rec.entered)
	assertWalkInvariants(t, g, s)
}

func TestWalk_PendingLoopExit(t *testing.T) {
	g := pendingExit(t)
	s, rec := walk(t, g, DefaultOptions())

	assert.Equal(t, []string{"Entry", "H", "B", "L", "Y", "X", "Merge"}, rec.entered)
	assertWalkInvariants(t, g, s)

	x, _ := g.Lookup("X")
	assert.True(t, s.Rescheduled(x))
	assert.Equal(t, 1, s.Stats().PendingReschedules)
	assert.Empty(t, s.Pending())

	// X is entered and exited as a unit before Merge.
	assert.Equal(t, rec.indexOf("enter X")+1, rec.indexOf("exit X"))
	assert.Less(t, rec.indexOf("exit X"), rec.indexOf("enter Merge"))
}

func TestWalk_TrueArmBeforeBackEdge(t *testing.T) {
	g := trueArmFirst(t)
	s, rec := walk(t, g, DefaultOptions())

	assert.Equal(t, []string{"Entry", "H", "D", "T", "T2", "F"}, rec.entered)
	assertWalkInvariants(t, g, s)

	tb, _ := g.Lookup("T")
	assert.True(t, s.Rescheduled(tb))
	assert.Equal(t, 1, s.Stats().TrueBranchReschedules)

	// T's whole subtree is closed before F opens.
	assert.Less(t, rec.indexOf("exit T2"), rec.indexOf("exit T"))
	assert.Less(t, rec.indexOf("exit T"), rec.indexOf("enter F"))
}

func TestWalk_LongChainIsIterative(t *testing.T) {
	const n = 5000

	b := cfg.NewBuilder("straight")
	prev := b.AddBlock("B0")
	for i := 1; i < n; i++ {
		next := b.AddBlock(fmt.Sprintf("B%d", i))
		b.SetTerminator(prev, &cfg.Fallthrough{Target: next})
		prev = next
	}
	b.SetTerminator(prev, &cfg.Return{Value: cfg.NoValue})
	g := build(t, b)

	s, rec := walk(t, g, DefaultOptions())
	assert.Len(t, rec.entered, n)
	assertWalkInvariants(t, g, s)
}

func TestWalk_LoopChain(t *testing.T) {
	g := loopChain(t, 10)
	s, _ := walk(t, g, DefaultOptions())
	assertWalkInvariants(t, g, s)
	assert.Zero(t, s.Stats().PendingReschedules)
}

// =============================================================================
// Rescheduler and Error Tests
// =============================================================================

func TestForceVisit_Idempotent(t *testing.T) {
	g := trueArmFirst(t)
	s, rec := walk(t, g, DefaultOptions())

	before := len(rec.events)
	stats := s.Stats()
	tb, _ := g.Lookup("T")

	require.NoError(t, s.forceVisit(context.Background(), tb, reasonTrueBranch))
	assert.Len(t, rec.events, before)
	assert.Empty(t, s.stack)
	assert.Equal(t, stats, s.Stats())
}

func TestForceVisit_RunsPendingStage(t *testing.T) {
	g := diamond(t, false)
	rec := newRecorder(t)
	s := NewSession(g, rec, newOperands(), DefaultOptions())
	ctx := context.Background()

	then, _ := g.Lookup("Then")
	els, _ := g.Lookup("Else")
	s.pending[els] = then

	require.NoError(t, s.forceVisit(ctx, els, reasonTrueBranch))
	for len(s.stack) > 0 {
		require.NoError(t, s.step(ctx, s.pop()))
	}

	assert.Equal(t, []string{"Then", "Else"}, rec.entered)
	assert.Equal(t, []string{"enter Then", "exit Then", "enter Else", "exit Else"}, filterScopes(rec.events))
	assert.Empty(t, s.Pending())
	assert.True(t, s.Rescheduled(then))
	assert.True(t, s.Rescheduled(els))
	assert.Equal(t, 1, s.Stats().PendingReschedules)
	assert.Equal(t, 1, s.Stats().TrueBranchReschedules)
}

func TestDescend_ReentrantVisit(t *testing.T) {
	g := diamond(t, false)
	s, _ := walk(t, g, DefaultOptions())

	err := s.descend(context.Background(), frame{kind: frameDescend, block: g.Start(), stage: stageEnter})
	assert.True(t, errors.Is(err, cfg.ErrReentrantVisit))
}

func TestWalk_Errors(t *testing.T) {
	t.Run("unknown start", func(t *testing.T) {
		g := diamond(t, false)
		s := NewSession(g, newRecorder(t), newOperands(), DefaultOptions())
		err := s.Walk(context.Background(), cfg.BlockID(99))
		assert.True(t, errors.Is(err, cfg.ErrBlockNotFound))
	})

	t.Run("nil context", func(t *testing.T) {
		g := diamond(t, false)
		s := NewSession(g, newRecorder(t), newOperands(), DefaultOptions())
		//nolint:staticcheck // nil context is the case under test
		assert.Error(t, s.Walk(nil, g.Start()))
	})

	t.Run("cancelled", func(t *testing.T) {
		g := diamond(t, false)
		s := NewSession(g, newRecorder(t), newOperands(), DefaultOptions())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, s.Walk(ctx, g.Start()), context.Canceled)
	})

	t.Run("emitter failure", func(t *testing.T) {
		g := diamond(t, false)
		rec := newRecorder(t)
		rec.failOn = "Merge"
		s := NewSession(g, rec, newOperands(), DefaultOptions())
		err := s.Walk(context.Background(), g.Start())
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "enter Merge"))
	})

	t.Run("phi kind mismatch", func(t *testing.T) {
		b := cfg.NewBuilder("mismatch")
		entry := b.AddBlock("Entry")
		then := b.AddBlock("Then")
		els := b.AddBlock("Else")
		merge := b.AddBlock("Merge")
		c := b.AddValue("c", cfg.KindBool)
		a := b.AddValue("a", cfg.KindI32)
		f := b.AddValue("f", cfg.KindF32)
		x := b.AddValue("x", cfg.KindI32)
		b.AddPhi(merge, x, a, f)
		b.SetTerminator(entry, &cfg.If{Cond: c, True: then, False: els})
		b.SetTerminator(then, &cfg.Fallthrough{Target: merge})
		b.SetTerminator(els, &cfg.Fallthrough{Target: merge})
		b.SetTerminator(merge, &cfg.Return{Value: x})
		g := build(t, b)

		s := NewSession(g, newRecorder(t), newOperands(), DefaultOptions())
		err := s.Walk(context.Background(), g.Start())
		assert.True(t, errors.Is(err, cfg.ErrPhiKindMismatch))
	})
}

func TestSession_TrackerAttached(t *testing.T) {
	g := diamond(t, false)
	s, rec := walk(t, g, DefaultOptions())

	require.NotNil(t, rec.tracker)
	merge, _ := g.Lookup("Merge")
	assert.True(t, rec.tracker.Visited(merge))
	assert.Same(t, s, rec.tracker)
}

// =============================================================================
// Benchmarks
// =============================================================================

type discard struct{}

func (discard) Enter(context.Context, *cfg.Block) error   { return nil }
func (discard) Exit(context.Context, *cfg.Block) error    { return nil }
func (discard) EmitPhi(context.Context, phi.Action) error { return nil }

func BenchmarkWalk_LoopChain(b *testing.B) {
	g := loopChain(b, 256)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := NewSession(g, discard{}, newOperands(), DefaultOptions())
		if err := s.Walk(ctx, g.Start()); err != nil {
			b.Fatal(err)
		}
	}
}
