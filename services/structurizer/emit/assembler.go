// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package emit renders a structured walk as a textual listing.
//
// The Assembler implements walker.Emitter. It keeps a lexical scope stack
// that mirrors Enter/Exit, renders each block's instructions when the
// block is entered (so result ids follow emission order), buffers phi
// actions by block and position, and writes the whole method on Listing.
//
// Listing format:
//
//	%Entry = OpLabel
//	      %3 = OpIAdd %1 %2
//	      OpSelectionMerge %Merge None
//	      OpBranchConditional %1 %Then %Else
//
// Loop headers carry "OpLoopMerge %exit %continue None" before their
// branch. Phi merges render as OpPhi, copies as OpStore; aliases produce
// no instruction.
package emit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/phi"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/walker"
)

// ErrScopeMismatch is returned when Exit does not close the innermost open
// block.
var ErrScopeMismatch = errors.New("exit does not match the innermost scope")

const indent = "      "

// Stats counts what the assembler emitted.
type Stats struct {
	Blocks       int `json:"blocks"`
	Instructions int `json:"instructions"`
	Aliases      int `json:"aliases"`
	Copies       int `json:"copies"`
	Merges       int `json:"merges"`

	// BackwardBranches counts fallthrough edges into a block that was
	// already emitted.
	BackwardBranches int `json:"backward_branches"`
}

type blockBuf struct {
	body       []string
	entry      []phi.Action
	exit       []phi.Action
	terminator []string
	entered    bool
}

// Assembler is the reference walker.Emitter.
//
// Thread Safety: NOT safe for concurrent use.
type Assembler struct {
	g       *cfg.Graph
	ops     *Operands
	logger  *slog.Logger
	tracker walker.VisitTracker

	constants []string
	labels    map[cfg.BlockID]string
	scopes    []cfg.BlockID
	blocks    map[cfg.BlockID]*blockBuf
	order     []cfg.BlockID
	stats     Stats
}

// NewAssembler creates an assembler for g and declares its constants.
func NewAssembler(g *cfg.Graph, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assembler{
		g:      g,
		ops:    NewOperands(),
		logger: logger,
		labels: make(map[cfg.BlockID]string),
		blocks: make(map[cfg.BlockID]*blockBuf),
	}
	for _, v := range g.Values() {
		if v.Constant {
			id := a.ops.Define(v.ID)
			a.constants = append(a.constants,
				fmt.Sprintf("%%%d = OpConstant %%%s %s", id, v.Kind, v.Literal))
		}
	}
	return a
}

// Operands returns the id table, which also serves as the session's
// phi.OperandResolver.
func (a *Assembler) Operands() *Operands { return a.ops }

// AttachTracker implements walker.TrackerAware.
func (a *Assembler) AttachTracker(t walker.VisitTracker) { a.tracker = t }

// Label returns the label of b. Repeated calls return the same label.
func (a *Assembler) Label(b cfg.BlockID) string {
	if l, ok := a.labels[b]; ok {
		return l
	}
	l := "%" + a.g.Block(b).String()
	a.labels[b] = l
	return l
}

// Depth returns the number of open scopes.
func (a *Assembler) Depth() int { return len(a.scopes) }

// Stats returns the emission counts.
func (a *Assembler) Stats() Stats { return a.stats }

// Enter opens b's scope and renders its instructions.
func (a *Assembler) Enter(_ context.Context, b *cfg.Block) error {
	buf := a.buf(b.ID)
	if buf.entered {
		return cfg.Errorf(cfg.ErrReentrantVisit, b.ID, "block %s emitted twice", b)
	}
	buf.entered = true

	for _, in := range b.Instructions {
		var sb strings.Builder
		sb.WriteString(indent)
		if in.Def.Valid() {
			fmt.Fprintf(&sb, "%%%d = ", a.ops.Define(in.Def))
		}
		sb.WriteString(in.Op)
		for _, u := range in.Uses {
			fmt.Fprintf(&sb, " %%%d", a.ops.Ref(u))
		}
		buf.body = append(buf.body, sb.String())
	}

	a.scopes = append(a.scopes, b.ID)
	a.order = append(a.order, b.ID)
	a.stats.Blocks++
	a.stats.Instructions += len(b.Instructions)
	return nil
}

// Exit renders b's merge marker and branch and closes its scope.
func (a *Assembler) Exit(_ context.Context, b *cfg.Block) error {
	if len(a.scopes) == 0 || a.scopes[len(a.scopes)-1] != b.ID {
		return fmt.Errorf("exit %s: %w", b, ErrScopeMismatch)
	}
	a.scopes = a.scopes[:len(a.scopes)-1]

	buf := a.buf(b.ID)
	if marker := a.mergeMarker(b); marker != "" {
		buf.terminator = append(buf.terminator, indent+marker)
	}
	branch, err := a.branch(b)
	if err != nil {
		return err
	}
	buf.terminator = append(buf.terminator, indent+branch)
	return nil
}

// EmitPhi buffers action and binds its destination id.
func (a *Assembler) EmitPhi(_ context.Context, act phi.Action) error {
	if a.g.Block(act.Block) == nil {
		return cfg.Errorf(cfg.ErrBlockNotFound, act.Block, "phi action %s", act)
	}

	buf := a.buf(act.Block)
	switch act.Position {
	case phi.AtEntry:
		buf.entry = append(buf.entry, act)
	default:
		buf.exit = append(buf.exit, act)
	}
	a.ops.Bind(act.Dest.Value, act.Dest.ID)

	switch act.Kind {
	case phi.ActionAlias:
		a.stats.Aliases++
	case phi.ActionCopy:
		a.stats.Copies++
	case phi.ActionMerge:
		a.stats.Merges++
	}
	return nil
}

func (a *Assembler) buf(b cfg.BlockID) *blockBuf {
	buf, ok := a.blocks[b]
	if !ok {
		buf = &blockBuf{}
		a.blocks[b] = buf
	}
	return buf
}

// mergeMarker returns the structured-merge declaration for b, if any.
func (a *Assembler) mergeMarker(b *cfg.Block) string {
	if b.LoopHeader {
		loop := a.g.Loop(b.ID)
		if loop == nil {
			return ""
		}
		merge := b.Postdominator
		if len(loop.Exits) > 0 {
			merge = loop.Exits[0]
		}
		if merge == cfg.NoBlock || len(loop.Ends) == 0 {
			return ""
		}
		return fmt.Sprintf("OpLoopMerge %s %s None", a.Label(merge), a.Label(loop.Ends[0]))
	}
	if cfg.IsSplit(b.Terminator) && b.Postdominator != cfg.NoBlock {
		return fmt.Sprintf("OpSelectionMerge %s None", a.Label(b.Postdominator))
	}
	return ""
}

func (a *Assembler) branch(b *cfg.Block) (string, error) {
	switch t := b.Terminator.(type) {
	case *cfg.Fallthrough:
		if a.tracker != nil && a.tracker.Visited(t.Target) && !a.g.Block(t.Target).LoopHeader {
			a.stats.BackwardBranches++
			a.logger.Debug("branch to emitted block",
				slog.String("method", a.g.Name),
				slog.String("from", b.String()),
				slog.String("to", a.g.Block(t.Target).String()))
		}
		return "OpBranch " + a.Label(t.Target), nil
	case *cfg.LoopEnd:
		return "OpBranch " + a.Label(t.Header), nil
	case *cfg.If:
		return fmt.Sprintf("OpBranchConditional %%%d %s %s",
			a.ops.Ref(t.Cond), a.Label(t.True), a.Label(t.False)), nil
	case *cfg.Switch:
		var sb strings.Builder
		fmt.Fprintf(&sb, "OpSwitch %%%d %s", a.ops.Ref(t.Selector), a.Label(t.Default))
		for i, k := range t.Keys {
			fmt.Fprintf(&sb, " %d %s", k, a.Label(t.Cases[i]))
		}
		return sb.String(), nil
	case *cfg.Return:
		if t.Value.Valid() {
			return fmt.Sprintf("OpReturnValue %%%d", a.ops.Ref(t.Value)), nil
		}
		return "OpReturn", nil
	default:
		return "", cfg.Errorf(cfg.ErrUnsupportedControlFlow, b.ID,
			"terminator %s", cfg.TerminatorName(b.Terminator))
	}
}

func (a *Assembler) renderAction(act phi.Action) string {
	switch act.Kind {
	case phi.ActionCopy:
		return fmt.Sprintf("%sOpStore %%%d %%%d", indent, act.Dest.ID, act.Src.ID)
	case phi.ActionMerge:
		var sb strings.Builder
		kind := cfg.KindInvalid
		if v := a.g.Value(act.Dest.Value); v != nil {
			kind = v.Kind
		}
		fmt.Fprintf(&sb, "%s%%%d = OpPhi %%%s", indent, act.Dest.ID, kind)
		for _, p := range act.Pairs {
			fmt.Fprintf(&sb, " %%%d %s", p.Value.ID, a.Label(p.Pred))
		}
		return sb.String()
	default:
		return ""
	}
}

// BlockListing is the rendered text of one block.
type BlockListing struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

// Blocks returns the rendered blocks in emission order.
func (a *Assembler) Blocks() []BlockListing {
	out := make([]BlockListing, 0, len(a.order))
	for _, id := range a.order {
		buf := a.blocks[id]
		lines := []string{a.Label(id) + " = OpLabel"}
		for _, act := range buf.entry {
			if l := a.renderAction(act); l != "" {
				lines = append(lines, l)
			}
		}
		lines = append(lines, buf.body...)
		for _, act := range buf.exit {
			if l := a.renderAction(act); l != "" {
				lines = append(lines, l)
			}
		}
		lines = append(lines, buf.terminator...)
		out = append(out, BlockListing{Name: a.g.Block(id).String(), Lines: lines})
	}
	return out
}

// Listing renders the method.
func (a *Assembler) Listing() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; method %s\n", a.g.Name)
	for _, c := range a.constants {
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	for _, bl := range a.Blocks() {
		for _, l := range bl.Lines {
			sb.WriteString(l)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
