// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cfgio reads method control-flow graphs from YAML.
//
// A file holds one or more methods. Blocks and values are referenced by
// name; the first block is the start block.
//
//	methods:
//	  - name: abs
//	    values:
//	      - {name: x, kind: i32}
//	      - {name: neg, kind: bool}
//	      - {name: y, kind: i32}
//	      - {name: r, kind: i32}
//	    blocks:
//	      - name: Entry
//	        terminator: {if: {cond: neg, true: Flip, false: Done}}
//	      - name: Flip
//	        instructions: [{op: OpSNegate, def: y, uses: [x]}]
//	        terminator: {fallthrough: Done}
//	      - name: Done
//	        phis: [{dest: r, inputs: [x, y]}]
//	        terminator: {return: {value: r}}
//
// Phi inputs follow the block's predecessor order, which is block order
// unless the block lists preds explicitly.
package cfgio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/cfg"
	"github.com/beehive-lab/TornadoVM-sub002/services/structurizer/telemetry"
)

// MaxFileSize is the largest method file accepted (4MB).
const MaxFileSize = 4 * 1024 * 1024

// ErrInvalidDescription is returned for descriptions that do not map to a
// graph: unknown names, missing or ambiguous terminators, bad kinds.
var ErrInvalidDescription = errors.New("invalid method description")

// File is the root of a method file.
type File struct {
	Methods []Method `yaml:"methods"`
}

// Method describes one method.
type Method struct {
	Name   string  `yaml:"name"`
	Values []Value `yaml:"values"`
	Blocks []Block `yaml:"blocks"`
}

// Value declares an SSA value. Const marks a constant with its literal.
type Value struct {
	Name  string  `yaml:"name"`
	Kind  string  `yaml:"kind"`
	Const *string `yaml:"const,omitempty"`
}

// Block describes one basic block.
type Block struct {
	Name         string        `yaml:"name"`
	LoopHeader   bool          `yaml:"loop_header,omitempty"`
	LoopExit     bool          `yaml:"loop_exit,omitempty"`
	Preds        []string      `yaml:"preds,omitempty"`
	Dominated    []string      `yaml:"dominated_order,omitempty"`
	Phis         []Phi         `yaml:"phis,omitempty"`
	Instructions []Instruction `yaml:"instructions,omitempty"`
	Terminator   Terminator    `yaml:"terminator"`
}

// Phi declares dest = phi(inputs...).
type Phi struct {
	Dest   string   `yaml:"dest"`
	Inputs []string `yaml:"inputs"`
}

// Instruction is an opaque selected instruction.
type Instruction struct {
	Op   string   `yaml:"op"`
	Def  string   `yaml:"def,omitempty"`
	Uses []string `yaml:"uses,omitempty"`
}

// Terminator sets exactly one of its fields.
type Terminator struct {
	Fallthrough string  `yaml:"fallthrough,omitempty"`
	If          *If     `yaml:"if,omitempty"`
	Switch      *Switch `yaml:"switch,omitempty"`
	LoopEnd     string  `yaml:"loop_end,omitempty"`
	Return      *Return `yaml:"return,omitempty"`
}

// If is a two-way conditional branch.
type If struct {
	Cond  string `yaml:"cond"`
	True  string `yaml:"true"`
	False string `yaml:"false"`
}

// Switch is a multi-way branch.
type Switch struct {
	Selector string `yaml:"selector"`
	Cases    []Case `yaml:"cases"`
	Default  string `yaml:"default"`
}

// Case is one switch arm.
type Case struct {
	Key    int64  `yaml:"key"`
	Target string `yaml:"target"`
}

// Return leaves the method, optionally with a value.
type Return struct {
	Value string `yaml:"value,omitempty"`
}

// =============================================================================
// Reading
// =============================================================================

// Parse decodes a method file. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrInvalidDescription)
		}
		return nil, fmt.Errorf("decode methods: %w", err)
	}
	if len(f.Methods) == 0 {
		return nil, fmt.Errorf("%w: no methods", ErrInvalidDescription)
	}
	return &f, nil
}

// ReadFile reads and parses the method file at path.
func ReadFile(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrInvalidDescription, path, info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// =============================================================================
// Graph Construction
// =============================================================================

type resolver struct {
	method string
	blocks map[string]cfg.BlockID
	values map[string]cfg.ValueID
}

func (r *resolver) block(name string) (cfg.BlockID, error) {
	id, ok := r.blocks[name]
	if !ok {
		return cfg.NoBlock, fmt.Errorf("%w: method %s: unknown block %q", ErrInvalidDescription, r.method, name)
	}
	return id, nil
}

func (r *resolver) value(name string) (cfg.ValueID, error) {
	id, ok := r.values[name]
	if !ok {
		return cfg.NoValue, fmt.Errorf("%w: method %s: unknown value %q", ErrInvalidDescription, r.method, name)
	}
	return id, nil
}

func (r *resolver) optionalValue(name string) (cfg.ValueID, error) {
	if name == "" {
		return cfg.NoValue, nil
	}
	return r.value(name)
}

func (r *resolver) valueList(names []string) ([]cfg.ValueID, error) {
	out := make([]cfg.ValueID, len(names))
	for i, n := range names {
		id, err := r.value(n)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func (r *resolver) blockList(names []string) ([]cfg.BlockID, error) {
	out := make([]cfg.BlockID, len(names))
	for i, n := range names {
		id, err := r.block(n)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

// Builder translates m into a cfg.Builder ready to Build.
func (m *Method) Builder() (*cfg.Builder, error) {
	if len(m.Blocks) == 0 {
		return nil, fmt.Errorf("%w: method %s has no blocks", ErrInvalidDescription, m.Name)
	}

	b := cfg.NewBuilder(m.Name)
	r := &resolver{
		method: m.Name,
		blocks: make(map[string]cfg.BlockID, len(m.Blocks)),
		values: make(map[string]cfg.ValueID, len(m.Values)),
	}

	for _, v := range m.Values {
		kind, err := cfg.ParseKind(v.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: method %s: value %q: %v", ErrInvalidDescription, m.Name, v.Name, err)
		}
		if _, dup := r.values[v.Name]; dup || v.Name == "" {
			return nil, fmt.Errorf("%w: method %s: duplicate or empty value name %q", ErrInvalidDescription, m.Name, v.Name)
		}
		if v.Const != nil {
			r.values[v.Name] = b.AddConstant(v.Name, kind, *v.Const)
		} else {
			r.values[v.Name] = b.AddValue(v.Name, kind)
		}
	}
	for _, blk := range m.Blocks {
		r.blocks[blk.Name] = b.AddBlock(blk.Name)
	}
	if err := b.Err(); err != nil {
		return nil, err
	}

	for _, blk := range m.Blocks {
		if err := r.fill(b, blk); err != nil {
			return nil, err
		}
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *resolver) fill(b *cfg.Builder, blk Block) error {
	id := r.blocks[blk.Name]

	if blk.LoopHeader {
		b.MarkLoopHeader(id)
	}
	if blk.LoopExit {
		b.MarkLoopExit(id)
	}
	if len(blk.Preds) > 0 {
		preds, err := r.blockList(blk.Preds)
		if err != nil {
			return err
		}
		b.SetPredOrder(id, preds...)
	}
	if len(blk.Dominated) > 0 {
		children, err := r.blockList(blk.Dominated)
		if err != nil {
			return err
		}
		b.SetDominatedOrder(id, children...)
	}

	for _, p := range blk.Phis {
		dest, err := r.value(p.Dest)
		if err != nil {
			return err
		}
		inputs, err := r.valueList(p.Inputs)
		if err != nil {
			return err
		}
		b.AddPhi(id, dest, inputs...)
	}

	for _, in := range blk.Instructions {
		def, err := r.optionalValue(in.Def)
		if err != nil {
			return err
		}
		uses, err := r.valueList(in.Uses)
		if err != nil {
			return err
		}
		b.AddInstruction(id, in.Op, def, uses...)
	}

	term, err := r.terminator(blk)
	if err != nil {
		return err
	}
	b.SetTerminator(id, term)
	return nil
}

func (r *resolver) terminator(blk Block) (cfg.Terminator, error) {
	t := blk.Terminator

	set := 0
	for _, present := range []bool{t.Fallthrough != "", t.If != nil, t.Switch != nil, t.LoopEnd != "", t.Return != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: method %s: block %s needs exactly one terminator, has %d",
			ErrInvalidDescription, r.method, blk.Name, set)
	}

	switch {
	case t.Fallthrough != "":
		target, err := r.block(t.Fallthrough)
		if err != nil {
			return nil, err
		}
		return &cfg.Fallthrough{Target: target}, nil

	case t.If != nil:
		cond, err := r.value(t.If.Cond)
		if err != nil {
			return nil, err
		}
		targets, err := r.blockList([]string{t.If.True, t.If.False})
		if err != nil {
			return nil, err
		}
		return &cfg.If{Cond: cond, True: targets[0], False: targets[1]}, nil

	case t.Switch != nil:
		sel, err := r.value(t.Switch.Selector)
		if err != nil {
			return nil, err
		}
		def, err := r.block(t.Switch.Default)
		if err != nil {
			return nil, err
		}
		sw := &cfg.Switch{Selector: sel, Default: def}
		for _, c := range t.Switch.Cases {
			target, err := r.block(c.Target)
			if err != nil {
				return nil, err
			}
			sw.Keys = append(sw.Keys, c.Key)
			sw.Cases = append(sw.Cases, target)
		}
		return sw, nil

	case t.LoopEnd != "":
		h, err := r.block(t.LoopEnd)
		if err != nil {
			return nil, err
		}
		return &cfg.LoopEnd{Header: h}, nil

	default:
		v, err := r.optionalValue(t.Return.Value)
		if err != nil {
			return nil, err
		}
		return &cfg.Return{Value: v}, nil
	}
}

// Build translates and builds m.
func (m *Method) Build(ctx context.Context, opts cfg.BuildOptions) (*cfg.Graph, error) {
	ctx, span := telemetry.StartSpan(ctx, "structurizer.cfgio", "Method.Build",
		trace.WithAttributes(attribute.String("method", m.Name), attribute.Int("blocks", len(m.Blocks))))
	defer span.End()

	b, err := m.Builder()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	g, err := b.Build(ctx, opts)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("build %s: %w", m.Name, err)
	}
	return g, nil
}
