// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vm provides the interpreted fallback backend: a linker producing
// thunks that walk the apply nodes of a graph in topological order and call
// the Perform capability of every op over shared storage cells.
package vm

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"github.com/gx-org/symfn/base/iter"
	"github.com/gx-org/symfn/base/ordered"
	"github.com/gx-org/symfn/graph"
	"github.com/gx-org/symfn/link"
)

// Linker links graphs for interpreted execution.
type Linker struct {
	log     *zap.Logger
	allowGC bool
}

var _ link.Linker = (*Linker)(nil)

// New returns an interpreted linker.
func New() *Linker {
	return &Linker{log: zap.NewNop()}
}

// WithLogger sets the logger used by the thunks produced by the linker.
func (l *Linker) WithLogger(log *zap.Logger) {
	l.log = log.With(zap.String("linker", "vm"))
}

// SetAllowGC enables clearing output storage after each call.
func (l *Linker) SetAllowGC(allow bool) { l.allowGC = allow }

// Accept binds the linker to a finalized graph. Every op of the graph must
// implement the Perform capability. Storage cells of the variables listed in
// noRecycling are cleared before every run so that their previous value is
// never recycled into a result the caller already holds.
func (l *Linker) Accept(g *graph.Graph, noRecycling []*graph.Variable) (link.BoundLinker, error) {
	for _, a := range g.Applies() {
		if _, ok := a.Op().(link.Performer); !ok {
			return nil, errors.Errorf("op %s cannot be interpreted: it does not implement Perform", a.Op().Name())
		}
	}
	nr := make(map[*graph.Variable]bool, len(noRecycling))
	for _, v := range noRecycling {
		nr[v] = true
	}
	return &bound{linker: l, graph: g, noRecycling: nr}, nil
}

type bound struct {
	linker      *Linker
	graph       *graph.Graph
	noRecycling map[*graph.Variable]bool
}

// MakeThunk allocates one storage cell per graph variable and returns the
// executable walking the graph over those cells. Cells passed in inputStorage
// and storageMap are reused instead of allocated.
func (b *bound) MakeThunk(inputStorage []*link.Container, storageMap map[*graph.Variable]*link.Container) (link.Thunk, []*link.Container, []*link.Container, error) {
	g := b.graph
	if inputStorage != nil && len(inputStorage) != len(g.Inputs()) {
		return nil, nil, nil, errors.Errorf("got %d input cells for %d graph inputs", len(inputStorage), len(g.Inputs()))
	}
	storage := ordered.NewMap[*graph.Variable, *link.Container]()
	cell := func(v *graph.Variable) *link.Container {
		if c, ok := storage.Load(v); ok {
			return c
		}
		c, ok := storageMap[v]
		if !ok {
			c = link.NewContainer(v.Type())
			if v.IsConst() {
				c.Store(v.ConstValue())
			}
		}
		storage.Store(v, c)
		return c
	}
	inputs := make([]*link.Container, len(g.Inputs()))
	for i, in := range g.Inputs() {
		if inputStorage != nil && inputStorage[i] != nil {
			storage.Store(in, inputStorage[i])
		}
		inputs[i] = cell(in)
	}
	for _, a := range g.Applies() {
		for v := range iter.All(a.Inputs(), a.Outputs()) {
			cell(v)
		}
	}
	outputs := make([]*link.Container, len(g.Outputs()))
	for i, out := range g.Outputs() {
		outputs[i] = cell(out)
	}
	t := &thunk{
		bound:   b,
		log:     b.linker.log,
		storage: storage,
		outputs: outputs,
	}
	return t, inputs, outputs, nil
}

// thunk executes a linked graph over storage cells.
type thunk struct {
	bound   *bound
	log     *zap.Logger
	storage *ordered.Map[*graph.Variable, *link.Container]
	outputs []*link.Container
}

var (
	_ link.Thunk         = (*thunk)(nil)
	_ link.GCAllower     = (*thunk)(nil)
	_ link.StorageMapper = (*thunk)(nil)
	_ link.Freer         = (*thunk)(nil)
)

// Call runs the graph. With a non-nil outputSubset, only the apply nodes
// needed for the requested output positions are executed; the caller is
// responsible for including update outputs in the subset. Results are written
// into the output cells; the returned value list is always nil.
func (t *thunk) Call(ctx context.Context, outputSubset []int) ([]any, error) {
	g := t.bound.graph
	for v := range t.bound.noRecycling {
		if c, ok := t.storage.Load(v); ok {
			c.Clear()
		}
	}
	needed := t.neededApplies(outputSubset)
	for _, a := range g.Applies() {
		if needed != nil && !needed[a] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := t.perform(a); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// neededApplies returns the apply nodes to run for a restricted call,
// or nil when every node must run.
func (t *thunk) neededApplies(outputSubset []int) map[*graph.Apply]bool {
	if outputSubset == nil {
		return nil
	}
	g := t.bound.graph
	targets := make([]*graph.Variable, 0, len(outputSubset))
	for _, i := range outputSubset {
		targets = append(targets, g.Outputs()[i])
	}
	reachable := graph.Ancestors(targets, nil)
	needed := map[*graph.Apply]bool{}
	for _, a := range g.Applies() {
		for _, out := range a.Outputs() {
			if reachable[out] {
				needed[a] = true
				break
			}
		}
	}
	return needed
}

func (t *thunk) perform(a *graph.Apply) error {
	in := make([]any, len(a.Inputs()))
	for i, v := range a.Inputs() {
		c, _ := t.storage.Load(v)
		if c.Value() == nil {
			return t.execError(a, errors.Errorf("storage cell of input %d (%s) is empty", i, v))
		}
		in[i] = c.Value()
	}
	out, err := a.Op().(link.Performer).Perform(in)
	if err != nil {
		return t.execError(a, err)
	}
	if len(out) != len(a.Outputs()) {
		return t.execError(a, errors.Errorf("op returned %d outputs, graph declares %d", len(out), len(a.Outputs())))
	}
	for i, v := range a.Outputs() {
		c, _ := t.storage.Load(v)
		c.Store(out[i])
	}
	return nil
}

// execError annotates an op failure with the node being executed and a
// snapshot of the current storage values.
func (t *thunk) execError(a *graph.Apply, err error) error {
	snapshot := map[*graph.Variable]any{}
	for v, c := range t.storage.Iter() {
		snapshot[v] = c.Value()
	}
	t.log.Debug("execution failed", zap.String("node", a.String()), zap.Error(err))
	return &link.ExecError{Node: a, Storage: snapshot, Err: err}
}

// AllowGC implements link.GCAllower.
func (t *thunk) AllowGC() bool { return t.bound.linker.allowGC }

// StorageMap implements link.StorageMapper.
func (t *thunk) StorageMap() map[*graph.Variable]*link.Container {
	m := make(map[*graph.Variable]*link.Container, t.storage.Size())
	for v, c := range t.storage.Iter() {
		m[v] = c
	}
	return m
}

// Free clears every computed (non-constant, non-input) storage cell.
func (t *thunk) Free() {
	for v, c := range t.storage.Iter() {
		if v.Owner() != nil {
			c.Clear()
		}
	}
}
