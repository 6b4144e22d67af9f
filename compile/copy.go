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

package compile

import (
	"context"

	"github.com/pkg/errors"
	"github.com/gx-org/symfn/graph"
	"github.com/gx-org/symfn/link"
)

// CopyOpts controls how a compiled function is duplicated.
type CopyOpts struct {
	// ShareMemory makes the copy reuse the original's storage: the
	// persistent cells of stateful inputs and the cells of intermediate
	// variables are shared by pointer. The two functions then see each
	// other's state and must not run concurrently.
	ShareMemory bool

	// Swap replaces inputs of the copy. Keys identify inputs of the
	// original by their graph variable; values specify the replacement.
	// The replacement type must be interchangeable with the original's.
	Swap map[*graph.Variable]*In

	// DeleteUpdates strips the stateful inputs of their updates: the copy
	// computes the declared outputs only and never writes back state.
	DeleteUpdates bool

	// Name of the copy. Empty keeps the original's name.
	Name string

	// Profile receiving the compile and call time of the copy. Nil keeps
	// the original's profile.
	Profile *Profile
}

// Copy duplicates the function without re-running the rewriter: the already
// rewritten graph is cloned structurally and relinked. By default the copy is
// fully independent, with its own input cells and deep-copied persistent
// state.
func (f *Function) Copy(ctx context.Context, opts CopyOpts) (*Function, error) {
	m := f.maker

	keep := len(m.g.Outputs())
	if opts.DeleteUpdates {
		keep = len(m.outputs)
	}
	newG, equiv, err := m.g.Clone(keep)
	if err != nil {
		return nil, errors.Wrap(err, "cannot clone the function graph")
	}

	ins := make([]*In, len(m.inputs))
	for i, in := range m.inputs {
		cp := in.clone()
		cp.Variable = equiv[in.Variable]
		switch {
		case opts.DeleteUpdates:
			cp.Update = nil
		case cp.Update != nil:
			cp.Update = equiv[in.Update]
		}
		ins[i] = cp
	}

	swapped := make(map[int]bool, len(opts.Swap))
	for oldVar, repl := range opts.Swap {
		r := f.finder.Variable(oldVar)
		if r.Tag != Found {
			return nil, errors.Errorf("cannot swap %s: not an input of %s", oldVar, f.describe())
		}
		if repl == nil || repl.Variable == nil {
			return nil, errors.Errorf("cannot swap %s: no replacement input", oldVar)
		}
		i := r.Index
		oldType := m.inputs[i].Variable.Type()
		if !oldType.InSameClass(repl.Variable.Type()) {
			return nil, errors.Errorf("cannot change the type of input %d (%s): %s is not interchangeable with %s",
				i, m.inputs[i].Name, repl.Variable.Type(), oldType)
		}
		if err := newG.Replace(ins[i].Variable, repl.Variable); err != nil {
			return nil, errors.Wrapf(err, "cannot swap input %d (%s)", i, m.inputs[i].Name)
		}
		newIn := repl.clone()
		if newIn.Name == "" {
			newIn.Name = ins[i].Name
		}
		if !opts.DeleteUpdates && newIn.Update == nil {
			newIn.Update = ins[i].Update
		}
		ins[i] = newIn
		swapped[i] = true
	}

	// An independent copy must not observe the original's persistent state:
	// stateful inputs that were not swapped get their own cell seeded with
	// a copy of the current value.
	if !opts.ShareMemory {
		for i, in := range ins {
			if in.Shared == nil || swapped[i] {
				continue
			}
			c := link.NewContainer(in.Variable.Type())
			c.Implicit = true
			if v := in.Shared.Value(); v != nil {
				if cp, ok := v.(Copier); ok {
					v = cp.DeepCopy()
				}
				c.Store(v)
			}
			in.Shared = c
		}
	}

	outs := make([]*Out, len(m.outputs))
	for i, out := range m.outputs {
		outs[i] = &Out{Variable: newG.Outputs()[i], Borrow: out.Borrow}
	}

	var storageMap map[*graph.Variable]*link.Container
	if opts.ShareMemory {
		if sm, ok := f.thunk.(link.StorageMapper); ok {
			io := map[*graph.Variable]bool{}
			for _, v := range m.g.Inputs() {
				io[v] = true
			}
			for _, v := range m.g.Outputs() {
				io[v] = true
			}
			storageMap = map[*graph.Variable]*link.Container{}
			for v, c := range sm.StorageMap() {
				if io[v] {
					continue
				}
				nv, ok := equiv[v]
				if !ok {
					continue
				}
				storageMap[nv] = c
			}
		}
	}

	name := opts.Name
	if name == "" {
		name = m.name
	}
	profile := opts.Profile
	if profile == nil {
		profile = m.profile
	}
	mopts := []MakerOption{
		WithMode(m.mode),
		WithGraph(newG),
		withSkipPrep(),
		WithAcceptInplace(),
		WithUnusedInputPolicy(UnusedIgnore),
		WithName(name),
		withRawLogger(f.log),
	}
	if profile != nil {
		mopts = append(mopts, WithProfile(profile))
	}
	if m.trustInput {
		mopts = append(mopts, WithTrustInput())
	}
	if m.unpackSingle {
		mopts = append(mopts, WithUnpackSingle())
	}
	if m.outputKeys != nil {
		mopts = append(mopts, WithOutputKeys(m.outputKeys...))
	}
	nm, err := NewMaker(ctx, ins, outs, mopts...)
	if err != nil {
		return nil, errors.Wrap(err, "cannot relink the function copy")
	}
	return nm.create(storageMap)
}
