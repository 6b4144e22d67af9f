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

package graph

import "github.com/pkg/errors"

// CloneEquiv clones the computation between inputs and outputs and returns
// the correspondence map from original variables to their clones. Ops are
// shared between the original and the clone: only the node structure is
// duplicated. Constants are cloned shallowly, sharing their value.
func CloneEquiv(inputs, outputs []*Variable) (map[*Variable]*Variable, error) {
	equiv := map[*Variable]*Variable{}
	for _, in := range inputs {
		equiv[in] = cloneVariable(in)
	}
	applies := map[*Apply]*Apply{}
	for _, out := range outputs {
		if err := cloneAncestors(out, equiv, applies); err != nil {
			return nil, err
		}
	}
	return equiv, nil
}

func cloneVariable(v *Variable) *Variable {
	return &Variable{
		typ:        v.typ,
		name:       v.name,
		constValue: v.constValue,
		isConst:    v.isConst,
	}
}

func cloneAncestors(v *Variable, equiv map[*Variable]*Variable, applies map[*Apply]*Apply) error {
	if _, done := equiv[v]; done {
		return nil
	}
	if v.owner == nil {
		equiv[v] = cloneVariable(v)
		return nil
	}
	if _, done := applies[v.owner]; done {
		// The owner was cloned through another output; all its outputs
		// are already in equiv.
		return nil
	}
	for _, in := range v.owner.inputs {
		if err := cloneAncestors(in, equiv, applies); err != nil {
			return err
		}
	}
	a := v.owner
	clone := &Apply{op: a.op}
	clone.inputs = make([]*Variable, len(a.inputs))
	for i, in := range a.inputs {
		clone.inputs[i] = equiv[in]
	}
	clone.outputs = make([]*Variable, len(a.outputs))
	for i, out := range a.outputs {
		cp := cloneVariable(out)
		cp.owner = clone
		cp.index = i
		clone.outputs[i] = cp
		equiv[out] = cp
	}
	applies[a] = clone
	return nil
}

// Clone duplicates the graph through structural correspondence, returning the
// new graph and the map from original variables to their clones. The first
// keepOutputs outputs are preserved; passing len(g.Outputs()) keeps them all.
// Update mappings referring to dropped outputs are dropped with them.
func (g *Graph) Clone(keepOutputs int) (*Graph, map[*Variable]*Variable, error) {
	if keepOutputs < 0 || keepOutputs > len(g.outputs) {
		return nil, nil, errors.Errorf("cannot keep %d outputs: graph has %d", keepOutputs, len(g.outputs))
	}
	outs := g.outputs[:keepOutputs]
	equiv, err := CloneEquiv(g.inputs, outs)
	if err != nil {
		return nil, nil, err
	}
	updateMapping := map[int]int{}
	for out, in := range g.updateMapping {
		if out < keepOutputs {
			updateMapping[out] = in
		}
	}
	clone, err := New(
		replaceAll(equiv, g.inputs),
		replaceAll(equiv, outs),
		WithName(g.name),
		WithUpdateMapping(updateMapping),
	)
	if err != nil {
		return nil, nil, err
	}
	return clone, equiv, nil
}

// Ancestors returns the set of variables reachable backward from vars through
// apply node inputs. The walk does not go past any variable listed in
// blockers; blockers reached by the walk are part of the result.
func Ancestors(vars []*Variable, blockers []*Variable) map[*Variable]bool {
	blocked := map[*Variable]bool{}
	for _, b := range blockers {
		blocked[b] = true
	}
	seen := map[*Variable]bool{}
	var walk func(v *Variable)
	walk = func(v *Variable) {
		if seen[v] {
			return
		}
		seen[v] = true
		if blocked[v] || v.owner == nil {
			return
		}
		for _, in := range v.owner.inputs {
			walk(in)
		}
	}
	for _, v := range vars {
		walk(v)
	}
	return seen
}

// Inputs returns all ownerless variables reachable backward from outputs,
// constants included, in a deterministic first-reached order.
func Inputs(outputs []*Variable) []*Variable {
	var inputs []*Variable
	seen := map[*Variable]bool{}
	var walk func(v *Variable)
	walk = func(v *Variable) {
		if seen[v] {
			return
		}
		seen[v] = true
		if v.owner == nil {
			inputs = append(inputs, v)
			return
		}
		for _, in := range v.owner.inputs {
			walk(in)
		}
	}
	for _, out := range outputs {
		walk(out)
	}
	return inputs
}
