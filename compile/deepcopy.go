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
	"github.com/pkg/errors"
	"github.com/gx-org/symfn/graph"
	"github.com/gx-org/symfn/link"
)

type (
	// Copier is the value capability required to break aliasing: produce a
	// fresh, independent copy of the value.
	Copier interface {
		DeepCopy() any
	}

	// viewOp marks an output as a zero-cost view of internal storage.
	viewOp struct{}

	// deepCopyOp forces a fresh, independent allocation of its input.
	deepCopyOp struct{}
)

var (
	_ graph.ViewMapper = viewOp{}
	_ link.Performer   = viewOp{}
	_ link.Performer   = deepCopyOp{}
)

// Name implements graph.Op.
func (viewOp) Name() string { return "View" }

// ViewMap declares the output as a view of the input.
func (viewOp) ViewMap() map[int][]int { return map[int][]int{0: {0}} }

// Perform implements link.Performer.
func (viewOp) Perform(inputs []any) ([]any, error) {
	return []any{inputs[0]}, nil
}

// View builds a variable exposing v as a zero-cost view.
func View(v *graph.Variable) *graph.Variable {
	return graph.NewApply(viewOp{}, []*graph.Variable{v}, []graph.Type{v.Type()}).Outputs()[0]
}

// Name implements graph.Op.
func (deepCopyOp) Name() string { return "DeepCopy" }

// Perform implements link.Performer.
func (deepCopyOp) Perform(inputs []any) ([]any, error) {
	c, ok := inputs[0].(Copier)
	if !ok {
		return nil, errors.Errorf("value of type %T cannot be deep-copied", inputs[0])
	}
	return []any{c.DeepCopy()}, nil
}

// DeepCopy builds a variable holding a fresh, independent copy of v.
func DeepCopy(v *graph.Variable) *graph.Variable {
	return graph.NewApply(deepCopyOp{}, []*graph.Variable{v}, []graph.Type{v.Type()}).Outputs()[0]
}

// InsertDeepCopy rewrites the graph so that no two outputs, and no output and
// a surviving input, are backed by the same mutable storage unless both ends
// are explicitly borrow-permitted. Borrow-permitted pairs get a zero-cost
// view marker instead of a copy. The pass is idempotent.
//
// Outputs are processed in declared order. For each output, later-indexed
// outputs are checked first; on the first aliasing hit the output edge is
// patched and the scan moves on. Otherwise the graph inputs are checked,
// skipping inputs updated through their update mechanism (their old storage
// is superseded) and inputs legitimately destroyed in place (aliasing with
// them is the intended semantics). This order is load-bearing: changing it
// changes which aliasing pattern receives a view versus a copy.
func InsertDeepCopy(g *graph.Graph, wrappedInputs []*In, wrappedOutputs []*Out) error {
	if len(wrappedInputs) != len(g.Inputs()) {
		return errors.Errorf("got %d input specs for %d graph inputs", len(wrappedInputs), len(g.Inputs()))
	}
	if len(wrappedOutputs) != len(g.Outputs()) {
		return errors.Errorf("got %d output specs for %d graph outputs", len(wrappedOutputs), len(g.Outputs()))
	}
	updatedInputs := map[*graph.Variable]bool{}
	for i, spec := range wrappedInputs {
		if spec.Update != nil {
			updatedInputs[g.Inputs()[i]] = true
		}
	}
	// Constants are reachable storage too, but are not part of g.Inputs().
	allGraphInputs := graph.Inputs(g.Outputs())

	for i := range g.Outputs() {
		original := g.Outputs()[i]
		root, err := graph.AliasRoot(original)
		if err != nil {
			return err
		}
		viewsOfI := map[*graph.Variable]bool{}
		graph.ViewTreeSet(g, root, viewsOfI)

		copied := false
		for j := i + 1; j < len(g.Outputs()); j++ {
			if !viewsOfI[g.Outputs()[j]] {
				continue
			}
			patch := DeepCopy(original)
			if wrappedOutputs[i].Borrow && wrappedOutputs[j].Borrow {
				patch = View(original)
			}
			if err := g.ChangeOutput(i, patch); err != nil {
				return err
			}
			copied = true
			break
		}
		if copied {
			continue
		}
		for _, inputJ := range allGraphInputs {
			if updatedInputs[inputJ] {
				continue
			}
			if !viewsOfI[inputJ] || g.HasDestroyers([]*graph.Variable{inputJ}) {
				continue
			}
			borrowed := wrappedOutputs[i].Borrow
			if j := inputIndex(g, inputJ); j >= 0 {
				borrowed = borrowed && wrappedInputs[j].Borrow
			}
			patch := DeepCopy(original)
			if borrowed {
				patch = View(original)
			}
			if err := g.ChangeOutput(i, patch); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

func inputIndex(g *graph.Graph, v *graph.Variable) int {
	for i, in := range g.Inputs() {
		if in == v {
			return i
		}
	}
	return -1
}
