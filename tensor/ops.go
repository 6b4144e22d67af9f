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

package tensor

import (
	"github.com/pkg/errors"
	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/symfn/graph"
	"github.com/gx-org/symfn/link"
)

type (
	addOp struct {
		inplace bool
	}

	negOp struct{}

	// aliasOp returns its input unchanged, declaring the output as a view.
	aliasOp struct{}
)

var (
	_ link.Performer     = addOp{}
	_ graph.DestroyMapper = addOp{}
	_ link.Performer     = negOp{}
	_ link.Performer     = aliasOp{}
	_ graph.ViewMapper   = aliasOp{}
)

// Name implements graph.Op.
func (o addOp) Name() string {
	if o.inplace {
		return "AddInplace"
	}
	return "Add"
}

// DestroyMap declares that the in-place variant overwrites its first input.
func (o addOp) DestroyMap() map[int][]int {
	if !o.inplace {
		return nil
	}
	return map[int][]int{0: {0}}
}

// Perform implements link.Performer.
func (o addOp) Perform(inputs []any) ([]any, error) {
	x, y, err := binaryArgs(inputs)
	if err != nil {
		return nil, err
	}
	dst := x
	if !o.inplace {
		dst = x.Clone()
	}
	if err := addInto(dst, y); err != nil {
		return nil, err
	}
	return []any{dst}, nil
}

// Add builds the variable holding the elementwise sum of x and y.
func Add(x, y *graph.Variable) *graph.Variable {
	return graph.NewApply(addOp{}, []*graph.Variable{x, y}, []graph.Type{x.Type()}).Outputs()[0]
}

// AddInplace builds the sum of x and y computed by overwriting the storage of x.
func AddInplace(x, y *graph.Variable) *graph.Variable {
	return graph.NewApply(addOp{inplace: true}, []*graph.Variable{x, y}, []graph.Type{x.Type()}).Outputs()[0]
}

// Name implements graph.Op.
func (negOp) Name() string { return "Neg" }

// Perform implements link.Performer.
func (negOp) Perform(inputs []any) ([]any, error) {
	x, ok := inputs[0].(*Tensor)
	if !ok {
		return nil, errors.Errorf("Neg expects a tensor, got %T", inputs[0])
	}
	out := x.Clone()
	if err := negInto(out); err != nil {
		return nil, err
	}
	return []any{out}, nil
}

// Neg builds the variable holding the elementwise negation of x.
func Neg(x *graph.Variable) *graph.Variable {
	return graph.NewApply(negOp{}, []*graph.Variable{x}, []graph.Type{x.Type()}).Outputs()[0]
}

// Name implements graph.Op.
func (aliasOp) Name() string { return "Alias" }

// ViewMap declares the output as a view of the input.
func (aliasOp) ViewMap() map[int][]int { return map[int][]int{0: {0}} }

// Perform implements link.Performer.
func (aliasOp) Perform(inputs []any) ([]any, error) {
	x, ok := inputs[0].(*Tensor)
	if !ok {
		return nil, errors.Errorf("Alias expects a tensor, got %T", inputs[0])
	}
	return []any{x.View()}, nil
}

// Alias builds a variable sharing the storage of x without owning it.
func Alias(x *graph.Variable) *graph.Variable {
	return graph.NewApply(aliasOp{}, []*graph.Variable{x}, []graph.Type{x.Type()}).Outputs()[0]
}

func binaryArgs(inputs []any) (*Tensor, *Tensor, error) {
	if len(inputs) != 2 {
		return nil, nil, errors.Errorf("expected 2 inputs, got %d", len(inputs))
	}
	x, ok := inputs[0].(*Tensor)
	if !ok {
		return nil, nil, errors.Errorf("expected a tensor, got %T", inputs[0])
	}
	y, ok := inputs[1].(*Tensor)
	if !ok {
		return nil, nil, errors.Errorf("expected a tensor, got %T", inputs[1])
	}
	if x.sh.DType != y.sh.DType || x.sh.Size() != y.sh.Size() {
		return nil, nil, errors.Errorf("shape mismatch: %s and %s", x, y)
	}
	return x, y, nil
}

func addInto(dst, src *Tensor) error {
	switch dst.sh.DType {
	case dtype.Float32:
		return addFlat[float32](dst, src)
	case dtype.Float64:
		return addFlat[float64](dst, src)
	case dtype.Int32:
		return addFlat[int32](dst, src)
	case dtype.Int64:
		return addFlat[int64](dst, src)
	case dtype.Uint32:
		return addFlat[uint32](dst, src)
	case dtype.Uint64:
		return addFlat[uint64](dst, src)
	}
	return errors.Errorf("unsupported data type %s", dst.sh.DType)
}

func addFlat[T number](dst, src *Tensor) error {
	d := dtype.ToSlice[T](dst.data)
	s := dtype.ToSlice[T](src.data)
	for i := range d {
		d[i] += s[i]
	}
	return nil
}

func negInto(dst *Tensor) error {
	switch dst.sh.DType {
	case dtype.Float32:
		return negFlat[float32](dst)
	case dtype.Float64:
		return negFlat[float64](dst)
	case dtype.Int32:
		return negFlat[int32](dst)
	case dtype.Int64:
		return negFlat[int64](dst)
	}
	return errors.Errorf("unsupported data type %s", dst.sh.DType)
}

func negFlat[T interface {
	dtype.GoDataType
	~int32 | ~int64 | ~float32 | ~float64
}](dst *Tensor) error {
	d := dtype.ToSlice[T](dst.data)
	for i := range d {
		d[i] = -d[i]
	}
	return nil
}
