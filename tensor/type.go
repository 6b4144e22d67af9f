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
	"slices"

	"github.com/pkg/errors"
	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/backend/shape"
	"github.com/gx-org/symfn/graph"
)

// Type is the tensor implementation of the value contract attached to graph
// variables: a fixed data type and fixed axis lengths.
type Type struct {
	sh shape.Shape
}

var (
	_ graph.Type         = (*Type)(nil)
	_ graph.MemorySharer = (*Type)(nil)
)

// NewType returns the type of tensors with the given data type and axis lengths.
func NewType(dt dtype.DataType, dims ...int) *Type {
	return &Type{sh: shape.Shape{DType: dt, AxisLengths: dims}}
}

// TypeOf returns the type of a tensor.
func TypeOf(t *Tensor) *Type {
	return NewType(t.sh.DType, t.sh.AxisLengths...)
}

// Variable returns a new graph variable of this type.
func (t *Type) Variable(name string) *graph.Variable {
	return graph.NewVariable(t, name)
}

// Const returns a graph constant holding a tensor.
func Const(val *Tensor, name string) *graph.Variable {
	return graph.NewConstant(TypeOf(val), val, name)
}

// DType of the tensors of this type.
func (t *Type) DType() dtype.DataType { return t.sh.DType }

// AxisLengths of the tensors of this type.
func (t *Type) AxisLengths() []int { return t.sh.AxisLengths }

// String returns the shape of the type.
func (t *Type) String() string { return t.sh.String() }

// InSameClass reports whether two types are interchangeable.
func (t *Type) InSameClass(other graph.Type) bool {
	o, ok := other.(*Type)
	if !ok {
		return false
	}
	return t.sh.DType == o.sh.DType && slices.Equal(t.sh.AxisLengths, o.sh.AxisLengths)
}

// IsSuper reports whether values of the other type are always acceptable here.
// Tensor types carry fixed shapes, so this coincides with interchangeability.
func (t *Type) IsSuper(other graph.Type) bool {
	return t.InSameClass(other)
}

// MayShareMemory reports whether two runtime values are tensors backed by
// overlapping buffers.
func (t *Type) MayShareMemory(a, b any) bool {
	ta, ok := a.(*Tensor)
	if !ok {
		return false
	}
	tb, ok := b.(*Tensor)
	if !ok {
		return false
	}
	return Overlap(ta, tb)
}

// Filter coerces a raw value into a tensor acceptable for this type.
//
// In strict mode only a tensor with the exact data type and axis lengths is
// accepted. Otherwise Go slices and scalars are wrapped, and tensors of a
// different data type are cast: widening casts are always permitted,
// precision-losing casts only with allowDowncast.
func (t *Type) Filter(value any, strict bool, allowDowncast bool) (any, error) {
	ten, isTensor := value.(*Tensor)
	if isTensor && ten.sh.DType == t.sh.DType && slices.Equal(ten.sh.AxisLengths, t.sh.AxisLengths) {
		return ten, nil
	}
	if strict {
		return nil, errors.Errorf("expected a %s tensor, got %v (strict mode disables conversions)", t, value)
	}
	if !isTensor {
		var err error
		ten, err = wrapGoValue(value)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot use %T as a %s tensor", value, t)
		}
	}
	if !slices.Equal(ten.sh.AxisLengths, t.sh.AxisLengths) {
		return nil, errors.Errorf("cannot use tensor with axis lengths %v where %s is expected", ten.sh.AxisLengths, t)
	}
	if ten.sh.DType == t.sh.DType {
		return ten, nil
	}
	if !castSafe(ten.sh.DType, t.sh.DType) && !allowDowncast {
		return nil, errors.Errorf("casting %s to %s loses precision: rejected without allow-downcast", ten.sh.DType, t.sh.DType)
	}
	return convertTensor(ten, t.sh.DType)
}

func wrapGoValue(value any) (*Tensor, error) {
	switch v := value.(type) {
	case []float32:
		return FromSlice(v, len(v))
	case []float64:
		return FromSlice(v, len(v))
	case []int32:
		return FromSlice(v, len(v))
	case []int64:
		return FromSlice(v, len(v))
	case float32:
		return Scalar(v), nil
	case float64:
		return Scalar(v), nil
	case int:
		return Scalar(int64(v)), nil
	case int32:
		return Scalar(v), nil
	case int64:
		return Scalar(v), nil
	}
	return nil, errors.Errorf("unsupported value type %T", value)
}

// castSafe reports whether converting from one data type to another never
// loses precision.
func castSafe(from, to dtype.DataType) bool {
	if from == to {
		return true
	}
	switch from {
	case dtype.Float32:
		return to == dtype.Float64
	case dtype.Int32:
		return to == dtype.Int64 || to == dtype.Float64
	case dtype.Uint32:
		return to == dtype.Uint64 || to == dtype.Int64 || to == dtype.Float64
	}
	return false
}

// number restricts dtype.GoDataType to the types supporting numeric conversion.
type number interface {
	dtype.GoDataType
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func convertTensor(t *Tensor, dt dtype.DataType) (*Tensor, error) {
	switch dt {
	case dtype.Float32:
		return convertTo[float32](t)
	case dtype.Float64:
		return convertTo[float64](t)
	case dtype.Int32:
		return convertTo[int32](t)
	case dtype.Int64:
		return convertTo[int64](t)
	case dtype.Uint32:
		return convertTo[uint32](t)
	case dtype.Uint64:
		return convertTo[uint64](t)
	}
	return nil, errors.Errorf("unsupported target data type %s", dt)
}

func convertTo[T number](t *Tensor) (*Tensor, error) {
	switch t.sh.DType {
	case dtype.Float32:
		return fromConverted[float32, T](t)
	case dtype.Float64:
		return fromConverted[float64, T](t)
	case dtype.Int32:
		return fromConverted[int32, T](t)
	case dtype.Int64:
		return fromConverted[int64, T](t)
	case dtype.Uint32:
		return fromConverted[uint32, T](t)
	case dtype.Uint64:
		return fromConverted[uint64, T](t)
	}
	return nil, errors.Errorf("unsupported source data type %s", t.sh.DType)
}

func fromConverted[F, T number](t *Tensor) (*Tensor, error) {
	src := dtype.ToSlice[F](t.data)
	out := make([]T, len(src))
	for i, v := range src {
		out[i] = T(v)
	}
	return FromSlice(out, t.sh.AxisLengths...)
}
