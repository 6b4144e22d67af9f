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

// Package tensor provides dense host tensors and the reference implementation
// of the value-filter contract consumed by the compilation pipeline.
//
// A tensor is a flat byte buffer with a shape. Buffers are shared, not
// owned: constructing a tensor from a Go slice aliases the slice memory, and
// views share the buffer of the tensor they are a view of. This is what makes
// the aliasing analysis of the compile package observable from tests.
package tensor

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/backend/shape"
)

// Tensor is a multi-dimensional array stored on the host.
type Tensor struct {
	sh   shape.Shape
	data []byte
}

// FromSlice wraps a Go slice into a tensor. The tensor aliases the slice
// memory: writing through one is visible through the other.
func FromSlice[T dtype.GoDataType](vals []T, dims ...int) (*Tensor, error) {
	sh := shape.Shape{DType: dtype.Generic[T](), AxisLengths: dims}
	if sh.Size() != len(vals) {
		return nil, errors.Errorf("cannot build a %v tensor from %d values", sh.AxisLengths, len(vals))
	}
	var data []byte
	if len(vals) > 0 {
		ptr := unsafe.Pointer(&vals[0])
		data = unsafe.Slice((*byte)(ptr), len(vals)*dtype.Sizeof(sh.DType))
	}
	return &Tensor{sh: sh, data: data}, nil
}

// Scalar returns an atomic tensor holding a single value.
func Scalar[T dtype.GoDataType](val T) *Tensor {
	t, _ := FromSlice([]T{val})
	return t
}

// Zeros returns a zero-filled tensor of a given data type and axis lengths.
func Zeros(dt dtype.DataType, dims ...int) *Tensor {
	sh := shape.Shape{DType: dt, AxisLengths: dims}
	return &Tensor{sh: sh, data: make([]byte, sh.Size()*dtype.Sizeof(dt))}
}

// Shape of the tensor.
func (t *Tensor) Shape() *shape.Shape { return &t.sh }

// Buffer returns the raw bytes backing the tensor.
func (t *Tensor) Buffer() []byte { return t.data }

// Flat returns the values of the tensor as a typed slice aliasing the buffer.
func Flat[T dtype.GoDataType](t *Tensor) ([]T, error) {
	if got := dtype.Generic[T](); got != t.sh.DType {
		return nil, errors.Errorf("cannot read %s tensor as %s", t.sh.DType, got)
	}
	return dtype.ToSlice[T](t.data), nil
}

// Clone returns a tensor with the same shape and an independent copy of the buffer.
func (t *Tensor) Clone() *Tensor {
	data := make([]byte, len(t.data))
	copy(data, t.data)
	return &Tensor{sh: t.sh, data: data}
}

// DeepCopy implements the copy capability used by defensive-copy insertion.
func (t *Tensor) DeepCopy() any { return t.Clone() }

// View returns a tensor sharing this tensor's buffer.
func (t *Tensor) View() *Tensor {
	return &Tensor{sh: t.sh, data: t.data}
}

// String returns the shape of the tensor.
func (t *Tensor) String() string { return t.sh.String() }

// Overlap reports whether the buffers of two tensors share memory.
func Overlap(a, b *Tensor) bool {
	if len(a.data) == 0 || len(b.data) == 0 {
		return false
	}
	aStart := uintptr(unsafe.Pointer(unsafe.SliceData(a.data)))
	bStart := uintptr(unsafe.Pointer(unsafe.SliceData(b.data)))
	aEnd := aStart + uintptr(len(a.data))
	bEnd := bStart + uintptr(len(b.data))
	return aStart < bEnd && bStart < aEnd
}
