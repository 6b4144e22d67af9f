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

package tensor_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/symfn/tensor"
)

func TestFilter(t *testing.T) {
	f32vec, err := tensor.FromSlice([]float32{1, 2}, 2)
	if err != nil {
		t.Fatal(err)
	}
	i32vec, err := tensor.FromSlice([]int32{1, 2}, 2)
	if err != nil {
		t.Fatal(err)
	}
	f64vec, err := tensor.FromSlice([]float64{1.5, 2.5}, 2)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name          string
		typ           *tensor.Type
		value         any
		strict        bool
		allowDowncast bool
		want          []float64
		wantErr       bool
	}{
		{
			name:   "exact match passes strict",
			typ:    tensor.NewType(dtype.Float32, 2),
			value:  f32vec,
			strict: true,
			want:   []float64{1, 2},
		},
		{
			name:    "strict rejects conversion",
			typ:     tensor.NewType(dtype.Float64, 2),
			value:   f32vec,
			strict:  true,
			wantErr: true,
		},
		{
			name:  "go slice is wrapped",
			typ:   tensor.NewType(dtype.Float64, 3),
			value: []float64{1, 2, 3},
			want:  []float64{1, 2, 3},
		},
		{
			name:  "widening cast",
			typ:   tensor.NewType(dtype.Float64, 2),
			value: i32vec,
			want:  []float64{1, 2},
		},
		{
			name:    "downcast rejected by default",
			typ:     tensor.NewType(dtype.Int32, 2),
			value:   f64vec,
			wantErr: true,
		},
		{
			name:          "downcast allowed explicitly",
			typ:           tensor.NewType(dtype.Int32, 2),
			value:         f64vec,
			allowDowncast: true,
			want:          []float64{1, 2},
		},
		{
			name:    "axis lengths mismatch",
			typ:     tensor.NewType(dtype.Float32, 3),
			value:   f32vec,
			wantErr: true,
		},
		{
			name:    "unsupported value",
			typ:     tensor.NewType(dtype.Float32, 2),
			value:   "not a tensor",
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := test.typ.Filter(test.value, test.strict, test.allowDowncast)
			if test.wantErr {
				if err == nil {
					t.Fatalf("Filter(%v) succeeded but should have failed", test.value)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			ten := got.(*tensor.Tensor)
			if ten.Shape().DType != test.typ.DType() {
				t.Fatalf("filtered tensor has data type %s but want %s", ten.Shape().DType, test.typ.DType())
			}
			vals := make([]float64, 0, 4)
			switch test.typ.DType() {
			case dtype.Float32:
				for _, v := range mustFlat[float32](t, ten) {
					vals = append(vals, float64(v))
				}
			case dtype.Float64:
				vals = append(vals, mustFlat[float64](t, ten)...)
			case dtype.Int32:
				for _, v := range mustFlat[int32](t, ten) {
					vals = append(vals, float64(v))
				}
			}
			if diff := cmp.Diff(test.want, vals); diff != "" {
				t.Errorf("unexpected values (-want +got):\n%s", diff)
			}
		})
	}
}

func mustFlat[T dtype.GoDataType](t *testing.T, ten *tensor.Tensor) []T {
	t.Helper()
	vals, err := tensor.Flat[T](ten)
	if err != nil {
		t.Fatal(err)
	}
	return vals
}

func TestInSameClass(t *testing.T) {
	a := tensor.NewType(dtype.Float32, 2, 3)
	b := tensor.NewType(dtype.Float32, 2, 3)
	c := tensor.NewType(dtype.Float32, 3, 2)
	d := tensor.NewType(dtype.Float64, 2, 3)
	if !a.InSameClass(b) {
		t.Error("identical types are not in the same class")
	}
	if a.InSameClass(c) {
		t.Error("types with different axis lengths are in the same class")
	}
	if a.InSameClass(d) {
		t.Error("types with different data types are in the same class")
	}
}

func TestMayShareMemory(t *testing.T) {
	typ := tensor.NewType(dtype.Float32, 2)
	a, err := tensor.FromSlice([]float32{1, 2}, 2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := tensor.FromSlice([]float32{1, 2}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !typ.MayShareMemory(a, a.View()) {
		t.Error("a tensor and its view are not reported as sharing memory")
	}
	if typ.MayShareMemory(a, b) {
		t.Error("independent tensors are reported as sharing memory")
	}
	if typ.MayShareMemory(a, "not a tensor") {
		t.Error("a non-tensor value is reported as sharing memory")
	}
}
