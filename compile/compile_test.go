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

package compile_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/symfn/compile"
	"github.com/gx-org/symfn/graph"
	"github.com/gx-org/symfn/link"
	"github.com/gx-org/symfn/tensor"
)

var f32vec2 = tensor.NewType(dtype.Float32, 2)

func vector(t *testing.T, vals ...float32) *tensor.Tensor {
	t.Helper()
	ten, err := tensor.FromSlice(vals, len(vals))
	if err != nil {
		t.Fatal(err)
	}
	return ten
}

func tensorValues(t *testing.T, value any) []float32 {
	t.Helper()
	ten, ok := value.(*tensor.Tensor)
	if !ok {
		t.Fatalf("value is %T, want a tensor", value)
	}
	vals, err := tensor.Flat[float32](ten)
	if err != nil {
		t.Fatal(err)
	}
	return vals
}

func checkResult(t *testing.T, result any, pos int, want ...float32) {
	t.Helper()
	list, ok := result.([]any)
	if !ok {
		t.Fatalf("call returned %T, want a value list", result)
	}
	if pos >= len(list) {
		t.Fatalf("call returned %d values, want at least %d", len(list), pos+1)
	}
	if diff := cmp.Diff(want, tensorValues(t, list[pos])); diff != "" {
		t.Errorf("unexpected result %d (-want +got):\n%s", pos, diff)
	}
}

// newAccumulator compiles a function over a stateful input: each call adds
// its argument into the persistent state.
func newAccumulator(t *testing.T, opts ...compile.MakerOption) *compile.Function {
	t.Helper()
	x := f32vec2.Variable("x")
	state := f32vec2.Variable("state")
	cell := link.NewContainer(f32vec2)
	cell.Store(vector(t, 0, 0))
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{
			compile.NewIn(x),
			compile.NewShared(state, cell, tensor.Add(state, x)),
		},
		nil,
		opts...,
	)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func stateValues(t *testing.T, f *compile.Function) []float32 {
	t.Helper()
	cells := f.SharedStorage()
	if len(cells) != 1 {
		t.Fatalf("function has %d shared cells, want 1", len(cells))
	}
	return tensorValues(t, cells[0].Value())
}

func TestCallAdd(t *testing.T) {
	x := f32vec2.Variable("x")
	y := f32vec2.Variable("y")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x), compile.NewIn(y)},
		[]*compile.Out{compile.NewOut(tensor.Add(x, y))},
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.Call(context.Background(), vector(t, 1, 2), vector(t, 10, 20))
	if err != nil {
		t.Fatal(err)
	}
	checkResult(t, result, 0, 11, 22)
}

func TestCallNamedArguments(t *testing.T) {
	x := f32vec2.Variable("x")
	y := f32vec2.Variable("y")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x), compile.NewIn(y)},
		[]*compile.Out{compile.NewOut(tensor.Add(x, tensor.Neg(y)))},
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.CallOpts(context.Background(), compile.CallOpts{
		Named: map[string]any{"y": vector(t, 1, 2), "x": vector(t, 10, 20)},
	})
	if err != nil {
		t.Fatal(err)
	}
	checkResult(t, result, 0, 9, 18)
}

func TestMissingRequiredInputThenRecover(t *testing.T) {
	x := f32vec2.Variable("x")
	y := f32vec2.Variable("y")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x), compile.NewIn(y)},
		[]*compile.Out{compile.NewOut(tensor.Add(x, y))},
	)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Call(context.Background(), vector(t, 1, 2))
	if err == nil || !strings.Contains(err.Error(), "missing required input") {
		t.Fatalf("call with a missing input returned %v but want a missing-input error", err)
	}
	// The failed call must not leave the function unusable.
	result, err := f.Call(context.Background(), vector(t, 1, 2), vector(t, 3, 4))
	if err != nil {
		t.Fatal(err)
	}
	checkResult(t, result, 0, 4, 6)
}

func TestDefaultValueRefed(t *testing.T) {
	x := f32vec2.Variable("x")
	y := f32vec2.Variable("y")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{
			compile.NewIn(x),
			{Variable: y, Name: "y", Value: vector(t, 10, 20)},
		},
		[]*compile.Out{compile.NewOut(tensor.Add(x, y))},
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.Call(context.Background(), vector(t, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	checkResult(t, result, 0, 11, 22)

	result, err = f.Call(context.Background(), vector(t, 1, 2), vector(t, 100, 200))
	if err != nil {
		t.Fatal(err)
	}
	checkResult(t, result, 0, 101, 202)

	// The explicit value above must not stick: the default is refed.
	result, err = f.Call(context.Background(), vector(t, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	checkResult(t, result, 0, 11, 22)
}

func TestTooManyArguments(t *testing.T) {
	x := f32vec2.Variable("x")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x)},
		[]*compile.Out{compile.NewOut(tensor.Neg(x))},
	)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Call(context.Background(), vector(t, 1, 2), vector(t, 3, 4))
	if err == nil || !strings.Contains(err.Error(), "at most") {
		t.Errorf("call with too many arguments returned %v but want an arity error", err)
	}
}

func TestDuplicateArgument(t *testing.T) {
	x := f32vec2.Variable("x")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x)},
		[]*compile.Out{compile.NewOut(tensor.Neg(x))},
	)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.CallOpts(context.Background(), compile.CallOpts{
		Args:  []any{vector(t, 1, 2)},
		Named: map[string]any{"x": vector(t, 3, 4)},
	})
	if err == nil || !strings.Contains(err.Error(), "provided 2 times") {
		t.Errorf("duplicate argument returned %v but want a duplicate error", err)
	}
}

func TestUnknownArgumentName(t *testing.T) {
	x := f32vec2.Variable("x")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x)},
		[]*compile.Out{compile.NewOut(tensor.Neg(x))},
	)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.CallOpts(context.Background(), compile.CallOpts{
		Named: map[string]any{"z": vector(t, 1, 2)},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown argument name") {
		t.Errorf("unknown name returned %v but want an unknown-name error", err)
	}
}

func TestAmbiguousArgumentName(t *testing.T) {
	x := f32vec2.Variable("v")
	y := f32vec2.Variable("v")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x), compile.NewIn(y)},
		[]*compile.Out{compile.NewOut(tensor.Add(x, y))},
	)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.CallOpts(context.Background(), compile.CallOpts{
		Args:  []any{vector(t, 1, 2)},
		Named: map[string]any{"v": vector(t, 3, 4)},
	})
	if err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("ambiguous name returned %v but want an ambiguity error", err)
	}
}

func TestImplicitInputCannotBeFed(t *testing.T) {
	f := newAccumulator(t)
	_, err := f.Call(context.Background(), vector(t, 1, 1), vector(t, 9, 9))
	if err == nil || !strings.Contains(err.Error(), "shared storage") {
		t.Fatalf("feeding the implicit input returned %v but want an implicit-input error", err)
	}
	if diff := cmp.Diff([]float32{0, 0}, stateValues(t, f)); diff != "" {
		t.Errorf("failed call corrupted the persistent state (-want +got):\n%s", diff)
	}
}

func TestStatefulUpdates(t *testing.T) {
	f := newAccumulator(t)
	for i := 1; i <= 3; i++ {
		result, err := f.Call(context.Background(), vector(t, 1, 2))
		if err != nil {
			t.Fatal(err)
		}
		if result != nil {
			t.Fatalf("function without declared outputs returned %v", result)
		}
		want := []float32{float32(i), float32(2 * i)}
		if diff := cmp.Diff(want, stateValues(t, f)); diff != "" {
			t.Errorf("state after call %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestOutputSubsetStillUpdates(t *testing.T) {
	x := f32vec2.Variable("x")
	state := f32vec2.Variable("state")
	cell := link.NewContainer(f32vec2)
	cell.Store(vector(t, 0, 0))
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{
			compile.NewIn(x),
			compile.NewShared(state, cell, tensor.Add(state, x)),
		},
		[]*compile.Out{
			compile.NewOut(tensor.Neg(x)),
			compile.NewOut(tensor.Add(x, x)),
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.CallOpts(context.Background(), compile.CallOpts{
		Args:         []any{vector(t, 1, 2)},
		OutputSubset: []int{1},
	})
	if err != nil {
		t.Fatal(err)
	}
	checkResult(t, result, 0, 2, 4)
	if list := result.([]any); len(list) != 1 {
		t.Errorf("subset call returned %d values but want 1", len(list))
	}
	// The update is computed even though it is not in the subset.
	if diff := cmp.Diff([]float32{1, 2}, stateValues(t, f)); diff != "" {
		t.Errorf("state after subset call (-want +got):\n%s", diff)
	}
}

func TestOutputKeys(t *testing.T) {
	x := f32vec2.Variable("x")
	y := f32vec2.Variable("y")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x), compile.NewIn(y)},
		[]*compile.Out{
			compile.NewOut(tensor.Add(x, y)),
			compile.NewOut(tensor.Neg(x)),
		},
		compile.WithOutputKeys("sum", "negated"),
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.Call(context.Background(), vector(t, 1, 2), vector(t, 10, 20))
	if err != nil {
		t.Fatal(err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("call returned %T, want a name-keyed map", result)
	}
	if diff := cmp.Diff([]float32{11, 22}, tensorValues(t, m["sum"])); diff != "" {
		t.Errorf("unexpected sum (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{-1, -2}, tensorValues(t, m["negated"])); diff != "" {
		t.Errorf("unexpected negated (-want +got):\n%s", diff)
	}
}

func TestUnpackSingle(t *testing.T) {
	x := f32vec2.Variable("x")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x)},
		[]*compile.Out{compile.NewOut(tensor.Neg(x))},
		compile.WithUnpackSingle(),
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.Call(context.Background(), vector(t, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{-1, -2}, tensorValues(t, result)); diff != "" {
		t.Errorf("unexpected result (-want +got):\n%s", diff)
	}
}

func TestTrustInput(t *testing.T) {
	x := f32vec2.Variable("x")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x)},
		[]*compile.Out{compile.NewOut(tensor.Neg(x))},
		compile.WithTrustInput(),
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.Call(context.Background(), vector(t, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	checkResult(t, result, 0, -1, -2)
}

func TestAliasedArgumentsAreCopied(t *testing.T) {
	x := f32vec2.Variable("x")
	y := f32vec2.Variable("y")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{
			{Variable: x, Name: "x", Mutable: true, Borrow: true},
			{Variable: y, Name: "y", Borrow: true},
		},
		[]*compile.Out{
			compile.NewBorrowed(tensor.AddInplace(x, y)),
			compile.NewBorrowed(tensor.Alias(y)),
		},
		compile.WithAcceptInplace(),
	)
	if err != nil {
		t.Fatal(err)
	}
	a := vector(t, 1, 2)
	result, err := f.Call(context.Background(), a, a.View())
	if err != nil {
		t.Fatal(err)
	}
	// The mutable input was added in place into the caller's buffer.
	vals, err := tensor.Flat[float32](a)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{2, 4}, vals); diff != "" {
		t.Errorf("caller buffer after in-place call (-want +got):\n%s", diff)
	}
	checkResult(t, result, 0, 2, 4)
	// Without the defensive copy of the aliased second argument, this view
	// would observe the in-place mutation.
	checkResult(t, result, 1, 1, 2)
}

func TestInplaceRejectedByDefault(t *testing.T) {
	x := f32vec2.Variable("x")
	y := f32vec2.Variable("y")
	_, err := compile.NewFunction(context.Background(),
		[]*compile.In{
			{Variable: x, Name: "x", Mutable: true},
			compile.NewIn(y),
		},
		[]*compile.Out{compile.NewOut(tensor.AddInplace(x, y))},
	)
	if err == nil || !strings.Contains(err.Error(), "in-place") {
		t.Errorf("compiling an in-place graph returned %v but want an in-place rejection", err)
	}
}

func TestBorrowedOutputsShareInternalStorage(t *testing.T) {
	x := f32vec2.Variable("x")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{{Variable: x, Name: "x", Borrow: true}},
		[]*compile.Out{compile.NewBorrowed(tensor.Alias(x))},
		compile.WithUnpackSingle(),
	)
	if err != nil {
		t.Fatal(err)
	}
	a := vector(t, 1, 2)
	result, err := f.Call(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.Overlap(a, result.(*tensor.Tensor)) {
		t.Error("borrowed output of a borrowed input does not share the caller's storage")
	}
}

func TestOutputsAreIndependentCopiesByDefault(t *testing.T) {
	x := f32vec2.Variable("x")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x)},
		[]*compile.Out{
			compile.NewOut(tensor.Alias(x)),
			compile.NewOut(tensor.Alias(x)),
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	a := vector(t, 1, 2)
	result, err := f.Call(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	list := result.([]any)
	first := list[0].(*tensor.Tensor)
	second := list[1].(*tensor.Tensor)
	if tensor.Overlap(a, first) || tensor.Overlap(a, second) {
		t.Error("non-borrowed output shares the caller's storage")
	}
	if tensor.Overlap(first, second) {
		t.Error("two outputs of the same input share storage")
	}
}

func TestFunctionFree(t *testing.T) {
	f := newAccumulator(t)
	if _, err := f.Call(context.Background(), vector(t, 1, 2)); err != nil {
		t.Fatal(err)
	}
	f.Free()
	if diff := cmp.Diff([]float32{1, 2}, stateValues(t, f)); diff != "" {
		t.Errorf("Free dropped the persistent state (-want +got):\n%s", diff)
	}
	// The function stays callable after freeing its buffers.
	if _, err := f.Call(context.Background(), vector(t, 1, 2)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{2, 4}, stateValues(t, f)); diff != "" {
		t.Errorf("state after a post-Free call (-want +got):\n%s", diff)
	}
}

func TestNilArgumentForRestrictedCall(t *testing.T) {
	x := f32vec2.Variable("x")
	y := f32vec2.Variable("y")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x), compile.NewIn(y)},
		[]*compile.Out{
			compile.NewOut(tensor.Neg(x)),
			compile.NewOut(tensor.Neg(y)),
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	// An input the restricted call never reads may be left nil.
	result, err := f.CallOpts(context.Background(), compile.CallOpts{
		Args:         []any{nil, vector(t, 1, 2)},
		OutputSubset: []int{1},
	})
	if err != nil {
		t.Fatal(err)
	}
	checkResult(t, result, 0, -1, -2)
	// A full call reads the empty cell and fails at execution, not before.
	_, err = f.Call(context.Background(), nil, vector(t, 1, 2))
	var exec *link.ExecError
	if !errors.As(err, &exec) {
		t.Errorf("full call with a nil argument returned %v but want an execution error", err)
	}
}

// captureOp records the values it is fed so tests can observe what reaches
// the backend.
type captureOp struct {
	a, b *tensor.Tensor
}

func (o *captureOp) Name() string { return "capture" }

func (o *captureOp) Perform(inputs []any) ([]any, error) {
	o.a = inputs[0].(*tensor.Tensor)
	o.b = inputs[1].(*tensor.Tensor)
	return []any{o.a.Clone()}, nil
}

func TestAliasedUnborrowedArgumentsKeepSharing(t *testing.T) {
	x := f32vec2.Variable("x")
	y := f32vec2.Variable("y")
	op := &captureOp{}
	out := graph.NewApply(op, []*graph.Variable{x, y}, []graph.Type{f32vec2}).Outputs()[0]
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x), compile.NewIn(y)},
		[]*compile.Out{compile.NewOut(out)},
	)
	if err != nil {
		t.Fatal(err)
	}
	a := vector(t, 1, 2)
	if _, err := f.Call(context.Background(), a, a.View()); err != nil {
		t.Fatal(err)
	}
	// Unborrowed inputs cannot corrupt each other, so no hidden copy is made.
	if !tensor.Overlap(op.a, op.b) {
		t.Error("aliased arguments of unborrowed inputs were copied apart")
	}
}

func TestTrustInputIgnoresExtraArguments(t *testing.T) {
	x := f32vec2.Variable("x")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x)},
		[]*compile.Out{compile.NewOut(tensor.Neg(x))},
		compile.WithTrustInput(),
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.Call(context.Background(), vector(t, 1, 2), vector(t, 9, 9))
	if err != nil {
		t.Fatal(err)
	}
	checkResult(t, result, 0, -1, -2)
}

// passOp forwards its input and owns a nested graph holding releasable
// buffers.
type passOp struct {
	inner *graph.Graph
}

func (o *passOp) Name() string { return "pass" }

func (o *passOp) Perform(inputs []any) ([]any, error) {
	return []any{inputs[0]}, nil
}

func (o *passOp) InnerGraph() *graph.Graph { return o.inner }

// bufferOp holds a buffer released through Free.
type bufferOp struct {
	freed bool
}

func (o *bufferOp) Name() string { return "buffered" }

func (o *bufferOp) Perform(inputs []any) ([]any, error) {
	return []any{inputs[0]}, nil
}

func (o *bufferOp) Free() { o.freed = true }

func TestFreeReachesInnerGraphs(t *testing.T) {
	iv := f32vec2.Variable("iv")
	buffered := &bufferOp{}
	innerOut := graph.NewApply(buffered, []*graph.Variable{iv}, []graph.Type{f32vec2}).Outputs()[0]
	inner, err := graph.New([]*graph.Variable{iv}, []*graph.Variable{innerOut})
	if err != nil {
		t.Fatal(err)
	}
	x := f32vec2.Variable("x")
	out := graph.NewApply(&passOp{inner: inner}, []*graph.Variable{x}, []graph.Type{f32vec2}).Outputs()[0]
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x)},
		[]*compile.Out{compile.NewOut(out)},
	)
	if err != nil {
		t.Fatal(err)
	}
	f.Free()
	if !buffered.freed {
		t.Error("freeing the function did not release the nested graph's buffers")
	}
}
