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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/symfn/compile"
	"github.com/gx-org/symfn/tensor"
)

func TestSnapshotRestore(t *testing.T) {
	f := newAccumulator(t)
	if _, err := f.Call(context.Background(), vector(t, 2, 2)); err != nil {
		t.Fatal(err)
	}
	snap, err := f.Snapshot(compile.AliasRaise)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.Call(context.Background(), vector(t, 5, 5)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{7, 7}, stateValues(t, f)); diff != "" {
		t.Fatalf("state before restore (-want +got):\n%s", diff)
	}
	if err := f.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{2, 2}, stateValues(t, f)); diff != "" {
		t.Errorf("state after restore (-want +got):\n%s", diff)
	}
}

func TestSnapshotIsFrozen(t *testing.T) {
	f := newAccumulator(t)
	if _, err := f.Call(context.Background(), vector(t, 2, 2)); err != nil {
		t.Fatal(err)
	}
	snap, err := f.Snapshot(compile.AliasRaise)
	if err != nil {
		t.Fatal(err)
	}
	// Later calls must not leak into the captured state.
	if _, err := f.Call(context.Background(), vector(t, 5, 5)); err != nil {
		t.Fatal(err)
	}
	if err := f.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{2, 2}, stateValues(t, f)); diff != "" {
		t.Errorf("snapshot was mutated after capture (-want +got):\n%s", diff)
	}
}

func TestSnapshotRestoreIntoSibling(t *testing.T) {
	f := newAccumulator(t)
	if _, err := f.Call(context.Background(), vector(t, 3, 3)); err != nil {
		t.Fatal(err)
	}
	snap, err := f.Snapshot(compile.AliasRaise)
	if err != nil {
		t.Fatal(err)
	}
	sibling, err := f.Copy(context.Background(), compile.CopyOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if err := sibling.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{3, 3}, stateValues(t, sibling)); diff != "" {
		t.Errorf("sibling state after restore (-want +got):\n%s", diff)
	}
}

func TestSnapshotAliasStrategies(t *testing.T) {
	x := f32vec2.Variable("x")
	y := f32vec2.Variable("y")
	f, err := compile.NewFunction(context.Background(),
		[]*compile.In{
			{Variable: x, Name: "x", Value: vector(t, 1, 2)},
			compile.NewIn(y),
		},
		[]*compile.Out{compile.NewOut(tensor.Add(x, y))},
	)
	if err != nil {
		t.Fatal(err)
	}
	// Make the default of x alias the storage of y's cell.
	cx, err := f.Storage(0)
	if err != nil {
		t.Fatal(err)
	}
	cy, err := f.Storage(1)
	if err != nil {
		t.Fatal(err)
	}
	shared := vector(t, 1, 2)
	cx.Store(shared)
	cy.Store(shared.View())

	if _, err := f.Snapshot(compile.AliasIgnore); err != nil {
		t.Errorf("ignore strategy failed: %v", err)
	}
	if _, err := f.Snapshot(compile.AliasWarn); err != nil {
		t.Errorf("warn strategy failed: %v", err)
	}
	_, err = f.Snapshot(compile.AliasRaise)
	var aliased *compile.AliasedMemoryError
	if !errors.As(err, &aliased) {
		t.Errorf("raise strategy returned %v but want an AliasedMemoryError", err)
	}
}

func TestRestoreRejectsMismatch(t *testing.T) {
	f := newAccumulator(t)
	snap, err := f.Snapshot(compile.AliasRaise)
	if err != nil {
		t.Fatal(err)
	}
	x := f32vec2.Variable("x")
	other, err := compile.NewFunction(context.Background(),
		[]*compile.In{compile.NewIn(x)},
		[]*compile.Out{compile.NewOut(tensor.Neg(x))},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Restore(snap); err == nil {
		t.Error("restoring a snapshot into an incompatible function succeeded but should have failed")
	}
}
