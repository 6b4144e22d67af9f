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

// Package link defines the boundary between the compilation pipeline and an
// execution backend: storage cells shared between the caller and the backend,
// and the linker contract producing thunks bound to those cells.
package link

import (
	"context"
	"fmt"
	"strings"

	"github.com/gx-org/symfn/graph"
)

type (
	// Linker turns a finalized graph into a bound linker.
	// noRecycling lists the variables whose storage must never be silently
	// reused between calls, because the caller receives it.
	Linker interface {
		Accept(g *graph.Graph, noRecycling []*graph.Variable) (BoundLinker, error)
	}

	// BoundLinker produces executable thunks over storage cells.
	// inputStorage provides one pre-existing cell per graph input, or nil
	// entries for cells the linker should allocate. storageMap optionally
	// seeds cells for intermediate variables (used to share non-I/O storage
	// between compiled function copies); it may be nil.
	BoundLinker interface {
		MakeThunk(inputStorage []*Container, storageMap map[*graph.Variable]*Container) (Thunk, []*Container, []*Container, error)
	}

	// Thunk is an executable unit bound to specific storage cells.
	// Call runs the computation, optionally restricted to the output
	// positions in outputSubset (nil means all). It returns either nil,
	// meaning the results were written into the output cells, or the
	// explicit list of output values.
	Thunk interface {
		Call(ctx context.Context, outputSubset []int) ([]any, error)
	}

	// Performer is the op capability required by interpreted backends:
	// compute output values from input values. An in-place op mutates one
	// of its inputs and returns it as the corresponding output.
	Performer interface {
		Perform(inputs []any) ([]any, error)
	}

	// GCAllower is implemented by thunks that permit clearing output
	// storage after each call to release bulky buffers.
	GCAllower interface {
		AllowGC() bool
	}

	// InputUpdater is implemented by thunks that write update outputs back
	// into the input cells themselves. When absent, the callable wrapper
	// performs the update propagation.
	InputUpdater interface {
		UpdatesInputs() bool
	}

	// StorageMapper exposes the full variable-to-cell mapping of a thunk.
	StorageMapper interface {
		StorageMap() map[*graph.Variable]*Container
	}

	// Freer releases the buffers held by a thunk between calls.
	Freer interface {
		Free()
	}
)

// Container is a single mutable storage cell holding one runtime value, plus
// the static coercion policy and the per-call bookkeeping of the callable
// wrapper. Cells are shared by pointer: between a compiled function and its
// backend thunk, between a stateful input and its persistent storage, and
// between function copies created in share-memory mode.
type Container struct {
	typ   graph.Type
	value any

	// Strict and AllowDowncast are the coercion policy applied by
	// SetValue through the type's filter.
	Strict        bool
	AllowDowncast bool

	// Required marks cells that must be fed before every call.
	Required bool
	// Implicit marks cells fed by persistent state rather than the caller.
	Implicit bool
	// Provided counts the writes into the cell during the current call attempt.
	Provided int
}

// NewContainer returns an empty cell for values of a given type.
func NewContainer(typ graph.Type) *Container {
	return &Container{typ: typ}
}

// Type of the values held by the cell.
func (c *Container) Type() graph.Type { return c.typ }

// Value currently held by the cell.
func (c *Container) Value() any { return c.value }

// Store writes a value into the cell without filtering.
func (c *Container) Store(value any) { c.value = value }

// SetValue filters a value through the cell's type under the cell's coercion
// policy, then stores it and counts it as provided.
func (c *Container) SetValue(value any) error {
	filtered, err := c.typ.Filter(value, c.Strict, c.AllowDowncast)
	if err != nil {
		return err
	}
	c.value = filtered
	c.Provided++
	return nil
}

// Clear drops the value held by the cell.
func (c *Container) Clear() { c.value = nil }

// String describes the cell for error messages.
func (c *Container) String() string {
	return fmt.Sprintf("container<%s>(%v)", c.typ, c.value)
}

// ExecError annotates an error raised inside a thunk with the apply node that
// was executing and a snapshot of the storage cells at the time of the error.
type ExecError struct {
	Node    *graph.Apply
	Storage map[*graph.Variable]any
	Err     error
}

// Error implements error.
func (e *ExecError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "error while executing node %s: %v", e.Node, e.Err)
	if len(e.Storage) > 0 {
		fmt.Fprintf(&b, " (storage snapshot of %d cells attached)", len(e.Storage))
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ExecError) Unwrap() error { return e.Err }
