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

// Package rewrite defines the contract between the compilation pipeline and
// the graph rewriter. Rewrite rules themselves live outside this module; the
// pipeline only needs to run an opaque pass that mutates a graph in place,
// may fail, and may be interrupted through its context.
package rewrite

import (
	"context"

	"github.com/gx-org/symfn/graph"
)

// Rewriter mutates a graph in place. A rewriter must honor context
// cancellation between rules: an interrupted rewrite returns the context
// error and leaves the graph in a consistent (if unoptimized) state.
type Rewriter interface {
	Rewrite(ctx context.Context, g *graph.Graph) error
}

// Func adapts a function to the Rewriter interface.
type Func func(ctx context.Context, g *graph.Graph) error

// Rewrite implements Rewriter.
func (f Func) Rewrite(ctx context.Context, g *graph.Graph) error {
	return f(ctx, g)
}

// Nop is the rewriter applying no rule.
var Nop Rewriter = Func(func(context.Context, *graph.Graph) error { return nil })

// Sequence runs rewriters one after the other, checking for cancellation
// before each of them.
type Sequence []Rewriter

// Rewrite implements Rewriter.
func (s Sequence) Rewrite(ctx context.Context, g *graph.Graph) error {
	for _, r := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Rewrite(ctx, g); err != nil {
			return err
		}
	}
	return nil
}
