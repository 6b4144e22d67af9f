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

import "github.com/gx-org/symfn/graph"

// InferReusePattern returns all computed variables of the graph that may
// share underlying storage with any of the given outputs: for each output,
// the forward view tree of its alias root, minus graph inputs and constants.
// The backend receives this set as the storage that must never be silently
// recycled between calls, because the caller keeps references into it.
func InferReusePattern(g *graph.Graph, outputsToDisown []*graph.Variable) ([]*graph.Variable, error) {
	set := map[*graph.Variable]bool{}
	for _, out := range outputsToDisown {
		root, err := graph.AliasRoot(out)
		if err != nil {
			return nil, err
		}
		graph.ViewTreeSet(g, root, set)
	}
	var reused []*graph.Variable
	// Iterate the graph in its deterministic order rather than the set.
	for _, a := range g.Applies() {
		for _, out := range a.Outputs() {
			if set[out] {
				reused = append(reused, out)
			}
		}
	}
	return reused, nil
}
