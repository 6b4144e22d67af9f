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
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"github.com/gx-org/symfn/base/uname"
	"github.com/gx-org/symfn/graph"
)

// StdGraph builds or sets up the function graph corresponding to the input
// and output specifications.
//
// For every input carrying an update, the update variable is appended to the
// graph outputs and the mapping from that output position back to the input
// position is recorded: this is how stateful inputs get a new value computed
// every call. The returned Out list describes these synthetic update outputs.
//
// With a nil existing graph, a new graph is cloned from the computation
// between the inputs and the outputs. Cloning is mandatory whenever a
// declared input is itself derived from other computation, or when forced:
// the compiled graph must not share mutable node identity with a graph the
// caller may keep rewriting.
//
// The graph is then protected (see addSupervisor) and fitted with the feature
// preserving variable names across in-place rewrites.
func StdGraph(inputs []*In, outputs []*Out, acceptInplace bool, existing *graph.Graph, forceClone bool) (*graph.Graph, []*Out, error) {
	var updates []*graph.Variable
	updateMapping := map[int]int{}
	outIdx := len(outputs)
	for i, in := range inputs {
		if in.Update == nil {
			continue
		}
		updates = append(updates, in.Update)
		updateMapping[outIdx] = i
		outIdx++
	}

	g := existing
	var foundUpdates []*Out
	if g != nil {
		if len(g.UpdateMapping()) == 0 {
			g.SetUpdateMapping(updateMapping)
			for _, update := range updates {
				if err := g.AddOutput(update); err != nil {
					return nil, nil, err
				}
			}
			for _, update := range updates {
				foundUpdates = append(foundUpdates, NewOut(update))
			}
		} else {
			// Already set up, typically when recompiling the graph of an
			// existing function. Recover the update outputs it carries.
			outIdxs := maps.Keys(g.UpdateMapping())
			sort.Ints(outIdxs)
			for _, outIdx := range outIdxs {
				foundUpdates = append(foundUpdates, NewOut(g.Outputs()[outIdx]))
			}
		}
	} else {
		inputVars := make([]*graph.Variable, len(inputs))
		clone := forceClone
		for i, in := range inputs {
			inputVars[i] = in.Variable
			if in.Variable.Owner() != nil {
				clone = true
			}
		}
		outputVars := make([]*graph.Variable, 0, len(outputs)+len(updates))
		for _, out := range outputs {
			outputVars = append(outputVars, out.Variable)
		}
		outputVars = append(outputVars, updates...)

		var err error
		g, err = graph.New(inputVars, outputVars,
			graph.WithUpdateMapping(updateMapping),
			graph.WithClone(clone),
		)
		if err != nil {
			return nil, nil, errors.Wrap(err, "cannot build the function graph")
		}
		for _, update := range updates {
			foundUpdates = append(foundUpdates, NewOut(update))
		}
	}

	nameUpdateOutputs(g, inputs)

	if err := addSupervisor(g, inputs, acceptInplace); err != nil {
		return nil, nil, err
	}
	if err := g.Attach(graph.PreserveNames{}); err != nil {
		return nil, nil, err
	}
	return g, foundUpdates, nil
}

// nameUpdateOutputs gives the synthetic update outputs stable names derived
// from the inputs they feed back into, so graph dumps and diagnostics do not
// show them as anonymous placeholders. Already-named outputs keep their name.
func nameUpdateOutputs(g *graph.Graph, inputs []*In) {
	names := uname.New()
	for _, in := range inputs {
		if in.Name != "" {
			names.Name(in.Name)
		}
	}
	outIdxs := maps.Keys(g.UpdateMapping())
	sort.Ints(outIdxs)
	for _, outIdx := range outIdxs {
		out := g.Outputs()[outIdx]
		if out.Name() != "" {
			continue
		}
		base := inputs[g.UpdateMapping()[outIdx]].Name
		if base == "" {
			base = "state"
		}
		out.SetName(names.Name(base + "_update"))
	}
}
