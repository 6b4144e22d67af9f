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
	"fmt"

	"github.com/pkg/errors"
	"github.com/gx-org/symfn/graph"
)

// Supervisor is the graph feature vetoing any mutation that would destroy a
// protected variable. Non-mutable declared inputs are protected; graph
// outputs are always protected. Destructions already present when the
// supervisor is attached are accounted for by not protecting the destroyed
// inputs.
type Supervisor struct {
	protected []*graph.Variable
}

var _ graph.Validator = (*Supervisor)(nil)

// SupervisorKey is the feature slot of the supervisor.
const SupervisorKey = "supervisor"

// NewSupervisor returns a supervisor protecting the given variables.
func NewSupervisor(protected ...*graph.Variable) *Supervisor {
	return &Supervisor{protected: protected}
}

// Key implements graph.Feature.
func (s *Supervisor) Key() string { return SupervisorKey }

// OnAttach implements graph.Feature.
func (s *Supervisor) OnAttach(*graph.Graph) error { return nil }

// Validate fails if any protected variable or graph output has its storage
// overwritten by a node of the graph.
func (s *Supervisor) Validate(g *graph.Graph) error {
	if !g.HasDestroyHandler() {
		return nil
	}
	check := append(s.protected[:len(s.protected):len(s.protected)], g.Outputs()...)
	for _, v := range check {
		if len(g.Destroyers(v)) > 0 {
			return &graph.InconsistencyError{
				Reason: fmt.Sprintf("trying to destroy protected variable %s", v),
			}
		}
	}
	return nil
}

// addSupervisor attaches the in-place protections to a prepared graph.
//
// If the graph contains destroy maps and in-place operations were not
// explicitly permitted, compilation fails naming the offending node. When
// permitted, a destroy handler is attached so destruction queries can be
// answered. A supervisor is then attached protecting every declared input
// that is neither mutable nor already legitimately destroyed.
func addSupervisor(g *graph.Graph, inputs []*In, acceptInplace bool) error {
	hasHandler := g.HasDestroyHandler()
	if !hasHandler || !acceptInplace {
		for _, a := range g.Applies() {
			if len(graph.DestroyMap(a.Op())) == 0 {
				continue
			}
			if !acceptInplace {
				return errors.Errorf("graph must not contain in-place operations: %s", a)
			}
			if !hasHandler {
				if err := g.Attach(&graph.DestroyHandler{}); err != nil {
					return err
				}
				hasHandler = true
			}
			break
		}
	}
	var protected []*graph.Variable
	for i, spec := range inputs {
		in := g.Inputs()[i]
		if spec.Mutable {
			continue
		}
		if hasHandler && g.HasDestroyers([]*graph.Variable{in}) {
			continue
		}
		protected = append(protected, in)
	}
	return g.Attach(NewSupervisor(protected...))
}
