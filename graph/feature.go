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

package graph

import "fmt"

type (
	// Feature extends a graph with bookkeeping that survives mutation.
	// A feature is attached once; attaching a feature with the same key a
	// second time fails with AlreadyAttachedError.
	Feature interface {
		// Key identifies the feature slot on the graph.
		Key() string

		// OnAttach is called when the feature is attached to a graph.
		OnAttach(*Graph) error
	}

	// Validator is a feature vetoing illegal graph mutations.
	// Validate is run after every mutation of the graph.
	Validator interface {
		Validate(*Graph) error
	}

	// ChangeListener is a feature observing variable substitutions.
	ChangeListener interface {
		OnChange(g *Graph, old, new *Variable)
	}
)

// AlreadyAttachedError reports a second attachment of a feature slot.
type AlreadyAttachedError struct {
	Graph *Graph
	Slot  string
}

// Error implements error.
func (e *AlreadyAttachedError) Error() string {
	return fmt.Sprintf("graph %q already has a %s", e.Graph.Name(), e.Slot)
}

// InconsistencyError reports a graph mutation that would break a
// memory-safety invariant.
type InconsistencyError struct {
	Reason string
}

// Error implements error.
func (e *InconsistencyError) Error() string { return e.Reason }

// Attach adds a feature to the graph.
func (g *Graph) Attach(f Feature) error {
	for _, attached := range g.features {
		if attached.Key() == f.Key() {
			return &AlreadyAttachedError{Graph: g, Slot: f.Key()}
		}
	}
	if err := f.OnAttach(g); err != nil {
		return err
	}
	g.features = append(g.features, f)
	return nil
}

// Feature returns the attached feature with a given key, or nil.
func (g *Graph) Feature(key string) Feature {
	for _, f := range g.features {
		if f.Key() == key {
			return f
		}
	}
	return nil
}

// PreserveNames keeps the name of a variable when an in-place rewrite
// substitutes it by an anonymous replacement.
type PreserveNames struct{}

// Key implements Feature.
func (PreserveNames) Key() string { return "preserve-names" }

// OnAttach implements Feature.
func (PreserveNames) OnAttach(*Graph) error { return nil }

// OnChange copies the name of the replaced variable onto its replacement.
func (PreserveNames) OnChange(g *Graph, old, new *Variable) {
	if new.Name() == "" && old.Name() != "" {
		new.SetName(old.Name())
	}
}
