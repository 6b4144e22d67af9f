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

// DestroyHandler is the feature tracking in-place mutation through the graph.
// It answers, for any variable, which apply nodes overwrite storage the
// variable may share. Attaching a DestroyHandler is what permits destroy maps
// in the graph; without it, graphs with in-place ops are rejected during
// preparation.
type DestroyHandler struct{}

// DestroyHandlerKey is the feature slot of the destroy handler.
const DestroyHandlerKey = "destroy-handler"

// Key implements Feature.
func (*DestroyHandler) Key() string { return DestroyHandlerKey }

// OnAttach implements Feature.
func (*DestroyHandler) OnAttach(*Graph) error { return nil }

// destroyHandler returns the attached destroy handler, or nil.
func (g *Graph) destroyHandler() *DestroyHandler {
	f := g.Feature(DestroyHandlerKey)
	if f == nil {
		return nil
	}
	return f.(*DestroyHandler)
}

// HasDestroyHandler reports whether in-place tracking is enabled on the graph.
func (g *Graph) HasDestroyHandler() bool {
	return g.destroyHandler() != nil
}

// Destroyers returns the apply nodes of the graph overwriting storage that v
// may share, or nil if the graph has no destroy handler attached. A node
// destroying an input destroys the whole view tree of that input's view
// root, since all those variables are backed by the same storage.
func (g *Graph) Destroyers(v *Variable) []*Apply {
	if g.destroyHandler() == nil {
		return nil
	}
	var destroyers []*Apply
	for _, a := range g.applies {
		for _, iposlist := range DestroyMap(a.Op()) {
			for _, ipos := range iposlist {
				if g.destroys(a.Inputs()[ipos], v) {
					destroyers = append(destroyers, a)
				}
			}
		}
	}
	return destroyers
}

// destroys reports whether overwriting the storage of destroyed clobbers v.
// The clobbered family is computed through view relations only: the output of
// a destructive op is the new value of the storage, not a casualty of it.
func (g *Graph) destroys(destroyed, v *Variable) bool {
	set := map[*Variable]bool{}
	g.viewTree(viewRoot(destroyed), set)
	return set[v]
}

// viewRoot walks backward through view maps only.
func viewRoot(v *Variable) *Variable {
	owner := v.Owner()
	if owner == nil {
		return v
	}
	viewed := ViewMap(owner.Op())[v.Index()]
	if len(viewed) == 0 {
		return v
	}
	return viewRoot(owner.Inputs()[viewed[0]])
}

// viewTree adds to set all variables that are views of v, walking forward
// through view maps only.
func (g *Graph) viewTree(v *Variable, set map[*Variable]bool) {
	set[v] = true
	for _, cl := range g.Clients(v) {
		for opos, iposlist := range ViewMap(cl.Apply.Op()) {
			for _, ipos := range iposlist {
				if ipos != cl.Index {
					continue
				}
				out := cl.Apply.Outputs()[opos]
				if !set[out] {
					g.viewTree(out, set)
				}
			}
		}
	}
}

// HasDestroyers reports whether any of the given variables has its storage
// overwritten by a node of the graph. Always false without a destroy handler.
func (g *Graph) HasDestroyers(vars []*Variable) bool {
	if g.destroyHandler() == nil {
		return false
	}
	for _, v := range vars {
		if len(g.Destroyers(v)) > 0 {
			return true
		}
	}
	return false
}
