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

import "github.com/pkg/errors"

// AliasRoot returns the variable whose storage v ultimately aliases, walking
// backward through the view and destroy maps of the ops computing v. A
// variable that is neither a view nor a destructive derivative is its own
// root. An output declared as a view or destructive derivative of more than
// one input is unsupported and fails explicitly.
func AliasRoot(v *Variable) (*Variable, error) {
	owner := v.Owner()
	if owner == nil {
		return v, nil
	}
	pos := v.Index()
	var aliased []int
	aliased = append(aliased, ViewMap(owner.Op())[pos]...)
	aliased = append(aliased, DestroyMap(owner.Op())[pos]...)
	if len(aliased) > 1 {
		return nil, errors.Errorf("%s is a view or destroyed version of more than one input: only outputs aliasing a single input are supported", v)
	}
	if len(aliased) == 0 {
		return v, nil
	}
	return AliasRoot(owner.Inputs()[aliased[0]])
}

// ViewTreeSet adds to set all the variables of the graph that are views of v,
// walking forward through the view and destroy maps of every apply node
// consuming v, recursively. v itself is added; v is expected to be a root
// (see AliasRoot).
func ViewTreeSet(g *Graph, v *Variable, set map[*Variable]bool) {
	set[v] = true
	for _, cl := range g.Clients(v) {
		op := cl.Apply.Op()
		for opos, iposlist := range ViewMap(op) {
			addViewClient(g, cl, opos, iposlist, set)
		}
		for opos, iposlist := range DestroyMap(op) {
			addViewClient(g, cl, opos, iposlist, set)
		}
	}
}

func addViewClient(g *Graph, cl Client, opos int, iposlist []int, set map[*Variable]bool) {
	for _, ipos := range iposlist {
		if ipos != cl.Index {
			continue
		}
		out := cl.Apply.Outputs()[opos]
		if !set[out] {
			ViewTreeSet(g, out, set)
		}
	}
}
