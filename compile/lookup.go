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
	"strings"

	"github.com/pkg/errors"
	"github.com/gx-org/symfn/graph"
)

// LookupTag qualifies the result of resolving an argument reference.
type LookupTag int

const (
	// NotFound means no input matches the reference.
	NotFound LookupTag = iota
	// Found means exactly one input matches.
	Found
	// Ambiguous means several inputs share the referenced name.
	Ambiguous
)

// Result of resolving an argument reference to an input position.
type Result struct {
	Tag   LookupTag
	Index int
}

// finder resolves names, variables, and positions to input indices.
// Name collisions are recorded so that referencing a duplicated name
// always fails instead of silently picking one of the candidates.
type finder struct {
	byName map[string]Result
	byVar  map[*graph.Variable]Result
	n      int
}

func newFinder(inputs []*In) *finder {
	f := &finder{
		byName: make(map[string]Result),
		byVar:  make(map[*graph.Variable]Result),
		n:      len(inputs),
	}
	for i, in := range inputs {
		f.byVar[in.Variable] = Result{Tag: Found, Index: i}
		if in.Name == "" {
			continue
		}
		if _, ok := f.byName[in.Name]; ok {
			f.byName[in.Name] = Result{Tag: Ambiguous}
			continue
		}
		f.byName[in.Name] = Result{Tag: Found, Index: i}
	}
	return f
}

// Name resolves an input by its declared name.
func (f *finder) Name(name string) Result {
	if r, ok := f.byName[name]; ok {
		return r
	}
	return Result{Tag: NotFound}
}

// Variable resolves an input by the symbolic variable it wraps.
func (f *finder) Variable(v *graph.Variable) Result {
	if r, ok := f.byVar[v]; ok {
		return r
	}
	return Result{Tag: NotFound}
}

// Index resolves a positional reference.
func (f *finder) Index(i int) Result {
	if i < 0 || i >= f.n {
		return Result{Tag: NotFound}
	}
	return Result{Tag: Found, Index: i}
}

// describeInputs summarizes the input specifications for error messages:
// position, name, and whether the input carries a default or shared storage.
func describeInputs(inputs []*In) string {
	var b strings.Builder
	for i, in := range inputs {
		if i > 0 {
			b.WriteString(", ")
		}
		name := in.Name
		if name == "" {
			name = in.Variable.String()
		}
		fmt.Fprintf(&b, "%d:%s", i, name)
		switch {
		case in.Shared != nil:
			b.WriteString(" (shared)")
		case in.Value != nil:
			b.WriteString(" (default)")
		}
	}
	return b.String()
}

func (f *finder) resolveName(name string, inputs []*In) (int, error) {
	switch r := f.Name(name); r.Tag {
	case Found:
		return r.Index, nil
	case Ambiguous:
		return 0, errors.Errorf("ambiguous argument name %q: several inputs share it (inputs: %s)", name, describeInputs(inputs))
	default:
		return 0, errors.Errorf("unknown argument name %q (inputs: %s)", name, describeInputs(inputs))
	}
}
