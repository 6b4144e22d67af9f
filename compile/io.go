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
	"github.com/pkg/errors"
	"github.com/gx-org/symfn/graph"
	"github.com/gx-org/symfn/link"
)

// In specifies one function input.
type In struct {
	// Variable is the graph input this specification describes.
	Variable *graph.Variable

	// Name resolves keyword arguments. Defaults to the variable name.
	Name string

	// Value is the default value of the input. An input without a default,
	// persistent storage, or update is required at every call.
	Value any

	// Shared is the persistent storage cell feeding the input. A shared
	// input is implicit: it is never supplied by the caller.
	Shared *link.Container

	// Update is the variable whose computed value replaces the persistent
	// storage of the input after each call.
	Update *graph.Variable

	// Mutable permits the input's storage to be overwritten in place.
	Mutable bool

	// Borrow permits the engine to keep a direct reference to the caller's
	// value rather than a guaranteed-independent copy.
	Borrow bool

	// Strict disables value conversions when filtering arguments.
	Strict bool

	// AllowDowncast permits precision-losing conversions when filtering.
	AllowDowncast bool
}

// NewIn returns the specification of a plain caller-supplied input.
func NewIn(v *graph.Variable) *In {
	return &In{Variable: v, Name: v.Name()}
}

// NewUpdated returns the specification of an input whose value is replaced
// by the update variable after each call.
func NewUpdated(v, update *graph.Variable) *In {
	return &In{Variable: v, Name: v.Name(), Update: update}
}

// NewShared returns the specification of a stateful input fed by a persistent
// storage cell, with an optional update replacing the cell value after each
// call. Shared inputs are mutable: their storage is under engine control.
func NewShared(v *graph.Variable, storage *link.Container, update *graph.Variable) *In {
	storage.Implicit = true
	return &In{Variable: v, Name: v.Name(), Shared: storage, Update: update, Mutable: true, Borrow: true}
}

// Implicit reports whether the input is fed by persistent state rather than
// the caller.
func (in *In) Implicit() bool { return in.Shared != nil }

func (in *In) clone() *In {
	cp := *in
	return &cp
}

func (in *In) validate() error {
	if in.Variable == nil {
		return errors.New("input specification has no variable")
	}
	if in.Variable.IsConst() {
		return errors.Errorf("constant %s is not a legal function input", in.Variable)
	}
	if in.Shared != nil && in.Value != nil {
		return errors.Errorf("input %s is fed by persistent storage and cannot also carry a default value", in.Variable)
	}
	return nil
}

// Out specifies one function output. Immutable after compile time.
type Out struct {
	// Variable is the graph output this specification describes.
	Variable *graph.Variable

	// Borrow permits the caller to receive a direct reference to internal
	// storage instead of a guaranteed-independent copy.
	Borrow bool
}

// NewOut returns the specification of an output returned as an independent copy.
func NewOut(v *graph.Variable) *Out {
	return &Out{Variable: v}
}

// NewBorrowed returns the specification of an output the caller may receive
// as a direct reference to internal storage.
func NewBorrowed(v *graph.Variable) *Out {
	return &Out{Variable: v, Borrow: true}
}

func (out *Out) validate() error {
	if out.Variable == nil {
		return errors.New("output specification has no variable")
	}
	return nil
}
