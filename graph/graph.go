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

// Package graph provides the mutable function graph that the compilation
// pipeline prepares, rewrites, and links.
//
// A graph is a bipartite structure of Variable nodes (graph inputs,
// intermediate results, graph outputs) and Apply nodes (the application of an
// Op to input variables, producing output variables). Each Op may declare, per
// output position, a view map (the output aliases the storage of one of the
// inputs) and a destroy map (the output is computed by overwriting the storage
// of one of the inputs). Both maps are indexed by position, not by node
// identity, so that cloning a graph preserves them for free.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	gxfmt "github.com/gx-org/symfn/base/fmt"
	"github.com/gx-org/symfn/base/stringseq"
)

type (
	// Type is the value contract attached to a variable. It is implemented
	// by an external type system (see the tensor package for the reference
	// implementation) and consumed opaquely by the compilation pipeline.
	Type interface {
		// Filter coerces a raw runtime value into a value acceptable
		// for this type. With strict set, no conversion is attempted.
		// allowDowncast permits precision-losing conversions.
		Filter(value any, strict bool, allowDowncast bool) (any, error)

		// InSameClass reports whether the two types are interchangeable:
		// not more specific, not less.
		InSameClass(Type) bool

		// IsSuper reports whether a value of the other type is always
		// acceptable where a value of this type is expected.
		IsSuper(Type) bool

		String() string
	}

	// MemorySharer is implemented by types that can decide whether two of
	// their runtime values are backed by overlapping storage. Types without
	// this capability are never checked for argument aliasing.
	MemorySharer interface {
		MayShareMemory(a, b any) bool
	}

	// Op is an operation applied to variables.
	Op interface {
		Name() string
	}

	// ViewMapper is implemented by ops with outputs aliasing the storage
	// of some of their inputs. The map goes from an output position to the
	// input positions the output is a view of.
	ViewMapper interface {
		ViewMap() map[int][]int
	}

	// DestroyMapper is implemented by ops computing outputs by overwriting
	// the storage of some of their inputs. The map goes from an output
	// position to the input positions being destroyed.
	DestroyMapper interface {
		DestroyMap() map[int][]int
	}

	// HasInnerGraph is implemented by ops owning a nested graph
	// (e.g. a scan or a compiled subgraph).
	HasInnerGraph interface {
		InnerGraph() *Graph
	}

	// SupportsFree is implemented by ops holding buffers that can be
	// released between calls.
	SupportsFree interface {
		Free()
	}
)

// ViewMap returns the view map of an op, or nil if the op declares none.
func ViewMap(op Op) map[int][]int {
	if vm, ok := op.(ViewMapper); ok {
		return vm.ViewMap()
	}
	return nil
}

// DestroyMap returns the destroy map of an op, or nil if the op declares none.
func DestroyMap(op Op) map[int][]int {
	if dm, ok := op.(DestroyMapper); ok {
		return dm.DestroyMap()
	}
	return nil
}

// Variable is a value node in a graph.
type Variable struct {
	typ   Type
	name  string
	owner *Apply
	index int

	constValue any
	isConst    bool
}

// NewVariable returns a new variable of a given type with no owner.
func NewVariable(typ Type, name string) *Variable {
	return &Variable{typ: typ, name: name}
}

// NewConstant returns a new variable carrying a fixed value.
// Constants cannot be declared as function inputs.
func NewConstant(typ Type, value any, name string) *Variable {
	return &Variable{typ: typ, name: name, constValue: value, isConst: true}
}

// Type of the values this variable can hold.
func (v *Variable) Type() Type { return v.typ }

// Name of the variable. Empty for anonymous variables.
func (v *Variable) Name() string { return v.name }

// SetName renames the variable.
func (v *Variable) SetName(name string) { v.name = name }

// Owner returns the apply node computing this variable,
// or nil if the variable is a graph input or a constant.
func (v *Variable) Owner() *Apply { return v.owner }

// Index is the output position of the variable within its owner.
func (v *Variable) Index() int { return v.index }

// IsConst reports whether the variable carries a fixed value.
func (v *Variable) IsConst() bool { return v.isConst }

// ConstValue returns the fixed value of a constant variable.
func (v *Variable) ConstValue() any { return v.constValue }

// String returns the name of the variable or a placeholder built from its type.
func (v *Variable) String() string {
	if v.name != "" {
		return v.name
	}
	if v.isConst {
		return fmt.Sprintf("const<%v>", v.constValue)
	}
	return fmt.Sprintf("<%s>", v.typ.String())
}

// Apply is the application of an op to input variables.
type Apply struct {
	op      Op
	inputs  []*Variable
	outputs []*Variable
}

// NewApply applies an op to inputs, creating one output variable per output type.
func NewApply(op Op, inputs []*Variable, outputTypes []Type) *Apply {
	a := &Apply{op: op, inputs: inputs}
	a.outputs = make([]*Variable, len(outputTypes))
	for i, typ := range outputTypes {
		a.outputs[i] = &Variable{typ: typ, owner: a, index: i}
	}
	return a
}

// Op applied by the node.
func (a *Apply) Op() Op { return a.op }

// Inputs of the node.
func (a *Apply) Inputs() []*Variable { return a.inputs }

// Outputs of the node.
func (a *Apply) Outputs() []*Variable { return a.outputs }

// String returns the op applied to its inputs.
func (a *Apply) String() string {
	args := make([]string, len(a.inputs))
	for i, in := range a.inputs {
		args[i] = in.String()
	}
	return fmt.Sprintf("%s(%s)", a.op.Name(), strings.Join(args, ", "))
}

// Client is a use of a variable as the Index-th input of an apply node.
type Client struct {
	Apply *Apply
	Index int
}

// Graph is a function graph: declared inputs, declared outputs, and all the
// apply nodes in between. The graph tracks, for every variable, the apply
// nodes consuming it, and maintains the apply list in topological order.
type Graph struct {
	name    string
	inputs  []*Variable
	outputs []*Variable

	// updateMapping maps an output position to the position of the input
	// whose persistent storage receives the output value after each call.
	updateMapping map[int]int

	applies   []*Apply
	applySet  map[*Apply]bool
	variables map[*Variable]bool
	clients   map[*Variable][]Client

	features []Feature
}

type graphOptions struct {
	name          string
	updateMapping map[int]int
	clone         bool
}

// GraphOption configures the construction of a graph.
type GraphOption func(*graphOptions)

// WithName sets the name of the graph.
func WithName(name string) GraphOption {
	return func(o *graphOptions) { o.name = name }
}

// WithUpdateMapping declares which outputs feed back into which inputs.
func WithUpdateMapping(m map[int]int) GraphOption {
	return func(o *graphOptions) { o.updateMapping = m }
}

// WithClone forces the graph to be built over a clone of the computation
// between the inputs and the outputs, severing node identity with the graph
// the caller owns.
func WithClone(clone bool) GraphOption {
	return func(o *graphOptions) { o.clone = clone }
}

// New builds a graph from declared inputs and outputs. All apply nodes
// reachable backward from the outputs are imported, stopping at the declared
// inputs. A reachable ownerless variable that is neither a declared input nor
// a constant is a specification error.
func New(inputs, outputs []*Variable, opts ...GraphOption) (*Graph, error) {
	var o graphOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.clone {
		equiv, err := CloneEquiv(inputs, outputs)
		if err != nil {
			return nil, err
		}
		inputs = replaceAll(equiv, inputs)
		outputs = replaceAll(equiv, outputs)
	}
	g := &Graph{
		name:          o.name,
		inputs:        inputs,
		updateMapping: map[int]int{},
		applySet:      map[*Apply]bool{},
		variables:     map[*Variable]bool{},
		clients:       map[*Variable][]Client{},
	}
	for out, in := range o.updateMapping {
		g.updateMapping[out] = in
	}
	for _, in := range inputs {
		if in.isConst {
			return nil, errors.Errorf("constant %s cannot be declared as a graph input", in)
		}
		g.variables[in] = true
	}
	for _, out := range outputs {
		if err := g.AddOutput(out); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func replaceAll(equiv map[*Variable]*Variable, vars []*Variable) []*Variable {
	repl := make([]*Variable, len(vars))
	for i, v := range vars {
		repl[i] = equiv[v]
	}
	return repl
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// SetName renames the graph.
func (g *Graph) SetName(name string) { g.name = name }

// Inputs declared on the graph.
func (g *Graph) Inputs() []*Variable { return g.inputs }

// Outputs declared on the graph, update outputs included.
func (g *Graph) Outputs() []*Variable { return g.outputs }

// UpdateMapping maps output positions to the input positions they update.
func (g *Graph) UpdateMapping() map[int]int { return g.updateMapping }

// SetUpdateMapping declares which outputs feed back into which inputs.
func (g *Graph) SetUpdateMapping(m map[int]int) { g.updateMapping = m }

// Applies returns the apply nodes of the graph in topological order:
// a node always appears after the owners of all its inputs.
func (g *Graph) Applies() []*Apply { return g.applies }

// String returns the signature of the graph followed by its apply nodes in
// topological order, one numbered line per node.
func (g *Graph) String() string {
	var b strings.Builder
	name := g.name
	if name == "" {
		name = "graph"
	}
	b.WriteString(name)
	b.WriteString("(")
	stringseq.AppendStringer(&b, slices.Values(g.inputs), ", ")
	b.WriteString(") -> (")
	stringseq.AppendStringer(&b, slices.Values(g.outputs), ", ")
	b.WriteString(")\n")
	var body strings.Builder
	for _, a := range g.applies {
		body.WriteString(a.String())
		body.WriteString("\n")
	}
	if body.Len() > 0 {
		b.WriteString(gxfmt.Indent(gxfmt.Number(body.String())))
	}
	return b.String()
}

// Contains reports whether the variable belongs to the graph.
func (g *Graph) Contains(v *Variable) bool { return g.variables[v] }

// Clients returns the uses of a variable as an input of apply nodes.
// Uses as graph outputs are not clients; they are visible in Outputs.
func (g *Graph) Clients(v *Variable) []Client { return g.clients[v] }

// AddOutput appends a variable to the graph outputs,
// importing its ancestors into the graph.
func (g *Graph) AddOutput(v *Variable) error {
	if err := g.importVariable(v); err != nil {
		return err
	}
	g.outputs = append(g.outputs, v)
	return nil
}

func (g *Graph) importVariable(v *Variable) error {
	if g.variables[v] {
		return nil
	}
	if v.owner == nil {
		if !v.isConst {
			return errors.Errorf("variable %s is needed to compute the outputs but is not a declared input of the graph", v)
		}
		g.variables[v] = true
		return nil
	}
	return g.importApply(v.owner)
}

func (g *Graph) importApply(a *Apply) error {
	if g.applySet[a] {
		return nil
	}
	// Mark before recursing: the graph is acyclic by construction,
	// but a cycle introduced by a broken rewrite should not hang here.
	g.applySet[a] = true
	for _, in := range a.inputs {
		if err := g.importVariable(in); err != nil {
			return err
		}
	}
	g.applies = append(g.applies, a)
	for i, in := range a.inputs {
		g.clients[in] = append(g.clients[in], Client{Apply: a, Index: i})
	}
	for _, out := range a.outputs {
		g.variables[out] = true
	}
	return nil
}

// ChangeOutput replaces the i-th output of the graph by a new variable,
// importing the new variable's ancestors, then validating the graph features.
func (g *Graph) ChangeOutput(i int, v *Variable) error {
	if i < 0 || i >= len(g.outputs) {
		return errors.Errorf("output index %d out of range (%d outputs)", i, len(g.outputs))
	}
	if err := g.importVariable(v); err != nil {
		return err
	}
	old := g.outputs[i]
	g.outputs[i] = v
	g.notifyChange(old, v)
	return g.Validate()
}

// Replace substitutes a variable by another one everywhere it is used:
// in all apply node inputs and in the graph outputs. The graph features are
// validated after the substitution.
func (g *Graph) Replace(old, new *Variable) error {
	if !g.variables[old] {
		return errors.Errorf("variable %s does not belong to the graph", old)
	}
	if new.owner == nil && !new.isConst && g.isInput(old) {
		// Substituting an input by a fresh source variable: the new
		// variable becomes an input instead of being imported.
		g.variables[new] = true
	}
	if err := g.importVariable(new); err != nil {
		return err
	}
	for _, cl := range g.clients[old] {
		cl.Apply.inputs[cl.Index] = new
		g.clients[new] = append(g.clients[new], cl)
	}
	delete(g.clients, old)
	for i, out := range g.outputs {
		if out == old {
			g.outputs[i] = new
		}
	}
	for i, in := range g.inputs {
		if in == old {
			g.inputs[i] = new
		}
	}
	g.notifyChange(old, new)
	return g.Validate()
}

func (g *Graph) isInput(v *Variable) bool {
	for _, in := range g.inputs {
		if in == v {
			return true
		}
	}
	return false
}

func (g *Graph) notifyChange(old, new *Variable) {
	for _, f := range g.features {
		if l, ok := f.(ChangeListener); ok {
			l.OnChange(g, old, new)
		}
	}
}

// Validate runs the validators of all attached features.
func (g *Graph) Validate() error {
	var errs error
	for _, f := range g.features {
		if v, ok := f.(Validator); ok {
			errs = multierr.Append(errs, v.Validate(g))
		}
	}
	return errs
}
