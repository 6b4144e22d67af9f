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
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"github.com/gx-org/symfn/graph"
	"github.com/gx-org/symfn/link"
)

// Function is a compiled callable bound to its own storage cells. It owns
// one cell per declared input, shared by pointer with the backend thunk, so
// feeding an argument and running the thunk communicate without copying.
// Stateful inputs keep their persistent cell across calls; their update
// outputs are written back after every successful call.
//
// A function is not safe for concurrent calls: the storage cells are the
// communication channel with the thunk.
type Function struct {
	maker *Maker
	thunk link.Thunk
	log   *zap.Logger

	inputCells  []*link.Container
	outputCells []*link.Container
	defaults    []defaultSpec
	finder      *finder

	// updatePairs maps graph output positions to the input cell receiving
	// the value after each call.
	updatePairs  [][2]int
	updateOuts   []int
	thunkUpdates bool

	// aliasGroups lists input positions whose runtime values must be
	// checked for memory overlap before each call. Empty when no input is
	// borrowed or no type can share memory.
	aliasGroups [][]int

	trustInput   bool
	unpackSingle bool
}

// CallOpts carries the arguments of one call.
type CallOpts struct {
	// Args are positional argument values, matched to the declared inputs
	// in order.
	Args []any
	// Named are arguments matched to inputs by declared name.
	Named map[string]any
	// OutputSubset restricts the computation to the declared output
	// positions listed. Updates of stateful inputs are computed and
	// applied regardless.
	OutputSubset []int
}

func newFunction(m *Maker, thunk link.Thunk, ins, outs []*link.Container, defaults []defaultSpec) (*Function, error) {
	f := &Function{
		maker:        m,
		thunk:        thunk,
		log:          m.log,
		inputCells:   ins,
		outputCells:  outs,
		defaults:     defaults,
		finder:       newFinder(m.inputs),
		trustInput:   m.trustInput,
		unpackSingle: m.unpackSingle,
	}
	for outIdx, inIdx := range m.g.UpdateMapping() {
		f.updatePairs = append(f.updatePairs, [2]int{outIdx, inIdx})
		f.updateOuts = append(f.updateOuts, outIdx)
	}
	sort.Slice(f.updatePairs, func(i, j int) bool { return f.updatePairs[i][0] < f.updatePairs[j][0] })
	sort.Ints(f.updateOuts)
	if u, ok := thunk.(link.InputUpdater); ok {
		f.thunkUpdates = u.UpdatesInputs()
	}
	f.aliasGroups = aliasGroups(m.inputs)
	return f, nil
}

// aliasGroups partitions the borrowed caller-fed inputs whose types can
// detect memory overlap into groups of mutually substitutable types. Only
// borrowed inputs can keep a reference to the caller's buffer, so only they
// can corrupt an aliased argument; inputs the function copies anyway never
// need the check.
func aliasGroups(inputs []*In) [][]int {
	var groups [][]int
	for i, in := range inputs {
		if in.Shared != nil || !in.Borrow {
			continue
		}
		if _, ok := in.Variable.Type().(graph.MemorySharer); !ok {
			continue
		}
		placed := false
		for gi, group := range groups {
			rep := inputs[group[0]].Variable.Type()
			typ := in.Variable.Type()
			if rep.IsSuper(typ) || typ.IsSuper(rep) {
				groups[gi] = append(groups[gi], i)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []int{i})
		}
	}
	var checked [][]int
	for _, group := range groups {
		if len(group) > 1 {
			checked = append(checked, group)
		}
	}
	return checked
}

// Call feeds positional arguments and runs the computation. The result is
// nil for a function with no declared outputs, the bare value when compiled
// with WithUnpackSingle and one output, a name-keyed map when compiled with
// WithOutputKeys, and a []any otherwise.
func (f *Function) Call(ctx context.Context, args ...any) (any, error) {
	return f.CallOpts(ctx, CallOpts{Args: args})
}

// CallOpts runs the computation with full control over argument passing and
// the computed output subset. On any error before or during execution, the
// storage cells are restored to their defaults so the function stays usable;
// persistent cells of stateful inputs are only written on success.
func (f *Function) CallOpts(ctx context.Context, opts CallOpts) (any, error) {
	profile := f.maker.profile
	start := profile.start()
	if profile != nil {
		profile.CallCount++
		defer func() { profile.CallTime += profile.since(start) }()
	}

	if f.trustInput && opts.Named == nil {
		args := opts.Args
		if len(args) > len(f.inputCells) {
			args = args[:len(f.inputCells)]
		}
		for i, arg := range args {
			f.inputCells[i].Store(arg)
			f.inputCells[i].Provided++
		}
	} else if err := f.feed(opts.Args, opts.Named); err != nil {
		f.restoreDefaults()
		return nil, err
	}

	if !f.trustInput {
		if err := f.checkAliased(); err != nil {
			f.restoreDefaults()
			return nil, err
		}
		if err := f.checkProvided(); err != nil {
			f.restoreDefaults()
			return nil, err
		}
	}

	results, err := f.execute(ctx, opts.OutputSubset)
	if err != nil {
		f.restoreDefaults()
		return nil, errors.Wrapf(err, "%s failed", f.describe())
	}

	if !f.thunkUpdates {
		for _, pair := range f.updatePairs {
			f.inputCells[pair[1]].Store(results[pair[0]])
		}
	}
	f.cleanup(results)
	return f.shape(results, opts.OutputSubset), nil
}

func (f *Function) describe() string {
	if name := f.maker.name; name != "" {
		return "function " + name
	}
	return "function"
}

// feed validates and stores the call arguments into the input cells.
func (f *Function) feed(args []any, named map[string]any) error {
	if len(args) > len(f.inputCells) {
		return errors.Errorf("%s takes at most %d arguments, got %d (inputs: %s)",
			f.describe(), len(f.inputCells), len(args), describeInputs(f.maker.inputs))
	}
	for i, arg := range args {
		if f.inputCells[i].Implicit {
			return f.implicitError(i)
		}
		if arg == nil {
			// An input a restricted call does not need may be left nil.
			// A node actually reading the empty cell fails at execution.
			f.inputCells[i].Store(nil)
			f.inputCells[i].Provided++
			continue
		}
		if err := f.inputCells[i].SetValue(arg); err != nil {
			return errors.Wrapf(err, "invalid argument %d (%s) to %s",
				i, f.maker.inputs[i].Name, f.describe())
		}
	}
	// Deterministic order keeps multi-error messages stable.
	names := maps.Keys(named)
	sort.Strings(names)
	for _, name := range names {
		i, err := f.finder.resolveName(name, f.maker.inputs)
		if err != nil {
			return err
		}
		if f.inputCells[i].Implicit {
			return f.implicitError(i)
		}
		if named[name] == nil {
			f.inputCells[i].Store(nil)
			f.inputCells[i].Provided++
			continue
		}
		if err := f.inputCells[i].SetValue(named[name]); err != nil {
			return errors.Wrapf(err, "invalid argument %q to %s", name, f.describe())
		}
	}
	return nil
}

func (f *Function) implicitError(i int) error {
	return errors.Errorf("input %d (%s) to %s is fed by its shared storage and cannot be passed as an argument",
		i, f.maker.inputs[i].Name, f.describe())
}

// checkAliased copies arguments whose storage overlaps another argument of
// the same call. Without the copy, an in-place operation writing through one
// input cell would silently corrupt the other.
func (f *Function) checkAliased() error {
	for _, group := range f.aliasGroups {
		for gi, i := range group {
			ci := f.inputCells[i]
			if ci.Provided == 0 || ci.Value() == nil {
				continue
			}
			sharer := f.maker.inputs[i].Variable.Type().(graph.MemorySharer)
			for _, j := range group[gi+1:] {
				cj := f.inputCells[j]
				if cj.Provided == 0 || cj.Value() == nil {
					continue
				}
				if !sharer.MayShareMemory(ci.Value(), cj.Value()) {
					continue
				}
				copier, ok := cj.Value().(Copier)
				if !ok {
					return &AliasedMemoryError{A: f.maker.inputs[i].Variable, B: f.maker.inputs[j].Variable}
				}
				f.log.Debug("copying aliased argument",
					zap.Int("kept", i), zap.Int("copied", j))
				cj.Store(copier.DeepCopy())
			}
		}
	}
	return nil
}

// checkProvided enforces the call contract on every cell: required cells
// fed exactly once, others at most once, persistent cells never fed.
func (f *Function) checkProvided() error {
	var errs error
	for i, c := range f.inputCells {
		in := f.maker.inputs[i]
		switch {
		case c.Required && c.Provided == 0:
			errs = multierr.Append(errs, errors.Errorf(
				"missing required input %d (%s) to %s (inputs: %s)",
				i, in.Name, f.describe(), describeInputs(f.maker.inputs)))
		case c.Provided > 1:
			errs = multierr.Append(errs, errors.Errorf(
				"input %d (%s) to %s was provided %d times",
				i, in.Name, f.describe(), c.Provided))
		case c.Implicit && c.Provided > 0:
			errs = multierr.Append(errs, f.implicitError(i))
		}
	}
	return errs
}

// execute runs the thunk and returns one value per graph output. A nil
// result slice from the thunk means the values were written to the output
// cells, so they are read back from there.
func (f *Function) execute(ctx context.Context, outputSubset []int) ([]any, error) {
	subset, err := f.thunkSubset(outputSubset)
	if err != nil {
		return nil, err
	}
	profile := f.maker.profile
	start := profile.start()
	values, err := f.thunk.Call(ctx, subset)
	if profile != nil {
		profile.ThunkTime += profile.since(start)
	}
	if err != nil {
		return nil, err
	}
	if values != nil {
		return values, nil
	}
	values = make([]any, len(f.outputCells))
	for i, c := range f.outputCells {
		values[i] = c.Value()
	}
	return values, nil
}

// thunkSubset translates a declared-output subset into the graph output
// positions the thunk must compute, always including the update outputs.
func (f *Function) thunkSubset(outputSubset []int) ([]int, error) {
	if outputSubset == nil {
		return nil, nil
	}
	n := len(f.maker.outputs)
	seen := make(map[int]bool, len(outputSubset)+len(f.updateOuts))
	var subset []int
	for _, i := range outputSubset {
		if i < 0 || i >= n {
			return nil, errors.Errorf("output subset index %d out of range: %s has %d outputs", i, f.describe(), n)
		}
		if !seen[i] {
			seen[i] = true
			subset = append(subset, i)
		}
	}
	for _, i := range f.updateOuts {
		if !seen[i] {
			seen[i] = true
			subset = append(subset, i)
		}
	}
	sort.Ints(subset)
	return subset, nil
}

// cleanup resets the call bookkeeping: required cells are emptied so a stale
// value can never satisfy the next call, computed output cells are released
// when the thunk allows it, and refed defaults are restored.
func (f *Function) cleanup(results []any) {
	allowGC := false
	if g, ok := f.thunk.(link.GCAllower); ok {
		allowGC = g.AllowGC()
	}
	if allowGC {
		for i, v := range f.maker.g.Outputs() {
			if v.Owner() != nil {
				f.outputCells[i].Clear()
			}
		}
	}
	f.restoreDefaults()
}

// restoreDefaults puts every input cell back into its between-calls state.
func (f *Function) restoreDefaults() {
	for i, c := range f.inputCells {
		c.Provided = 0
		d := f.defaults[i]
		switch {
		case d.required:
			c.Clear()
		case d.refeed:
			c.Store(d.value)
		}
	}
}

// shape arranges the per-output values into the declared return form.
func (f *Function) shape(results []any, outputSubset []int) any {
	if f.maker.returnNone {
		return nil
	}
	declared := results[:len(f.maker.outputs)]
	if keys := f.maker.outputKeys; keys != nil {
		m := make(map[string]any, len(declared))
		if outputSubset == nil {
			for i, v := range declared {
				m[keys[i]] = v
			}
		} else {
			for _, i := range outputSubset {
				m[keys[i]] = declared[i]
			}
		}
		return m
	}
	if outputSubset != nil {
		picked := make([]any, len(outputSubset))
		for oi, i := range outputSubset {
			picked[oi] = declared[i]
		}
		if f.unpackSingle && len(picked) == 1 {
			return picked[0]
		}
		return picked
	}
	if f.unpackSingle && len(declared) == 1 {
		return declared[0]
	}
	out := make([]any, len(declared))
	copy(out, declared)
	return out
}

// Name of the function.
func (f *Function) Name() string { return f.maker.name }

// Maker that compiled this function.
func (f *Function) Maker() *Maker { return f.maker }

// Graph computed by this function.
func (f *Function) Graph() *graph.Graph { return f.maker.g }

// Storage returns the cell feeding input i.
func (f *Function) Storage(i int) (*link.Container, error) {
	if i < 0 || i >= len(f.inputCells) {
		return nil, errors.Errorf("%s has %d inputs, no input %d", f.describe(), len(f.inputCells), i)
	}
	return f.inputCells[i], nil
}

// StorageByName returns the cell feeding the input of that name.
func (f *Function) StorageByName(name string) (*link.Container, error) {
	i, err := f.finder.resolveName(name, f.maker.inputs)
	if err != nil {
		return nil, err
	}
	return f.inputCells[i], nil
}

// StorageByVariable returns the cell feeding the input wrapping a variable.
func (f *Function) StorageByVariable(v *graph.Variable) (*link.Container, error) {
	r := f.finder.Variable(v)
	if r.Tag != Found {
		return nil, errors.Errorf("%s has no input for variable %s", f.describe(), v)
	}
	return f.inputCells[r.Index], nil
}

// SharedStorage returns the persistent cells of the stateful inputs, in
// declaration order.
func (f *Function) SharedStorage() []*link.Container {
	var cells []*link.Container
	for i, in := range f.maker.inputs {
		if in.Shared != nil {
			cells = append(cells, f.inputCells[i])
		}
	}
	return cells
}

// SharedVariables returns the graph variables of the stateful inputs, in
// declaration order.
func (f *Function) SharedVariables() []*graph.Variable {
	var vars []*graph.Variable
	for _, in := range f.maker.inputs {
		if in.Shared != nil {
			vars = append(vars, in.Variable)
		}
	}
	return vars
}

// Free releases the buffers held between calls: intermediate storage of the
// thunk, the non-persistent input cells, and any buffers held by the ops
// themselves, nested graphs included. The function stays callable.
func (f *Function) Free() {
	if fr, ok := f.thunk.(link.Freer); ok {
		fr.Free()
	}
	freeOps(f.maker.g)
	for i, c := range f.inputCells {
		if f.maker.inputs[i].Shared != nil {
			continue
		}
		if f.defaults[i].refeed {
			continue
		}
		c.Clear()
	}
}

// freeOps forwards freeing to every op of the graph, descending into the
// nested graph of ops that own one.
func freeOps(g *graph.Graph) {
	for _, a := range g.Applies() {
		if sf, ok := a.Op().(graph.SupportsFree); ok {
			sf.Free()
		}
		if ig, ok := a.Op().(graph.HasInnerGraph); ok {
			freeOps(ig.InnerGraph())
		}
	}
}
