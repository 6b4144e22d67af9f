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

// Package compile builds callable functions out of symbolic graphs.
//
// The pipeline prepares a function graph from input and output
// specifications (StdGraph), runs an opaque rewriter over it, breaks illegal
// output aliasing (InsertDeepCopy), links the result into thunks, and wraps
// everything into a Function enforcing the call contracts: argument
// filtering, aliasing detection, update propagation, and storage management.
package compile

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"github.com/gx-org/symfn/graph"
	"github.com/gx-org/symfn/link"
)

// Maker is the immutable result of preparing, rewriting, and linking one
// input/output specification set. A maker instantiates any number of
// independent functions without re-running the rewriter; it is shared
// read-only between a function and all its copies.
type Maker struct {
	mode    Mode
	log     *zap.Logger
	profile *Profile

	name          string
	trustInput    bool
	acceptInplace bool
	unpackSingle  bool
	returnNone    bool
	outputKeys    []string

	g       *graph.Graph
	inputs  []*In
	outputs []*Out
	updates []*Out
	linker  link.BoundLinker

	// required and refeed are mutually exclusive by construction:
	// a required input has no value to refeed.
	required []bool
	refeed   []bool
}

type makerConfig struct {
	mode       Mode
	log        *zap.Logger
	profile    *Profile
	name       string
	onUnused   UnusedInputPolicy
	outputKeys []string
	existing   *graph.Graph

	acceptInplace bool
	trustInput    bool
	unpackSingle  bool
	forceClone    bool
	skipPrep      bool
}

// MakerOption configures the compilation of a function.
type MakerOption func(*makerConfig)

// WithMode sets the rewriter and the linker.
func WithMode(m Mode) MakerOption {
	return func(c *makerConfig) { c.mode = m }
}

// WithLogger sets the logger used during compilation.
func WithLogger(log *zap.Logger) MakerOption {
	return func(c *makerConfig) { c.log = log.With(zap.String("component", "compile")) }
}

// WithProfile attributes compile and call time to a profile.
func WithProfile(p *Profile) MakerOption {
	return func(c *makerConfig) { c.profile = p }
}

// WithName names the compiled function.
func WithName(name string) MakerOption {
	return func(c *makerConfig) { c.name = name }
}

// WithAcceptInplace permits in-place operations to be present in the graph
// before rewriting.
func WithAcceptInplace() MakerOption {
	return func(c *makerConfig) { c.acceptInplace = true }
}

// WithUnusedInputPolicy decides what happens when a declared input is not
// needed to compute the outputs. The default policy fails compilation.
func WithUnusedInputPolicy(p UnusedInputPolicy) MakerOption {
	return func(c *makerConfig) { c.onUnused = p }
}

// WithTrustInput skips all call-time validation and aliasing checks.
func WithTrustInput() MakerOption {
	return func(c *makerConfig) { c.trustInput = true }
}

// WithUnpackSingle makes a single-output function return the bare value
// instead of a one-element list.
func WithUnpackSingle() MakerOption {
	return func(c *makerConfig) { c.unpackSingle = true }
}

// WithOutputKeys names the outputs; calls return a name-keyed map.
func WithOutputKeys(keys ...string) MakerOption {
	return func(c *makerConfig) { c.outputKeys = keys }
}

// WithGraph compiles a pre-existing graph instead of cloning one from the
// declared inputs and outputs.
func WithGraph(g *graph.Graph) MakerOption {
	return func(c *makerConfig) { c.existing = g }
}

// WithForceClone clones the computation even when all declared inputs are
// source nodes.
func WithForceClone() MakerOption {
	return func(c *makerConfig) { c.forceClone = true }
}

// withRawLogger carries an already qualified logger over to a new maker.
func withRawLogger(log *zap.Logger) MakerOption {
	return func(c *makerConfig) { c.log = log }
}

// withSkipPrep reuses an already rewritten graph. Used when copying a
// compiled function: the copied graph may legitimately contain in-place
// operations introduced by the rewriter.
func withSkipPrep() MakerOption {
	return func(c *makerConfig) { c.skipPrep = true }
}

// NewMaker normalizes the specifications, prepares the graph, runs the
// rewriter, inserts defensive copies, and links the result. The context
// bounds the rewriter: on cancellation, the time already consumed is
// attributed to the profile and the interruption propagates.
func NewMaker(ctx context.Context, inputs []*In, outputs []*Out, opts ...MakerOption) (*Maker, error) {
	cfg := makerConfig{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.mode = cfg.mode.withDefaults()

	compileStart := cfg.profile.start()
	for i, in := range inputs {
		if in == nil {
			return nil, errors.Errorf("input specification %d is nil", i)
		}
		if err := in.validate(); err != nil {
			return nil, errors.Wrapf(err, "invalid specification for input %d", i)
		}
		if in.Name == "" {
			in.Name = in.Variable.Name()
		}
	}
	for i, out := range outputs {
		if out == nil {
			return nil, errors.Errorf("output specification %d is nil", i)
		}
		if err := out.validate(); err != nil {
			return nil, errors.Wrapf(err, "invalid specification for output %d", i)
		}
	}
	if cfg.outputKeys != nil && len(cfg.outputKeys) != len(outputs) {
		return nil, errors.Errorf("got %d output keys for %d outputs", len(cfg.outputKeys), len(outputs))
	}
	if err := checkUnusedInputs(inputs, outputs, cfg.onUnused, cfg.log); err != nil {
		return nil, err
	}

	g, updates, err := StdGraph(inputs, outputs, cfg.acceptInplace, cfg.existing, cfg.forceClone)
	if err != nil {
		return nil, err
	}
	g.SetName(cfg.name)

	m := &Maker{
		mode:          cfg.mode,
		log:           cfg.log,
		profile:       cfg.profile,
		name:          cfg.name,
		trustInput:    cfg.trustInput,
		acceptInplace: cfg.acceptInplace,
		unpackSingle:  cfg.unpackSingle,
		returnNone:    len(outputs) == 0,
		outputKeys:    cfg.outputKeys,
		g:             g,
		inputs:        inputs,
		outputs:       outputs,
		updates:       updates,
	}
	if !cfg.skipPrep {
		if err := m.prepare(ctx); err != nil {
			return nil, err
		}
	}
	if err := m.link(); err != nil {
		return nil, err
	}

	m.required = make([]bool, len(inputs))
	m.refeed = make([]bool, len(inputs))
	for i, in := range inputs {
		m.required[i] = in.Value == nil && in.Shared == nil
		m.refeed[i] = in.Value != nil && in.Shared == nil && in.Update == nil
	}

	if m.profile != nil {
		m.profile.CompileTime += m.profile.since(compileStart)
		m.profile.NodeCount = len(g.Applies())
	}
	return m, nil
}

// prepare runs the rewriter and fixes output aliasing. The elapsed rewrite
// time is recorded even when the rewriter is interrupted.
func (m *Maker) prepare(ctx context.Context) (err error) {
	start := m.profile.start()
	defer func() {
		if m.profile != nil {
			elapsed := m.profile.since(start)
			m.profile.RewriteTime += elapsed
			m.log.Debug("rewriting done", zap.Duration("elapsed", elapsed), zap.Error(err))
		}
	}()
	if err = m.mode.Rewriter.Rewrite(ctx, m.g); err != nil {
		return errors.Wrap(err, "rewriter failed")
	}
	return InsertDeepCopy(m.g, m.inputs, append(append([]*Out{}, m.outputs...), m.updates...))
}

// link determines the outputs whose storage the backend must never recycle
// and binds the linker to the finalized graph.
func (m *Maker) link() error {
	specs := append(append([]*Out{}, m.outputs...), m.updates...)
	var noBorrow []*graph.Variable
	for i, spec := range specs {
		if !spec.Borrow {
			noBorrow = append(noBorrow, m.g.Outputs()[i])
		}
	}
	var noRecycling []*graph.Variable
	if len(noBorrow) > 0 {
		var err error
		noRecycling, err = InferReusePattern(m.g, noBorrow)
		if err != nil {
			return err
		}
	}
	bound, err := m.mode.Linker.Accept(m.g, noRecycling)
	if err != nil {
		return err
	}
	m.linker = bound
	m.log.Debug("graph linked", zap.Stringer("graph", m.g))
	return nil
}

// checkUnusedInputs detects declared inputs that are unreachable backward
// from the outputs and the updates, blocked at declared input boundaries.
func checkUnusedInputs(inputs []*In, outputs []*Out, policy UnusedInputPolicy, log *zap.Logger) error {
	if policy == UnusedIgnore {
		return nil
	}
	var roots []*graph.Variable
	for _, out := range outputs {
		roots = append(roots, out.Variable)
	}
	blockers := make([]*graph.Variable, len(inputs))
	for i, in := range inputs {
		blockers[i] = in.Variable
		if in.Update != nil {
			roots = append(roots, in.Update)
		}
	}
	used := graph.Ancestors(roots, blockers)
	var errs error
	for i, in := range inputs {
		if in.Update != nil || used[in.Variable] {
			continue
		}
		if policy == UnusedWarn {
			log.Warn("unused input", zap.Int("index", i), zap.String("variable", in.Variable.String()))
			continue
		}
		errs = multierr.Append(errs, &UnusedInputError{Index: i, Variable: in.Variable})
	}
	return errs
}

// Graph returns the finalized graph of the maker.
func (m *Maker) Graph() *graph.Graph { return m.g }

// Inputs returns the input specifications of the maker.
func (m *Maker) Inputs() []*In { return m.inputs }

// Outputs returns the declared output specifications, updates excluded.
func (m *Maker) Outputs() []*Out { return m.outputs }

// Name of the functions created by this maker.
func (m *Maker) Name() string { return m.name }

// Profile receiving the time spent by this maker and its functions.
func (m *Maker) Profile() *Profile { return m.profile }

// defaultSpec records, for one input, whether a value is required at each
// call, whether the value must be reset to a fixed default after each call,
// and that default value.
type defaultSpec struct {
	required bool
	refeed   bool
	value    any
}

// Create instantiates an independent function bound to this maker:
// one storage cell per input, persistent cells reused for shared inputs.
func (m *Maker) Create() (*Function, error) {
	return m.create(nil)
}

func (m *Maker) create(storageMap map[*graph.Variable]*link.Container) (*Function, error) {
	inputCells := make([]*link.Container, len(m.inputs))
	defaults := make([]defaultSpec, len(m.inputs))
	for i, in := range m.inputs {
		c := in.Shared
		if c == nil {
			c = link.NewContainer(in.Variable.Type())
		}
		c.Strict = in.Strict
		c.AllowDowncast = in.AllowDowncast
		c.Required = m.required[i]
		c.Implicit = in.Shared != nil
		c.Provided = 0

		var value any
		if in.Shared == nil && in.Value != nil {
			filtered, err := c.Type().Filter(in.Value, c.Strict, c.AllowDowncast)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid default value for input %d (%s)", i, in.Variable)
			}
			c.Store(filtered)
			value = filtered
		}
		inputCells[i] = c
		defaults[i] = defaultSpec{required: m.required[i], refeed: m.refeed[i], value: value}
	}

	start := m.profile.start()
	thunk, ins, outs, err := m.linker.MakeThunk(inputCells, storageMap)
	if err != nil {
		return nil, err
	}
	if m.profile != nil {
		elapsed := m.profile.since(start)
		m.profile.LinkerTime += elapsed
		m.log.Debug("linking done", zap.Duration("elapsed", elapsed))
	}
	return newFunction(m, thunk, ins, outs, defaults)
}

// NewFunction compiles the specifications and instantiates one function.
func NewFunction(ctx context.Context, inputs []*In, outputs []*Out, opts ...MakerOption) (*Function, error) {
	m, err := NewMaker(ctx, inputs, outputs, opts...)
	if err != nil {
		return nil, err
	}
	return m.Create()
}
