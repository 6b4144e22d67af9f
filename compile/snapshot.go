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
	"go.uber.org/zap"
	"github.com/gx-org/symfn/graph"
)

// AliasStrategy decides what a snapshot does when two captured values share
// memory. A snapshot stores each value independently, so aliasing between
// inputs is silently lost on restore: the strategy controls whether that
// loss is ignored, reported, or refused.
type AliasStrategy int

const (
	// AliasWarn logs the aliased pair and captures anyway.
	AliasWarn AliasStrategy = iota
	// AliasRaise refuses to capture aliased values.
	AliasRaise
	// AliasIgnore captures silently.
	AliasIgnore
)

// Snapshot is a frozen copy of the per-input state of a function: default
// values, persistent state of stateful inputs, everything needed to bring
// another function from the same maker back to this state.
type Snapshot struct {
	types  []graph.Type
	values []any
}

// Snapshot captures the current values of all input cells. Values supporting
// deep copy are copied, so later calls on the function do not mutate the
// snapshot.
func (f *Function) Snapshot(strategy AliasStrategy) (*Snapshot, error) {
	s := &Snapshot{
		types:  make([]graph.Type, len(f.inputCells)),
		values: make([]any, len(f.inputCells)),
	}
	if strategy != AliasIgnore {
		if err := f.reportAliased(strategy); err != nil {
			return nil, err
		}
	}
	for i, c := range f.inputCells {
		s.types[i] = c.Type()
		v := c.Value()
		if cp, ok := v.(Copier); ok {
			v = cp.DeepCopy()
		}
		s.values[i] = v
	}
	return s, nil
}

// reportAliased scans the current cell values pairwise for memory overlap.
func (f *Function) reportAliased(strategy AliasStrategy) error {
	for i, ci := range f.inputCells {
		sharer, ok := ci.Type().(graph.MemorySharer)
		if !ok || ci.Value() == nil {
			continue
		}
		for j := i + 1; j < len(f.inputCells); j++ {
			cj := f.inputCells[j]
			if cj.Value() == nil {
				continue
			}
			if !sharer.MayShareMemory(ci.Value(), cj.Value()) {
				continue
			}
			if strategy == AliasRaise {
				return &AliasedMemoryError{A: f.maker.inputs[i].Variable, B: f.maker.inputs[j].Variable}
			}
			f.log.Warn("snapshot loses aliasing between inputs",
				zap.Int("first", i), zap.Int("second", j))
		}
	}
	return nil
}

// Restore writes a snapshot back into the function's input cells. The
// function must come from an equivalent maker: each snapshot value is
// filtered through the target cell's type, so an incompatible snapshot is
// rejected rather than silently accepted.
func (f *Function) Restore(s *Snapshot) error {
	if len(s.values) != len(f.inputCells) {
		return errors.Errorf("snapshot has %d inputs, %s has %d", len(s.values), f.describe(), len(f.inputCells))
	}
	for i, c := range f.inputCells {
		if !c.Type().InSameClass(s.types[i]) {
			return errors.Errorf("snapshot input %d has type %s, %s expects %s", i, s.types[i], f.describe(), c.Type())
		}
	}
	for i, c := range f.inputCells {
		v := s.values[i]
		if v == nil {
			c.Clear()
			continue
		}
		if cp, ok := v.(Copier); ok {
			v = cp.DeepCopy()
		}
		filtered, err := c.Type().Filter(v, c.Strict, c.AllowDowncast)
		if err != nil {
			return errors.Wrapf(err, "snapshot value for input %d (%s) is not acceptable", i, f.maker.inputs[i].Name)
		}
		c.Store(filtered)
	}
	return nil
}
