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
	"github.com/gx-org/symfn/base/sync"
	"github.com/gx-org/symfn/link"
	"github.com/gx-org/symfn/link/vm"
	"github.com/gx-org/symfn/rewrite"
)

// Mode tells the maker how to rewrite and how to link.
type Mode struct {
	// Rewriter is the optimization pass run over the prepared graph.
	Rewriter rewrite.Rewriter

	// Linker is the backend turning the finalized graph into thunks.
	Linker link.Linker
}

// DefaultMode returns the mode applying no rewrite rule and linking for
// interpreted execution.
func DefaultMode() Mode {
	return Mode{Rewriter: rewrite.Nop, Linker: vm.New()}
}

func (m Mode) withDefaults() Mode {
	if m.Rewriter == nil {
		m.Rewriter = rewrite.Nop
	}
	if m.Linker == nil {
		m.Linker = vm.New()
	}
	return m
}

var modes sync.Map[string, *Mode]

// RegisterMode records a mode under a name so callers can select it without
// holding the mode value. Registering an already-used name overwrites the
// previous mode.
func RegisterMode(name string, m Mode) {
	m = m.withDefaults()
	modes.Store(name, &m)
}

// ModeByName returns a previously registered mode.
func ModeByName(name string) (Mode, bool) {
	m := modes.Load(name)
	if m == nil {
		return Mode{}, false
	}
	return *m, true
}

func init() {
	RegisterMode("default", DefaultMode())
}
