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
	"text/template"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gx-org/symfn/base/tmpl"
)

// Profile accumulates the time spent compiling and running one function.
// Counters are fields on this explicit object, never process-wide state;
// sharing a profile between functions aggregates their counters. Time is
// attributed even when a stage is interrupted: the elapsed duration is
// recorded before the interruption propagates.
//
// A nil profile disables all accounting.
type Profile struct {
	clk  clock.Clock
	name string

	// CompileTime is the total time spent building makers.
	CompileTime time.Duration
	// RewriteTime is the time spent in the rewriter, interruptions included.
	RewriteTime time.Duration
	// LinkerTime is the time spent producing thunks.
	LinkerTime time.Duration

	// CallCount is the number of completed calls.
	CallCount int
	// CallTime is the total wall time of calls, bookkeeping included.
	CallTime time.Duration
	// ThunkTime is the time spent inside the linked executable.
	ThunkTime time.Duration

	// NodeCount is the number of apply nodes in the last compiled graph.
	NodeCount int
}

// NewProfile returns an empty profile.
func NewProfile(name string) *Profile {
	return &Profile{clk: clock.New(), name: name}
}

// WithClock substitutes the clock used to measure durations.
func (p *Profile) WithClock(clk clock.Clock) *Profile {
	p.clk = clk
	return p
}

// Name of the profiled function.
func (p *Profile) Name() string { return p.name }

type summaryRow struct {
	Label string
	Value string
}

var summaryTmpl = template.Must(template.New("profile").Parse("  {{.Label}}: {{.Value}}\n"))

// Summary renders the counters as a human-readable report.
func (p *Profile) Summary() (string, error) {
	if p == nil {
		return "", nil
	}
	rows := []summaryRow{
		{"compile time", p.CompileTime.String()},
		{"rewrite time", p.RewriteTime.String()},
		{"linker time", p.LinkerTime.String()},
		{"calls", fmt.Sprintf("%d", p.CallCount)},
		{"call time", p.CallTime.String()},
		{"thunk time", p.ThunkTime.String()},
		{"graph nodes", fmt.Sprintf("%d", p.NodeCount)},
	}
	body, err := tmpl.IterateTmpl(rows, summaryTmpl)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("profile of %s\n%s", p.name, body), nil
}

// start returns the current time, or the zero time on a nil profile.
func (p *Profile) start() time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.clk.Now()
}

// since returns the time elapsed from a start obtained from this profile.
func (p *Profile) since(t time.Time) time.Duration {
	if p == nil {
		return 0
	}
	return p.clk.Now().Sub(t)
}
