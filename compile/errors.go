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

	"github.com/gx-org/symfn/graph"
)

// UnusedInputError reports a declared input that is not needed to compute any
// output and carries no update.
type UnusedInputError struct {
	Index    int
	Variable *graph.Variable
}

// Error implements error.
func (e *UnusedInputError) Error() string {
	return fmt.Sprintf("input %d (%s) is not part of the computational graph needed to compute the outputs", e.Index, e.Variable)
}

// AliasedMemoryError reports two buffers sharing memory where independence
// was required.
type AliasedMemoryError struct {
	A, B any
}

// Error implements error.
func (e *AliasedMemoryError) Error() string {
	return fmt.Sprintf("memory is aliased between %v and %v", e.A, e.B)
}

// UnusedInputPolicy decides what happens when a declared input is unreachable
// from the outputs and carries no update.
type UnusedInputPolicy int

const (
	// UnusedRaise fails compilation with an UnusedInputError.
	UnusedRaise UnusedInputPolicy = iota
	// UnusedWarn logs the unused input and proceeds.
	UnusedWarn
	// UnusedIgnore proceeds silently.
	UnusedIgnore
)
