// Copyright 2025 go-highway Authors
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

package affine

import (
	"strings"

	"github.com/gomlx/exceptions"
)

// Set is a conjunction of constraints over NumDims dimensions. Results[i] is
// constrained to "== 0" when Eq[i] is true and to ">= 0" otherwise.
type Set struct {
	Map
	Eq []bool
}

// NewSet builds a set of ">= 0" constraints.
func NewSet(numDims int, constraints ...*Expr) Set {
	return Set{Map: NewMap(numDims, constraints...), Eq: make([]bool, len(constraints))}
}

// WithEq appends an equality constraint.
func (s Set) WithEq(e *Expr) Set {
	return Set{
		Map: NewMap(s.NumDims, append(append([]*Expr(nil), s.Results...), e)...),
		Eq:  append(append([]bool(nil), s.Eq...), true),
	}
}

// Clone returns a copy that shares no slices.
func (s Set) Clone() Set {
	return Set{Map: s.Map.Clone(), Eq: append([]bool(nil), s.Eq...)}
}

// Holds evaluates the set at a point.
func (s Set) Holds(dims []int) bool {
	for i, v := range s.Eval(dims) {
		if s.Eq[i] && v != 0 || !s.Eq[i] && v < 0 {
			return false
		}
	}
	return true
}

// Decision is the static outcome of a constraint system over a box.
type Decision int

const (
	// Unknown means the set holds for some points of the box only, or the
	// analysis cannot tell.
	Unknown Decision = iota

	// AlwaysTrue means every point of the box satisfies the set.
	AlwaysTrue

	// AlwaysFalse means no point of the box satisfies the set.
	AlwaysFalse
)

// String returns a human-readable name for the decision.
func (d Decision) String() string {
	switch d {
	case AlwaysTrue:
		return "always-true"
	case AlwaysFalse:
		return "always-false"
	default:
		return "unknown"
	}
}

// Decide classifies the set over the box lo[i] <= d<i> <= hi[i].
func (s Set) Decide(lo, hi []int) Decision {
	if len(lo) != s.NumDims || len(hi) != s.NumDims {
		exceptions.Panicf("affine: deciding set with %d dims on a %d-dim box", s.NumDims, len(lo))
	}
	allTrue := true
	for i, c := range s.Results {
		min, max := c.Range(lo, hi)
		if s.Eq[i] {
			if min > 0 || max < 0 {
				return AlwaysFalse
			}
			if min != 0 || max != 0 {
				allTrue = false
			}
			continue
		}
		if max < 0 {
			return AlwaysFalse
		}
		if min < 0 {
			allTrue = false
		}
	}
	if allTrue {
		return AlwaysTrue
	}
	return Unknown
}

// String renders the set as "(d0) : (d0 - 4 >= 0)".
func (s Set) String() string {
	var sb strings.Builder
	head := s.Map.String()
	sb.WriteString(head[:strings.Index(head, " ->")])
	sb.WriteString(" : (")
	for i, c := range s.Results {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.String())
		if s.Eq[i] {
			sb.WriteString(" == 0")
		} else {
			sb.WriteString(" >= 0")
		}
	}
	sb.WriteByte(')')
	return sb.String()
}
