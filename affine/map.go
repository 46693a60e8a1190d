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
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
)

// Map is a list of expressions over NumDims input dimensions.
type Map struct {
	NumDims int
	Results []*Expr
}

// NewMap returns a map with the given results. It panics if a result
// references a dimension >= numDims.
func NewMap(numDims int, results ...*Expr) Map {
	m := Map{NumDims: numDims, Results: results}
	m.check()
	return m
}

// Identity returns (d0, ..., dn-1) -> (d0, ..., dn-1).
func Identity(n int) Map {
	results := make([]*Expr, n)
	for i := range n {
		results[i] = D(i)
	}
	return Map{NumDims: n, Results: results}
}

// ConstantMap returns () -> (values...).
func ConstantMap(values ...int) Map {
	results := make([]*Expr, len(values))
	for i, v := range values {
		results[i] = C(v)
	}
	return Map{Results: results}
}

func (m Map) check() {
	for _, r := range m.Results {
		if dims := r.Dims(); len(dims) > 0 && dims[len(dims)-1] >= m.NumDims {
			exceptions.Panicf("affine: result %s references d%d in a map with %d dims", r, dims[len(dims)-1], m.NumDims)
		}
	}
}

// Clone returns a copy that does not share the results slice.
func (m Map) Clone() Map {
	return Map{NumDims: m.NumDims, Results: append([]*Expr(nil), m.Results...)}
}

// Eval evaluates every result.
func (m Map) Eval(dims []int) []int {
	if len(dims) != m.NumDims {
		exceptions.Panicf("affine: evaluating map with %d dims on %d values", m.NumDims, len(dims))
	}
	out := make([]int, len(m.Results))
	for i, r := range m.Results {
		out[i] = r.Eval(dims)
	}
	return out
}

// IsConstant reports whether every result is a literal.
func (m Map) IsConstant() bool {
	for _, r := range m.Results {
		if !r.IsConst() {
			return false
		}
	}
	return true
}

// ReplaceDim is Expr.ReplaceDim applied to every result; NumDims grows by n-1.
func (m Map) ReplaceDim(pos int, repl *Expr, n int) Map {
	out := Map{NumDims: m.NumDims + n - 1, Results: make([]*Expr, len(m.Results))}
	for i, r := range m.Results {
		out.Results[i] = r.ReplaceDim(pos, repl, n)
	}
	return out
}

// Substitute is Expr.Substitute applied to every result.
func (m Map) Substitute(numDims int, f func(pos int) *Expr) Map {
	out := Map{NumDims: numDims, Results: make([]*Expr, len(m.Results))}
	for i, r := range m.Results {
		out.Results[i] = r.Substitute(f)
	}
	out.check()
	return out
}

// Prepend returns a map with e inserted as the first result.
func (m Map) Prepend(e *Expr) Map {
	results := append([]*Expr{e}, m.Results...)
	return NewMap(m.NumDims, results...)
}

// AddDims returns the same results over numDims+n dimensions.
func (m Map) AddDims(n int) Map {
	return Map{NumDims: m.NumDims + n, Results: append([]*Expr(nil), m.Results...)}
}

// Equal reports structural equality.
func (m Map) Equal(o Map) bool {
	if m.NumDims != o.NumDims || len(m.Results) != len(o.Results) {
		return false
	}
	for i := range m.Results {
		if !m.Results[i].Equal(o.Results[i]) {
			return false
		}
	}
	return true
}

// String renders m as "(d0, d1) -> (d0 * 4 + d1)".
func (m Map) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := range m.NumDims {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "d%d", i)
	}
	sb.WriteString(") -> (")
	for i, r := range m.Results {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(r.String())
	}
	sb.WriteByte(')')
	return sb.String()
}
