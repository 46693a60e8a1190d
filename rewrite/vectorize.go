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

package rewrite

import (
	"slices"

	"github.com/ajroetker/go-kcg/ir"
)

// Vectorize turns loop into a loop of step width whose memory accesses move
// width contiguous elements at once. Accesses must be contiguous in the
// last buffer dimension and invariant in the others; accesses that do not
// depend on the induction variable stay scalar and are broadcast.
func Vectorize(m *ir.Module, loop ir.ID, width int) {
	const name = "vectorize"
	l := m.MustNode(loop)
	check(l.Op == ir.OpFor, name, "node %d is %s, not a loop", loop, l.Op)
	check(width >= 1, name, "width %d", width)
	lb, _, ok := l.ConstantBounds()
	check(ok, name, "loop %d has non-constant bounds", loop)
	check(lb == 0 && l.Step == 1, name, "loop %d must start at 0 with step 1", loop)
	check(!l.Carried, name, "loop %d carries a value", loop)
	trip, _ := l.TripCount()
	check(trip%width == 0, name, "width %d does not divide trip count %d of loop %d", width, trip, loop)
	if width == 1 {
		return
	}
	trace(name, "loop %d by %d", loop, width)

	v := &vectorizer{m: m, iv: l.IV(), width: width, varying: map[ir.Value]bool{l.IV(): true}}
	for _, c := range slices.Clone(l.Body) {
		m.Walk(c, v.visit)
	}
	l.Step = width
}

type vectorizer struct {
	m       *ir.Module
	iv      ir.Value
	width   int
	varying map[ir.Value]bool
}

func (v *vectorizer) anyVarying(vals []ir.Value) bool {
	return slices.ContainsFunc(vals, func(x ir.Value) bool { return v.varying[x] })
}

// contiguous reports whether the access is unit-stride along the last
// buffer dimension. It returns false for accesses independent of the
// induction variable and panics on any other pattern.
func (v *vectorizer) contiguous(n *ir.Node) bool {
	const name = "vectorize"
	pos := -1
	for i, x := range n.Indices {
		if x == v.iv {
			pos = i
		} else {
			check(!v.varying[x], name, "node %d is indexed by a lane-dependent value", n.ID)
		}
	}
	if pos < 0 {
		return false
	}
	invariant := true
	for i, r := range n.Map.Results {
		s, ok := r.LaneStride(pos, v.width)
		check(ok, name, "node %d: index %s is not lane-uniform", n.ID, r)
		last := i == len(n.Map.Results)-1
		switch {
		case s == 0:
		case last && s == 1:
			invariant = false
		default:
			check(false, name, "node %d: stride %d in dimension %d of %s", n.ID, s, i, n.Map)
		}
	}
	if invariant {
		return false
	}
	shape := v.m.ValueType(n.MemRef()).Shape
	check(shape[len(shape)-1]%v.width == 0, name, "node %d: last dimension %d not a multiple of %d", n.ID, shape[len(shape)-1], v.width)
	return true
}

func (v *vectorizer) visit(n *ir.Node) bool {
	const name = "vectorize"
	switch n.Op {
	case ir.OpConst:
	case ir.OpLoad:
		if v.contiguous(n) {
			n.Width = v.width
			n.Type = ir.Vector(n.Type.Elem, v.width)
			v.varying[n.Result()] = true
		}
	case ir.OpStore:
		vec := v.contiguous(n)
		if vec {
			n.Width = v.width
		} else {
			check(!v.varying[n.StoredValue()], name, "store %d writes lane-dependent data to a single address", n.ID)
		}
	case ir.OpArith:
		if v.anyVarying(n.Operands) {
			check(n.Arith != ir.ArithIndexCast, name, "index_cast %d of a vector", n.ID)
			n.Type = ir.Vector(n.Type.Elem, v.width)
			v.varying[n.Result()] = true
		}
	case ir.OpApply:
		check(!v.anyVarying(n.Indices), name, "affine.apply %d depends on the induction variable", n.ID)
	case ir.OpIf:
		check(!v.anyVarying(n.Indices), name, "condition of affine.if %d depends on the induction variable", n.ID)
	case ir.OpFor:
		for _, s := range n.AffineSites() {
			check(!v.anyVarying(*s.Operands), name, "bounds of loop %d depend on the induction variable", n.ID)
		}
		check(!n.Carried || !v.varying[n.Operands[0]], name, "loop %d carries a vector", n.ID)
	case ir.OpYield:
		check(!v.anyVarying(n.Operands), name, "yield %d of a vector", n.ID)
	default:
		check(false, name, "%s node %d cannot be vectorized", n.Op, n.ID)
	}
	return true
}
