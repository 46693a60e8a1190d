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
	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
)

// CombineToOneDim collapses a perfect nest of normalized loops (outermost
// first) into a single loop over the product of their trip counts. Original
// induction variable i becomes (d0 mod P_i) floordiv P_{i+1}, P_i being the
// product of the trip counts from loop i inward.
func CombineToOneDim(m *ir.Module, loops []ir.ID) ir.ID {
	const name = "combineToOneDim"
	check(len(loops) > 0, name, "no loops")
	trips := make([]int, len(loops))
	for i, id := range loops {
		n := m.MustNode(id)
		check(n.Op == ir.OpFor, name, "node %d is %s, not a loop", id, n.Op)
		lb, _, ok := n.ConstantBounds()
		check(ok && lb == 0 && n.Step == 1, name, "loop %d is not normalized", id)
		check(!n.Carried, name, "loop %d carries a value", id)
		if i > 0 {
			p := m.MustNode(loops[i-1])
			check(n.Parent == p.ID && len(p.Body) == 1, name, "loops %d and %d are not perfectly nested", p.ID, id)
		}
		trips[i], _ = n.TripCount()
	}
	if len(loops) == 1 {
		return loops[0]
	}
	// suffix[i] is the product of trips[i:].
	suffix := make([]int, len(loops)+1)
	suffix[len(loops)] = 1
	for i := len(loops) - 1; i >= 0; i-- {
		suffix[i] = suffix[i+1] * trips[i]
	}
	trace(name, "loops %v trips %v", loops, trips)

	b := ir.NewBuilder(m)
	b.SetInsertionPointBefore(loops[0])
	flat := b.For(0, suffix[0], 1)
	m.MoveBody(loops[len(loops)-1], flat.ID)
	for i, id := range loops {
		e := affine.D(0)
		if i > 0 {
			e = affine.Mod(e, suffix[i])
		}
		e = affine.FloorDiv(e, suffix[i+1])
		replaceValue(m, flat.ID, m.MustNode(id).IV(), []ir.Value{flat.IV()}, e)
	}
	m.Erase(loops[0])
	return flat.ID
}

// CombineToTwoDim collapses a perfect nest of normalized loops into two
// loops whose trip counts are the divisor pair of the total closest to its
// square root. The larger factor goes to the inner loop. It returns the
// outer and inner loop.
func CombineToTwoDim(m *ir.Module, loops []ir.ID) (outer, inner ir.ID) {
	const name = "combineToTwoDim"
	flat := m.MustNode(CombineToOneDim(m, loops))
	total, _ := flat.TripCount()
	rows := 1
	for r := 1; r*r <= total; r++ {
		if total%r == 0 {
			rows = r
		}
	}
	cols := total / rows
	trace(name, "%d iterations as %dx%d", total, rows, cols)

	b := ir.NewBuilder(m)
	b.SetInsertionPointBefore(flat.ID)
	o := b.For(0, rows, 1)
	b.SetInsertionPointToStart(o.ID)
	in := b.For(0, cols, 1)
	m.MoveBody(flat.ID, in.ID)
	replaceValue(m, in.ID, flat.IV(), []ir.Value{o.IV(), in.IV()},
		affine.Add(affine.Mul(affine.D(0), affine.C(cols)), affine.D(1)))
	m.Erase(flat.ID)
	return o.ID, in.ID
}
