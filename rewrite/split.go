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

// Package rewrite implements semantics-preserving loop-nest transformations
// over the ir package. Every primitive checks its structural preconditions
// and panics (through github.com/gomlx/exceptions) when they do not hold:
// a violated precondition is a bug in the caller, never a recoverable state.
package rewrite

import (
	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
)

// Split replaces loop by num nested loops. With factors [f1, ..., fn-1] the
// new loops iterate [0, ub) step f1, [0, f1) step f2, ..., [0, fn-1) step 1,
// and the old induction variable becomes the sum of the new ones. It returns
// the new loops, outermost first.
func Split(m *ir.Module, loop ir.ID, num int, factors []int) []ir.ID {
	const name = "split"
	n := m.MustNode(loop)
	check(n.Op == ir.OpFor, name, "node %d is %s, not a loop", loop, n.Op)
	check(len(factors) == num-1, name, "loop %d: %d factors for %d loops", loop, len(factors), num)
	lb, ub, ok := n.ConstantBounds()
	check(ok, name, "loop %d has non-constant bounds", loop)
	check(lb == 0 && n.Step == 1, name, "loop %d must start at 0 with step 1, got lb %d step %d", loop, lb, n.Step)
	check(!n.Carried, name, "loop %d carries a value", loop)
	if num == 1 {
		return []ir.ID{loop}
	}
	uppers := append([]int{ub}, factors...)
	steps := append(append([]int(nil), factors...), 1)
	for i := range factors {
		check(factors[i] > 0 && uppers[i]%factors[i] == 0, name, "loop %d: factor %d does not divide %d", loop, factors[i], uppers[i])
	}
	trace(name, "loop %d into %v step %v", loop, uppers, steps)

	b := ir.NewBuilder(m)
	b.SetInsertionPointBefore(loop)
	loops := make([]ir.ID, num)
	ivs := make([]ir.Value, num)
	for i := range num {
		l := b.For(0, uppers[i], steps[i])
		if n.Attrs != nil {
			for k, v := range n.Attrs {
				l.SetAttr(k, v)
			}
		}
		loops[i], ivs[i] = l.ID, l.IV()
		b.SetInsertionPointToStart(l.ID)
	}
	m.MoveBody(loop, loops[num-1])

	sum := affine.D(0)
	for i := 1; i < num; i++ {
		sum = affine.Add(sum, affine.D(i))
	}
	replaceValue(m, loops[0], n.IV(), ivs, sum)
	m.Erase(loop)
	return loops
}
