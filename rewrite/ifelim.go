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

// decide classifies the condition of an affine.if over the static ranges of
// its operands. Conditions with an unbounded operand are Unknown.
func decide(m *ir.Module, n *ir.Node) affine.Decision {
	lo, hi, ok := m.OperandBox(n.Indices)
	if !ok {
		return affine.Unknown
	}
	return n.Set.Decide(lo, hi)
}

// TakeOffTrueIf replaces every conditional whose guard always holds by its
// body. It returns the number of conditionals removed.
func TakeOffTrueIf(m *ir.Module) int {
	count := 0
	for _, id := range m.CollectModule(ir.OpIs(ir.OpIf)) {
		n := m.Node(id)
		if n == nil || decide(m, n) != affine.AlwaysTrue {
			continue
		}
		trace("take_off_true_if", "if %d", id)
		m.Splice(id, id)
		m.Erase(id)
		count++
	}
	return count
}

// DeleteFalseIf erases every conditional whose guard never holds, together
// with its body. It returns the number of conditionals removed.
func DeleteFalseIf(m *ir.Module) int {
	count := 0
	for _, id := range m.CollectModule(ir.OpIs(ir.OpIf)) {
		n := m.Node(id)
		if n == nil || decide(m, n) != affine.AlwaysFalse {
			continue
		}
		trace("delete_false_if", "if %d", id)
		m.Erase(id)
		count++
	}
	return count
}
