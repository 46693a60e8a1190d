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

package ir

import (
	"github.com/pkg/errors"
)

// Verify checks the structural invariants of the module: parent links,
// map arity against operand counts, operand availability, loop shapes and
// call targets. It returns the first violation found.
func (m *Module) Verify() error {
	names := make(map[string]bool)
	for _, f := range m.Funcs {
		fn := m.nodes[f]
		if fn == nil || fn.Op != OpFunc {
			return errors.Errorf("top-level node %d is not a function", f)
		}
		if names[fn.Name] {
			return errors.Errorf("duplicate function @%s", fn.Name)
		}
		names[fn.Name] = true
	}
	for _, f := range m.Funcs {
		if err := m.verifyTree(f); err != nil {
			return errors.Wrapf(err, "in @%s", m.nodes[f].Name)
		}
	}
	return nil
}

func (m *Module) verifyTree(root ID) error {
	var err error
	m.Walk(root, func(n *Node) bool {
		if err != nil {
			return false
		}
		err = m.verifyNode(n)
		return err == nil
	})
	return err
}

func (m *Module) verifyNode(n *Node) error {
	for i, c := range n.Body {
		cn := m.nodes[c]
		if cn == nil {
			return errors.Errorf("node %d has erased child %d", n.ID, c)
		}
		if cn.Parent != n.ID {
			return errors.Errorf("node %d: child %d has parent %d", n.ID, c, cn.Parent)
		}
		if cn.Op == OpYield && i != len(n.Body)-1 {
			return errors.Errorf("node %d: yield %d is not the last statement", n.ID, c)
		}
	}
	for _, s := range n.AffineSites() {
		if s.Map.NumDims != len(*s.Operands) {
			return errors.Errorf("%s %d: map %s has %d dims but %d operands", n.Op, n.ID, *s.Map, s.Map.NumDims, len(*s.Operands))
		}
		for _, r := range s.Map.Results {
			if dims := r.Dims(); len(dims) > 0 && dims[len(dims)-1] >= s.Map.NumDims {
				return errors.Errorf("%s %d: result %s out of range", n.Op, n.ID, r)
			}
		}
		for _, o := range *s.Operands {
			if t := m.valueTypeOrNone(o); t.Kind != KindScalar || t.Elem != Index {
				return errors.Errorf("%s %d: affine operand %v has type %s", n.Op, n.ID, o, t)
			}
		}
	}
	var operr error
	n.ForEachValue(func(v *Value) {
		if operr == nil && !m.Dominates(*v, n.ID) {
			operr = errors.Errorf("%s %d: operand %v is not available", n.Op, n.ID, *v)
		}
	})
	if operr != nil {
		return operr
	}
	switch n.Op {
	case OpLoad, OpStore:
		bt := m.valueTypeOrNone(n.MemRef())
		if !bt.IsBuffer() {
			return errors.Errorf("%s %d: operand is not a buffer", n.Op, n.ID)
		}
		if len(n.Map.Results) != len(bt.Shape) {
			return errors.Errorf("%s %d: %d indices for a rank-%d buffer", n.Op, n.ID, len(n.Map.Results), len(bt.Shape))
		}
	case OpFor:
		if n.Step <= 0 {
			return errors.Errorf("affine.for %d: non-positive step %d", n.ID, n.Step)
		}
		if n.Carried {
			if len(n.Body) == 0 || m.nodes[n.Body[len(n.Body)-1]].Op != OpYield {
				return errors.Errorf("affine.for %d: carried loop without yield", n.ID)
			}
		}
	case OpParallel:
		if len(n.Ranges) == 0 || len(n.Ranges) > 3 {
			return errors.Errorf("affine.parallel %d: %d induction variables", n.ID, len(n.Ranges))
		}
	case OpCall:
		if m.Func(n.Name) == nil {
			return errors.Errorf("call %d: unknown function @%s", n.ID, n.Name)
		}
	case OpApply:
		if len(n.Map.Results) != 1 {
			return errors.Errorf("affine.apply %d: %d results", n.ID, len(n.Map.Results))
		}
	}
	return nil
}

func (m *Module) valueTypeOrNone(v Value) Type {
	if m.nodes[v.Def] == nil {
		return Type{}
	}
	return m.ValueType(v)
}
