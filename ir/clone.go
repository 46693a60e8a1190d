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

// ValueMap maps values of an original subtree to values usable in its clone.
type ValueMap map[Value]Value

// Lookup returns the mapped value, or v itself.
func (vm ValueMap) Lookup(v Value) Value {
	if r, ok := vm[v]; ok {
		return r
	}
	return v
}

// CloneSubtree deep-copies the subtree rooted at id with fresh IDs. The clone
// is detached. Values defined inside the subtree are remapped to their
// copies; values defined outside are remapped through vm (which may be nil)
// and otherwise left as is. vm is extended with the subtree's mappings.
func (m *Module) CloneSubtree(id ID, vm ValueMap) ID {
	if vm == nil {
		vm = ValueMap{}
	}
	root := m.cloneRec(id, vm)
	m.Walk(root, func(n *Node) bool {
		n.ForEachValue(func(v *Value) {
			*v = vm.Lookup(*v)
		})
		return true
	})
	return root
}

func (m *Module) cloneRec(id ID, vm ValueMap) ID {
	orig := m.MustNode(id)
	c := orig.shallowCopy()
	c.ID = m.nextID
	m.nextID++
	c.Parent = 0
	m.nodes[c.ID] = c

	vm[Value{Def: orig.ID}] = Value{Def: c.ID}
	switch orig.Op {
	case OpFor:
		vm[orig.IV()] = c.IV()
		if orig.Carried {
			vm[orig.CarriedValue()] = c.CarriedValue()
		}
	case OpParallel:
		for i := range orig.Ranges {
			vm[orig.IV(i)] = c.IV(i)
		}
	case OpFunc:
		for i := range orig.Params {
			vm[orig.Arg(i)] = c.Arg(i)
		}
	}

	c.Body = c.Body[:0]
	for _, child := range orig.Body {
		cc := m.cloneRec(child, vm)
		m.nodes[cc].Parent = c.ID
		c.Body = append(c.Body, cc)
	}
	return c.ID
}

// CloneShell copies a For node's header (bounds, step, attributes) into a
// new detached loop with an empty body.
func (m *Module) CloneShell(id ID) *Node {
	orig := m.MustNode(id)
	c := m.NewNode(orig.Op)
	c.Lower = orig.Lower.clone()
	c.Upper = orig.Upper.clone()
	c.Step = orig.Step
	c.Ranges = append([]Range(nil), orig.Ranges...)
	if orig.Attrs != nil {
		c.Attrs = make(map[string]string, len(orig.Attrs))
		for k, v := range orig.Attrs {
			c.Attrs[k] = v
		}
	}
	return c
}
