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

// CacheRead redirects every load of src inside scope to dst, addressed by
// amap applied to operands. Copying the data into dst is up to the caller.
// It returns the number of rewritten loads.
func CacheRead(m *ir.Module, scope ir.ID, src, dst ir.Value, amap affine.Map, operands ...ir.Value) int {
	return redirect(m, "cache_read", ir.OpLoad, scope, src, dst, amap, operands)
}

// CacheWrite redirects every store to src inside scope to dst, addressed by
// amap applied to operands. Writing dst back is up to the caller.
func CacheWrite(m *ir.Module, scope ir.ID, src, dst ir.Value, amap affine.Map, operands ...ir.Value) int {
	return redirect(m, "cache_write", ir.OpStore, scope, src, dst, amap, operands)
}

func redirect(m *ir.Module, name string, op ir.Op, scope ir.ID, src, dst ir.Value, amap affine.Map, operands []ir.Value) int {
	dt := m.ValueType(dst)
	check(dt.IsBuffer(), name, "destination is %s, not a buffer", dt)
	check(amap.NumDims == len(operands), name, "map %s applied to %d operands", amap, len(operands))
	check(len(amap.Results) == len(dt.Shape), name, "map %s has %d results for a rank-%d buffer", amap, len(amap.Results), len(dt.Shape))
	count := 0
	m.Walk(scope, func(n *ir.Node) bool {
		if n.Op != op || n.MemRef() != src {
			return true
		}
		check(m.Dominates(dst, n.ID), name, "buffer does not dominate node %d", n.ID)
		for _, o := range operands {
			check(m.Dominates(o, n.ID), name, "index operand does not dominate node %d", n.ID)
		}
		n.SetMemRef(dst)
		n.Map = amap.Clone()
		n.Indices = append([]ir.Value(nil), operands...)
		count++
		return true
	})
	trace(name, "%d accesses in %d", count, scope)
	return count
}
