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

// Read creates a loop nest at pos relative to anchor that fills every
// element of the register tile dst from src. srcMap takes operands
// followed by one dimension per dst dimension. The innermost loop is
// vectorized by width. It returns the outermost loop.
func Read(m *ir.Module, src ir.Value, srcMap affine.Map, operands []ir.Value, dst ir.Value, anchor ir.ID, pos Position, width int) ir.ID {
	shape := m.ValueType(dst).Shape
	return copyNest(m, "read", shape, anchor, pos, width, func(b *ir.Builder, ivs []ir.Value) {
		v := b.Load(src, srcMap, append(append([]ir.Value(nil), operands...), ivs...)...)
		b.Store(v, dst, affine.Identity(len(ivs)), ivs...)
	}, srcMap.NumDims-len(operands))
}

// Write creates a loop nest at pos relative to anchor that stores every
// element of the register tile src into dst at dstMap(operands, tile
// index). It returns the outermost loop.
func Write(m *ir.Module, src ir.Value, dst ir.Value, dstMap affine.Map, operands []ir.Value, anchor ir.ID, pos Position, width int) ir.ID {
	shape := m.ValueType(src).Shape
	return copyNest(m, "write", shape, anchor, pos, width, func(b *ir.Builder, ivs []ir.Value) {
		v := b.Load(src, affine.Identity(len(ivs)), ivs...)
		b.Store(v, dst, dstMap, append(append([]ir.Value(nil), operands...), ivs...)...)
	}, dstMap.NumDims-len(operands))
}

func copyNest(m *ir.Module, name string, shape []int, anchor ir.ID, pos Position, width int, body func(b *ir.Builder, ivs []ir.Value), tileDims int) ir.ID {
	check(len(shape) > 0, name, "scalar tile")
	check(tileDims == len(shape), name, "map has %d tile dimensions for a rank-%d tile", tileDims, len(shape))
	b := builderAt(m, anchor, pos)
	var ivs []ir.Value
	var loops []ir.ID
	for _, d := range shape {
		l := b.For(0, d, 1)
		loops = append(loops, l.ID)
		ivs = append(ivs, l.IV())
		b.SetInsertionPointToStart(l.ID)
	}
	body(b, ivs)
	if width > 1 {
		Vectorize(m, loops[len(loops)-1], width)
	}
	trace(name, "tile %v width %d at %s %d", shape, width, pos, anchor)
	return loops[0]
}
