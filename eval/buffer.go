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

package eval

import (
	"math/rand/v2"
	"strconv"

	"github.com/x448/float16"

	"github.com/ajroetker/go-kcg/ir"
)

// Buffer is the storage of an ir buffer. Every element type is held as a
// float32: F16 values are rounded to half precision on store and I32 values
// are truncated to integers.
type Buffer struct {
	Type ir.Type
	Data []float32
}

// NewBuffer allocates a zeroed buffer of type t.
func NewBuffer(t ir.Type) *Buffer {
	return &Buffer{Type: t, Data: make([]float32, t.NumElements())}
}

// Clone returns a copy of b.
func (b *Buffer) Clone() *Buffer {
	return &Buffer{Type: b.Type, Data: append([]float32(nil), b.Data...)}
}

// offset returns the flat position of idx, checking that idx and the width-1
// following elements of the last dimension are in bounds.
func (b *Buffer) offset(idx []int, width int) int {
	shape := b.Type.Shape
	if len(idx) != len(shape) {
		fail("index %v into %s", idx, b.Type)
	}
	off := 0
	for i, x := range idx {
		hi := shape[i]
		if i == len(idx)-1 {
			hi -= width - 1
		}
		if x < 0 || x >= hi {
			fail("index %v (width %d) out of bounds for %s", idx, width, b.Type)
		}
		off = off*shape[i] + x
	}
	return off
}

// At returns the element at idx.
func (b *Buffer) At(idx ...int) float32 {
	return b.Data[b.offset(idx, 1)]
}

// Set stores v at idx.
func (b *Buffer) Set(v float32, idx ...int) {
	b.Data[b.offset(idx, 1)] = round(b.Type.Elem, v)
}

// Fill sets element i of the flattened buffer to fn(i).
func (b *Buffer) Fill(fn func(i int) float32) {
	for i := range b.Data {
		b.Data[i] = round(b.Type.Elem, fn(i))
	}
}

// Randomize fills b with values uniform in [-1, 1), or in [0, bound) for
// integer buffers.
func (b *Buffer) Randomize(rng *rand.Rand, bound int) {
	b.Fill(func(int) float32 {
		if b.Type.Elem == ir.I32 {
			return float32(rng.IntN(max(bound, 1)))
		}
		return rng.Float32()*2 - 1
	})
}

func round(e ir.ElemType, v float32) float32 {
	switch e {
	case ir.F16:
		return float16.Fromfloat32(v).Float32()
	case ir.I32:
		return float32(int32(v))
	}
	return v
}

// Inputs allocates random arguments for fn. Integer parameters hold values
// below the function's index bound attribute, if any.
func Inputs(fn *ir.Node, seed uint64) []*Buffer {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	bound := 1
	if s := fn.Attr(ir.AttrIndexBound); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			bound = v
		}
	}
	args := make([]*Buffer, len(fn.Params))
	for i, t := range fn.Params {
		args[i] = NewBuffer(t)
		args[i].Randomize(rng, bound)
	}
	return args
}
