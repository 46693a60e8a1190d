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

package optimizer

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/rewrite"
)

// BlockSize is the number of threads per block of the flat optimizers.
const BlockSize = "BLOCK_SIZE"

// FlatMatch is a perfect loop nest applying straight-line arithmetic to
// every element of its iteration space.
type FlatMatch struct {
	funcMatch

	Loops []ir.ID
	Shape []int
	// Loads and Stores of the innermost body.
	Loads, Stores []ir.ID

	// Kind classifies the broadcast of a Binary match. It is reported only:
	// every class is tiled the same way, since a width dividing the last
	// dimension makes each operand access either unit stride or invariant
	// across the lanes of a vector.
	Kind BinaryType

	// Set by Apply.
	Grid, Block ir.ID
}

// matchFlat recognizes a perfect nest of normalized loops whose innermost
// body only loads, computes and stores, indexing every output with all the
// induction variables in order.
func matchFlat(m *ir.Module) (*FlatMatch, bool) {
	f, root, ok := loopEntry(m)
	if !ok {
		return nil, false
	}
	loops := m.PerfectChain(root.ID)
	if !normalized(m, loops...) {
		return nil, false
	}
	ivs := lo.Map(loops, func(id ir.ID, _ int) ir.Value { return m.MustNode(id).IV() })
	match := &FlatMatch{funcMatch: funcMatch{f.ID}, Loops: loops, Shape: trips(m, loops)}
	for _, id := range m.MustNode(loops[len(loops)-1]).Body {
		n := m.MustNode(id)
		switch n.Op {
		case ir.OpConst:
		case ir.OpArith:
			if n.Arith == ir.ArithIndexCast {
				return nil, false
			}
		case ir.OpLoad:
			dims, ok := accessDims(n)
			if !ok || n.VectorWidth() != 1 || !inOrder(dims, ivs) {
				return nil, false
			}
			match.Loads = append(match.Loads, id)
		case ir.OpStore:
			dims, ok := accessDims(n)
			if !ok || n.VectorWidth() != 1 || !slices.Equal(dims, ivs) {
				return nil, false
			}
			match.Stores = append(match.Stores, id)
		default:
			return nil, false
		}
	}
	if len(match.Stores) == 0 {
		return nil, false
	}
	return match, true
}

// inOrder reports whether the non-constant entries of dims are a suffix of
// ivs with broadcast dimensions dropped, i.e. whether dims indexes a
// numpy-broadcast operand.
func inOrder(dims, ivs []ir.Value) bool {
	offset := len(ivs) - len(dims)
	if offset < 0 {
		return false
	}
	for i, d := range dims {
		if d.IsValid() && d != ivs[offset+i] {
			return false
		}
	}
	return true
}

// flat maps an elementwise iteration space onto a one dimensional grid of
// one dimensional blocks: the nest is collapsed, padded to whole blocks and
// split into BLOCK_SIZE threads handling VECTORIZE_WIDTH contiguous
// elements each. A guard skips the vectors past the end.
type flat struct {
	name   string
	binary bool
}

// NewElementWise returns the optimizer of unary elementwise kernels.
func NewElementWise() Optimizer { return &flat{name: "ElementWise"} }

// NewBinary returns the optimizer of broadcasting binary kernels.
func NewBinary() Optimizer { return &flat{name: "Binary", binary: true} }

func (o *flat) Name() string { return o.name }

func (o *flat) Space() Space {
	return Space{
		Knobs: []string{BlockSize, VectorizeWidth},
		Defaults: []Config{
			{BlockSize: 256, VectorizeWidth: 4},
			{BlockSize: 128, VectorizeWidth: 4},
			{BlockSize: 256, VectorizeWidth: 2},
			{BlockSize: 512, VectorizeWidth: 1},
			{BlockSize: 1024, VectorizeWidth: 4},
		},
	}
}

func (o *flat) Applicable(m *ir.Module, cfg Config) (Match, bool) {
	match, ok := matchFlat(m)
	if !ok {
		return nil, false
	}
	want := 1
	if o.binary {
		want = 2
	}
	if len(match.Loads) != want {
		return nil, false
	}
	if o.binary {
		shapes := lo.Map(match.Loads, func(id ir.ID, _ int) []int {
			return m.ValueType(m.MustNode(id).MemRef()).Shape
		})
		match.Kind = ClassifyBinary(shapes[0], shapes[1])
	}
	threads, w := cfg.Get(BlockSize), cfg.Get(VectorizeWidth)
	switch {
	case threads <= 0 || threads > MaxThreadsPerBlock:
		return nil, reject(o.name, cfg, "%d threads per block", threads)
	case !divides(w, match.Shape[len(match.Shape)-1]):
		return nil, reject(o.name, cfg, "width %d does not divide the last dimension of %v", w, match.Shape)
	}
	return match, true
}

func (o *flat) Apply(m *ir.Module, cfg Config, match Match) {
	mt, ok := match.(*FlatMatch)
	if !ok {
		exceptions.Panicf("%s: unexpected match %T", o.name, match)
	}
	threads, w := cfg.Get(BlockSize), cfg.Get(VectorizeWidth)
	klog.V(1).Infof("%s: shape %v (%s) with %s", o.name, mt.Shape, mt.Kind, cfg)

	loop := rewrite.CombineToOneDim(m, mt.Loops)
	total := rewrite.PadLoop(m, loop, threads*w)
	ls := rewrite.Split(m, loop, 3, []int{threads * w, w})
	outer, thread, lanes := m.MustNode(ls[0]), m.MustNode(ls[1]), m.MustNode(ls[2])
	rewrite.IrregularGuard(m, []ir.ID{lanes.ID}, affine.Add(affine.D(0), affine.D(1)), w, total, outer.IV(), thread.IV())

	mt.Grid = markLevel(m, rewrite.Parallel(m, []ir.ID{outer.ID}), ir.LevelGrid).ID
	mt.Block = markLevel(m, rewrite.Parallel(m, []ir.ID{thread.ID}), ir.LevelBlock).ID
	rewrite.Vectorize(m, lanes.ID, w)
	rewrite.Unroll(m, rewrite.LoopIn(lanes.ID))
	rewrite.TakeOffTrueIf(m)
	rewrite.DeleteFalseIf(m)
	rewrite.DeleteExtraConstants(m)
}

// BinaryType classifies how the operands of a binary kernel broadcast.
type BinaryType int

const (
	// BinaryAllEqual operands have the same shape.
	BinaryAllEqual BinaryType = iota
	// BinaryConstant has an operand with a single element.
	BinaryConstant
	// BinaryAllOne has an operand whose dimensions are all one after its
	// leading dimensions, like [N, 1, 1].
	BinaryAllOne
	// BinaryNoOneOrder has an operand of lower rank, without ones, that is
	// a suffix of the other shape, like [H, W] against [C, H, W].
	BinaryNoOneOrder
	// BinaryHasOneOrder has an operand whose broadcast dimensions form a
	// prefix, like [1, H, W] against [C, H, W].
	BinaryHasOneOrder
	// BinaryHasOneUnorder broadcasts in the middle or at the end, like
	// [C, 1, W] against [C, H, W].
	BinaryHasOneUnorder
)

var binaryTypeNames = [...]string{"allEqual", "constant", "allOne", "noOneOrder", "hasOneOrder", "hasOneUnorder"}

func (t BinaryType) String() string {
	if int(t) < len(binaryTypeNames) {
		return binaryTypeNames[t]
	}
	return "unknown"
}

// ClassifyBinary returns the broadcast class of operands a and b.
func ClassifyBinary(a, b []int) BinaryType {
	if slices.Equal(a, b) {
		return BinaryAllEqual
	}
	size := func(s []int) int {
		n := 1
		for _, d := range s {
			n *= d
		}
		return n
	}
	if size(a) == 1 || size(b) == 1 {
		return BinaryConstant
	}
	// Make b the broadcast operand, padded with leading ones.
	if size(a) < size(b) {
		a, b = b, a
	}
	pad := len(a) - len(b)
	if pad > 0 && !slices.Contains(b, 1) {
		return BinaryNoOneOrder
	}
	var bcast []int
	for i := range a {
		if (i < pad || b[i-pad] == 1) && a[i] != 1 {
			bcast = append(bcast, i)
		}
	}
	switch {
	case len(bcast) == 0:
		return BinaryAllEqual
	case bcast[len(bcast)-1] == len(bcast)-1:
		return BinaryHasOneOrder
	case bcast[0] == len(a)-len(bcast) && bcast[len(bcast)-1] == len(a)-1:
		return BinaryAllOne
	}
	return BinaryHasOneUnorder
}
