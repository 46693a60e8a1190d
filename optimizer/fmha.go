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
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/kernels"
	"github.com/ajroetker/go-kcg/rewrite"
)

// BlockRows is the number of query rows a block handles, one per thread.
const BlockRows = "BLOCK_ROWS"

// FMHAMatch is attention written as three calls through a scores buffer:
//
//	S = alloc; qk(Q, K, S); softmax(S); sv(S, V, O)
//
// where qk computes S = Q K^T, softmax normalizes the rows of S after
// scaling them by Scale, and sv computes O = S V.
type FMHAMatch struct {
	funcMatch

	Batch, Seq, Dim int
	Scale           float64

	Q, K, V, O ir.Value
	Scores     ir.Value
	// QK and SV describe the batched products the fused kernel replaces.
	QK, SV kernels.Gemm
	// Callees are the functions the calls invoke.
	Callees []string

	// Set by Apply: the per-thread running max, running sum and output
	// accumulator of the online softmax.
	Max, Sum, Acc ir.Value
	Grid, Block   ir.ID
}

func matchFMHA(m *ir.Module) (*FMHAMatch, bool) {
	f := entry(m)
	if f == nil || len(f.Body) != 4 {
		return nil, false
	}
	nodes := lo.Map(f.Body, func(id ir.ID, _ int) *ir.Node { return m.MustNode(id) })
	alloc, qk, sm, sv := nodes[0], nodes[1], nodes[2], nodes[3]
	if alloc.Op != ir.OpAlloc || qk.Op != ir.OpCall || sm.Op != ir.OpCall || sv.Op != ir.OpCall {
		return nil, false
	}
	s := alloc.Result()
	if len(qk.Operands) != 3 || len(sm.Operands) != 1 || len(sv.Operands) != 3 ||
		qk.Operands[2] != s || sm.Operands[0] != s || sv.Operands[0] != s {
		return nil, false
	}
	match := &FMHAMatch{
		funcMatch: funcMatch{f.ID},
		Q:         qk.Operands[0],
		K:         qk.Operands[1],
		V:         sv.Operands[1],
		O:         sv.Operands[2],
		Scores:    s,
		Callees:   lo.Uniq([]string{qk.Name, sm.Name, sv.Name}),
	}
	if len(match.Callees) != 3 {
		return nil, false
	}
	for _, v := range []ir.Value{match.Q, match.K, match.V, match.O} {
		if !v.Arg || v.Def != f.ID {
			return nil, false
		}
	}

	// The callees must be leaves used by this function only.
	for caller, callees := range m.CallGraph() {
		if caller != f.Name && lo.Some(callees, match.Callees) {
			return nil, false
		}
	}
	var ok bool
	if match.QK, ok = calleeGemm(m, qk.Name); !ok {
		return nil, false
	}
	if match.SV, ok = calleeGemm(m, sv.Name); !ok {
		return nil, false
	}
	b, seq, dim := match.QK.Batch, match.QK.M, match.QK.K
	wantQK := kernels.Gemm{Batch: b, M: seq, N: seq, K: dim, TransB: true}
	wantSV := kernels.Gemm{Batch: b, M: seq, N: dim, K: seq}
	if b == 0 || match.QK != wantQK || match.SV != wantSV {
		return nil, false
	}
	if !slices.Equal(m.ValueType(s).Shape, []int{b, seq, seq}) {
		return nil, false
	}
	match.Batch, match.Seq, match.Dim = b, seq, dim
	if match.Scale, ok = softmaxScale(m, sm.Name); !ok {
		return nil, false
	}
	return match, true
}

// calleeGemm matches the function name as a product of its parameters
// A, B and C, in that order.
func calleeGemm(m *ir.Module, name string) (kernels.Gemm, bool) {
	f := m.Func(name)
	if f == nil {
		return kernels.Gemm{}, false
	}
	root, ok := funcLoop(m, f)
	if !ok {
		return kernels.Gemm{}, false
	}
	g, ok := matchGemm(m, f, root)
	if !ok || g.A.Index != 0 || g.B.Index != 1 || g.C.Index != 2 {
		return kernels.Gemm{}, false
	}
	return g.Gemm, true
}

// softmaxScale recognizes an in-place row softmax by its max and exp
// operations and returns the factor its inputs are scaled by.
func softmaxScale(m *ir.Module, name string) (float64, bool) {
	f := m.Func(name)
	if f == nil || len(f.Params) != 1 || len(m.Collect(f.ID, ir.OpIs(ir.OpCall, ir.OpParallel))) > 0 {
		return 0, false
	}
	kinds := map[ir.ArithKind]bool{}
	scale := 1.0
	for _, id := range m.Collect(f.ID, ir.OpIs(ir.OpArith)) {
		n := m.MustNode(id)
		kinds[n.Arith] = true
		if n.Arith != ir.ArithMul {
			continue
		}
		for _, v := range n.Operands {
			if c := m.DefiningNode(v); c != nil && c.Op == ir.OpConst {
				scale = c.Float
			}
		}
	}
	if !kinds[ir.ArithMax] || !kinds[ir.ArithExp] || !kinds[ir.ArithDiv] || scale <= 0 {
		return 0, false
	}
	return scale, true
}

type fmha struct{}

// NewFMHA returns the optimizer of fused multi-head attention. It replaces
// the three calls by one kernel in which every thread owns a query row and
// streams over the keys with an online softmax, so the scores are never
// materialized.
func NewFMHA() Optimizer { return &fmha{} }

func (o *fmha) Name() string { return "FMHA" }

func (o *fmha) Space() Space {
	return Space{
		Knobs: []string{BlockRows, VectorizeWidth},
		Defaults: []Config{
			{BlockRows: 64, VectorizeWidth: 4},
			{BlockRows: 32, VectorizeWidth: 4},
			{BlockRows: 128, VectorizeWidth: 4},
			{BlockRows: 16, VectorizeWidth: 2},
			{BlockRows: 32, VectorizeWidth: 1},
		},
	}
}

func (o *fmha) Applicable(m *ir.Module, cfg Config) (Match, bool) {
	match, ok := matchFMHA(m)
	if !ok {
		return nil, false
	}
	br, w := cfg.Get(BlockRows), cfg.Get(VectorizeWidth)
	switch {
	case br > MaxThreadsPerBlock || !divides(br, match.Seq):
		return nil, reject(o.Name(), cfg, "%d rows per block for sequence length %d", br, match.Seq)
	case !divides(w, match.Dim):
		return nil, reject(o.Name(), cfg, "width %d does not divide head dimension %d", w, match.Dim)
	}
	return match, true
}

func (o *fmha) Apply(m *ir.Module, cfg Config, match Match) {
	mt, ok := match.(*FMHAMatch)
	if !ok {
		exceptions.Panicf("%s: unexpected match %T", o.Name(), match)
	}
	br, w := cfg.Get(BlockRows), cfg.Get(VectorizeWidth)
	klog.V(1).Infof("%s: batch %d, sequence %d, head dimension %d with %s", o.Name(), mt.Batch, mt.Seq, mt.Dim, cfg)

	f := m.MustNode(mt.FuncID)
	for _, id := range slices.Clone(f.Body) {
		m.Erase(id)
	}
	for _, name := range mt.Callees {
		m.Erase(m.Func(name).ID)
	}
	mt.Scores = ir.Value{}

	elem := m.ValueType(mt.Q).Elem
	b := ir.NewBuilder(m, ir.WithElemType(elem))
	b.SetInsertionPointToStart(f.ID)
	lowest := b.ConstFloat(-math.MaxFloat32)
	zero := b.ConstFloat(0)
	scale := b.ConstFloat(mt.Scale)

	grid := markLevel(m, b.Parallel(mt.Batch, mt.Seq/br).ID, ir.LevelGrid)
	b.SetInsertionPointToStart(grid.ID)
	block := markLevel(m, b.Parallel(br).ID, ir.LevelBlock)
	mt.Grid, mt.Block = grid.ID, block.ID

	mt.Max = rewrite.AllocBuffer(m, block.ID, ir.Buffer(elem, ir.Local, 1))
	mt.Sum = rewrite.AllocBuffer(m, block.ID, ir.Buffer(elem, ir.Local, 1))
	mt.Acc = rewrite.AllocBuffer(m, block.ID, ir.Buffer(elem, ir.Local, mt.Dim))
	b.SetInsertionPointToEnd(block.ID)

	bz, row := grid.IV(0), []ir.Value{grid.IV(0), grid.IV(1), block.IV(0)}
	// Q and O are addressed by [bz, gy*BLOCK_ROWS + tx, d].
	rowMap := affine.NewMap(4, affine.D(0), affine.Add(affine.Mul(affine.D(1), affine.C(br)), affine.D(2)), affine.D(3))
	cell, vec, mat := affine.ConstantMap(0), affine.Identity(1), affine.Identity(3)
	with := func(d ir.Value) []ir.Value { return append(slices.Clone(row), d) }

	b.Store(lowest, mt.Max, cell)
	b.Store(zero, mt.Sum, cell)
	reset := b.For(0, mt.Dim, 1)
	b.Within(reset.ID, func() {
		b.Store(zero, mt.Acc, vec, reset.IV())
	})

	keys := b.For(0, mt.Seq, 1)
	var dot, update *ir.Node
	b.Within(keys.ID, func() {
		j := keys.IV()
		dot = b.ForIter(0, mt.Dim, 1, zero)
		b.Within(dot.ID, func() {
			q := b.Load(mt.Q, rowMap, with(dot.IV())...)
			k := b.Load(mt.K, mat, bz, j, dot.IV())
			b.Yield(b.Arith(ir.ArithAdd, dot.CarriedValue(), b.Arith(ir.ArithMul, q, k)))
		})
		s := b.Arith(ir.ArithMul, dot.Result(), scale)
		mOld := b.Load(mt.Max, cell)
		mNew := b.Arith(ir.ArithMax, mOld, s)
		p := b.Arith(ir.ArithExp, b.Arith(ir.ArithSub, s, mNew))
		alpha := b.Arith(ir.ArithExp, b.Arith(ir.ArithSub, mOld, mNew))
		l := b.Load(mt.Sum, cell)
		b.Store(b.Arith(ir.ArithAdd, b.Arith(ir.ArithMul, l, alpha), p), mt.Sum, cell)
		b.Store(mNew, mt.Max, cell)

		update = b.For(0, mt.Dim, 1)
		b.Within(update.ID, func() {
			acc := b.Load(mt.Acc, vec, update.IV())
			v := b.Load(mt.V, mat, bz, j, update.IV())
			b.Store(b.Arith(ir.ArithAdd, b.Arith(ir.ArithMul, acc, alpha), b.Arith(ir.ArithMul, p, v)), mt.Acc, vec, update.IV())
		})
	})

	sum := b.Load(mt.Sum, cell)
	out := b.For(0, mt.Dim, 1)
	b.Within(out.ID, func() {
		acc := b.Load(mt.Acc, vec, out.IV())
		b.Store(b.Arith(ir.ArithDiv, acc, sum), mt.O, rowMap, with(out.IV())...)
	})

	for _, l := range []*ir.Node{reset, update, out} {
		rewrite.Vectorize(m, l.ID, w)
	}
	rewrite.UnrollAttribute(m, rewrite.LoopIn(dot.ID))
}
