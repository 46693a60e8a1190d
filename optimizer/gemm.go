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
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/kernels"
	"github.com/ajroetker/go-kcg/rewrite"
)

// Knobs of the matrix product optimizers.
const (
	BlockSizeM     = "BLOCK_SIZE_M"
	BlockSizeN     = "BLOCK_SIZE_N"
	BlockSizeK     = "BLOCK_SIZE_K"
	ThreadSizeM    = "THREAD_SIZE_M"
	ThreadSizeN    = "THREAD_SIZE_N"
	VectorizeWidth = "VECTORIZE_WIDTH"
)

// GemmMatch is a matched matrix product C = A * B, optionally batched over
// a leading dimension, in its canonical form:
//
//	for [b] { for i { for j { C[b,i,j] = 0; for k { C[b,i,j] += A[b,i,k] * B[b,k,j] } } } }
//
// A and B may be stored transposed.
type GemmMatch struct {
	funcMatch
	kernels.Gemm

	A, B, C ir.Value

	// Loops is the matched nest, outermost first: [b,] i, j, k.
	Loops []ir.ID
	// Init stores the zero that starts every accumulation.
	Init ir.ID

	// Set by Apply.
	Grid, Block ir.ID
}

// gemm tiles a matrix product into a two level hierarchy: a grid of
// BLOCK_SIZE_M x BLOCK_SIZE_N output tiles and, in each, a block of threads
// computing THREAD_SIZE_M x THREAD_SIZE_N register tiles. The reduction runs
// over BLOCK_SIZE_K slices of A and B staged in double-buffered shared
// memory by cooperative vectorized copies.
type gemm struct {
	name    string
	batched bool
}

// NewMatmul returns the optimizer of plain matrix products.
func NewMatmul() Optimizer { return &gemm{name: "Matmul"} }

// NewBatchMatmul returns the optimizer of batched matrix products.
func NewBatchMatmul() Optimizer { return &gemm{name: "BatchMatmul", batched: true} }

func (g *gemm) Name() string { return g.name }

func (g *gemm) Space() Space {
	cfg := func(bm, bn, bk, tm, tn, w int) Config {
		return Config{BlockSizeM: bm, BlockSizeN: bn, BlockSizeK: bk, ThreadSizeM: tm, ThreadSizeN: tn, VectorizeWidth: w}
	}
	return Space{
		Knobs: []string{BlockSizeM, BlockSizeN, BlockSizeK, ThreadSizeM, ThreadSizeN, VectorizeWidth},
		Defaults: []Config{
			cfg(128, 128, 8, 8, 8, 4),
			cfg(64, 64, 16, 4, 4, 4),
			cfg(32, 32, 16, 4, 4, 4),
			cfg(32, 32, 8, 4, 4, 2),
			cfg(16, 16, 16, 2, 2, 2),
		},
	}
}

func (g *gemm) Applicable(m *ir.Module, cfg Config) (Match, bool) {
	f, root, ok := loopEntry(m)
	if !ok {
		return nil, false
	}
	match, ok := matchGemm(m, f, root)
	if !ok || (match.Batch > 0) != g.batched {
		return nil, false
	}
	if err := tilingOf(cfg).fits(match.Gemm); err != "" {
		return nil, reject(g.name, cfg, "%s: %s", match.Gemm, err)
	}
	return match, true
}

// matchGemm recognizes the canonical product nest rooted at root.
func matchGemm(m *ir.Module, f, root *ir.Node) (*GemmMatch, bool) {
	nest := m.LoopNest(root.ID)
	if (len(nest) != 3 && len(nest) != 4) || !normalized(m, nest...) {
		return nil, false
	}
	batched := len(nest) == 4
	nk := len(nest) - 1
	for _, id := range nest[:nk-1] {
		if len(m.MustNode(id).Body) != 1 {
			return nil, false
		}
	}
	lj, lk := m.MustNode(nest[nk-1]), m.MustNode(nest[nk])
	if len(lj.Body) != 2 || lj.Body[1] != lk.ID {
		return nil, false
	}
	init := m.MustNode(lj.Body[0])
	if init.Op != ir.OpStore || init.VectorWidth() != 1 {
		return nil, false
	}
	if zero := m.DefiningNode(init.StoredValue()); zero == nil || zero.Op != ir.OpConst || zero.Float != 0 {
		return nil, false
	}

	var loads []*ir.Node
	var mul, add, store *ir.Node
	for _, id := range lk.Body {
		n := m.MustNode(id)
		switch {
		case n.Op == ir.OpLoad && n.VectorWidth() == 1:
			loads = append(loads, n)
		case n.Op == ir.OpArith && n.Arith == ir.ArithMul && mul == nil:
			mul = n
		case n.Op == ir.OpArith && n.Arith == ir.ArithAdd && add == nil:
			add = n
		case n.Op == ir.OpStore && n.VectorWidth() == 1 && store == nil:
			store = n
		default:
			return nil, false
		}
	}
	if len(loads) != 3 || mul == nil || add == nil || store == nil {
		return nil, false
	}

	var prefix []ir.Value
	if batched {
		prefix = []ir.Value{m.MustNode(nest[0]).IV()}
	}
	i, j, k := m.MustNode(nest[nk-2]).IV(), lj.IV(), lk.IV()
	with := func(vs ...ir.Value) []ir.Value { return append(slices.Clone(prefix), vs...) }
	dimsAre := func(n *ir.Node, want []ir.Value) bool {
		got, ok := accessDims(n)
		return ok && slices.Equal(got, want)
	}

	match := &GemmMatch{funcMatch: funcMatch{f.ID}, Loops: nest, Init: init.ID}
	match.C = store.MemRef()
	if init.MemRef() != match.C || !dimsAre(store, with(i, j)) || !dimsAre(init, with(i, j)) {
		return nil, false
	}
	var a, b, c *ir.Node
	for _, l := range loads {
		switch {
		case l.MemRef() == match.C && dimsAre(l, with(i, j)):
			c = l
		case dimsAre(l, with(i, k)) || dimsAre(l, with(k, i)):
			a = l
			match.TransA = dimsAre(l, with(k, i))
		case dimsAre(l, with(k, j)) || dimsAre(l, with(j, k)):
			b = l
			match.TransB = dimsAre(l, with(j, k))
		}
	}
	if a == nil || b == nil || c == nil {
		return nil, false
	}
	match.A, match.B = a.MemRef(), b.MemRef()
	for _, v := range []ir.Value{match.A, match.B, match.C} {
		if !v.Arg || v.Def != f.ID {
			return nil, false
		}
	}
	if match.A == match.B || match.A == match.C || match.B == match.C {
		return nil, false
	}
	if !sameOperands(mul.Operands, a.Result(), b.Result()) ||
		!sameOperands(add.Operands, c.Result(), mul.Result()) ||
		store.StoredValue() != add.Result() {
		return nil, false
	}

	t := trips(m, nest)
	if batched {
		match.Batch, t = t[0], t[1:]
	}
	match.M, match.N, match.K = t[0], t[1], t[2]
	return match, true
}

// sameOperands reports whether ops is {x, y} in any order.
func sameOperands(ops []ir.Value, x, y ir.Value) bool {
	return len(ops) == 2 && (ops[0] == x && ops[1] == y || ops[0] == y && ops[1] == x)
}

// tiling is a gemm configuration.
type tiling struct {
	bm, bn, bk, tm, tn, w int
}

func tilingOf(cfg Config) tiling {
	return tiling{
		bm: cfg.Get(BlockSizeM), bn: cfg.Get(BlockSizeN), bk: cfg.Get(BlockSizeK),
		tm: cfg.Get(ThreadSizeM), tn: cfg.Get(ThreadSizeN), w: cfg.Get(VectorizeWidth),
	}
}

// threads is the number of threads of a block; thread (tx, ty) has the
// linear id tx * (BLOCK_SIZE_N / THREAD_SIZE_N) + ty.
func (t tiling) threads() int { return (t.bm / t.tm) * (t.bn / t.tn) }

// fits returns why t cannot tile g, or "" if it can.
func (t tiling) fits(g kernels.Gemm) string {
	switch {
	case !divides(t.bm, g.M) || !divides(t.bn, g.N) || !divides(t.bk, g.K):
		return fmt.Sprintf("blocks %dx%dx%d do not divide the problem", t.bm, t.bn, t.bk)
	case !divides(t.tm, t.bm) || !divides(t.tn, t.bn):
		return fmt.Sprintf("threads %dx%d do not divide the block", t.tm, t.tn)
	case !divides(t.w, t.tm) || !divides(t.w, t.tn):
		return fmt.Sprintf("width %d does not divide the thread tile", t.w)
	case t.threads() > MaxThreadsPerBlock:
		return fmt.Sprintf("%d threads per block", t.threads())
	case 2*t.bk*(t.bm+t.bn)*4 > MaxSharedBytes:
		return fmt.Sprintf("%d shared bytes", 2*t.bk*(t.bm+t.bn)*4)
	}
	for _, c := range []tileCopy{t.copyOf(t.bm, !g.TransA), t.copyOf(t.bn, g.TransB)} {
		if reason := c.fits(); reason != "" {
			return reason
		}
	}
	return ""
}

// tileCopy is the cooperative copy of one operand's [BLOCK_SIZE_K, extent]
// slice from global to shared memory. Every thread moves rounds vectors of
// width elements along the operand's contiguous global dimension.
type tileCopy struct {
	tiling
	extent int
	// kMajor is set when K is the contiguous dimension of the operand.
	kMajor bool
}

func (t tiling) copyOf(extent int, kMajor bool) tileCopy {
	return tileCopy{tiling: t, extent: extent, kMajor: kMajor}
}

func (c tileCopy) rounds() int { return c.bk * c.extent / (c.threads() * c.w) }

func (c tileCopy) fits() string {
	contiguous := c.extent
	if c.kMajor {
		contiguous = c.bk
	}
	switch {
	case !divides(c.w, contiguous):
		return fmt.Sprintf("width %d does not divide the copied rows of %d", c.w, contiguous)
	case c.bk*c.extent%(c.threads()*c.w) != 0 || c.rounds() == 0:
		return fmt.Sprintf("%d threads cannot copy a %dx%d tile by %d", c.threads(), c.bk, c.extent, c.w)
	}
	return ""
}

// coords returns the position (k, d) in the tile of lane l of vector v.
func (c tileCopy) coords(v, l *affine.Expr) (kc, dc *affine.Expr) {
	if c.kMajor {
		per := c.bk / c.w
		return affine.Add(affine.Scale(affine.Mod(v, per), c.w), l), affine.FloorDiv(v, per)
	}
	per := c.extent / c.w
	return affine.FloorDiv(v, per), affine.Add(affine.Scale(affine.Mod(v, per), c.w), l)
}

// vector returns the index of vector r of thread (tx, ty).
func (c tileCopy) vector(r, tx, ty *affine.Expr) *affine.Expr {
	tid := affine.Add(affine.Scale(tx, c.bn/c.tn), ty)
	return affine.Add(affine.Scale(r, c.threads()), tid)
}

// globalMap addresses the operand from operands (prefix..., block, k0, tx,
// ty) and the tile dimensions (r, l).
func (c tileCopy) globalMap(prefix int) affine.Map {
	bd, k0, tx, ty, r, l := affine.D(prefix), affine.D(prefix+1), affine.D(prefix+2), affine.D(prefix+3), affine.D(prefix+4), affine.D(prefix+5)
	kc, dc := c.coords(c.vector(r, tx, ty), l)
	gk := affine.Add(k0, kc)
	gd := affine.Add(affine.Scale(bd, c.extent), dc)
	results := make([]*affine.Expr, 0, prefix+2)
	for p := range prefix {
		results = append(results, affine.D(p))
	}
	if c.kMajor {
		results = append(results, gd, gk)
	} else {
		results = append(results, gk, gd)
	}
	return affine.NewMap(prefix+6, results...)
}

// sharedMap addresses the [BLOCK_SIZE_K, extent] shared tile from operands
// (tx, ty) and the tile dimensions (r, l).
func (c tileCopy) sharedMap() affine.Map {
	kc, dc := c.coords(c.vector(affine.D(2), affine.D(0), affine.D(1)), affine.D(3))
	return affine.NewMap(4, kc, dc)
}

// sharedWidth is the vector width of stores into shared memory: lanes run
// along the contiguous dimension of the tile only when it is not K.
func (c tileCopy) sharedWidth() int {
	if c.kMajor {
		return 1
	}
	return c.w
}

func (g *gemm) Apply(m *ir.Module, cfg Config, match Match) {
	mt, ok := match.(*GemmMatch)
	if !ok {
		exceptions.Panicf("%s: unexpected match %T", g.name, match)
	}
	t := tilingOf(cfg)
	if reason := t.fits(mt.Gemm); reason != "" {
		exceptions.Panicf("%s: configuration %s does not fit %s: %s", g.name, cfg, mt.Gemm, reason)
	}
	klog.V(1).Infof("%s: tiling %s with %s", g.name, mt.Gemm, cfg)

	loops := mt.Loops
	var batch []ir.ID
	if g.batched {
		batch, loops = loops[:1], loops[1:]
	}
	is := rewrite.Split(m, loops[0], 3, []int{t.bm, t.tm})
	js := rewrite.Split(m, loops[1], 3, []int{t.bn, t.tn})
	ks := rewrite.Split(m, loops[2], 2, []int{t.bk})
	rewrite.Reorder(m, append(slices.Clone(batch), is[0], js[0], is[1], js[1], ks[0], ks[1], is[2], js[2]))

	// Thread hierarchy.
	grid := markLevel(m, rewrite.Parallel(m, append(slices.Clone(batch), is[0], js[0])), ir.LevelGrid)
	block := markLevel(m, rewrite.Parallel(m, []ir.ID{is[1], js[1]}), ir.LevelBlock)
	mt.Grid, mt.Block = grid.ID, block.ID
	var prefix []ir.Value
	if g.batched {
		prefix = []ir.Value{grid.IV(0)}
	}
	bx, by := grid.IV(len(prefix)), grid.IV(len(prefix)+1)
	tx, ty := block.IV(0), block.IV(1)
	with := func(vs ...ir.Value) []ir.Value { return append(slices.Clone(prefix), vs...) }

	k0, k1 := m.MustNode(ks[0]), m.MustNode(ks[1])
	i2, j2 := m.MustNode(is[2]), m.MustNode(js[2])
	elem := m.ValueType(mt.C).Elem

	// Accumulate C in registers.
	regC := rewrite.AllocBuffer(m, block.ID, ir.Buffer(elem, ir.Local, t.tm, t.tn))
	initJ := m.MustNode(m.MustNode(mt.Init).Parent)
	initI := m.MustNode(initJ.Parent)
	rewrite.CacheWrite(m, initI.ID, mt.C, regC, affine.Identity(2), initI.IV(), initJ.IV())
	rewrite.CacheRead(m, k0.ID, mt.C, regC, affine.Identity(2), i2.IV(), j2.IV())
	rewrite.CacheWrite(m, k0.ID, mt.C, regC, affine.Identity(2), i2.IV(), j2.IV())
	p := len(prefix)
	cMap := affine.NewMap(p+6, append(dimsUpTo(p),
		affine.Add(affine.Add(affine.Scale(affine.D(p), t.bm), affine.Scale(affine.D(p+1), t.tm)), affine.D(p+4)),
		affine.Add(affine.Add(affine.Scale(affine.D(p+2), t.bn), affine.Scale(affine.D(p+3), t.tn)), affine.D(p+5)))...)
	rewrite.Write(m, regC, mt.C, cMap, with(bx, tx, by, ty), k0.ID, rewrite.After, t.w)

	// Register fragments of A and B, filled from shared memory at every
	// step of the reduction.
	regA := rewrite.AllocBuffer(m, block.ID, ir.Buffer(elem, ir.Local, t.tm))
	regB := rewrite.AllocBuffer(m, block.ID, ir.Buffer(elem, ir.Local, t.tn))
	rewrite.CacheRead(m, i2.ID, mt.A, regA, affine.Identity(1), i2.IV())
	rewrite.CacheRead(m, i2.ID, mt.B, regB, affine.Identity(1), j2.IV())
	smA := rewrite.AllocBuffer(m, block.ID, ir.Buffer(elem, ir.Shared, t.bk, t.bm))
	smB := rewrite.AllocBuffer(m, block.ID, ir.Buffer(elem, ir.Shared, t.bk, t.bn))
	fill := func(tile int) affine.Map {
		return affine.NewMap(3, affine.D(0), affine.Add(affine.Scale(affine.D(1), tile), affine.D(2)))
	}
	rewrite.Read(m, smA, fill(t.tm), []ir.Value{k1.IV(), tx}, regA, i2.ID, rewrite.Before, t.w)
	rewrite.Read(m, smB, fill(t.tn), []ir.Value{k1.IV(), ty}, regB, i2.ID, rewrite.Before, t.w)

	// Cooperative copies of the next K slice: global to registers, then
	// registers to shared memory.
	ca, cb := t.copyOf(t.bm, !mt.TransA), t.copyOf(t.bn, mt.TransB)
	tmpA := rewrite.AllocBuffer(m, block.ID, ir.Buffer(elem, ir.Local, ca.rounds(), t.w))
	tmpB := rewrite.AllocBuffer(m, block.ID, ir.Buffer(elem, ir.Local, cb.rounds(), t.w))
	gA := rewrite.Read(m, mt.A, ca.globalMap(p), with(bx, k0.IV(), tx, ty), tmpA, k1.ID, rewrite.Before, t.w)
	gB := rewrite.Read(m, mt.B, cb.globalMap(p), with(by, k0.IV(), tx, ty), tmpB, k1.ID, rewrite.Before, t.w)
	sA := rewrite.Write(m, tmpA, smA, ca.sharedMap(), []ir.Value{tx, ty}, k1.ID, rewrite.Before, ca.sharedWidth())
	sB := rewrite.Write(m, tmpB, smB, cb.sharedMap(), []ir.Value{tx, ty}, k1.ID, rewrite.Before, cb.sharedWidth())
	rewrite.InsertBarrier(m, k1.ID, rewrite.Before)
	rewrite.InsertBarrier(m, k1.ID, rewrite.After)

	rewrite.Pipeline(m, []ir.ID{gA, sA}, &smA, k0.ID)
	rewrite.Pipeline(m, []ir.ID{gB, sB}, &smB, k0.ID)

	rewrite.Unroll(m, func(n *ir.Node) bool {
		return n.ID != k0.ID && n.ID != k1.ID && m.IsAncestor(block.ID, n.ID)
	})
	rewrite.UnrollAttribute(m, rewrite.LoopIn(k1.ID))
	rewrite.TakeOffTrueIf(m)
	rewrite.DeleteFalseIf(m)
	rewrite.DeleteExtraConstants(m)
}

// dimsUpTo returns d0, ..., d<n-1>.
func dimsUpTo(n int) []*affine.Expr {
	out := make([]*affine.Expr, n)
	for i := range out {
		out[i] = affine.D(i)
	}
	return out
}
