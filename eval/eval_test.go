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
	"context"
	"strings"
	"testing"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/target"
	"github.com/ajroetker/go-kcg/workerpool"
)

// scaleModule builds out[i] = in[i] * factor over n elements, with the loop
// either sequential or parallel.
func scaleModule(n int, factor float64, parallel bool) *ir.Module {
	m := ir.NewModule()
	b := ir.NewBuilder(m)
	f := b.Func("scale", ir.Buffer(ir.F32, ir.Global, n), ir.Buffer(ir.F32, ir.Global, n))
	c := b.ConstFloat(factor)
	var iv ir.Value
	var loop *ir.Node
	if parallel {
		loop = b.Parallel(n)
	} else {
		loop = b.For(0, n, 1)
	}
	iv = loop.IV()
	b.Within(loop.ID, func() {
		x := b.Load(f.Arg(0), affine.Identity(1), iv)
		y := b.Arith(ir.ArithMul, x, c)
		b.Store(y, f.Arg(1), affine.Identity(1), iv)
	})
	return m
}

func TestRunScale(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		m := scaleModule(16, 3, parallel)
		in := NewBuffer(ir.Buffer(ir.F32, ir.Global, 16))
		in.Fill(func(i int) float32 { return float32(i) })
		out := NewBuffer(ir.Buffer(ir.F32, ir.Global, 16))
		if err := NewInterpreter().Run(m, "scale", in, out); err != nil {
			t.Fatalf("Run(parallel=%v) = %v", parallel, err)
		}
		for i := range 16 {
			if got, want := out.At(i), float32(3*i); got != want {
				t.Errorf("parallel=%v: out[%d] = %v, want %v", parallel, i, got, want)
			}
		}
	}
}

func TestRunWithPool(t *testing.T) {
	pool := workerpool.New(4)
	defer pool.Close()
	m := scaleModule(1000, 0.5, true)
	in := NewBuffer(ir.Buffer(ir.F32, ir.Global, 1000))
	in.Fill(func(i int) float32 { return float32(i) })
	out := NewBuffer(ir.Buffer(ir.F32, ir.Global, 1000))
	if err := NewInterpreter(WithPool(pool)).Run(m, "scale", in, out); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	for i := range 1000 {
		if got, want := out.At(i), float32(i)/2; got != want {
			t.Fatalf("out[%d] = %v, want %v", i, got, want)
		}
	}
}

func TestRunCarriedLoop(t *testing.T) {
	m := ir.NewModule()
	b := ir.NewBuilder(m)
	f := b.Func("sum", ir.Buffer(ir.F32, ir.Global, 8), ir.Buffer(ir.F32, ir.Global, 1))
	zero := b.ConstFloat(0)
	loop := b.ForIter(0, 8, 1, zero)
	b.Within(loop.ID, func() {
		x := b.Load(f.Arg(0), affine.Identity(1), loop.IV())
		b.Yield(b.Arith(ir.ArithAdd, loop.CarriedValue(), x))
	})
	b.Store(loop.Result(), f.Arg(1), affine.ConstantMap(0))

	in := NewBuffer(ir.Buffer(ir.F32, ir.Global, 8))
	in.Fill(func(i int) float32 { return float32(i + 1) })
	out := NewBuffer(ir.Buffer(ir.F32, ir.Global, 1))
	if err := NewInterpreter().Run(m, "sum", in, out); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got := out.At(0); got != 36 {
		t.Errorf("sum = %v, want 36", got)
	}
}

// rotateModule builds one block of n threads that exchange values through
// shared memory: out[t] = in[(t+1) mod n].
func rotateModule(n int) *ir.Module {
	m := ir.NewModule()
	b := ir.NewBuilder(m)
	f := b.Func("rotate", ir.Buffer(ir.F32, ir.Global, n), ir.Buffer(ir.F32, ir.Global, n))
	grid := b.Parallel(1)
	grid.SetAttr(ir.AttrLevel, ir.LevelGrid)
	b.Within(grid.ID, func() {
		sh := b.Alloc(ir.Buffer(ir.F32, ir.Shared, n))
		blk := b.Parallel(n)
		blk.SetAttr(ir.AttrLevel, ir.LevelBlock)
		b.Within(blk.ID, func() {
			x := b.Load(f.Arg(0), affine.Identity(1), blk.IV())
			b.Store(x, sh, affine.Identity(1), blk.IV())
			b.Barrier()
			next := affine.NewMap(1, affine.Mod(affine.Add(affine.D(0), affine.C(1)), n))
			y := b.Load(sh, next, blk.IV())
			b.Store(y, f.Arg(1), affine.Identity(1), blk.IV())
		})
	})
	return m
}

func TestRunBarrier(t *testing.T) {
	const n = 32
	m := rotateModule(n)
	if err := m.Verify(); err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	in := NewBuffer(ir.Buffer(ir.F32, ir.Global, n))
	in.Fill(func(i int) float32 { return float32(i) })
	out := NewBuffer(ir.Buffer(ir.F32, ir.Global, n))
	for range 5 {
		if err := NewInterpreter().Run(m, "rotate", in, out); err != nil {
			t.Fatalf("Run() = %v", err)
		}
		for i := range n {
			if got, want := out.At(i), float32((i+1)%n); got != want {
				t.Fatalf("out[%d] = %v, want %v", i, got, want)
			}
		}
	}
}

func TestRunOutOfBounds(t *testing.T) {
	m := ir.NewModule()
	b := ir.NewBuilder(m)
	f := b.Func("oob", ir.Buffer(ir.F32, ir.Global, 4))
	loop := b.For(0, 5, 1)
	b.Within(loop.ID, func() {
		x := b.Load(f.Arg(0), affine.Identity(1), loop.IV())
		b.Store(x, f.Arg(0), affine.Identity(1), loop.IV())
	})
	err := NewInterpreter().Run(m, "oob", NewBuffer(ir.Buffer(ir.F32, ir.Global, 4)))
	if err == nil || !strings.Contains(err.Error(), "out of bounds") {
		t.Errorf("Run() = %v, want an out of bounds error", err)
	}
}

func TestRunArgumentMismatch(t *testing.T) {
	m := scaleModule(8, 1, false)
	err := NewInterpreter().Run(m, "scale", NewBuffer(ir.Buffer(ir.F32, ir.Global, 8)))
	if err == nil {
		t.Error("Run() with one argument succeeded, want an error")
	}
}

func TestRoundF16(t *testing.T) {
	b := NewBuffer(ir.Buffer(ir.F16, ir.Global, 1))
	b.Set(1.0001, 0)
	if got := b.At(0); got != 1 {
		t.Errorf("f16 store of 1.0001 = %v, want 1", got)
	}
	i := NewBuffer(ir.Buffer(ir.I32, ir.Global, 1))
	i.Set(2.7, 0)
	if got := i.At(0); got != 2 {
		t.Errorf("i32 store of 2.7 = %v, want 2", got)
	}
}

func TestCostModelPrefersParallel(t *testing.T) {
	dev, err := target.Lookup("sm80")
	if err != nil {
		t.Fatal(err)
	}
	cm := CostModel{Device: dev}
	seq, err := cm.Evaluate(context.Background(), scaleModule(1<<16, 2, false))
	if err != nil {
		t.Fatalf("Evaluate(sequential) = %v", err)
	}
	par, err := cm.Evaluate(context.Background(), scaleModule(1<<16, 2, true))
	if err != nil {
		t.Fatalf("Evaluate(parallel) = %v", err)
	}
	if par >= seq {
		t.Errorf("parallel latency %.0f ns not below sequential %.0f ns", par, seq)
	}
}

func TestCostModelLimits(t *testing.T) {
	dev, _ := target.Lookup("sm80")
	cm := CostModel{Device: dev}

	tooManyThreads := rotateModule(2048)
	if _, err := cm.Evaluate(context.Background(), tooManyThreads); err == nil || !strings.Contains(err.Error(), "threads per block") {
		t.Errorf("Evaluate(2048 threads) = %v, want a threads per block error", err)
	}

	m := ir.NewModule()
	b := ir.NewBuilder(m)
	b.Func("big")
	grid := b.Parallel(4)
	b.Within(grid.ID, func() {
		b.Alloc(ir.Buffer(ir.F32, ir.Shared, 64*1024))
	})
	if _, err := cm.Evaluate(context.Background(), m); err == nil || !strings.Contains(err.Error(), "shared bytes") {
		t.Errorf("Evaluate(256 KiB shared) = %v, want a shared bytes error", err)
	}
}

func TestCostModelStats(t *testing.T) {
	dev, _ := target.Lookup("sm80")
	stats, err := CostModel{Device: dev}.Analyze(rotateModule(32))
	if err != nil {
		t.Fatalf("Analyze() = %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("Analyze() returned %d regions, want 1", len(stats))
	}
	s := stats[0]
	if !s.IsParallel || s.Blocks != 1 || s.Threads != 32 {
		t.Errorf("region = %+v, want 1 parallel block of 32 threads", s)
	}
	if s.BarrierCount != 32 {
		t.Errorf("BarrierCount = %v, want 32", s.BarrierCount)
	}
	if s.SharedBytes != 32*4 {
		t.Errorf("SharedBytes = %d, want %d", s.SharedBytes, 32*4)
	}
}

func TestVerify(t *testing.T) {
	in := NewInterpreter()
	ref := scaleModule(32, 2, false)
	if err := Verify(in, ref, scaleModule(32, 2, true), 7, 1e-6); err != nil {
		t.Errorf("Verify(parallel variant) = %v", err)
	}
	if err := Verify(in, ref, scaleModule(32, 3, false), 7, 1e-6); err == nil {
		t.Error("Verify(different factor) = nil, want a mismatch")
	}
}

func TestChecked(t *testing.T) {
	dev, _ := target.Lookup("sm80")
	c := Checked{Reference: scaleModule(64, 2, false), Inner: CostModel{Device: dev}, Seed: 1}
	if _, err := c.Evaluate(context.Background(), scaleModule(64, 2, true)); err != nil {
		t.Errorf("Evaluate(equivalent) = %v", err)
	}
	if _, err := c.Evaluate(context.Background(), scaleModule(64, 4, true)); err == nil {
		t.Error("Evaluate(wrong variant) = nil, want an error")
	}
}

func TestMeasure(t *testing.T) {
	ns, err := Measure{Repeats: 3}.Evaluate(context.Background(), scaleModule(64, 2, false))
	if err != nil {
		t.Fatalf("Evaluate() = %v", err)
	}
	if ns <= 0 {
		t.Errorf("Evaluate() = %v, want a positive latency", ns)
	}
}
