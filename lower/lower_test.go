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

package lower_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/kernels"
	"github.com/ajroetker/go-kcg/lower"
	"github.com/ajroetker/go-kcg/optimizer"
)

func optimize(t *testing.T, o optimizer.Optimizer, m *ir.Module, cfg optimizer.Config) *ir.Module {
	t.Helper()
	m = m.Clone()
	match, ok := o.Applicable(m, cfg)
	require.True(t, ok, "%s not applicable with %s", o.Name(), cfg)
	o.Apply(m, cfg, match)
	return m
}

func lowerText(t *testing.T, m *ir.Module) *lower.LLVM {
	t.Helper()
	l := &lower.LLVM{}
	before := m.String()
	require.NoError(t, l.Lower(context.Background(), m))
	assert.Equal(t, before, m.String(), "lowering modified the module")
	return l
}

func TestBaselineLowersToLoops(t *testing.T) {
	l := lowerText(t, kernels.ElementWise([]int{4, 8}, []string{"tanh", kernels.Relu}))
	require.Len(t, l.Kernels, 1)
	assert.Equal(t, lower.Kernel{Name: "elementwise", Grid: [3]int{1, 1, 1}, Block: [3]int{1, 1, 1}}, l.Kernels[0])
	assert.Contains(t, l.Text, `target triple = "nvptx64-nvidia-cuda"`)
	assert.Contains(t, l.Text, "define void @elementwise(float* %arg0, float* %arg1)")
	assert.Contains(t, l.Text, "@llvm.tanh.f32")
	assert.Contains(t, l.Text, "@llvm.maxnum.f32")
	assert.NotContains(t, l.Text, "sreg", "an unmapped kernel reads thread indices")
	assert.Equal(t, 2, strings.Count(l.Text, "icmp slt i64"), "one exit test per loop")
}

func TestElementWiseKernel(t *testing.T) {
	ref := kernels.ElementWise([]int{5, 12}, []string{"exp"})
	m := optimize(t, optimizer.NewElementWise(), ref, optimizer.Config{optimizer.BlockSize: 8, optimizer.VectorizeWidth: 4})
	l := lowerText(t, m)
	require.Len(t, l.Kernels, 1)
	k := l.Kernels[0]
	assert.Equal(t, [3]int{2, 1, 1}, k.Grid)
	assert.Equal(t, [3]int{8, 1, 1}, k.Block)
	assert.Equal(t, 8, k.Threads())
	assert.Contains(t, l.Text, "@llvm.nvvm.read.ptx.sreg.ctaid.x")
	assert.Contains(t, l.Text, "@llvm.nvvm.read.ptx.sreg.tid.x")
	assert.Contains(t, l.Text, "load <4 x float>, <4 x float>*")
	assert.Contains(t, l.Text, "@llvm.exp.v4f32")
	assert.Regexp(t, `if\d+\.then`, l.Text, "the padded tail is not guarded")
}

func TestMatmulKernel(t *testing.T) {
	cfg := optimizer.Config{
		optimizer.BlockSizeM: 32, optimizer.BlockSizeN: 32, optimizer.BlockSizeK: 16,
		optimizer.ThreadSizeM: 4, optimizer.ThreadSizeN: 4, optimizer.VectorizeWidth: 4,
	}
	m := optimize(t, optimizer.NewMatmul(), kernels.Matmul(64, 128, 32), cfg)
	l := lowerText(t, m)
	k := l.Kernels[0]
	assert.Equal(t, [3]int{4, 2, 1}, k.Grid)
	assert.Equal(t, [3]int{8, 8, 1}, k.Block)
	assert.Contains(t, l.Text, "call void @llvm.nvvm.barrier0()")
	assert.Contains(t, l.Text, "zeroinitializer", "shared tiles are not module globals")
	assert.Contains(t, l.Text, "alloca [", "register tiles are not allocas")
}

func TestAttentionModule(t *testing.T) {
	ref := kernels.Attention(1, 16, 8)
	l := lowerText(t, ref)
	assert.Len(t, l.Kernels, 4)
	assert.Contains(t, l.Text, "call void @bmm_qk(")
	assert.Contains(t, l.Text, "@llvm.exp.f32")

	m := optimize(t, optimizer.NewFMHA(), ref, optimizer.Config{optimizer.BlockRows: 8, optimizer.VectorizeWidth: 4})
	l = lowerText(t, m)
	require.Len(t, l.Kernels, 1)
	assert.Equal(t, [3]int{2, 1, 1}, l.Kernels[0].Grid)
	assert.Equal(t, [3]int{8, 1, 1}, l.Kernels[0].Block)
	assert.Contains(t, l.Text, "@llvm.maxnum.f32")
	assert.NotContains(t, l.Text, "call void @bmm")
}

func TestGatherIndexCast(t *testing.T) {
	l := lowerText(t, kernels.Gather(16, 8, 4))
	assert.Contains(t, l.Text, "sext i32")
}

func TestAffineExpressions(t *testing.T) {
	m := ir.NewModule()
	b := ir.NewBuilder(m)
	f := b.Func("shifts", ir.Buffer(ir.F32, ir.Global, 64))
	loop := b.For(0, 64, 1)
	b.SetInsertionPointToStart(loop.ID)
	v := b.Load(f.Arg(0), affine.NewMap(1, affine.Mod(affine.FloorDiv(affine.D(0), 4), 16)), loop.IV())
	g := b.If(affine.NewSet(1, affine.Sub(affine.D(0), affine.C(3))), loop.IV())
	b.SetInsertionPointToStart(g.ID)
	b.Store(v, f.Arg(0), affine.NewMap(1, affine.CeilDiv(affine.D(0), 2)), loop.IV())
	require.NoError(t, m.Verify())

	l := lowerText(t, m)
	assert.Contains(t, l.Text, "sdiv i64")
	assert.Contains(t, l.Text, "icmp sge i64")
	assert.Contains(t, l.Text, "br i1")
}

func TestLowerErrors(t *testing.T) {
	m := ir.NewModule()
	b := ir.NewBuilder(m)
	b.Func("caller", ir.Buffer(ir.F32, ir.Global, 4))
	b.Call("missing")
	_, _, err := lower.Module(m)
	assert.ErrorContains(t, err, `unknown function "missing"`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = (&lower.LLVM{}).Lower(ctx, kernels.Matmul(8, 8, 8))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTripleOverride(t *testing.T) {
	l := &lower.LLVM{Triple: "x86_64-unknown-linux-gnu"}
	require.NoError(t, l.Lower(context.Background(), kernels.Matmul(8, 8, 8)))
	assert.Contains(t, l.Text, `target triple = "x86_64-unknown-linux-gnu"`)
}
