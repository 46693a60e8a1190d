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

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/target"
)

// CostModel estimates the latency of a module on a device without running
// it. Every instruction is counted as often as it executes. Work inside a
// parallel loop nest is spread over the lanes of the device, bounded by the
// number of threads the nest provides, and each nest pays a launch. Memory
// traffic to global buffers is bounded by the device bandwidth.
//
// Kernels that exceed a resource limit of the device (threads per block,
// shared bytes per block, local bytes per thread, vector width) are
// rejected with an error.
type CostModel struct {
	Device target.Device
}

// Stats are the counts gathered for one region of a module.
type Stats struct {
	Cycles        float64
	GlobalBytes   float64
	Threads       int
	Blocks        int
	SharedBytes   int
	LocalBytes    int
	VectorAccess  float64
	ScalarAccess  float64
	BarrierCount  float64
	LatencyNs     float64
	IsParallel    bool
	ParallelNodes int
}

// Evaluate returns the estimated latency in nanoseconds.
func (cm CostModel) Evaluate(ctx context.Context, m *ir.Module) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	regions, err := cm.Analyze(m)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, r := range regions {
		total += r.LatencyNs
	}
	klog.V(3).Infof("cost model on %s: %d regions, %.0f ns", cm.Device.Name, len(regions), total)
	return total, nil
}

// Analyze returns the statistics of every top-level region of the entry
// function: each outermost parallel nest is a region, and so is the
// sequential code between them.
func (cm CostModel) Analyze(m *ir.Module) ([]Stats, error) {
	entry, err := Entry(m)
	if err != nil {
		return nil, err
	}
	w := &costWalker{cm: cm, m: m}
	if err := w.catch(func() { w.function(entry, 1) }); err != nil {
		return nil, err
	}
	w.flushSerial()
	return w.regions, nil
}

type costWalker struct {
	cm      CostModel
	m       *ir.Module
	regions []Stats
	serial  Stats
	depth   int
}

type costError struct{ error }

func (w *costWalker) fail(format string, args ...any) {
	panic(costError{errors.Errorf(format, args...)})
}

func (w *costWalker) catch(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(costError); ok {
				err = ce.error
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

func (w *costWalker) flushSerial() {
	if w.serial.Cycles == 0 {
		return
	}
	d := w.cm.Device
	s := w.serial
	s.Threads, s.Blocks = 1, 1
	s.LatencyNs = max(s.Cycles/d.ClockGHz, s.GlobalBytes/d.BandwidthGBs)
	w.regions = append(w.regions, s)
	w.serial = Stats{}
}

func (w *costWalker) function(f *ir.Node, mult float64) {
	w.depth++
	if w.depth > 64 {
		w.fail("call depth exceeded in %s", f.Name)
	}
	for _, c := range f.Body {
		w.top(w.m.MustNode(c), mult)
	}
	w.depth--
}

// top handles statements outside any parallel loop.
func (w *costWalker) top(n *ir.Node, mult float64) {
	switch n.Op {
	case ir.OpParallel:
		w.flushSerial()
		w.region(n, mult)
	case ir.OpCall:
		w.function(w.callee(n), mult)
	case ir.OpFor:
		trip := w.trip(n)
		w.serial.Cycles += mult * float64(trip) * loopOverhead(n)
		for _, c := range n.Body {
			w.top(w.m.MustNode(c), mult*float64(trip))
		}
	case ir.OpIf:
		w.serial.Cycles += mult
		for _, c := range n.Body {
			w.top(w.m.MustNode(c), mult)
		}
	default:
		w.count(&w.serial, n, mult)
	}
}

func (w *costWalker) callee(n *ir.Node) *ir.Node {
	f := w.m.Func(n.Name)
	if f == nil {
		w.fail("call to unknown function %q", n.Name)
	}
	return f
}

func (w *costWalker) trip(n *ir.Node) int {
	if t, ok := n.TripCount(); ok {
		return t
	}
	lo, hi, ok := w.m.ValueRange(n.IV())
	if !ok {
		w.fail("loop %d has unbounded trip count", n.ID)
	}
	return (hi-lo)/n.Step + 1
}

func loopOverhead(n *ir.Node) float64 {
	if n.Attr(ir.AttrUnroll) != "" {
		return 0
	}
	return 1
}

// region accounts an outermost parallel nest as one kernel launch.
func (w *costWalker) region(p *ir.Node, mult float64) {
	d := w.cm.Device
	s := Stats{IsParallel: true, Blocks: 1, Threads: 1}
	blocks := parallelTrip(p)
	s.Blocks = blocks
	w.inParallel(&s, p, mult*float64(blocks), 1)
	if s.Threads > d.MaxThreadsPerBlock {
		w.fail("%d threads per block exceed the %d of %s", s.Threads, d.MaxThreadsPerBlock, d.Name)
	}
	if s.SharedBytes > d.SharedBytesPerBlock {
		w.fail("%d shared bytes per block exceed the %d of %s", s.SharedBytes, d.SharedBytesPerBlock, d.Name)
	}
	if s.LocalBytes > d.LocalBytesPerThread {
		w.fail("%d local bytes per thread exceed the %d of %s", s.LocalBytes, d.LocalBytesPerThread, d.Name)
	}
	lanes := min(float64(s.Blocks*s.Threads), float64(d.Parallelism()))
	compute := s.Cycles / lanes / d.ClockGHz
	memory := s.GlobalBytes / d.BandwidthGBs
	s.LatencyNs = d.LaunchNs + max(compute, memory)
	w.regions = append(w.regions, s)
}

func parallelTrip(p *ir.Node) int {
	t := 1
	for _, r := range p.Ranges {
		t *= r.Trip()
	}
	return t
}

// inParallel walks the body of parallel node p. mult is the number of
// times each statement of the body executes in total; threads is the
// number of threads per block seen so far.
func (w *costWalker) inParallel(s *Stats, p *ir.Node, mult float64, threads int) {
	s.ParallelNodes++
	for _, c := range p.Body {
		w.inner(s, w.m.MustNode(c), mult, threads)
	}
}

func (w *costWalker) inner(s *Stats, n *ir.Node, mult float64, threads int) {
	switch n.Op {
	case ir.OpParallel:
		t := parallelTrip(n)
		s.Threads = max(s.Threads, threads*t)
		w.inParallel(s, n, mult*float64(t), threads*t)
	case ir.OpFor:
		trip := w.trip(n)
		s.Cycles += mult * float64(trip) * loopOverhead(n)
		for _, c := range n.Body {
			w.inner(s, w.m.MustNode(c), mult*float64(trip), threads)
		}
	case ir.OpIf:
		s.Cycles += mult
		for _, c := range n.Body {
			w.inner(s, w.m.MustNode(c), mult, threads)
		}
	case ir.OpCall:
		for _, c := range w.callee(n).Body {
			w.inner(s, w.m.MustNode(c), mult, threads)
		}
	case ir.OpAlloc:
		bytes := n.Type.NumElements() * n.Type.Elem.Size()
		switch n.Type.Space {
		case ir.Shared:
			s.SharedBytes += bytes
		case ir.Local:
			s.LocalBytes += bytes
		}
	default:
		w.count(s, n, mult)
	}
}

// count adds the cost of a leaf statement executed mult times.
func (w *costWalker) count(s *Stats, n *ir.Node, mult float64) {
	d := w.cm.Device
	switch n.Op {
	case ir.OpLoad, ir.OpStore:
		bt := w.m.ValueType(n.MemRef())
		width := n.VectorWidth()
		bytes := width * bt.Elem.Size()
		if bytes > d.MaxVectorBytes && width > 1 {
			w.fail("%d-byte access at node %d exceeds the %d-byte transactions of %s", bytes, n.ID, d.MaxVectorBytes, d.Name)
		}
		if width > 1 {
			s.VectorAccess += mult
		} else {
			s.ScalarAccess += mult
		}
		switch bt.Space {
		case ir.Global:
			s.Cycles += mult * d.GlobalCycles
			s.GlobalBytes += mult * float64(bytes)
		case ir.Shared:
			s.Cycles += mult * d.SharedCycles
		default:
			s.Cycles += mult
		}
	case ir.OpArith:
		lanes := 1
		if n.Type.IsVector() {
			lanes = n.Type.Lanes
		}
		cost := 1.0
		switch n.Arith {
		case ir.ArithDiv, ir.ArithExp, ir.ArithSqrt, ir.ArithRsqrt, ir.ArithTanh:
			cost = 4
		}
		s.Cycles += mult * cost * float64(lanes)
	case ir.OpApply:
		s.Cycles += mult
	case ir.OpBarrier:
		s.BarrierCount += mult
		s.Cycles += mult * d.BarrierCycles
	case ir.OpAlloc:
		// Global allocations outside parallel nests are free.
	case ir.OpConst, ir.OpYield:
	default:
		w.fail("cannot cost %s node %d", n.Op, n.ID)
	}
}
