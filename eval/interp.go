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

// Package eval executes and scores modules: a reference interpreter that
// runs kernels on the host, an analytic cost model over a target.Device,
// and evaluators for the search driver built on both.
//
// The interpreter follows the GPU execution model of the IR. Iterations of
// a parallel loop run concurrently; those of the outermost parallel loop
// are spread over a workerpool.Pool, and a parallel loop whose body
// synchronizes with barriers runs one goroutine per iteration. Buffers
// allocated inside a parallel body are private to the iteration executing
// it, so local buffers live per thread and shared buffers per block.
package eval

import (
	"math"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/ajroetker/go-kcg/affine"
	"github.com/ajroetker/go-kcg/ir"
	"github.com/ajroetker/go-kcg/workerpool"
)

// runtimeError aborts an execution. It is raised with panic and turned into
// an error at the boundary of Run.
type runtimeError struct{ error }

func fail(format string, args ...any) {
	panic(runtimeError{errors.Errorf(format, args...)})
}

// Interpreter runs modules on the host.
type Interpreter struct {
	pool *workerpool.Pool
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithPool executes grid-level parallel loops on pool.
func WithPool(pool *workerpool.Pool) Option {
	return func(in *Interpreter) {
		in.pool = pool
	}
}

// NewInterpreter creates an interpreter. Without WithPool, parallel loops
// without barriers run sequentially.
func NewInterpreter(opts ...Option) *Interpreter {
	in := &Interpreter{}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Entry returns the function of m no other function calls. When several
// qualify, the first one wins.
func Entry(m *ir.Module) (*ir.Node, error) {
	called := map[string]bool{}
	for _, callees := range m.CallGraph() {
		for _, c := range callees {
			called[c] = true
		}
	}
	for _, id := range m.Funcs {
		if f := m.MustNode(id); !called[f.Name] {
			return f, nil
		}
	}
	return nil, errors.New("module has no entry function")
}

// Run executes function entry of m on args. Buffers are updated in place.
func (in *Interpreter) Run(m *ir.Module, entry string, args ...*Buffer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if re, ok := r.(runtimeError); ok {
				err = errors.WithMessagef(re.error, "running %s", entry)
				return
			}
			panic(r)
		}
	}()
	p := &program{in: in, m: m, funcs: map[string]*function{}}
	f := p.function(entry)
	if len(args) != len(f.node.Params) {
		fail("%s takes %d arguments, got %d", entry, len(f.node.Params), len(args))
	}
	fr := &frame{slots: make([]slot, f.numSlots)}
	for i, a := range args {
		if want := f.node.Params[i]; !want.Equal(a.Type) {
			fail("argument %d of %s is %s, want %s", i, entry, a.Type, want)
		}
		fr.slots[f.params[i]].b = a
	}
	exec(fr, f.body)
	return nil
}

// slot holds one SSA value.
type slot struct {
	i int
	f float32
	v []float32
	b *Buffer
}

type frame struct {
	slots  []slot
	bar    *barrier
	inPool bool
}

func (fr *frame) fork() *frame {
	return &frame{slots: slices.Clone(fr.slots), bar: fr.bar, inPool: fr.inPool}
}

type step func(fr *frame)

func exec(fr *frame, steps []step) {
	for _, s := range steps {
		s(fr)
	}
}

type program struct {
	in    *Interpreter
	m     *ir.Module
	funcs map[string]*function
}

type function struct {
	node     *ir.Node
	numSlots int
	params   []int
	body     []step
	ready    bool
}

func (p *program) function(name string) *function {
	if f, ok := p.funcs[name]; ok {
		if !f.ready {
			fail("recursive call to %s", name)
		}
		return f
	}
	node := p.m.Func(name)
	if node == nil {
		fail("no function %q", name)
	}
	f := &function{node: node}
	p.funcs[name] = f
	c := &compiler{p: p, slots: map[ir.Value]int{}}
	for i := range node.Params {
		f.params = append(f.params, c.def(node.Arg(i)))
	}
	f.body = c.body(node)
	f.numSlots = len(c.slots)
	f.ready = true
	return f
}

type compiler struct {
	p     *program
	slots map[ir.Value]int
}

func (c *compiler) def(v ir.Value) int {
	if s, ok := c.slots[v]; ok {
		return s
	}
	s := len(c.slots)
	c.slots[v] = s
	return s
}

func (c *compiler) use(v ir.Value) int {
	s, ok := c.slots[v]
	if !ok {
		fail("value %+v used before its definition", v)
	}
	return s
}

func (c *compiler) uses(vs []ir.Value) []int {
	out := make([]int, len(vs))
	for i, v := range vs {
		out[i] = c.use(v)
	}
	return out
}

func (c *compiler) body(n *ir.Node) []step {
	var steps []step
	for _, id := range n.Body {
		child := c.p.m.MustNode(id)
		if child.Op == ir.OpYield {
			continue
		}
		steps = append(steps, c.node(child))
	}
	return steps
}

func dims(fr *frame, ops []int) []int {
	d := make([]int, len(ops))
	for i, s := range ops {
		d[i] = fr.slots[s].i
	}
	return d
}

func (c *compiler) node(n *ir.Node) step {
	switch n.Op {
	case ir.OpAlloc:
		res, t := c.def(n.Result()), n.Type
		return func(fr *frame) { fr.slots[res].b = NewBuffer(t) }

	case ir.OpConst:
		res := c.def(n.Result())
		i, f := n.Int, round(n.Type.Elem, float32(n.Float))
		return func(fr *frame) { fr.slots[res].i, fr.slots[res].f = i, f }

	case ir.OpApply:
		ops, e := c.uses(n.Indices), n.Map.Results[0]
		res := c.def(n.Result())
		return func(fr *frame) { fr.slots[res].i = e.Eval(dims(fr, ops)) }

	case ir.OpFor:
		return c.loop(n)

	case ir.OpParallel:
		return c.parallel(n)

	case ir.OpIf:
		ops, set := c.uses(n.Indices), n.Set
		body := c.body(n)
		return func(fr *frame) {
			if set.Holds(dims(fr, ops)) {
				exec(fr, body)
			}
		}

	case ir.OpLoad:
		return c.load(n)

	case ir.OpStore:
		return c.store(n)

	case ir.OpArith:
		return c.arith(n)

	case ir.OpBarrier:
		return func(fr *frame) {
			if fr.bar != nil {
				fr.bar.wait()
			}
		}

	case ir.OpCall:
		callee := c.p.function(n.Name)
		args := c.uses(n.Operands)
		return func(fr *frame) {
			sub := &frame{slots: make([]slot, callee.numSlots), inPool: fr.inPool}
			for i, s := range args {
				sub.slots[callee.params[i]].b = fr.slots[s].b
			}
			exec(sub, callee.body)
		}
	}
	fail("cannot execute %s node %d", n.Op, n.ID)
	return nil
}

type bound struct {
	m   affine.Map
	ops []int
}

func (b bound) eval(fr *frame, lower bool) int {
	vals := b.m.Eval(dims(fr, b.ops))
	r := vals[0]
	for _, v := range vals[1:] {
		if lower {
			r = max(r, v)
		} else {
			r = min(r, v)
		}
	}
	return r
}

func (c *compiler) loop(n *ir.Node) step {
	lower := bound{n.Lower.Map, c.uses(n.Lower.Operands)}
	upper := bound{n.Upper.Map, c.uses(n.Upper.Operands)}
	stride := n.Step
	iv := c.def(n.IV())
	if !n.Carried {
		body := c.body(n)
		return func(fr *frame) {
			ub := upper.eval(fr, false)
			for i := lower.eval(fr, true); i < ub; i += stride {
				fr.slots[iv].i = i
				exec(fr, body)
			}
		}
	}
	init := c.use(n.Operands[0])
	carried := c.def(n.CarriedValue())
	body := c.body(n)
	y := c.p.m.MustNode(n.Body[len(n.Body)-1])
	if y.Op != ir.OpYield {
		fail("loop %d carries a value but does not end with a yield", n.ID)
	}
	yielded := c.use(y.Operands[0])
	res := c.def(n.Result())
	return func(fr *frame) {
		fr.slots[carried] = fr.slots[init]
		ub := upper.eval(fr, false)
		for i := lower.eval(fr, true); i < ub; i += stride {
			fr.slots[iv].i = i
			exec(fr, body)
			fr.slots[carried] = fr.slots[yielded]
		}
		fr.slots[res] = fr.slots[carried]
	}
}

// hasBarrier reports whether a barrier synchronizes the iterations of the
// parallel loop n, i.e. occurs in its body outside nested parallel loops.
func hasBarrier(m *ir.Module, n *ir.Node) bool {
	found := false
	for _, c := range n.Body {
		m.Walk(c, func(x *ir.Node) bool {
			if x.Op == ir.OpBarrier {
				found = true
			}
			return !found && x.Op != ir.OpParallel
		})
	}
	return found
}

func (c *compiler) parallel(n *ir.Node) step {
	ranges := slices.Clone(n.Ranges)
	ivs := make([]int, len(ranges))
	for i := range ranges {
		ivs[i] = c.def(n.IV(i))
	}
	body := c.body(n)
	total := 1
	for _, r := range ranges {
		total *= r.Trip()
	}
	setIVs := func(fr *frame, t int) {
		for k := len(ranges) - 1; k >= 0; k-- {
			trip := ranges[k].Trip()
			fr.slots[ivs[k]].i = ranges[k].Lower + (t%trip)*ranges[k].Step
			t /= trip
		}
	}
	synced := hasBarrier(c.p.m, n)
	pool := c.p.in.pool
	return func(fr *frame) {
		if total <= 0 {
			return
		}
		switch {
		case synced:
			runThreads(fr, total, func(t int, child *frame) {
				setIVs(child, t)
				exec(child, body)
			})
		case pool != nil && !fr.inPool:
			err := pool.Each(total, func(t int) error {
				child := fr.fork()
				child.inPool = true
				setIVs(child, t)
				exec(child, body)
				return nil
			})
			if err != nil {
				panic(runtimeError{err})
			}
		default:
			for t := range total {
				setIVs(fr, t)
				exec(fr, body)
			}
		}
	}
}

// runThreads runs total iterations concurrently, synchronized by a shared
// barrier, and re-raises the first failure.
func runThreads(fr *frame, total int, run func(t int, child *frame)) {
	bar := newBarrier(total)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr any
	)
	wg.Add(total)
	for t := range total {
		child := fr.fork()
		child.bar = bar
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = r
					}
					mu.Unlock()
					bar.abort()
					return
				}
				bar.leave()
			}()
			run(t, child)
		}()
	}
	wg.Wait()
	if firstErr != nil {
		if re, ok := firstErr.(runtimeError); ok {
			panic(re)
		}
		panic(runtimeError{errors.Errorf("thread panicked: %v", firstErr)})
	}
}

func (c *compiler) access(n *ir.Node) (buf int, ops []int, m affine.Map, width int) {
	return c.use(n.MemRef()), c.uses(n.Indices), n.Map, n.VectorWidth()
}

func (c *compiler) load(n *ir.Node) step {
	buf, ops, m, width := c.access(n)
	res := c.def(n.Result())
	if width == 1 {
		return func(fr *frame) {
			b := fr.slots[buf].b
			fr.slots[res].f = b.Data[b.offset(m.Eval(dims(fr, ops)), 1)]
		}
	}
	return func(fr *frame) {
		b := fr.slots[buf].b
		off := b.offset(m.Eval(dims(fr, ops)), width)
		fr.slots[res].v = slices.Clone(b.Data[off : off+width])
	}
}

func (c *compiler) store(n *ir.Node) step {
	buf, ops, m, width := c.access(n)
	val := c.use(n.StoredValue())
	vec := c.p.m.ValueType(n.StoredValue()).IsVector()
	return func(fr *frame) {
		b := fr.slots[buf].b
		off := b.offset(m.Eval(dims(fr, ops)), width)
		elem := b.Type.Elem
		s := fr.slots[val]
		switch {
		case vec:
			if len(s.v) != width {
				fail("store of %d lanes with width %d", len(s.v), width)
			}
			for l, x := range s.v {
				b.Data[off+l] = round(elem, x)
			}
		default:
			x := round(elem, s.f)
			for l := range width {
				b.Data[off+l] = x
			}
		}
	}
}

func (c *compiler) arith(n *ir.Node) step {
	ops := c.uses(n.Operands)
	res := c.def(n.Result())
	kind := n.Arith
	if kind == ir.ArithIndexCast {
		fromIndex := c.p.m.ValueType(n.Operands[0]).Elem == ir.Index
		return func(fr *frame) {
			s := fr.slots[ops[0]]
			if fromIndex {
				fr.slots[res].i = s.i
			} else {
				fr.slots[res].i = int(s.f)
			}
		}
	}
	if n.Type.Elem == ir.Index {
		return func(fr *frame) {
			a := fr.slots[ops[0]].i
			b := 0
			if len(ops) > 1 {
				b = fr.slots[ops[1]].i
			}
			fr.slots[res].i = intOp(kind, a, b)
		}
	}
	elem := n.Type.Elem
	if !n.Type.IsVector() {
		return func(fr *frame) {
			a := fr.slots[ops[0]].f
			var b float32
			if len(ops) > 1 {
				b = fr.slots[ops[1]].f
			}
			fr.slots[res].f = round(elem, floatOp(kind, a, b))
		}
	}
	lanes := n.Type.Lanes
	return func(fr *frame) {
		out := make([]float32, lanes)
		for l := range lanes {
			a := lane(fr.slots[ops[0]], l)
			var b float32
			if len(ops) > 1 {
				b = lane(fr.slots[ops[1]], l)
			}
			out[l] = round(elem, floatOp(kind, a, b))
		}
		fr.slots[res].v = out
	}
}

func lane(s slot, l int) float32 {
	if s.v != nil {
		return s.v[l]
	}
	return s.f
}

func floatOp(kind ir.ArithKind, a, b float32) float32 {
	switch kind {
	case ir.ArithAdd:
		return a + b
	case ir.ArithSub:
		return a - b
	case ir.ArithMul:
		return a * b
	case ir.ArithDiv:
		return a / b
	case ir.ArithMax:
		return max(a, b)
	case ir.ArithMin:
		return min(a, b)
	case ir.ArithNeg:
		return -a
	case ir.ArithExp:
		return float32(math.Exp(float64(a)))
	case ir.ArithSqrt:
		return float32(math.Sqrt(float64(a)))
	case ir.ArithRsqrt:
		return float32(1 / math.Sqrt(float64(a)))
	case ir.ArithTanh:
		return float32(math.Tanh(float64(a)))
	}
	fail("unsupported float operation %s", kind)
	return 0
}

func intOp(kind ir.ArithKind, a, b int) int {
	switch kind {
	case ir.ArithAdd:
		return a + b
	case ir.ArithSub:
		return a - b
	case ir.ArithMul:
		return a * b
	case ir.ArithDiv:
		if b == 0 {
			fail("integer division by zero")
		}
		return a / b
	case ir.ArithMax:
		return max(a, b)
	case ir.ArithMin:
		return min(a, b)
	case ir.ArithNeg:
		return -a
	}
	fail("unsupported index operation %s", kind)
	return 0
}

// barrier is a cyclic barrier for the iterations of one parallel loop.
// Iterations that finish leave it, so the others are not blocked on them.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	waiting int
	gen     uint64
	aborted bool
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted {
		panic(runtimeError{errors.New("barrier aborted by another thread")})
	}
	gen := b.gen
	b.waiting++
	if b.waiting >= b.n {
		b.release()
		return
	}
	for gen == b.gen && !b.aborted {
		b.cond.Wait()
	}
	if gen == b.gen {
		panic(runtimeError{errors.New("barrier aborted by another thread")})
	}
}

func (b *barrier) release() {
	b.waiting = 0
	b.gen++
	b.cond.Broadcast()
}

func (b *barrier) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n--
	if b.waiting > 0 && b.waiting >= b.n {
		b.release()
	}
}

func (b *barrier) abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborted = true
	b.cond.Broadcast()
}
