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

package ir

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/ajroetker/go-kcg/affine"
)

// String renders the module in an MLIR-like textual form.
func (m *Module) String() string {
	var sb strings.Builder
	m.Print(&sb)
	return sb.String()
}

// Print writes the module to w.
func (m *Module) Print(w io.Writer) {
	p := &printer{m: m, w: w}
	for i, f := range m.Funcs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		p.node(f, 0)
	}
}

// PrintNode writes a single subtree to w.
func (m *Module) PrintNode(w io.Writer, id ID) {
	(&printer{m: m, w: w}).node(id, 0)
}

type printer struct {
	m *Module
	w io.Writer
}

// name returns the textual name of a value.
func (p *printer) name(v Value) string {
	if !v.Arg {
		return fmt.Sprintf("%%%d", v.Def)
	}
	n := p.m.nodes[v.Def]
	if n == nil {
		return fmt.Sprintf("%%<erased %d>", v.Def)
	}
	switch n.Op {
	case OpFunc:
		return fmt.Sprintf("%%arg%d", v.Index)
	case OpFor:
		if v.Index == 1 {
			return fmt.Sprintf("%%acc%d", v.Def)
		}
		return fmt.Sprintf("%%i%d", v.Def)
	default:
		return fmt.Sprintf("%%p%d_%d", v.Def, v.Index)
	}
}

func (p *printer) names(vs []Value) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = p.name(v)
	}
	return strings.Join(parts, ", ")
}

// access renders "buf[exprs]" with dimension names substituted by operands.
func (p *printer) access(buf Value, m affine.Map, operands []Value) string {
	return fmt.Sprintf("%s[%s]", p.name(buf), p.exprs(m.Results, operands))
}

func (p *printer) exprs(results []*affine.Expr, operands []Value) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = p.expr(r, operands)
	}
	return strings.Join(parts, ", ")
}

func (p *printer) expr(e *affine.Expr, operands []Value) string {
	s := e.String()
	// Substitute from the highest dimension down so d1 never clobbers d10.
	for i := len(operands) - 1; i >= 0; i-- {
		s = strings.ReplaceAll(s, fmt.Sprintf("d%d", i), p.name(operands[i]))
	}
	return s
}

func (p *printer) bound(b Bound, fn string) string {
	if c, ok := b.Constant(); ok {
		return fmt.Sprint(c)
	}
	s := p.exprs(b.Map.Results, b.Operands)
	if len(b.Map.Results) > 1 {
		return fmt.Sprintf("%s(%s)", fn, s)
	}
	return s
}

func (p *printer) attrs(n *Node) string {
	if len(n.Attrs) == 0 {
		return ""
	}
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(n.Attrs)) {
		parts = append(parts, fmt.Sprintf("%s = %q", k, n.Attrs[k]))
	}
	return " {" + strings.Join(parts, ", ") + "}"
}

func (p *printer) line(depth int, format string, args ...any) {
	fmt.Fprintf(p.w, "%s%s\n", strings.Repeat("  ", depth), fmt.Sprintf(format, args...))
}

func (p *printer) body(n *Node, depth int) {
	for _, c := range n.Body {
		p.node(c, depth+1)
	}
	p.line(depth, "}")
}

func (p *printer) node(id ID, depth int) {
	n := p.m.nodes[id]
	switch n.Op {
	case OpFunc:
		params := make([]string, len(n.Params))
		for i, t := range n.Params {
			params[i] = fmt.Sprintf("%%arg%d: %s", i, t)
		}
		p.line(depth, "func @%s(%s)%s {", n.Name, strings.Join(params, ", "), p.attrs(n))
		p.body(n, depth)
	case OpCall:
		p.line(depth, "call @%s(%s)", n.Name, p.names(n.Operands))
	case OpAlloc:
		p.line(depth, "%s = alloc() : %s", p.name(n.Result()), n.Type)
	case OpConst:
		if n.Type.Elem == Index {
			p.line(depth, "%s = constant %d : index", p.name(n.Result()), n.Int)
		} else {
			p.line(depth, "%s = constant %g : %s", p.name(n.Result()), n.Float, n.Type)
		}
	case OpFor:
		head := fmt.Sprintf("affine.for %s = %s to %s", p.name(n.IV()), p.bound(n.Lower, "max"), p.bound(n.Upper, "min"))
		if n.Step != 1 {
			head += fmt.Sprintf(" step %d", n.Step)
		}
		if n.Carried {
			head = fmt.Sprintf("%s = %s iter_args(%s = %s) -> %s", p.name(n.Result()), head, p.name(n.CarriedValue()), p.name(n.Operands[0]), n.Type)
		}
		p.line(depth, "%s%s {", head, p.attrs(n))
		p.body(n, depth)
	case OpParallel:
		lbs := make([]string, len(n.Ranges))
		ubs := make([]string, len(n.Ranges))
		steps := make([]string, len(n.Ranges))
		for i, r := range n.Ranges {
			lbs[i], ubs[i], steps[i] = fmt.Sprint(r.Lower), fmt.Sprint(r.Upper), fmt.Sprint(r.Step)
		}
		p.line(depth, "affine.parallel (%s) = (%s) to (%s) step (%s)%s {", p.names(n.IVs()),
			strings.Join(lbs, ", "), strings.Join(ubs, ", "), strings.Join(steps, ", "), p.attrs(n))
		p.body(n, depth)
	case OpIf:
		parts := make([]string, len(n.Set.Results))
		for i, c := range n.Set.Results {
			op := ">="
			if n.Set.Eq[i] {
				op = "=="
			}
			parts[i] = fmt.Sprintf("%s %s 0", p.expr(c, n.Indices), op)
		}
		p.line(depth, "affine.if (%s) {", strings.Join(parts, ", "))
		p.body(n, depth)
	case OpLoad:
		if n.Width > 1 {
			p.line(depth, "%s = affine.vector_load %s : %s", p.name(n.Result()), p.access(n.MemRef(), n.Map, n.Indices), n.Type)
		} else {
			p.line(depth, "%s = affine.load %s : %s", p.name(n.Result()), p.access(n.MemRef(), n.Map, n.Indices), n.Type)
		}
	case OpStore:
		if n.Width > 1 {
			p.line(depth, "affine.vector_store %s, %s : vector<%d>", p.name(n.StoredValue()), p.access(n.MemRef(), n.Map, n.Indices), n.Width)
		} else {
			p.line(depth, "affine.store %s, %s", p.name(n.StoredValue()), p.access(n.MemRef(), n.Map, n.Indices))
		}
	case OpApply:
		p.line(depth, "%s = affine.apply %s", p.name(n.Result()), p.expr(n.Map.Results[0], n.Indices))
	case OpArith:
		p.line(depth, "%s = arith.%s %s : %s", p.name(n.Result()), n.Arith, p.names(n.Operands), n.Type)
	case OpYield:
		p.line(depth, "affine.yield %s", p.names(n.Operands))
	case OpBarrier:
		p.line(depth, "gpu.barrier")
	}
}
