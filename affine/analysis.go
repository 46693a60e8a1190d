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

package affine

// Range returns the closed interval [min, max] that e can take when every
// dimension d<i> ranges over [lo[i], hi[i]].
func (e *Expr) Range(lo, hi []int) (int, int) {
	switch e.Kind {
	case KindDim:
		return lo[e.Pos], hi[e.Pos]
	case KindConst:
		return e.Val, e.Val
	case KindAdd:
		a0, a1 := e.LHS.Range(lo, hi)
		b0, b1 := e.RHS.Range(lo, hi)
		return a0 + b0, a1 + b1
	case KindMul:
		a0, a1 := e.LHS.Range(lo, hi)
		c := e.RHS.Val
		if c >= 0 {
			return a0 * c, a1 * c
		}
		return a1 * c, a0 * c
	case KindFloorDiv:
		a0, a1 := e.LHS.Range(lo, hi)
		return floorDiv(a0, e.RHS.Val), floorDiv(a1, e.RHS.Val)
	case KindCeilDiv:
		a0, a1 := e.LHS.Range(lo, hi)
		return ceilDiv(a0, e.RHS.Val), ceilDiv(a1, e.RHS.Val)
	case KindMod:
		a0, a1 := e.LHS.Range(lo, hi)
		d := e.RHS.Val
		if floorDiv(a0, d) == floorDiv(a1, d) {
			return mod(a0, d), mod(a1, d)
		}
		return 0, d - 1
	}
	return 0, 0
}

// LaneStride returns the per-lane stride of e with respect to d<pos> when
// d<pos> is the induction variable of a loop vectorized by width, i.e. it
// takes the values v, v+1, ..., v+width-1 with v a multiple of width and all
// other dimensions fixed. ok is false when lanes are not equally spaced.
func (e *Expr) LaneStride(pos, width int) (stride int, ok bool) {
	s, _, ok := e.lanes(pos, width)
	return s, ok
}

// lanes computes (stride, align) where align is a known divisor of the value
// at lane 0. An align of 0 means lane 0 is known to be exactly 0.
func (e *Expr) lanes(pos, width int) (stride, align int, ok bool) {
	switch e.Kind {
	case KindDim:
		if e.Pos == pos {
			return 1, width, true
		}
		return 0, 1, true
	case KindConst:
		return 0, abs(e.Val), true
	case KindAdd:
		s1, a1, ok1 := e.LHS.lanes(pos, width)
		s2, a2, ok2 := e.RHS.lanes(pos, width)
		if !ok1 || !ok2 {
			return 0, 0, false
		}
		return s1 + s2, gcd(a1, a2), true
	case KindMul:
		s, a, ok := e.LHS.lanes(pos, width)
		if !ok {
			return 0, 0, false
		}
		return s * e.RHS.Val, a * abs(e.RHS.Val), true
	case KindFloorDiv, KindCeilDiv, KindMod:
		s, a, ok := e.LHS.lanes(pos, width)
		if !ok {
			return 0, 0, false
		}
		d := e.RHS.Val
		if s == 0 {
			return 0, 1, true
		}
		if s < 0 || e.Kind == KindCeilDiv {
			return 0, 0, false
		}
		// Lanes stay within one block of d when both lane 0 and d are
		// multiples of the window span.
		span := s * width
		if a%span != 0 || d%span != 0 {
			return 0, 0, false
		}
		if e.Kind == KindFloorDiv {
			return 0, 1, true
		}
		return s, gcd(a, d), true
	}
	return 0, 0, false
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func gcd(a, b int) int {
	a, b = abs(a), abs(b)
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
