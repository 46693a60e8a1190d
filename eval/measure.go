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
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/ajroetker/go-kcg/ir"
)

// Measure times the interpreter on random inputs. It is mostly useful to
// compare variants on the host; GPU latencies come from CostModel.
type Measure struct {
	Interp  *Interpreter
	Repeats int
	Seed    uint64
}

// Evaluate returns the median wall-clock time of Repeats runs in
// nanoseconds.
func (ms Measure) Evaluate(ctx context.Context, m *ir.Module) (float64, error) {
	entry, err := Entry(m)
	if err != nil {
		return 0, err
	}
	in := ms.Interp
	if in == nil {
		in = NewInterpreter()
	}
	repeats := max(ms.Repeats, 1)
	args := Inputs(entry, ms.Seed)
	times := make([]float64, 0, repeats)
	for range repeats {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		start := time.Now()
		if err := in.Run(m, entry.Name, args...); err != nil {
			return 0, errors.WithMessage(err, "measuring")
		}
		times = append(times, float64(time.Since(start).Nanoseconds()))
	}
	slices.Sort(times)
	return times[len(times)/2], nil
}

// Verify runs got and want on the same random inputs and reports the first
// element that differs by more than tol, relative to the magnitude of the
// expected value when it exceeds 1.
func Verify(in *Interpreter, want, got *ir.Module, seed uint64, tol float64) error {
	we, err := Entry(want)
	if err != nil {
		return err
	}
	ge, err := Entry(got)
	if err != nil {
		return err
	}
	wantArgs := Inputs(we, seed)
	gotArgs := make([]*Buffer, len(wantArgs))
	for i, a := range wantArgs {
		gotArgs[i] = a.Clone()
	}
	if err := in.Run(want, we.Name, wantArgs...); err != nil {
		return err
	}
	if err := in.Run(got, ge.Name, gotArgs...); err != nil {
		return err
	}
	for i := range wantArgs {
		for j, w := range wantArgs[i].Data {
			g := gotArgs[i].Data[j]
			diff := float64(g - w)
			if diff < 0 {
				diff = -diff
			}
			scale := max(1, float64(w), -float64(w))
			if diff > tol*scale {
				return errors.Errorf("argument %d element %d: got %g, want %g", i, j, g, w)
			}
		}
	}
	return nil
}

// Checked scores modules with Inner after checking that they compute the
// same results as Reference. A mismatch is returned as an error, so the
// search skips the variant.
type Checked struct {
	Reference *ir.Module
	Inner     interface {
		Evaluate(ctx context.Context, m *ir.Module) (float64, error)
	}
	Interp *Interpreter
	Seed   uint64
	Tol    float64
}

// Evaluate verifies m and then scores it.
func (c Checked) Evaluate(ctx context.Context, m *ir.Module) (float64, error) {
	in := c.Interp
	if in == nil {
		in = NewInterpreter()
	}
	tol := c.Tol
	if tol == 0 {
		tol = 1e-3
	}
	if err := Verify(in, c.Reference, m, c.Seed, tol); err != nil {
		return 0, errors.WithMessage(err, "variant differs from the reference")
	}
	return c.Inner.Evaluate(ctx, m)
}
