// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package workerpool

import (
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	pool := New(0)
	defer pool.Close()

	if pool.NumWorkers() != runtime.GOMAXPROCS(0) {
		t.Errorf("NumWorkers() = %d, want %d", pool.NumWorkers(), runtime.GOMAXPROCS(0))
	}
}

func TestParallelFor(t *testing.T) {
	for _, n := range []int{0, 1, 7, 100} {
		pool := New(4)
		results := make([]int, n)
		pool.ParallelFor(n, func(start, end int) {
			for i := start; i < end; i++ {
				results[i] = i * 2
			}
		})
		pool.Close()
		for i := range n {
			if results[i] != i*2 {
				t.Errorf("n=%d: results[%d] = %d, want %d", n, i, results[i], i*2)
			}
		}
	}
}

func TestEach(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	var sum atomic.Int64
	if err := pool.Each(1000, func(i int) error {
		sum.Add(int64(i))
		return nil
	}); err != nil {
		t.Fatalf("Each() = %v", err)
	}
	if got, want := sum.Load(), int64(999*1000/2); got != want {
		t.Errorf("sum = %d, want %d", got, want)
	}
}

func TestEachError(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	boom := errors.New("boom")
	err := pool.Each(100, func(i int) error {
		if i == 17 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("Each() = %v, want %v", err, boom)
	}
}

func TestEachPanic(t *testing.T) {
	pool := New(2)
	defer pool.Close()

	err := pool.Each(10, func(i int) error {
		if i == 3 {
			panic("out of range")
		}
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Errorf("Each() = %v, want the panic as an error", err)
	}
}

func TestClosedPoolRunsSequentially(t *testing.T) {
	pool := New(4)
	pool.Close()
	pool.Close()

	count := 0
	if err := pool.Each(10, func(int) error {
		count++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}
}
