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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInfo(t *testing.T) {
	out, err := run(t, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "sm80")
	assert.Contains(t, out, "host")
	assert.Contains(t, out, "attention")
	assert.Contains(t, out, "VECTORIZE_WIDTH")
	assert.Contains(t, out, "FMHA")
}

func TestDump(t *testing.T) {
	out, err := run(t, "dump", "--kernel", "elementwise", "--shape", "4,8")
	require.NoError(t, err)
	assert.Contains(t, out, "func @elementwise(")
	assert.Contains(t, out, "affine.for")

	out, err = run(t, "dump", "-k", "elementwise", "-s", "4,64", "-o", "ElementWise", "--set", "BLOCK_SIZE=32,VECTORIZE_WIDTH=4")
	require.NoError(t, err)
	assert.Contains(t, out, `gpu.level = "grid"`)
	assert.NotContains(t, out, "affine.for")
}

func TestDumpErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"unknown kernel":    {"--kernel", "conv"},
		"bad element type":  {"--elem", "f64"},
		"set alone":         {"--set", "BLOCK_SIZE=4"},
		"unknown optimizer": {"-k", "elementwise", "-s", "4,8", "-o", "Conv"},
		"unknown knob":      {"-k", "elementwise", "-s", "4,8", "-o", "ElementWise", "--set", "WIDTH=4"},
		"not applicable":    {"-k", "elementwise", "-s", "4,8", "-o", "Matmul"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, append([]string{"dump"}, args...)...)
			assert.Error(t, err)
		})
	}
}

func TestLower(t *testing.T) {
	out, err := run(t, "lower", "-k", "elementwise", "-s", "4,64", "-o", "ElementWise", "--set", "BLOCK_SIZE=32,VECTORIZE_WIDTH=4")
	require.NoError(t, err)
	assert.Contains(t, out, "; kernel elementwise grid=[2 1 1] block=[32 1 1]")
	assert.Contains(t, out, "define void @elementwise(")
	assert.Contains(t, out, "sreg.tid.x")
}

func TestTune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.txtar")
	out, err := run(t, "tune", "-k", "elementwise", "-s", "64,256", "-w", "2", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ElementWise")
	assert.Contains(t, out, "attempts")

	a, err := txtar.ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"baseline.mlir", "best.mlir", "best.ll", "launch.txt", "attempts.txt"},
		lo.Map(a.Files, func(f txtar.File, _ int) string { return f.Name }))
	assert.Contains(t, string(a.Comment), "ElementWise")
	assert.Contains(t, string(a.Files[2].Data), "define void @elementwise(")
	assert.Contains(t, string(a.Files[4].Data), "not applicable")
}

func TestTuneWithConfig(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "search.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("workers: 2\noptimizers: {Matmul: []}\n"), 0o644))
	out, err := run(t, "tune", "-k", "elementwise", "-s", "16,64", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "the baseline is the best variant")
	assert.Contains(t, out, "0 applicable")

	_, err = run(t, "tune", "-k", "elementwise", "-s", "16,64", "-c", cfg, "--device", "tpu")
	assert.ErrorContains(t, err, "unknown device")
}
