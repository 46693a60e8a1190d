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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ajroetker/go-kcg/kernels"
	"github.com/ajroetker/go-kcg/lower"
	"github.com/ajroetker/go-kcg/optimizer"
	"github.com/ajroetker/go-kcg/target"
)

func newDumpCmd() *cobra.Command {
	var k kernelFlags
	var t transformFlags
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the IR of a kernel, optionally transformed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := k.build()
			if err != nil {
				return err
			}
			m, err := t.apply(ref)
			if err != nil {
				return err
			}
			m.Print(cmd.OutOrStdout())
			return nil
		},
	}
	k.register(cmd.Flags())
	t.register(cmd.Flags())
	return cmd
}

func newLowerCmd() *cobra.Command {
	var k kernelFlags
	var t transformFlags
	var triple string
	cmd := &cobra.Command{
		Use:   "lower",
		Short: "Print the LLVM IR of a kernel, optionally transformed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := k.build()
			if err != nil {
				return err
			}
			m, err := t.apply(ref)
			if err != nil {
				return err
			}
			low := &lower.LLVM{Triple: triple}
			if err := low.Lower(cmd.Context(), m); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, kern := range low.Kernels {
				fmt.Fprintf(w, "; kernel %s grid=%v block=%v\n", kern.Name, kern.Grid, kern.Block)
			}
			fmt.Fprint(w, low.Text)
			return nil
		},
	}
	k.register(cmd.Flags())
	t.register(cmd.Flags())
	cmd.Flags().StringVar(&triple, "triple", lower.DefaultTriple, "Target triple")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the host features, device profiles, kernels and optimizers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			host := target.DetectHost()
			fmt.Fprintf(w, "host: %s, %d cores\n", strings.Join(host.Features(), " "), host.Cores)
			fmt.Fprintln(w, "devices:")
			for _, name := range target.Names() {
				d, err := target.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "  %-6s %s\n", name, d)
			}
			fmt.Fprintf(w, "kernels: %s\n", strings.Join(kernels.Names(), " "))
			fmt.Fprintln(w, "optimizers:")
			for _, o := range optimizer.All() {
				s := o.Space()
				fmt.Fprintf(w, "  %-12s %d default configurations, knobs %s\n", o.Name(), len(s.Defaults), strings.Join(s.Knobs, " "))
			}
			return nil
		},
	}
}
