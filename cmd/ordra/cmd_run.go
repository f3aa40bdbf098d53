// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/ordra/services/ordra/config"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/stages"
	"github.com/spf13/cobra"
)

// RunOutput is the JSON form of `ordra run`.
type RunOutput struct {
	Job       *datatypes.Job   `json:"job"`
	Overrides []OverrideOutput `json:"overrides,omitempty"`
}

// OverrideOutput summarizes one applied override.
type OverrideOutput struct {
	ID    string   `json:"id"`
	Dirty []string `json:"dirty"`
}

type runOptions struct {
	intake    string
	file      string
	id        string
	overrides []string
	author    string
	persist   bool
}

func newRunCmd(c *cli) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one intake document through the engine and print the verdict",
		Long: `run submits a single intake document, either a built-in demo intake
or a JSON file, using the stub ERP connector. Each --set flag is then
applied as a human override, re-running only the affected stages.

Storage is in-memory unless --persist is given.

Demo intakes: ` + strings.Join(stages.DemoIntakes(), ", "),
		Example: `  ordra run --intake unmapped_material
  ordra run --intake unmapped_material --set map_materials.lines.1.material=0000011223
  ordra run --file order.json --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.intake, "intake", "", "built-in demo intake name")
	f.StringVar(&o.file, "file", "", "intake JSON file")
	f.StringVar(&o.id, "id", "", "job id (default: generated)")
	f.StringArrayVar(&o.overrides, "set", nil, "override correction path=value, applied after the run (repeatable)")
	f.StringVar(&o.author, "author", "cli", "override author")
	f.BoolVar(&o.persist, "persist", false, "use the configured storage instead of memory")
	cmd.MarkFlagsMutuallyExclusive("intake", "file")
	cmd.MarkFlagsOneRequired("intake", "file")
	return cmd
}

func (c *cli) run(cmd *cobra.Command, o *runOptions) error {
	ctx := cmd.Context()
	input, err := loadIntake(o)
	if err != nil {
		return err
	}
	corrections, err := parseCorrections(o.overrides)
	if err != nil {
		return err
	}

	cfg := c.cfg
	if !o.persist {
		cfg.Storage = config.StorageConfig{Backend: config.BackendMemory}
	}
	a, err := c.openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.Service.SubmitJob(ctx, datatypes.SubmitJobRequest{ID: o.id, Input: input})
	if err != nil {
		return err
	}
	out := RunOutput{Job: job}

	if len(corrections) > 0 {
		res, err := a.Service.SubmitOverride(ctx, job.ID, datatypes.OverrideRequest{
			Author:      o.author,
			Corrections: corrections,
			Note:        "applied from ordra run",
		})
		if err != nil {
			return err
		}
		out.Overrides = append(out.Overrides, OverrideOutput{ID: res.Override.ID, Dirty: res.Dirty})
		if out.Job, err = a.Service.GetJob(ctx, job.ID); err != nil {
			return err
		}
	}

	if c.jsonOut {
		return printJSON(cmd.OutOrStdout(), out)
	}
	printRun(cmd.OutOrStdout(), out)
	return nil
}

func loadIntake(o *runOptions) (map[string]any, error) {
	if o.intake != "" {
		return stages.DemoIntake(o.intake)
	}
	data, err := os.ReadFile(o.file)
	if err != nil {
		return nil, fmt.Errorf("read intake: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse intake %s: %w", o.file, err)
	}
	return doc, nil
}

// parseCorrections turns path=value pairs into a corrections map. Values
// that parse as JSON keep their type; anything else is a string.
func parseCorrections(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		path, raw, ok := strings.Cut(p, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("--set %q: want path=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[path] = v
	}
	return out, nil
}

func printRun(w io.Writer, out RunOutput) {
	job := out.Job
	fmt.Fprintf(w, "job %s: %s (runs: %d)\n", job.ID, job.Status, job.Runs)
	for _, ov := range out.Overrides {
		fmt.Fprintf(w, "override %s re-ran: %s\n", ov.ID, strings.Join(ov.Dirty, ", "))
	}
	if job.Verdict != nil {
		fmt.Fprintf(w, "verdict: %s", job.Verdict.Decision)
		if job.Verdict.RequiredRole != "" {
			fmt.Fprintf(w, " (%s)", job.Verdict.RequiredRole)
		}
		fmt.Fprintln(w)
	}
	for _, r := range job.Reasons {
		fmt.Fprintf(w, "  - %s", r.Code)
		if r.Predicate != "" {
			fmt.Fprintf(w, " [%s]", r.Predicate)
		}
		if r.Detail != "" {
			fmt.Fprintf(w, ": %s", r.Detail)
		}
		fmt.Fprintln(w)
	}
	if job.Post != nil {
		if job.Post.Error != "" {
			fmt.Fprintf(w, "post failed: %s\n", job.Post.Error)
		} else {
			fmt.Fprintf(w, "posted as %s\n", job.Post.OrderNumber)
		}
	}
}
