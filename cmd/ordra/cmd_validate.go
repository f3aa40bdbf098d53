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
	"fmt"
	"strings"

	"github.com/AleutianAI/ordra/services/ordra/dag"
	"github.com/AleutianAI/ordra/services/ordra/gate"
	"github.com/AleutianAI/ordra/services/ordra/stages"
	"github.com/AleutianAI/ordra/services/ordra/step"
	"github.com/spf13/cobra"
)

// ValidateResult is the JSON form of `ordra validate`.
type ValidateResult struct {
	Pipeline   string     `json:"pipeline"`
	Hash       string     `json:"hash"`
	Stages     int        `json:"stages"`
	Layers     [][]string `json:"layers"`
	Predicates []string   `json:"predicates"`
}

func newValidateCmd(c *cli) *cobra.Command {
	var pipelinePath, policyPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compile a pipeline and gate policy without running anything",
		Long: `validate compiles the pipeline (cycles, unknown dependencies,
unregistered step kinds) and builds the gate policy, then prints the
execution layers and the graph hash.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pipelinePath == "" {
				pipelinePath = c.cfg.Engine.PipelineFile
			}
			if policyPath == "" {
				policyPath = c.cfg.Engine.PolicyFile
			}
			res, err := validatePipeline(pipelinePath, policyPath)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pipeline %s: %d stages, hash %s\n", res.Pipeline, res.Stages, res.Hash)
			for i, layer := range res.Layers {
				fmt.Fprintf(out, "  layer %d: %s\n", i, strings.Join(layer, ", "))
			}
			fmt.Fprintf(out, "gate: %s\n", strings.Join(res.Predicates, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelinePath, "pipeline", "", "pipeline file (default: engine.pipeline_file or built-in)")
	cmd.Flags().StringVar(&policyPath, "policy", "", "gate policy file (default: engine.policy_file or built-in)")
	return cmd
}

func validatePipeline(pipelinePath, policyPath string) (ValidateResult, error) {
	var (
		p   *dag.Pipeline
		g   *dag.Graph
		err error
	)
	if pipelinePath == "" {
		p, g, err = stages.DefaultPipeline()
	} else {
		p, g, err = dag.LoadAndCompile(pipelinePath)
	}
	if err != nil {
		return ValidateResult{}, err
	}

	dir, cat, err := stages.DemoMasterData()
	if err != nil {
		return ValidateResult{}, err
	}
	reg := step.NewRegistry()
	erp := stages.NewStubERP(dir, cat, stages.StubConfig{})
	if err := stages.Register(reg, stages.Deps{Directory: dir, Catalog: cat, ERP: erp}); err != nil {
		return ValidateResult{}, err
	}
	if err := reg.Check(g); err != nil {
		return ValidateResult{}, err
	}

	gt, err := gate.NewFromPolicyFile(policyPath)
	if err != nil {
		return ValidateResult{}, err
	}

	return ValidateResult{
		Pipeline:   p.Name,
		Hash:       g.Hash(),
		Stages:     g.Len(),
		Layers:     g.Layers(),
		Predicates: gt.Predicates(),
	}, nil
}
