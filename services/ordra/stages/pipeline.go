// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/ordra/services/ordra/dag"
)

// PipelineYAML is the reference order-intake pipeline.
//
//go:embed data/order_intake.yaml
var PipelineYAML []byte

// DemoCustomersYAML is the demo customer master.
//
//go:embed data/customers.yaml
var DemoCustomersYAML []byte

// DemoMaterialsYAML is the demo material master.
//
//go:embed data/materials.yaml
var DemoMaterialsYAML []byte

// DefaultPipeline parses and compiles the embedded pipeline.
func DefaultPipeline() (*dag.Pipeline, *dag.Graph, error) {
	p, err := dag.ParsePipeline(PipelineYAML)
	if err != nil {
		return nil, nil, fmt.Errorf("embedded pipeline: %w", err)
	}
	g, err := dag.Compile(p.Stages)
	if err != nil {
		return nil, nil, fmt.Errorf("embedded pipeline: %w", err)
	}
	return p, g, nil
}

// DemoMasterData loads the embedded customer and material masters.
func DemoMasterData() (*Directory, *Catalog, error) {
	dir, err := ParseDirectory(DemoCustomersYAML)
	if err != nil {
		return nil, nil, err
	}
	cat, err := ParseCatalog(DemoMaterialsYAML)
	if err != nil {
		return nil, nil, err
	}
	return dir, cat, nil
}

//go:embed data/intakes/*.json
var intakeFS embed.FS

// Demo intake names.
const (
	IntakeHappyPath        = "happy_path"
	IntakeUnmappedMaterial = "unmapped_material"
	IntakeCreditBlock      = "credit_block"
	IntakeMissingPO        = "missing_po"
	IntakeUnknownSender    = "unknown_sender"
)

// DemoIntake returns a decoded demo intake document.
func DemoIntake(name string) (map[string]any, error) {
	data, err := intakeFS.ReadFile("data/intakes/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("demo intake %q: %w", name, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("demo intake %q: %w", name, err)
	}
	return doc, nil
}

// DemoIntakes lists the embedded demo intake names, sorted.
func DemoIntakes() []string {
	entries, _ := intakeFS.ReadDir("data/intakes")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	return names
}
