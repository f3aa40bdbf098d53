// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"gopkg.in/yaml.v3"
)

// Pipeline is a named set of stage definitions loaded from YAML.
type Pipeline struct {
	Name   string
	Stages []datatypes.StageDefinition
}

// pipelineFile mirrors the YAML layout:
//
//	name: order-intake
//	defaults:
//	  timeout: 10s
//	  max_retries: 2
//	  backoff_base: 200ms
//	  backoff_max: 5s
//	stages:
//	  - id: extract
//	    step_kind: extract
//	    depends_on: [ingest]
//	    timeout: 20s
type pipelineFile struct {
	Name     string      `yaml:"name"`
	Defaults stageFile   `yaml:"defaults"`
	Stages   []stageFile `yaml:"stages"`
}

type stageFile struct {
	ID          string   `yaml:"id"`
	DependsOn   []string `yaml:"depends_on"`
	StepKind    string   `yaml:"step_kind"`
	Timeout     string   `yaml:"timeout"`
	MaxRetries  *int     `yaml:"max_retries"`
	BackoffBase string   `yaml:"backoff_base"`
	BackoffMax  string   `yaml:"backoff_max"`
}

// LoadPipeline reads and parses a pipeline definition file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, err)
	}
	return p, nil
}

// ParsePipeline parses pipeline YAML, applying the defaults block to
// stages that leave a setting unset.
//
// Structural validation (duplicates, dependencies, cycles) is left to
// Compile; ParsePipeline only rejects malformed YAML and durations.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var f pipelineFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	p := &Pipeline{Name: f.Name}
	for i, s := range f.Stages {
		def, err := s.toDefinition(f.Defaults)
		if err != nil {
			return nil, &CompileError{Kind: ErrInvalidDefinition, Stage: stageLabel(s.ID, i), Detail: err.Error()}
		}
		p.Stages = append(p.Stages, def)
	}
	return p, nil
}

// LoadAndCompile loads a pipeline file and compiles it.
func LoadAndCompile(path string) (*Pipeline, *Graph, error) {
	p, err := LoadPipeline(path)
	if err != nil {
		return nil, nil, err
	}
	g, err := Compile(p.Stages)
	if err != nil {
		return nil, nil, err
	}
	return p, g, nil
}

func (s stageFile) toDefinition(defaults stageFile) (datatypes.StageDefinition, error) {
	def := datatypes.StageDefinition{
		ID:        s.ID,
		DependsOn: s.DependsOn,
		StepKind:  s.StepKind,
	}
	if def.StepKind == "" {
		def.StepKind = s.ID
	}

	var err error
	if def.Timeout, err = duration("timeout", s.Timeout, defaults.Timeout); err != nil {
		return def, err
	}
	if def.BackoffBase, err = duration("backoff_base", s.BackoffBase, defaults.BackoffBase); err != nil {
		return def, err
	}
	if def.BackoffMax, err = duration("backoff_max", s.BackoffMax, defaults.BackoffMax); err != nil {
		return def, err
	}

	switch {
	case s.MaxRetries != nil:
		def.MaxRetries = *s.MaxRetries
	case defaults.MaxRetries != nil:
		def.MaxRetries = *defaults.MaxRetries
	}
	return def, nil
}

func duration(field, value, fallback string) (time.Duration, error) {
	if value == "" {
		value = fallback
	}
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func stageLabel(id string, index int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("#%d", index)
}
