// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"gopkg.in/yaml.v3"
)

// DefaultPolicy is the order-intake gate policy compiled into the binary.
//
//go:embed policies/order_intake.yaml
var DefaultPolicy []byte

// Predicate kinds accepted in policy documents.
const (
	KindRequiredFields = "required_fields"
	KindMapping        = "mapping"
	KindCredit         = "credit"
	KindThreshold      = "threshold"
	KindEquals         = "equals"
)

// Policy is the YAML form of a gate configuration.
type Policy struct {
	Name       string           `yaml:"name"`
	Predicates []PredicateSpec  `yaml:"predicates" validate:"required,min=1,dive"`
	Allowlist  []AllowEntrySpec `yaml:"allowlist" validate:"required,min=1,dive"`
}

// PredicateSpec declares one predicate.
type PredicateSpec struct {
	Name      string   `yaml:"name" validate:"required"`
	Kind      string   `yaml:"kind" validate:"required,oneof=required_fields mapping credit threshold equals"`
	Mandatory bool     `yaml:"mandatory"`
	Path      string   `yaml:"path"`
	Paths     []string `yaml:"paths"`
	Field     string   `yaml:"field"`
	Label     string   `yaml:"label"`
	Min       float64  `yaml:"min"`
	Value     any      `yaml:"value"`
	Decision  string   `yaml:"decision" validate:"omitempty,oneof=HOLD ASK_CUSTOMER CS_REVIEW"`
	Code      string   `yaml:"code"`
}

// AllowEntrySpec declares one allowlist entry.
type AllowEntrySpec struct {
	Path   string   `yaml:"path" validate:"required"`
	Values []string `yaml:"values" validate:"required,min=1"`
	Code   string   `yaml:"code"`
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := datatypes.Validator().Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return &p, nil
}

// LoadPolicy reads a policy file. An empty path selects DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return ParsePolicy(DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// Build constructs the Gate described by the policy.
func (p *Policy) Build(opts ...Option) (*Gate, error) {
	preds := make([]Predicate, 0, len(p.Predicates))
	for _, spec := range p.Predicates {
		pred, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("%w: predicate %q: %v", ErrInvalidPolicy, spec.Name, err)
		}
		preds = append(preds, pred)
	}

	allow := &FieldAllowlist{}
	for _, e := range p.Allowlist {
		allow.Entries = append(allow.Entries, AllowEntry{Path: e.Path, Values: e.Values, Code: e.Code})
	}
	return New(preds, allow, opts...)
}

// NewFromPolicyFile loads a policy file and builds its Gate.
func NewFromPolicyFile(path string, opts ...Option) (*Gate, error) {
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return p.Build(opts...)
}

func (s PredicateSpec) build() (Predicate, error) {
	decision := datatypes.Decision(s.Decision)
	switch s.Kind {
	case KindRequiredFields:
		paths := s.Paths
		if s.Path != "" {
			paths = append([]string{s.Path}, paths...)
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("required_fields needs path or paths")
		}
		p := NewRequiredFields(s.Name, s.Mandatory, paths...)
		if decision != "" {
			p.Decision = decision
		}
		if s.Code != "" {
			p.Code = s.Code
		}
		return p, nil
	case KindMapping:
		if s.Path == "" || s.Field == "" {
			return nil, fmt.Errorf("mapping needs path and field")
		}
		return NewMapping(s.Name, s.Mandatory, s.Path, s.Field, s.Label), nil
	case KindCredit:
		if s.Path == "" {
			return nil, fmt.Errorf("credit needs path")
		}
		return NewCredit(s.Name, s.Mandatory, s.Path), nil
	case KindThreshold:
		if s.Path == "" {
			return nil, fmt.Errorf("threshold needs path")
		}
		if decision == "" {
			decision = datatypes.DecisionCSReview
		}
		return NewThreshold(s.Name, s.Mandatory, s.Path, s.Min, decision, s.Code), nil
	case KindEquals:
		if s.Path == "" || s.Value == nil {
			return nil, fmt.Errorf("equals needs path and value")
		}
		if decision == "" {
			decision = datatypes.DecisionCSReview
		}
		return NewEquals(s.Name, s.Mandatory, s.Path, s.Value, decision, s.Code), nil
	default:
		return nil, fmt.Errorf("unknown kind %q", s.Kind)
	}
}
