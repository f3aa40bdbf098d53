// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// MaxCorrectionsPerOverride bounds the size of a single override.
const MaxCorrectionsPerOverride = 256

// idPattern restricts caller-supplied job and override ids to characters
// that are safe in storage keys.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// validate is the shared validator instance for request types and
// stage definitions.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("ordraid", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || idPattern.MatchString(s)
	})
}

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	return validate
}

// SubmitJobRequest is the body of POST /v1/jobs.
//
// ID is optional; a UUID is generated when empty.
type SubmitJobRequest struct {
	ID    string         `json:"id" validate:"omitempty,max=128,ordraid"`
	Input map[string]any `json:"input" validate:"required"`
}

// Validate checks the request against its struct tags.
func (r *SubmitJobRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid submit request: %w", err)
	}
	return nil
}

// OverrideRequest is the body of POST /v1/jobs/:id/overrides.
//
// Corrections maps dotted field paths (for example
// "map_materials.lines.0.material") to replacement values.
type OverrideRequest struct {
	ID          string         `json:"id" validate:"omitempty,max=128,ordraid"`
	Author      string         `json:"author" validate:"required,max=128"`
	Corrections map[string]any `json:"corrections" validate:"required,min=1,max=256"`
	Note        string         `json:"note" validate:"max=2048"`
}

// Validate checks the request against its struct tags and path syntax.
func (r *OverrideRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid override request: %w", err)
	}
	for path := range r.Corrections {
		if _, err := SplitPath(path); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStage checks a stage definition against its struct tags.
func ValidateStage(d StageDefinition) error {
	return validate.Struct(d)
}
