// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists jobs and the overrides submitted against them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned by Create when the id is already taken.
	ErrJobExists = errors.New("job already exists")

	// ErrOverrideNotFound is returned when no override has the requested id.
	ErrOverrideNotFound = errors.New("override not found")

	// ErrOverrideExists is returned when an override id is reused.
	ErrOverrideExists = errors.New("override already exists")
)

// JobStore is the persisted-state contract of the service.
//
// Stores hand out deep copies; mutating a returned Job never changes the
// stored one.
type JobStore interface {
	// Create inserts a new job. Fails with ErrJobExists on id reuse.
	Create(ctx context.Context, job *datatypes.Job) error

	// Save replaces an existing job. Fails with ErrJobNotFound.
	Save(ctx context.Context, job *datatypes.Job) error

	Get(ctx context.Context, id string) (*datatypes.Job, error)

	// List returns jobs ordered by creation time, optionally filtered by
	// status. An empty status matches all.
	List(ctx context.Context, status datatypes.JobStatus) ([]*datatypes.Job, error)

	// AppendOverride records an override. Fails with ErrOverrideExists on
	// id reuse.
	AppendOverride(ctx context.Context, o datatypes.Override) error

	GetOverride(ctx context.Context, id string) (datatypes.Override, error)

	// Overrides returns a job's overrides in submission order.
	Overrides(ctx context.Context, jobID string) ([]datatypes.Override, error)
}

func cloneJob(job *datatypes.Job) (*datatypes.Job, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	var out datatypes.Job
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", job.ID, err)
	}
	return &out, nil
}

func cloneOverride(o datatypes.Override) (datatypes.Override, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return o, fmt.Errorf("encode override %s: %w", o.ID, err)
	}
	var out datatypes.Override
	if err := json.Unmarshal(data, &out); err != nil {
		return o, fmt.Errorf("decode override %s: %w", o.ID, err)
	}
	return out, nil
}
