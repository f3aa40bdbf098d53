// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

// MemoryStore is an in-process JobStore.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*datatypes.Job
	overrides map[string]datatypes.Override
	byJob     map[string][]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*datatypes.Job),
		overrides: make(map[string]datatypes.Override),
		byJob:     make(map[string][]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, job *datatypes.Job) error {
	cp, err := cloneJob(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = cp
	return nil
}

func (s *MemoryStore) Save(_ context.Context, job *datatypes.Job) error {
	cp, err := cloneJob(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	s.jobs[job.ID] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*datatypes.Job, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return cloneJob(job)
}

func (s *MemoryStore) List(_ context.Context, status datatypes.JobStatus) ([]*datatypes.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*datatypes.Job{}
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		cp, err := cloneJob(job)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) AppendOverride(_ context.Context, o datatypes.Override) error {
	cp, err := cloneOverride(o)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overrides[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrOverrideExists, o.ID)
	}
	s.overrides[o.ID] = cp
	s.byJob[o.JobID] = append(s.byJob[o.JobID], o.ID)
	return nil
}

func (s *MemoryStore) GetOverride(_ context.Context, id string) (datatypes.Override, error) {
	s.mu.RLock()
	o, ok := s.overrides[id]
	s.mu.RUnlock()
	if !ok {
		return datatypes.Override{}, fmt.Errorf("%w: %s", ErrOverrideNotFound, id)
	}
	return cloneOverride(o)
}

func (s *MemoryStore) Overrides(_ context.Context, jobID string) ([]datatypes.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []datatypes.Override{}
	for _, id := range s.byJob[jobID] {
		cp, err := cloneOverride(s.overrides[id])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func sortJobs(jobs []*datatypes.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
