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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	storage "github.com/AleutianAI/ordra/services/storage/badger"
	"github.com/dgraph-io/badger/v4"
)

const (
	prefixJob         = "job/"
	prefixOverride    = "override/"
	prefixJobOverride = "job_override/"
)

// BadgerStore is the default JobStore, backed by the shared BadgerDB.
//
// # Key Layout
//
//	job/{id}                          -> Job JSON
//	override/{id}                     -> Override JSON
//	job_override/{job}/{unixnano}/{id} -> empty (submission-order index)
type BadgerStore struct {
	db *storage.DB
}

// NewBadgerStore returns a store over db. The caller owns db.
func NewBadgerStore(db *storage.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Create(ctx context.Context, job *datatypes.Job) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		exists, err := storage.Exists(txn, prefixJob+job.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return storage.PutJSON(txn, prefixJob+job.ID, job)
	})
}

func (s *BadgerStore) Save(ctx context.Context, job *datatypes.Job) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		exists, err := storage.Exists(txn, prefixJob+job.ID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
		}
		return storage.PutJSON(txn, prefixJob+job.ID, job)
	})
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*datatypes.Job, error) {
	var job datatypes.Job
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.GetJSON(txn, prefixJob+id, &job)
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

func (s *BadgerStore) List(ctx context.Context, status datatypes.JobStatus) ([]*datatypes.Job, error) {
	out := []*datatypes.Job{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.ScanPrefix(txn, prefixJob, func(_ string, val []byte) error {
			var job datatypes.Job
			if err := json.Unmarshal(val, &job); err != nil {
				return err
			}
			if status == "" || job.Status == status {
				out = append(out, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	sortJobs(out)
	return out, nil
}

func (s *BadgerStore) AppendOverride(ctx context.Context, o datatypes.Override) error {
	submitted := o.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		exists, err := storage.Exists(txn, prefixOverride+o.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrOverrideExists, o.ID)
		}
		if err := storage.PutJSON(txn, prefixOverride+o.ID, o); err != nil {
			return err
		}
		idx := fmt.Sprintf("%s%s/%020d/%s", prefixJobOverride, o.JobID, submitted.UnixNano(), o.ID)
		return txn.Set([]byte(idx), []byte(o.ID))
	})
}

func (s *BadgerStore) GetOverride(ctx context.Context, id string) (datatypes.Override, error) {
	var o datatypes.Override
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.GetJSON(txn, prefixOverride+id, &o)
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return o, fmt.Errorf("%w: %s", ErrOverrideNotFound, id)
	}
	if err != nil {
		return o, fmt.Errorf("get override %s: %w", id, err)
	}
	return o, nil
}

func (s *BadgerStore) Overrides(ctx context.Context, jobID string) ([]datatypes.Override, error) {
	out := []datatypes.Override{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.ScanPrefix(txn, prefixJobOverride+jobID+"/", func(_ string, val []byte) error {
			var o datatypes.Override
			if err := storage.GetJSON(txn, prefixOverride+string(val), &o); err != nil {
				return err
			}
			out = append(out, o)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("overrides for job %s: %w", jobID, err)
	}
	return out, nil
}
