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
	"testing"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	storage "github.com/AleutianAI/ordra/services/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]JobStore {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]JobStore{
		"memory": NewMemoryStore(),
		"badger": NewBadgerStore(db),
	}
}

func newJob(id string, created time.Time, status datatypes.JobStatus) *datatypes.Job {
	ctx, _ := datatypes.NewContext(map[string]any{"po_number": "PO-" + id})
	ctx["check_credit"] = datatypes.UnknownOutput("check_credit", datatypes.ReasonStageFailed)
	return &datatypes.Job{
		ID:        id,
		CreatedAt: created,
		UpdatedAt: created,
		Status:    status,
		Input:     map[string]any{"po_number": "PO-" + id},
		Context:   ctx,
	}
}

func TestStore_CreateGetSave(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob("j1", t0, datatypes.JobPending)
			require.NoError(t, s.Create(ctx, job))

			err := s.Create(ctx, job)
			assert.ErrorIs(t, err, ErrJobExists)

			got, err := s.Get(ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, datatypes.JobPending, got.Status)
			assert.True(t, got.Context["check_credit"].IsUnknown())
			assert.Equal(t, "PO-j1", got.Context.Resolve("input.po_number"))

			got.Status = datatypes.JobAwaitingReview
			got.Runs = 1
			require.NoError(t, s.Save(ctx, got))

			again, err := s.Get(ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, datatypes.JobAwaitingReview, again.Status)
			assert.Equal(t, 1, again.Runs)
		})
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob("j1", t0, datatypes.JobPending)
			require.NoError(t, s.Create(ctx, job))
			job.Status = datatypes.JobFailed

			got, err := s.Get(ctx, "j1")
			require.NoError(t, err)
			got.Input["po_number"] = "changed"

			again, err := s.Get(ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, datatypes.JobPending, again.Status)
			assert.Equal(t, "PO-j1", again.Input["po_number"])
		})
	}
}

func TestStore_Missing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Get(ctx, "nope")
			assert.ErrorIs(t, err, ErrJobNotFound)
			assert.ErrorIs(t, s.Save(ctx, newJob("nope", t0, datatypes.JobPending)), ErrJobNotFound)
			_, err = s.GetOverride(ctx, "nope")
			assert.ErrorIs(t, err, ErrOverrideNotFound)
		})
	}
}

func TestStore_ListOrderedAndFiltered(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newJob("c", t0.Add(2*time.Minute), datatypes.JobCompleted)))
			require.NoError(t, s.Create(ctx, newJob("a", t0, datatypes.JobAwaitingReview)))
			require.NoError(t, s.Create(ctx, newJob("b", t0.Add(time.Minute), datatypes.JobAwaitingReview)))

			all, err := s.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})

			waiting, err := s.List(ctx, datatypes.JobAwaitingReview)
			require.NoError(t, err)
			assert.Len(t, waiting, 2)
		})
	}
}

func TestStore_Overrides(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o1 := datatypes.Override{
				ID: "o1", JobID: "j1", Author: "cs@example.com",
				Corrections: map[string]any{"map_materials.lines.0.material": "MAT-100"},
				SubmittedAt: t0,
			}
			o2 := o1
			o2.ID = "o2"
			o2.SubmittedAt = t0.Add(time.Second)
			other := o1
			other.ID = "o3"
			other.JobID = "j2"

			require.NoError(t, s.AppendOverride(ctx, o1))
			require.NoError(t, s.AppendOverride(ctx, o2))
			require.NoError(t, s.AppendOverride(ctx, other))
			assert.ErrorIs(t, s.AppendOverride(ctx, o1), ErrOverrideExists)

			got, err := s.GetOverride(ctx, "o1")
			require.NoError(t, err)
			assert.Equal(t, "MAT-100", got.Corrections["map_materials.lines.0.material"])

			list, err := s.Overrides(ctx, "j1")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "o1", list[0].ID)
			assert.Equal(t, "o2", list[1].ID)

			none, err := s.Overrides(ctx, "j9")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}
