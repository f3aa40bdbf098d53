// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit persists the append-only audit trail of job runs.
//
// Every run, including failed and aborted ones, produces exactly one
// datatypes.AuditRecord. The ledger assigns a global, strictly increasing
// sequence number and the recording time, and links each record to its
// predecessor with a SHA-256 hash chain so that rewrites are detectable by
// Verify.
//
// # Implementations
//
//   - BadgerLedger: default, shares the service's BadgerDB.
//   - SQLiteLedger: modernc.org/sqlite with embedded migrations.
//   - MemoryLedger: tests and one-shot CLI runs.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

// GenesisHash is the PrevHash of the first record in a ledger.
var GenesisHash = strings.Repeat("0", 64)

var (
	// ErrNotFound is returned when no record has the requested sequence.
	ErrNotFound = errors.New("audit record not found")

	// ErrInvalidRecord is returned when a record lacks its job or run id.
	ErrInvalidRecord = errors.New("invalid audit record")

	// ErrChainBroken is returned by Verify when a hash link does not hold.
	ErrChainBroken = errors.New("audit hash chain broken")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("audit ledger closed")
)

// Ledger is the append-only audit store.
//
// # Thread Safety
//
// Implementations are safe for concurrent use. Appends are serialized so
// sequence numbers and hash links are gap-free.
type Ledger interface {
	// Append seals rec (Seq, RecordedAt, PrevHash, Hash) and persists it.
	// Any values the caller set in those fields are overwritten.
	Append(ctx context.Context, rec datatypes.AuditRecord) (datatypes.AuditRecord, error)

	// Get returns the record with sequence seq.
	Get(ctx context.Context, seq uint64) (datatypes.AuditRecord, error)

	// ByJob returns a job's records in run order.
	ByJob(ctx context.Context, jobID string) ([]datatypes.AuditRecord, error)

	// ByTimeRange returns records with from <= RecordedAt < to, in sequence
	// order. A zero from or to leaves that side unbounded.
	ByTimeRange(ctx context.Context, from, to time.Time) ([]datatypes.AuditRecord, error)

	// Verify walks the whole chain and recomputes every hash.
	Verify(ctx context.Context) (VerifyReport, error)

	Close() error
}

// VerifyReport summarizes a chain verification.
type VerifyReport struct {
	Records  int    `json:"records"`
	Head     string `json:"head"`
	Valid    bool   `json:"valid"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Hash computes the chain hash of rec: SHA-256 over its JSON encoding with
// the Hash field cleared.
func Hash(rec datatypes.AuditRecord) (string, error) {
	rec.Hash = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode audit record %d: %w", rec.Seq, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// head is the ledger tip.
type head struct {
	Seq        uint64    `json:"seq"`
	Hash       string    `json:"hash"`
	RecordedAt time.Time `json:"recorded_at"`
}

// seal assigns the chain fields of rec following h.
//
// RecordedAt never goes backwards, so sequence order and time order agree
// even if the wall clock steps back.
func seal(rec datatypes.AuditRecord, h head, now time.Time) (datatypes.AuditRecord, error) {
	if rec.JobID == "" || rec.RunID == "" {
		return rec, fmt.Errorf("%w: job_id and run_id are required", ErrInvalidRecord)
	}
	rec, err := normalize(rec)
	if err != nil {
		return rec, err
	}
	now = now.UTC()
	if now.Before(h.RecordedAt) {
		now = h.RecordedAt
	}
	rec.Seq = h.Seq + 1
	rec.RecordedAt = now
	rec.PrevHash = h.Hash
	if rec.PrevHash == "" {
		rec.PrevHash = GenesisHash
	}
	rec.Hash, err = Hash(rec)
	return rec, err
}

// chainVerifier checks records fed to it in sequence order.
type chainVerifier struct {
	report VerifyReport
	prev   string
	seq    uint64
}

func newChainVerifier() *chainVerifier {
	return &chainVerifier{prev: GenesisHash, report: VerifyReport{Valid: true}}
}

// check returns false once the chain is broken.
func (v *chainVerifier) check(rec datatypes.AuditRecord) bool {
	if !v.report.Valid {
		return false
	}
	fail := func(format string, args ...any) bool {
		v.report.Valid = false
		v.report.BrokenAt = rec.Seq
		v.report.Detail = fmt.Sprintf(format, args...)
		return false
	}
	if rec.Seq != v.seq+1 {
		return fail("expected seq %d, found %d", v.seq+1, rec.Seq)
	}
	if rec.PrevHash != v.prev {
		return fail("prev_hash does not match record %d", v.seq)
	}
	want, err := Hash(rec)
	if err != nil {
		return fail("%v", err)
	}
	if want != rec.Hash {
		return fail("hash mismatch")
	}
	v.seq = rec.Seq
	v.prev = rec.Hash
	v.report.Records++
	v.report.Head = rec.Hash
	return true
}

func (v *chainVerifier) result() (VerifyReport, error) {
	if !v.report.Valid {
		return v.report, fmt.Errorf("%w at seq %d: %s", ErrChainBroken, v.report.BrokenAt, v.report.Detail)
	}
	return v.report, nil
}

// normalize passes rec through its JSON encoding so the stored form and
// the hashed form agree on number and time representations.
func normalize(rec datatypes.AuditRecord) (datatypes.AuditRecord, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encode audit record: %w", err)
	}
	return decode(data)
}

func encode(rec datatypes.AuditRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode audit record %d: %w", rec.Seq, err)
	}
	return data, nil
}

func decode(data []byte) (datatypes.AuditRecord, error) {
	var rec datatypes.AuditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode audit record: %w", err)
	}
	return rec, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
