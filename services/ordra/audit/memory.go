// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	records [][]byte
	tip     head
	now     func() time.Time
	closed  bool
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: time.Now}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(ctx context.Context, rec datatypes.AuditRecord) (datatypes.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return rec, ErrClosed
	}

	sealed, err := seal(rec, l.tip, l.now())
	if err != nil {
		return rec, err
	}
	data, err := encode(sealed)
	if err != nil {
		return rec, err
	}
	l.records = append(l.records, data)
	l.tip = head{Seq: sealed.Seq, Hash: sealed.Hash, RecordedAt: sealed.RecordedAt}
	return sealed, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, seq uint64) (datatypes.AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.records)) {
		return datatypes.AuditRecord{}, fmt.Errorf("%w: seq %d", ErrNotFound, seq)
	}
	return decode(l.records[seq-1])
}

// ByJob implements Ledger.
func (l *MemoryLedger) ByJob(_ context.Context, jobID string) ([]datatypes.AuditRecord, error) {
	return l.filter(func(r datatypes.AuditRecord) bool { return r.JobID == jobID })
}

// ByTimeRange implements Ledger.
func (l *MemoryLedger) ByTimeRange(_ context.Context, from, to time.Time) ([]datatypes.AuditRecord, error) {
	return l.filter(func(r datatypes.AuditRecord) bool { return inRange(r.RecordedAt, from, to) })
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(_ context.Context) (VerifyReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v := newChainVerifier()
	for _, data := range l.records {
		rec, err := decode(data)
		if err != nil {
			return v.report, err
		}
		if !v.check(rec) {
			break
		}
	}
	return v.result()
}

// Close implements Ledger.
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) filter(keep func(datatypes.AuditRecord) bool) ([]datatypes.AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []datatypes.AuditRecord{}
	for _, data := range l.records {
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
