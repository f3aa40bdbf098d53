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
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	storage "github.com/AleutianAI/ordra/services/storage/badger"
	"github.com/dgraph-io/badger/v4"
)

// Key layout. Sequence and time components are zero padded so that
// lexicographic key order is numeric order.
const (
	keyHead      = "audit/head"
	prefixSeq    = "audit/seq/"
	prefixJob    = "audit/job/"
	prefixTime   = "audit/time/"
	seqKeyFormat = "%020d"
)

// BadgerLedger stores records in a shared BadgerDB.
//
// # Description
//
// Each record is written once under audit/seq/{seq}, with two empty index
// keys (audit/job/{job}/{seq} and audit/time/{unixnano}/{seq}). The chain
// tip lives under audit/head and is updated in the same transaction.
// Nothing under these prefixes is ever overwritten or deleted.
//
// # Thread Safety
//
// Safe for concurrent use. Appends hold an internal mutex.
type BadgerLedger struct {
	db     *storage.DB
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewBadgerLedger builds a ledger over db. The caller owns db.
func NewBadgerLedger(db *storage.DB, logger *slog.Logger) *BadgerLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerLedger{db: db, logger: logger, now: time.Now}
}

func seqKey(seq uint64) string {
	return prefixSeq + fmt.Sprintf(seqKeyFormat, seq)
}

func jobKey(jobID string, seq uint64) string {
	return prefixJob + jobID + "/" + fmt.Sprintf(seqKeyFormat, seq)
}

func timeKey(t time.Time, seq uint64) string {
	return prefixTime + timeComponent(t) + "/" + fmt.Sprintf(seqKeyFormat, seq)
}

func timeComponent(t time.Time) string {
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf(seqKeyFormat, n)
}

// Append implements Ledger.
func (l *BadgerLedger) Append(ctx context.Context, rec datatypes.AuditRecord) (datatypes.AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sealed datatypes.AuditRecord
	err := l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var tip head
		if err := storage.GetJSON(txn, keyHead, &tip); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return fmt.Errorf("read audit head: %w", err)
		}
		var err error
		sealed, err = seal(rec, tip, l.now())
		if err != nil {
			return err
		}
		data, err := encode(sealed)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(seqKey(sealed.Seq)), data); err != nil {
			return err
		}
		if err := txn.Set([]byte(jobKey(sealed.JobID, sealed.Seq)), nil); err != nil {
			return err
		}
		if err := txn.Set([]byte(timeKey(sealed.RecordedAt, sealed.Seq)), nil); err != nil {
			return err
		}
		return storage.PutJSON(txn, keyHead, head{Seq: sealed.Seq, Hash: sealed.Hash, RecordedAt: sealed.RecordedAt})
	})
	if err != nil {
		return rec, fmt.Errorf("append audit record for job %s: %w", rec.JobID, err)
	}

	l.logger.Debug("audit record appended",
		slog.Uint64("seq", sealed.Seq),
		slog.String("job_id", sealed.JobID),
		slog.String("run_id", sealed.RunID))
	return sealed, nil
}

// Get implements Ledger.
func (l *BadgerLedger) Get(ctx context.Context, seq uint64) (datatypes.AuditRecord, error) {
	var rec datatypes.AuditRecord
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		rec, err = l.load(txn, seq)
		return err
	})
	return rec, err
}

// ByJob implements Ledger.
func (l *BadgerLedger) ByJob(ctx context.Context, jobID string) ([]datatypes.AuditRecord, error) {
	out := []datatypes.AuditRecord{}
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := prefixJob + jobID + "/"
		return storage.ScanPrefix(txn, prefix, func(key string, _ []byte) error {
			rec, err := l.loadIndexed(txn, key)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("audit records for job %s: %w", jobID, err)
	}
	return out, nil
}

// ByTimeRange implements Ledger.
func (l *BadgerLedger) ByTimeRange(ctx context.Context, from, to time.Time) ([]datatypes.AuditRecord, error) {
	start := prefixTime
	if !from.IsZero() {
		start = prefixTime + timeComponent(from)
	}
	end := ""
	if !to.IsZero() {
		end = prefixTime + timeComponent(to)
	}

	out := []datatypes.AuditRecord{}
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.ScanRange(txn, prefixTime, start, end, func(key string, _ []byte) error {
			rec, err := l.loadIndexed(txn, key)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("audit records by time: %w", err)
	}
	return out, nil
}

// Verify implements Ledger.
func (l *BadgerLedger) Verify(ctx context.Context) (VerifyReport, error) {
	v := newChainVerifier()
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.ScanPrefix(txn, prefixSeq, func(_ string, val []byte) error {
			rec, err := decode(val)
			if err != nil {
				return err
			}
			if !v.check(rec) {
				return errStopScan
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return v.report, err
	}
	return v.result()
}

// Close is a no-op; the shared database is closed by its owner.
func (l *BadgerLedger) Close() error {
	return nil
}

var errStopScan = errors.New("stop scan")

func (l *BadgerLedger) load(txn *badger.Txn, seq uint64) (datatypes.AuditRecord, error) {
	item, err := txn.Get([]byte(seqKey(seq)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.AuditRecord{}, fmt.Errorf("%w: seq %d", ErrNotFound, seq)
	}
	if err != nil {
		return datatypes.AuditRecord{}, err
	}
	var rec datatypes.AuditRecord
	err = item.Value(func(val []byte) error {
		var derr error
		rec, derr = decode(val)
		return derr
	})
	return rec, err
}

// loadIndexed resolves an index key whose last segment is the sequence.
func (l *BadgerLedger) loadIndexed(txn *badger.Txn, key string) (datatypes.AuditRecord, error) {
	i := strings.LastIndexByte(key, '/')
	seq, err := strconv.ParseUint(key[i+1:], 10, 64)
	if err != nil {
		return datatypes.AuditRecord{}, fmt.Errorf("malformed audit index key %q: %w", key, err)
	}
	return l.load(txn, seq)
}
