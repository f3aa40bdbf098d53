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
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/audit/migrations"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/storage/sqlite"
)

// SQLiteLedger stores records in a SQLite database.
//
// The audit_records table refuses UPDATE and DELETE through triggers, so
// the append-only property holds even for writers outside this package.
type SQLiteLedger struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// OpenSQLiteLedger opens (or creates) the ledger database at path.
func OpenSQLiteLedger(ctx context.Context, path string, logger *slog.Logger) (*SQLiteLedger, error) {
	db, err := sqlite.Open(ctx, path, migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteLedger{db: db, logger: logger, now: time.Now}, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// Append implements Ledger.
func (l *SQLiteLedger) Append(ctx context.Context, rec datatypes.AuditRecord) (datatypes.AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tip head
	var recordedAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT seq, hash, recorded_at FROM audit_records ORDER BY seq DESC LIMIT 1`).
		Scan(&tip.Seq, &tip.Hash, &recordedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return rec, fmt.Errorf("read audit head: %w", err)
	default:
		tip.RecordedAt = time.Unix(0, recordedAt).UTC()
	}

	sealed, err := seal(rec, tip, l.now())
	if err != nil {
		return rec, err
	}
	body, err := encode(sealed)
	if err != nil {
		return rec, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_records (seq, job_id, run_id, override_id, recorded_at, prev_hash, hash, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sealed.Seq, sealed.JobID, sealed.RunID, sealed.OverrideID,
		toNanos(sealed.RecordedAt), sealed.PrevHash, sealed.Hash, string(body))
	if err != nil {
		if sqlite.IsConstraintError(err) {
			return rec, fmt.Errorf("audit seq %d already recorded: %w", sealed.Seq, err)
		}
		return rec, fmt.Errorf("insert audit record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("commit audit record: %w", err)
	}

	l.logger.Debug("audit record appended",
		slog.Uint64("seq", sealed.Seq),
		slog.String("job_id", sealed.JobID),
		slog.String("run_id", sealed.RunID))
	return sealed, nil
}

// Get implements Ledger.
func (l *SQLiteLedger) Get(ctx context.Context, seq uint64) (datatypes.AuditRecord, error) {
	var body string
	err := l.db.QueryRowContext(ctx, `SELECT body FROM audit_records WHERE seq = ?`, seq).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return datatypes.AuditRecord{}, fmt.Errorf("%w: seq %d", ErrNotFound, seq)
	}
	if err != nil {
		return datatypes.AuditRecord{}, fmt.Errorf("get audit record %d: %w", seq, err)
	}
	return decode([]byte(body))
}

// ByJob implements Ledger.
func (l *SQLiteLedger) ByJob(ctx context.Context, jobID string) ([]datatypes.AuditRecord, error) {
	return l.query(ctx, `SELECT body FROM audit_records WHERE job_id = ? ORDER BY seq`, jobID)
}

// ByTimeRange implements Ledger.
func (l *SQLiteLedger) ByTimeRange(ctx context.Context, from, to time.Time) ([]datatypes.AuditRecord, error) {
	query := `SELECT body FROM audit_records WHERE 1 = 1`
	var args []any
	if !from.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, toNanos(from))
	}
	if !to.IsZero() {
		query += ` AND recorded_at < ?`
		args = append(args, toNanos(to))
	}
	return l.query(ctx, query+` ORDER BY seq`, args...)
}

// Verify implements Ledger.
func (l *SQLiteLedger) Verify(ctx context.Context) (VerifyReport, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT body FROM audit_records ORDER BY seq`)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("scan audit records: %w", err)
	}
	defer rows.Close()

	v := newChainVerifier()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return v.report, err
		}
		rec, err := decode([]byte(body))
		if err != nil {
			return v.report, err
		}
		if !v.check(rec) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return v.report, err
	}
	return v.result()
}

// Close implements Ledger.
func (l *SQLiteLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLiteLedger) query(ctx context.Context, query string, args ...any) ([]datatypes.AuditRecord, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	out := []datatypes.AuditRecord{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		rec, err := decode([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
