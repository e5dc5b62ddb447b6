// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package durable persists finalized segments and consumer-group
// checkpoints in an embedded SQLite database.
//
// # Description
//
// The segments table is unique on (session_id, segment_index). Writes go
// through a conditional upsert that only replaces rows with an equal or
// higher revision, so replays of the promotion pipeline are idempotent and
// an older revision can never overwrite a newer durable copy.
//
// The checkpoints table backs the embedded stream source: committed
// consumer-group offsets survive restarts in the same database file as the
// data they gate.
package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator/datatypes"
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("durable: store is closed")

const schema = `
CREATE TABLE IF NOT EXISTS segments (
	session_id      TEXT    NOT NULL,
	segment_index   INTEGER NOT NULL,
	start_ms        INTEGER NOT NULL,
	end_ms          INTEGER NOT NULL,
	text            TEXT    NOT NULL,
	speaker         TEXT,
	revision        INTEGER NOT NULL,
	persisted_at_ms INTEGER NOT NULL,
	PRIMARY KEY (session_id, segment_index)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	consumer_group TEXT    NOT NULL,
	partition_id   INTEGER NOT NULL,
	next_offset    INTEGER NOT NULL,
	updated_at_ms  INTEGER NOT NULL,
	PRIMARY KEY (consumer_group, partition_id)
);
`

const upsertSegment = `
INSERT INTO segments
	(session_id, segment_index, start_ms, end_ms, text, speaker, revision, persisted_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, segment_index) DO UPDATE SET
	start_ms        = excluded.start_ms,
	end_ms          = excluded.end_ms,
	text            = excluded.text,
	speaker         = excluded.speaker,
	revision        = excluded.revision,
	persisted_at_ms = excluded.persisted_at_ms
WHERE excluded.revision >= segments.revision
`

// Store is the SQLite-backed durable segment store.
type Store struct {
	db     *sql.DB
	logger *logging.Logger

	// closed is atomic: Close can overlap an in-flight promoter write.
	closed atomic.Bool
}

// Open opens (creating if needed) the durable store at path. Use
// ":memory:" for an ephemeral store in tests.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("durable: database path must not be empty")
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if path == ":memory:" {
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	// SQLite supports one writer; serialize access at the pool level
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize durable schema: %w", err)
	}

	logger.Debug("durable store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// IsRetryable reports whether a durable write error is transient and the
// batch should be retried with backoff. Lock contention and busy errors
// are retryable; constraint and schema errors are terminal.
func IsRetryable(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return true
		}
		return false
	}
	// Driver-independent transient failures (context deadline etc.) are
	// left to the caller's judgement; default to retryable for unknowns.
	return !errors.Is(err, context.Canceled)
}

// UpsertBatch persists a batch of segments in one transaction.
//
// # Description
//
// Each segment is written with the revision-guarded upsert: new rows are
// inserted, existing rows are replaced only when the incoming revision is
// equal or higher. The whole batch commits or rolls back atomically, which
// keeps the promoter's write-then-flip sequencing simple.
func (s *Store) UpsertBatch(ctx context.Context, segs []datatypes.Segment, nowMs int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(segs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin durable tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSegment)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, seg := range segs {
		var speaker sql.NullString
		if seg.Speaker != nil {
			speaker = sql.NullString{String: *seg.Speaker, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			seg.SessionID, seg.SegmentIndex,
			seg.StartMs, seg.EndMs, seg.Text, speaker,
			seg.Revision, nowMs)
		if err != nil {
			return fmt.Errorf("upsert segment %s/%d: %w", seg.SessionID, seg.SegmentIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit durable tx: %w", err)
	}
	return nil
}

// GetSessionSegments returns a session's durable segments in index order.
func (s *Store) GetSessionSegments(ctx context.Context, sessionID string) ([]datatypes.FinalizedSegment, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, segment_index, start_ms, end_ms, text, speaker, revision, persisted_at_ms
		FROM segments
		WHERE session_id = ?
		ORDER BY segment_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session segments: %w", err)
	}
	defer rows.Close()

	var out []datatypes.FinalizedSegment
	for rows.Next() {
		var seg datatypes.FinalizedSegment
		var speaker sql.NullString
		err := rows.Scan(
			&seg.SessionID, &seg.SegmentIndex,
			&seg.StartMs, &seg.EndMs, &seg.Text, &speaker,
			&seg.Revision, &seg.PersistedAtMs)
		if err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		if speaker.Valid {
			seg.Speaker = &speaker.String
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows: %w", err)
	}
	return out, nil
}

// GetSegment returns one durable segment, or sql.ErrNoRows wrapped.
func (s *Store) GetSegment(ctx context.Context, sessionID string, index int64) (datatypes.FinalizedSegment, bool, error) {
	if s.closed.Load() {
		return datatypes.FinalizedSegment{}, false, ErrClosed
	}

	var seg datatypes.FinalizedSegment
	var speaker sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, segment_index, start_ms, end_ms, text, speaker, revision, persisted_at_ms
		FROM segments
		WHERE session_id = ? AND segment_index = ?`, sessionID, index).
		Scan(&seg.SessionID, &seg.SegmentIndex,
			&seg.StartMs, &seg.EndMs, &seg.Text, &speaker,
			&seg.Revision, &seg.PersistedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return datatypes.FinalizedSegment{}, false, nil
	}
	if err != nil {
		return datatypes.FinalizedSegment{}, false, fmt.Errorf("query segment: %w", err)
	}
	if speaker.Valid {
		seg.Speaker = &speaker.String
	}
	return seg, true, nil
}

// SegmentCount returns the total number of durable segments.
func (s *Store) SegmentCount(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM segments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return n, nil
}

// =============================================================================
// Checkpoint store
// =============================================================================

// Checkpoints is the SQLite-backed stream.CheckpointStore.
type Checkpoints struct {
	store *Store
}

// Checkpoints returns the checkpoint store sharing this database.
func (s *Store) Checkpoints() *Checkpoints {
	return &Checkpoints{store: s}
}

// Load returns the next offset to read for (group, partition), 0 if the
// group has never committed the partition.
func (c *Checkpoints) Load(ctx context.Context, group string, partition int) (int64, error) {
	if c.store.closed.Load() {
		return 0, ErrClosed
	}

	var next int64
	err := c.store.db.QueryRowContext(ctx, `
		SELECT next_offset FROM checkpoints
		WHERE consumer_group = ? AND partition_id = ?`, group, partition).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return next, nil
}

// Save records the next offset to read for (group, partition).
func (c *Checkpoints) Save(ctx context.Context, group string, partition int, next int64) error {
	if c.store.closed.Load() {
		return ErrClosed
	}

	_, err := c.store.db.ExecContext(ctx, `
		INSERT INTO checkpoints (consumer_group, partition_id, next_offset, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (consumer_group, partition_id) DO UPDATE SET
			next_offset   = excluded.next_offset,
			updated_at_ms = excluded.updated_at_ms`,
		group, partition, next, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
