// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hotstore holds the mutable working copies of transcript segments.
//
// # Description
//
// One entry per (session_id, segment_index) pair, keyed so that a session's
// segments iterate in index order. The store owns the two critical
// read-modify-write sections of the engine: Apply, which merges an incoming
// revision against the stored one, and MarkFinalized, which flips the
// one-way immutability gate. Both run as single optimistic transactions, so
// a concurrent writer on the same key forces a retry rather than a lost
// update.
//
// # Invariants
//
//   - Stored revision never decreases.
//   - A finalized entry's segment content never changes again.
package hotstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/dgraph-io/badger/v4"

	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/storage/badgerdb"
)

// keyPrefix namespaces segment entries within the shared database.
const keyPrefix = "seg/"

// ErrNotFound is returned when a (session, index) pair has no hot entry.
var ErrNotFound = errors.New("hotstore: segment not found")

// Outcome describes what Apply did with an incoming revision.
type Outcome int

const (
	// OutcomeInserted means the pair was unseen and a new entry was created.
	OutcomeInserted Outcome = iota

	// OutcomeUpdated means a higher revision replaced the stored content.
	OutcomeUpdated

	// OutcomeStale means the incoming revision was not higher than the
	// stored one and was discarded. Redeliveries land here.
	OutcomeStale

	// OutcomeRejectedFinalized means a higher revision arrived after the
	// entry was finalized and was refused.
	OutcomeRejectedFinalized
)

// String returns the outcome name used in logs and metric labels.
func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeStale:
		return "stale"
	case OutcomeRejectedFinalized:
		return "rejected_finalized"
	default:
		return "unknown"
	}
}

// Store is the badger-backed hot segment store.
type Store struct {
	db *badgerdb.DB
}

// New creates a Store over the given database.
func New(db *badgerdb.DB) *Store {
	return &Store{db: db}
}

// segmentKey builds the hot-store key for a (session, index) pair. The
// session id is path-escaped because ids are opaque: an id containing
// "/" must not leak into another session's key range. The index is
// zero-padded so lexicographic key order is index order.
func segmentKey(sessionID string, index int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%012d", keyPrefix, url.PathEscape(sessionID), index))
}

func sessionPrefix(sessionID string) []byte {
	return []byte(keyPrefix + url.PathEscape(sessionID) + "/")
}

func decodeEntry(item *badger.Item) (datatypes.HotEntry, error) {
	var e datatypes.HotEntry
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return datatypes.HotEntry{}, fmt.Errorf("decode hot entry: %w", err)
	}
	return e, nil
}

func putEntry(txn *badger.Txn, e *datatypes.HotEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode hot entry: %w", err)
	}
	return txn.Set(segmentKey(e.SessionID, e.SegmentIndex), data)
}

// Apply merges an incoming segment event into the store.
//
// # Description
//
// Runs the highest-revision-wins rule inside one transaction:
//
//   - unseen pair: insert, OutcomeInserted
//   - finalized entry, higher revision: refuse, OutcomeRejectedFinalized
//   - higher revision: replace content and bump UpdatedAtMs, OutcomeUpdated
//   - equal or lower revision: discard, OutcomeStale
//
// Redelivered events always land on OutcomeStale, which makes the whole
// ingest path idempotent under at-least-once delivery.
func (s *Store) Apply(ctx context.Context, ev datatypes.SegmentEvent, nowMs int64) (Outcome, error) {
	var outcome Outcome

	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(segmentKey(ev.SessionID, ev.SegmentIndex))
		if errors.Is(err, badger.ErrKeyNotFound) {
			outcome = OutcomeInserted
			entry := datatypes.HotEntry{
				Segment: datatypes.Segment{
					SessionID:    ev.SessionID,
					SegmentIndex: ev.SegmentIndex,
					StartMs:      ev.StartMs,
					EndMs:        ev.EndMs,
					Text:         ev.Text,
					Speaker:      ev.Speaker,
					Revision:     ev.Revision,
				},
				CreatedAtMs: nowMs,
				UpdatedAtMs: nowMs,
			}
			return putEntry(txn, &entry)
		}
		if err != nil {
			return fmt.Errorf("get hot entry: %w", err)
		}

		entry, err := decodeEntry(item)
		if err != nil {
			return err
		}

		if ev.Revision <= entry.Revision {
			outcome = OutcomeStale
			return nil
		}
		if entry.Finalized {
			outcome = OutcomeRejectedFinalized
			return nil
		}

		outcome = OutcomeUpdated
		entry.StartMs = ev.StartMs
		entry.EndMs = ev.EndMs
		entry.Text = ev.Text
		entry.Speaker = ev.Speaker
		entry.Revision = ev.Revision
		entry.UpdatedAtMs = nowMs
		// A newer revision invalidates any durable copy of the old one.
		entry.Durable = false
		return putEntry(txn, &entry)
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// Get returns the hot entry for a (session, index) pair.
func (s *Store) Get(ctx context.Context, sessionID string, index int64) (datatypes.HotEntry, error) {
	var out datatypes.HotEntry
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(segmentKey(sessionID, index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get hot entry: %w", err)
		}
		out, err = decodeEntry(item)
		return err
	})
	if err != nil {
		return datatypes.HotEntry{}, err
	}
	return out, nil
}

// ScanSession returns all hot entries of one session in index order.
func (s *Store) ScanSession(ctx context.Context, sessionID string) ([]datatypes.HotEntry, error) {
	var out []datatypes.HotEntry
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			e, err := decodeEntry(it.Item())
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForEach streams every hot entry to fn inside one snapshot. fn returning
// an error stops the scan and propagates the error. Used by the promoter
// and sweeper to walk the store without materializing it.
func (s *Store) ForEach(ctx context.Context, fn func(datatypes.HotEntry) error) error {
	return s.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			e, err := decodeEntry(it.Item())
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkFinalized flips the immutability gate for a (session, index) pair,
// but only if the stored revision still equals the revision that was
// written durably.
//
// # Description
//
// The promoter persists a revision and then calls MarkFinalized with that
// revision. If a higher revision slipped into the hot store between the
// durable write and the flip, the flip is refused and the entry stays
// mutable; a later promotion cycle persists the newer revision. Returns
// whether the entry is finalized after the call.
func (s *Store) MarkFinalized(ctx context.Context, sessionID string, index, revision, nowMs int64) (bool, error) {
	var finalized bool

	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(segmentKey(sessionID, index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get hot entry: %w", err)
		}

		entry, err := decodeEntry(item)
		if err != nil {
			return err
		}

		if entry.Finalized {
			finalized = true
			return nil
		}
		if entry.Revision != revision {
			// The durable copy is already outdated; leave the entry
			// mutable so the newer revision gets promoted.
			finalized = false
			return nil
		}

		entry.Finalized = true
		entry.Durable = true
		entry.FinalizedAtMs = nowMs
		finalized = true
		return putEntry(txn, &entry)
	})
	if err != nil {
		return false, err
	}
	return finalized, nil
}

// DeleteIf removes a hot entry when guard approves the currently stored
// value. The re-read and delete share one transaction, so the sweeper
// cannot evict an entry that changed after it was inspected. Returns
// whether the entry was deleted.
func (s *Store) DeleteIf(ctx context.Context, sessionID string, index int64, guard func(datatypes.HotEntry) bool) (bool, error) {
	var deleted bool

	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(segmentKey(sessionID, index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get hot entry: %w", err)
		}

		entry, err := decodeEntry(item)
		if err != nil {
			return err
		}
		if !guard(entry) {
			return nil
		}

		deleted = true
		return txn.Delete(segmentKey(sessionID, index))
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// SessionSegmentCount returns how many hot entries a session still has.
// The sweeper reclaims a registry entry only when this reaches zero.
func (s *Store) SessionSegmentCount(ctx context.Context, sessionID string) (int, error) {
	count := 0
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(sessionID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
