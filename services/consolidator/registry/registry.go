// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry tracks per-session metadata: creation time, status,
// and the last observed segment index.
//
// Entries are created on the first segment event for an unseen session id
// and live in the same embedded database as the hot store, under their own
// key prefix. The registry is consulted by the promoter and sweeper and by
// read queries; it is reclaimed by the sweeper strictly after all of a
// session's segments have cleared the hot store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/storage/badgerdb"
)

// keyPrefix namespaces registry entries within the shared database.
const keyPrefix = "ses/"

// ErrNotFound is returned when a session id has no registry entry.
var ErrNotFound = errors.New("registry: session not found")

// Registry is the badger-backed session registry.
//
// All mutations run inside optimistic transactions; concurrent updates to
// the same session retry on conflict, updates to different sessions never
// contend.
type Registry struct {
	db *badgerdb.DB
}

// New creates a Registry over the given database.
func New(db *badgerdb.DB) *Registry {
	return &Registry{db: db}
}

func sessionKey(sessionID string) []byte {
	return []byte(keyPrefix + sessionID)
}

func decodeSession(item *badger.Item) (datatypes.Session, error) {
	var s datatypes.Session
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	})
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("decode session entry: %w", err)
	}
	return s, nil
}

func putSession(txn *badger.Txn, s *datatypes.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session entry: %w", err)
	}
	return txn.Set(sessionKey(s.SessionID), data)
}

// Observe records a segment event arrival for a session, creating the
// entry if the id is unseen.
//
// # Description
//
// Updates last-seen time and the high-water segment index. Observing an
// ended session does not resurrect it: stale deliveries after an
// end-of-session marker keep the ended status, but the high-water index
// still advances so the sweeper sees an accurate picture.
//
// index may be -1 for marker-only events.
func (r *Registry) Observe(ctx context.Context, sessionID string, index int64, atMs int64) (datatypes.Session, error) {
	var out datatypes.Session

	err := r.db.Update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			out = datatypes.Session{
				SessionID:        sessionID,
				CreatedAt:        atMs,
				Status:           datatypes.SessionActive,
				LastSegmentIndex: index,
				LastSeenAt:       atMs,
			}
		case err != nil:
			return fmt.Errorf("get session entry: %w", err)
		default:
			out, err = decodeSession(item)
			if err != nil {
				return err
			}
			if atMs > out.LastSeenAt {
				out.LastSeenAt = atMs
			}
			if index > out.LastSegmentIndex {
				out.LastSegmentIndex = index
			}
		}
		return putSession(txn, &out)
	})
	if err != nil {
		return datatypes.Session{}, err
	}
	return out, nil
}

// End transitions a session to the ended state. Idempotent.
func (r *Registry) End(ctx context.Context, sessionID string, atMs int64) error {
	return r.db.Update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			// An end marker can be the first event we see for a session.
			s := datatypes.Session{
				SessionID:        sessionID,
				CreatedAt:        atMs,
				Status:           datatypes.SessionEnded,
				LastSegmentIndex: -1,
				LastSeenAt:       atMs,
				EndedAt:          atMs,
			}
			return putSession(txn, &s)
		}
		if err != nil {
			return fmt.Errorf("get session entry: %w", err)
		}

		s, err := decodeSession(item)
		if err != nil {
			return err
		}
		if s.Ended() {
			return nil
		}
		s.Status = datatypes.SessionEnded
		s.EndedAt = atMs
		if atMs > s.LastSeenAt {
			s.LastSeenAt = atMs
		}
		return putSession(txn, &s)
	})
}

// Get returns the registry entry for a session.
func (r *Registry) Get(ctx context.Context, sessionID string) (datatypes.Session, error) {
	var out datatypes.Session
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get session entry: %w", err)
		}
		out, err = decodeSession(item)
		return err
	})
	if err != nil {
		return datatypes.Session{}, err
	}
	return out, nil
}

// List returns all registry entries.
func (r *Registry) List(ctx context.Context) ([]datatypes.Session, error) {
	var out []datatypes.Session
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			s, err := decodeSession(it.Item())
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a registry entry. Deleting an absent entry is a no-op.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	return r.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(sessionID))
	})
}
