// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/storage/badgerdb"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestObserveCreatesSession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.Observe(ctx, "s1", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, "s1", s.SessionID)
	assert.Equal(t, datatypes.SessionActive, s.Status)
	assert.Equal(t, int64(0), s.LastSegmentIndex)
	assert.Equal(t, int64(1000), s.CreatedAt)
	assert.Equal(t, int64(1000), s.LastSeenAt)
}

func TestObserveAdvancesHighWaterIndex(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Observe(ctx, "s1", 5, 1000)
	require.NoError(t, err)

	// An out-of-order arrival for an earlier index must not regress it.
	s, err := r.Observe(ctx, "s1", 2, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.LastSegmentIndex)
	assert.Equal(t, int64(2000), s.LastSeenAt)
}

func TestEndIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Observe(ctx, "s1", 0, 1000)
	require.NoError(t, err)

	require.NoError(t, r.End(ctx, "s1", 5000))
	require.NoError(t, r.End(ctx, "s1", 9000))

	s, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, s.Ended())
	assert.Equal(t, int64(5000), s.EndedAt, "second end must not overwrite the first")
}

func TestEndBeforeAnySegment(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.End(ctx, "s1", 3000))

	s, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, s.Ended())
	assert.Equal(t, int64(-1), s.LastSegmentIndex)
}

func TestObserveDoesNotResurrectEndedSession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Observe(ctx, "s1", 3, 1000)
	require.NoError(t, err)
	require.NoError(t, r.End(ctx, "s1", 2000))

	// Late delivery after the end marker.
	s, err := r.Observe(ctx, "s1", 7, 3000)
	require.NoError(t, err)
	assert.True(t, s.Ended())
	assert.Equal(t, int64(7), s.LastSegmentIndex)
}

func TestGetUnknownSession(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Observe(ctx, "s1", 0, 1000)
	require.NoError(t, err)
	_, err = r.Observe(ctx, "s2", 0, 1000)
	require.NoError(t, err)

	sessions, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	require.NoError(t, r.Delete(ctx, "s1"))
	require.NoError(t, r.Delete(ctx, "s1")) // absent is a no-op

	sessions, err = r.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s2", sessions[0].SessionID)
}
