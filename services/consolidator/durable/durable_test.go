// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package durable

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "segments.db"), logging.New(logging.Config{Quiet: true}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seg(session string, index, rev int64, text string) datatypes.Segment {
	return datatypes.Segment{
		SessionID:    session,
		SegmentIndex: index,
		StartMs:      index * 1000,
		EndMs:        index*1000 + 900,
		Text:         text,
		Revision:     rev,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("", logging.New(logging.Config{Quiet: true}))
	assert.Error(t, err)
}

func TestUpsertInsertsAndReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	speaker := "spk-1"
	in := seg("s1", 0, 1, "hello")
	in.Speaker = &speaker

	require.NoError(t, s.UpsertBatch(ctx, []datatypes.Segment{in}, 5000))

	got, ok, err := s.GetSegment(ctx, "s1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, int64(1), got.Revision)
	assert.Equal(t, int64(5000), got.PersistedAtMs)
	require.NotNil(t, got.Speaker)
	assert.Equal(t, "spk-1", *got.Speaker)
}

func TestUpsertHigherRevisionReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, []datatypes.Segment{seg("s1", 0, 1, "hello")}, 1000))
	require.NoError(t, s.UpsertBatch(ctx, []datatypes.Segment{seg("s1", 0, 2, "hello world")}, 2000))

	got, ok, err := s.GetSegment(ctx, "s1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello world", got.Text)
	assert.Equal(t, int64(2), got.Revision)
}

func TestUpsertLowerRevisionIsIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, []datatypes.Segment{seg("s1", 0, 2, "current")}, 1000))

	// A replayed write of an older revision must not take effect.
	require.NoError(t, s.UpsertBatch(ctx, []datatypes.Segment{seg("s1", 0, 1, "stale")}, 2000))

	got, ok, err := s.GetSegment(ctx, "s1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "current", got.Text)
	assert.Equal(t, int64(2), got.Revision)
	assert.Equal(t, int64(1000), got.PersistedAtMs)
}

func TestUpsertReplayIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []datatypes.Segment{seg("s1", 0, 1, "a"), seg("s1", 1, 1, "b")}
	require.NoError(t, s.UpsertBatch(ctx, batch, 1000))
	require.NoError(t, s.UpsertBatch(ctx, batch, 2000))

	n, err := s.SegmentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGetSessionSegmentsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, []datatypes.Segment{
		seg("s1", 5, 0, "c"),
		seg("s1", 1, 0, "a"),
		seg("s1", 3, 0, "b"),
		seg("other", 0, 0, "x"),
	}, 1000))

	out, err := s.GetSessionSegments(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, int64(1), out[0].SegmentIndex)
	assert.Equal(t, int64(3), out[1].SegmentIndex)
	assert.Equal(t, int64(5), out[2].SegmentIndex)
}

func TestGetSegmentMissing(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetSegment(context.Background(), "s1", 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpointsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cps := s.Checkpoints()

	next, err := cps.Load(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next, "unknown checkpoint starts at zero")

	require.NoError(t, cps.Save(ctx, "g1", 0, 42))
	require.NoError(t, cps.Save(ctx, "g1", 1, 7))

	next, err = cps.Load(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), next)

	// Overwrite.
	require.NoError(t, cps.Save(ctx, "g1", 0, 50))
	next, err = cps.Load(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), next)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	err := s.UpsertBatch(context.Background(), []datatypes.Segment{seg("s1", 0, 0, "t")}, 1000)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.GetSessionSegments(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseIsSafeUnderConcurrentUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, []datatypes.Segment{seg("s1", 0, 0, "x")}, 1000))

	// Close may overlap in-flight reads and writes without a data race;
	// each call either completes or reports ErrClosed.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.SegmentCount(ctx)
			_ = s.UpsertBatch(ctx, []datatypes.Segment{seg("s1", 1, 0, "y")}, 1000)
		}()
	}

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")
	wg.Wait()

	_, err := s.SegmentCount(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
