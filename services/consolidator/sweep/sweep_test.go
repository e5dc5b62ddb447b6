// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/hotstore"
	"github.com/attico-ai/scriba/services/consolidator/registry"
	"github.com/attico-ai/scriba/services/consolidator/sched"
	"github.com/attico-ai/scriba/services/consolidator/storage/badgerdb"
)

var testEpochMs = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

type fixture struct {
	sweeper *Sweeper
	hot     *hotstore.Store
	reg     *registry.Registry
	clock   *sched.ManualClock
	alerts  *BufferAlertSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hot := hotstore.New(db)
	reg := registry.New(db)
	clock := sched.NewManualClock(testEpochMs)
	alerts := &BufferAlertSink{}
	logger := logging.New(logging.Config{Quiet: true})

	// Generous jump bounds: tests advance the manual clock by hours.
	clockCfg := sched.DefaultCheckedClockConfig()
	clockCfg.MaxForwardJump = 100 * 24 * time.Hour

	sweeper := New(hot, reg, sched.NewCheckedClock(clock, clockCfg), alerts, nil, logger, Config{
		HotTTL:            10 * time.Minute,
		CleanupHorizon:    24 * time.Hour,
		SessionInactivity: 30 * time.Minute,
	})

	return &fixture{sweeper: sweeper, hot: hot, reg: reg, clock: clock, alerts: alerts}
}

func (f *fixture) apply(t *testing.T, session string, index int64, text string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.reg.Observe(ctx, session, index, f.clock.NowMs())
	require.NoError(t, err)
	_, err = f.hot.Apply(ctx, datatypes.SegmentEvent{
		SessionID:    session,
		SegmentIndex: index,
		EndMs:        900,
		Text:         text,
	}, f.clock.NowMs())
	require.NoError(t, err)
}

func (f *fixture) finalize(t *testing.T, session string, index int64) {
	t.Helper()
	ok, err := f.hot.MarkFinalized(context.Background(), session, index, 0, f.clock.NowMs())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTTLEvictsDurableSegments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.apply(t, "s1", 0, "hello")
	f.finalize(t, "s1", 0)

	f.clock.Advance(5 * time.Minute)
	res, err := f.sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.TTLEvicted, "TTL not reached yet")

	f.clock.Advance(6 * time.Minute)
	res, err = f.sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TTLEvicted)
	assert.Zero(t, res.LostUnpromoted)
	assert.Empty(t, f.alerts.Events())

	_, err = f.hot.Get(ctx, "s1", 0)
	assert.ErrorIs(t, err, hotstore.ErrNotFound)
}

func TestUnfinalizedSegmentsSurviveTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.apply(t, "s1", 0, "hello")

	f.clock.Advance(time.Hour)
	res, err := f.sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.TTLEvicted)
	assert.Zero(t, res.HorizonEvicted)

	_, err = f.hot.Get(ctx, "s1", 0)
	assert.NoError(t, err, "unpromoted segments outlive the TTL")
}

func TestHorizonEvictionReportsLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.apply(t, "s1", 0, "stuck")

	f.clock.Advance(25 * time.Hour)
	res, err := f.sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.HorizonEvicted)
	assert.Equal(t, 1, res.LostUnpromoted)

	events := f.alerts.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Equal(t, int64(0), events[0].SegmentIndex)
	assert.GreaterOrEqual(t, events[0].AgeMs, (24 * time.Hour).Milliseconds())
}

func TestInactiveSessionIsEnded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.apply(t, "s1", 0, "hello")

	f.clock.Advance(31 * time.Minute)
	res, err := f.sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EndedInactive)

	sess, err := f.reg.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.Ended())
}

func TestEndedSessionReclaimedAfterSegmentsClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.apply(t, "s1", 0, "hello")
	f.finalize(t, "s1", 0)
	require.NoError(t, f.reg.End(ctx, "s1", f.clock.NowMs()))

	// Segment still hot: registry entry must stay.
	res, err := f.sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.SessionsReclaimed)

	// After TTL the segment clears and the session follows.
	f.clock.Advance(11 * time.Minute)
	res, err = f.sweeper.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TTLEvicted)
	assert.Equal(t, 1, res.SessionsReclaimed)

	_, err = f.reg.Get(ctx, "s1")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSweepAbortsOnInsaneClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.apply(t, "s1", 0, "hello")
	f.finalize(t, "s1", 0)

	_, err := f.sweeper.RunCycle(ctx)
	require.NoError(t, err)

	// Clock jumps back a decade: no eviction may happen.
	f.clock.Set(time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	_, err = f.sweeper.RunCycle(ctx)
	assert.Error(t, err)

	_, err = f.hot.Get(ctx, "s1", 0)
	assert.NoError(t, err)
}
