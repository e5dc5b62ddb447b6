// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attico-ai/scriba/services/consolidator/datatypes"
)

func event(session string, index int64, rev int64, text string) datatypes.SegmentEvent {
	return datatypes.SegmentEvent{
		SessionID:    session,
		SegmentIndex: index,
		StartMs:      index * 1000,
		EndMs:        index*1000 + 900,
		Text:         text,
		Revision:     rev,
	}
}

func TestPartitionForIsStable(t *testing.T) {
	p1 := PartitionFor("session-a", 8)
	p2 := PartitionFor("session-a", 8)
	assert.Equal(t, p1, p2)
	assert.GreaterOrEqual(t, p1, 0)
	assert.Less(t, p1, 8)
}

func TestAppendEventRoundTrip(t *testing.T) {
	log := NewLog(4)
	defer log.Close()

	part, off, err := log.AppendEvent(event("s1", 0, 0, "hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, PartitionFor("s1", 4), part)

	cps := NewMemoryCheckpointStore()
	consumer, err := log.NewConsumer("g1", "c1", cps)
	require.NoError(t, err)

	recs, err := consumer.Fetch(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	ev, err := recs[0].DecodeEvent()
	require.NoError(t, err)
	assert.Equal(t, "hello", ev.Text)
	assert.Equal(t, "s1", ev.SessionID)
}

func TestFetchBlocksUntilAppend(t *testing.T) {
	log := NewLog(1)
	defer log.Close()

	cps := NewMemoryCheckpointStore()
	consumer, err := log.NewConsumer("g1", "c1", cps)
	require.NoError(t, err)

	done := make(chan []Record, 1)
	go func() {
		recs, _ := consumer.Fetch(context.Background(), 10, 2*time.Second)
		done <- recs
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = log.Append(0, []byte(`{"session_id":"s1","segment_index":0,"end_ms":1,"text":"x","revision":0}`))
	require.NoError(t, err)

	select {
	case recs := <-done:
		require.Len(t, recs, 1)
	case <-time.After(3 * time.Second):
		t.Fatal("fetch did not wake on append")
	}
}

func TestUncommittedRecordsAreRedelivered(t *testing.T) {
	log := NewLog(1)
	defer log.Close()
	cps := NewMemoryCheckpointStore()
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		_, _, err := log.AppendEvent(event("s1", i, 0, "t"))
		require.NoError(t, err)
	}

	c1, err := log.NewConsumer("g1", "c1", cps)
	require.NoError(t, err)

	recs, err := c1.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	// Commit only the first two; simulate a crash before the third ack.
	require.NoError(t, c1.Commit(ctx, recs[:2]))
	require.NoError(t, c1.Close())

	c2, err := log.NewConsumer("g1", "c1", cps)
	require.NoError(t, err)

	redelivered, err := c2.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, redelivered, 1, "only the uncommitted record is redelivered")
	assert.Equal(t, recs[2].Offset, redelivered[0].Offset)
}

func TestCommitNeverMovesBackwards(t *testing.T) {
	log := NewLog(1)
	defer log.Close()
	cps := NewMemoryCheckpointStore()
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		_, _, err := log.AppendEvent(event("s1", i, 0, "t"))
		require.NoError(t, err)
	}

	c1, err := log.NewConsumer("g1", "c1", cps)
	require.NoError(t, err)
	recs, err := c1.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 5)

	require.NoError(t, c1.Commit(ctx, recs))
	// A late, out-of-order commit of an earlier subset must not regress.
	require.NoError(t, c1.Commit(ctx, recs[:1]))

	next, err := cps.Load(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), next)
}

func TestConsumersSplitPartitions(t *testing.T) {
	log := NewLog(2)
	defer log.Close()
	cps := NewMemoryCheckpointStore()
	ctx := context.Background()

	_, err := log.Append(0, []byte(`{}`))
	require.NoError(t, err)
	_, err = log.Append(1, []byte(`{}`))
	require.NoError(t, err)

	c0, err := log.NewConsumer("g1", "c0", cps, 0)
	require.NoError(t, err)
	c1, err := log.NewConsumer("g1", "c1", cps, 1)
	require.NoError(t, err)

	recs0, err := c0.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	recs1, err := c1.Fetch(ctx, 10, 0)
	require.NoError(t, err)

	require.Len(t, recs0, 1)
	require.Len(t, recs1, 1)
	assert.Equal(t, 0, recs0[0].Partition)
	assert.Equal(t, 1, recs1[0].Partition)
}

func TestFetchTimesOutEmpty(t *testing.T) {
	log := NewLog(1)
	defer log.Close()

	consumer, err := log.NewConsumer("g1", "c1", NewMemoryCheckpointStore())
	require.NoError(t, err)

	start := time.Now()
	recs, err := consumer.Fetch(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
