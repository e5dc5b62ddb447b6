// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package redisstream

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/attico-ai/scriba/pkg/logging"
)

func TestNewValidatesConfig(t *testing.T) {
	logger := logging.New(logging.Config{Quiet: true})
	ctx := context.Background()

	_, err := New(ctx, Config{StreamPrefix: "segments", Partitions: 4, Group: "g"}, logger)
	assert.Error(t, err, "missing address")

	_, err = New(ctx, Config{Addr: "localhost:6379", StreamPrefix: "segments", Group: "g"}, logger)
	assert.Error(t, err, "missing partition count")

	_, err = New(ctx, Config{Addr: "localhost:6379", StreamPrefix: "segments", Partitions: 4}, logger)
	assert.Error(t, err, "missing group")
}

func TestStreamKeyAndPartitionRoundTrip(t *testing.T) {
	s := &Source{config: Config{StreamPrefix: "segments", Partitions: 8}}

	for p := 0; p < 8; p++ {
		key := s.streamKey(p)
		assert.Equal(t, p, s.partitionOf(key))
	}
}

func TestEntrySequence(t *testing.T) {
	assert.Equal(t, int64(1718000000000)<<16, entrySequence("1718000000000-0"))
	assert.Equal(t, int64(0), entrySequence("garbage"))

	// Entries within one millisecond keep distinct, ordered offsets.
	assert.Less(t, entrySequence("5-0"), entrySequence("5-1"))
	assert.Less(t, entrySequence("5-9"), entrySequence("6-0"))
}

func TestDefaultConsumerIsStableAcrossRestarts(t *testing.T) {
	first := defaultConsumer()
	second := defaultConsumer()
	assert.Equal(t, first, second, "a restarted instance must reclaim its pending entries")
	assert.True(t, strings.HasPrefix(first, "scriba-"))
}

func TestReadStreamsUsesBacklogThenNewIds(t *testing.T) {
	s := &Source{config: Config{StreamPrefix: "segments"}, assigned: []int{0, 2}}

	assert.Equal(t,
		[]string{"segments.0", "segments.2", "0", "0"},
		s.readStreams("0"))
	assert.Equal(t,
		[]string{"segments.0", "segments.2", ">", ">"},
		s.readStreams(">"))
}
