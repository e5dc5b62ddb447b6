// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream defines the partitioned event stream contract consumed by
// the ingestor, and provides an embedded in-process implementation for
// single-node deployments and deterministic tests.
//
// The engine consumes segment events from a partitioned append-only log
// under a named consumer group. Checkpoints (how far a group has consumed
// each partition) are explicit state handed to the source, never implicit
// process-wide globals: a restarted consumer resumes from the last
// committed offset and re-delivers anything uncommitted, which the merger
// absorbs idempotently.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/attico-ai/scriba/services/consolidator/datatypes"
)

// Record is one delivered stream entry.
type Record struct {
	// Partition the record was read from.
	Partition int

	// Offset is the position within the partition. For backends with
	// opaque entry ids (Redis Streams) this is a best-effort sequence and
	// ID is authoritative for acknowledgement.
	Offset int64

	// ID is the backend-specific entry id ("" for the embedded log).
	ID string

	// Payload is the JSON-encoded datatypes.SegmentEvent.
	Payload []byte
}

// DecodeEvent unmarshals the record payload into a SegmentEvent.
// Schema validation is the caller's concern; this only parses JSON.
func (r *Record) DecodeEvent() (datatypes.SegmentEvent, error) {
	var ev datatypes.SegmentEvent
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		return datatypes.SegmentEvent{}, fmt.Errorf("decode segment event: %w", err)
	}
	return ev, nil
}

// EncodeEvent marshals a SegmentEvent into a record payload.
func EncodeEvent(ev datatypes.SegmentEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode segment event: %w", err)
	}
	return data, nil
}

// PartitionFor maps a session id onto a partition. All events of one
// session land on the same partition, which keeps per-session delivery
// single-consumer.
func PartitionFor(sessionID string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(partitions))
}

// Source is a consumer-group cursor over assigned partitions.
//
// # Contract
//
// Fetch returns up to max records, blocking up to block when nothing is
// available. Commit acknowledges processed records; only committed
// records are excluded from redelivery after a restart. Implementations
// must tolerate Commit being called with a subset of fetched records and
// must deliver at-least-once.
type Source interface {
	Fetch(ctx context.Context, max int, block time.Duration) ([]Record, error)

	Commit(ctx context.Context, recs []Record) error

	// Partitions returns the partitions assigned to this source instance.
	Partitions() []int

	Close() error
}

// CheckpointStore persists consumer-group offsets for sources that do not
// bring their own offset storage (the embedded log).
//
// Offsets are "next offset to read": a partition with 5 committed records
// stores 5.
type CheckpointStore interface {
	// Load returns the next offset to read for (group, partition).
	// Returns 0 when the group has never committed the partition.
	Load(ctx context.Context, group string, partition int) (int64, error)

	// Save records the next offset to read for (group, partition).
	Save(ctx context.Context, group string, partition int, next int64) error
}

// MemoryCheckpointStore is an in-memory CheckpointStore for tests.
type MemoryCheckpointStore struct {
	mu      sync.Mutex
	offsets map[string]int64
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{offsets: make(map[string]int64)}
}

func checkpointKey(group string, partition int) string {
	return fmt.Sprintf("%s/%d", group, partition)
}

// Load returns the stored next offset, 0 if absent.
func (s *MemoryCheckpointStore) Load(ctx context.Context, group string, partition int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[checkpointKey(group, partition)], nil
}

// Save stores the next offset.
func (s *MemoryCheckpointStore) Save(ctx context.Context, group string, partition int, next int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[checkpointKey(group, partition)] = next
	return nil
}
