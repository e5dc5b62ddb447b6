// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/attico-ai/scriba/services/consolidator/datatypes"
)

// ErrLogClosed is returned for operations on a closed log or consumer.
var ErrLogClosed = errors.New("stream: log is closed")

// Log is an embedded partitioned append-only log.
//
// # Description
//
// Each partition is an ordered slice of payloads; offsets are slice
// positions. Consumers under a group resume from the offsets recorded in
// their CheckpointStore, so restart/redelivery behavior matches a real
// broker: fetched-but-uncommitted records are delivered again.
//
// # Thread Safety
//
// Safe for concurrent producers and consumers.
type Log struct {
	mu     sync.Mutex
	parts  [][][]byte
	notify chan struct{}
	closed bool
}

// NewLog creates a log with the given partition count.
func NewLog(partitions int) *Log {
	if partitions < 1 {
		partitions = 1
	}
	parts := make([][][]byte, partitions)
	return &Log{
		parts:  parts,
		notify: make(chan struct{}),
	}
}

// PartitionCount returns the number of partitions.
func (l *Log) PartitionCount() int {
	return len(l.parts)
}

// Append adds a payload to a partition and returns its offset.
func (l *Log) Append(partition int, payload []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}
	if partition < 0 || partition >= len(l.parts) {
		return 0, fmt.Errorf("stream: partition %d out of range [0,%d)", partition, len(l.parts))
	}

	l.parts[partition] = append(l.parts[partition], payload)
	offset := int64(len(l.parts[partition]) - 1)

	// Wake blocked fetches.
	close(l.notify)
	l.notify = make(chan struct{})

	return offset, nil
}

// AppendEvent encodes a segment event and appends it to the partition
// derived from its session id.
func (l *Log) AppendEvent(ev datatypes.SegmentEvent) (int, int64, error) {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return 0, 0, err
	}
	partition := PartitionFor(ev.SessionID, len(l.parts))
	offset, err := l.Append(partition, payload)
	return partition, offset, err
}

// Close marks the log closed. Blocked fetches return.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.notify)
	l.notify = make(chan struct{})
}

// readFrom copies records at or past the cursor for one partition.
func (l *Log) readFrom(partition int, cursor int64, max int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	part := l.parts[partition]
	if cursor >= int64(len(part)) || max <= 0 {
		return nil
	}

	end := cursor + int64(max)
	if end > int64(len(part)) {
		end = int64(len(part))
	}

	recs := make([]Record, 0, end-cursor)
	for off := cursor; off < end; off++ {
		recs = append(recs, Record{
			Partition: partition,
			Offset:    off,
			Payload:   part[off],
		})
	}
	return recs
}

func (l *Log) notifyChan() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify
}

func (l *Log) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Consumer is a consumer-group cursor over an embedded Log.
//
// Cursors advance on Fetch (delivered), but survive restarts only via
// Commit (acknowledged): a new Consumer for the same group re-reads
// everything after the last committed offset.
type Consumer struct {
	log         *Log
	group       string
	name        string
	checkpoints CheckpointStore
	assigned    []int

	mu      sync.Mutex
	cursors map[int]int64 // next offset to deliver; lazily loaded
	loaded  bool
	closed  bool
}

// NewConsumer creates a consumer for the given group over explicitly
// assigned partitions. Multiple instances of a group split partitions by
// assignment; the log does no rebalancing.
func (l *Log) NewConsumer(group, name string, checkpoints CheckpointStore, partitions ...int) (*Consumer, error) {
	if group == "" {
		return nil, errors.New("stream: consumer group must not be empty")
	}
	if checkpoints == nil {
		return nil, errors.New("stream: checkpoint store must not be nil")
	}
	if len(partitions) == 0 {
		partitions = make([]int, len(l.parts))
		for i := range partitions {
			partitions[i] = i
		}
	}
	for _, p := range partitions {
		if p < 0 || p >= len(l.parts) {
			return nil, fmt.Errorf("stream: partition %d out of range [0,%d)", p, len(l.parts))
		}
	}

	return &Consumer{
		log:         l,
		group:       group,
		name:        name,
		checkpoints: checkpoints,
		assigned:    partitions,
		cursors:     make(map[int]int64),
	}, nil
}

// Partitions returns the assigned partitions.
func (c *Consumer) Partitions() []int {
	out := make([]int, len(c.assigned))
	copy(out, c.assigned)
	return out
}

// ensureCursors loads committed offsets on first use.
func (c *Consumer) ensureCursors(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return nil
	}
	for _, p := range c.assigned {
		next, err := c.checkpoints.Load(ctx, c.group, p)
		if err != nil {
			return fmt.Errorf("load checkpoint for partition %d: %w", p, err)
		}
		c.cursors[p] = next
	}
	c.loaded = true
	return nil
}

// Fetch returns up to max records across assigned partitions, blocking up
// to block when none are immediately available.
func (c *Consumer) Fetch(ctx context.Context, max int, block time.Duration) ([]Record, error) {
	if err := c.ensureCursors(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(block)
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrLogClosed
		}

		var out []Record
		remaining := max
		for _, p := range c.assigned {
			if remaining <= 0 {
				break
			}
			recs := c.log.readFrom(p, c.cursors[p], remaining)
			if len(recs) > 0 {
				c.cursors[p] = recs[len(recs)-1].Offset + 1
				out = append(out, recs...)
				remaining -= len(recs)
			}
		}
		c.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		if c.log.isClosed() {
			return nil, ErrLogClosed
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.log.notifyChan():
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// Commit persists the highest acknowledged offset per partition.
func (c *Consumer) Commit(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	highest := make(map[int]int64)
	for _, r := range recs {
		if next := r.Offset + 1; next > highest[r.Partition] {
			highest[r.Partition] = next
		}
	}

	for p, next := range highest {
		committed, err := c.checkpoints.Load(ctx, c.group, p)
		if err != nil {
			return fmt.Errorf("load checkpoint for partition %d: %w", p, err)
		}
		if next <= committed {
			continue // stale commit after restart; never move backwards
		}
		if err := c.checkpoints.Save(ctx, c.group, p, next); err != nil {
			return fmt.Errorf("save checkpoint for partition %d: %w", p, err)
		}
	}
	return nil
}

// Close marks the consumer closed. The log itself stays usable.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ Source = (*Consumer)(nil)
