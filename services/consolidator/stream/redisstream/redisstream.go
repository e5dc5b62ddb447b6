// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package redisstream implements the stream source on Redis Streams.
//
// # Description
//
// Each partition maps to its own stream key ("<prefix>.<partition>").
// Consumption uses consumer groups (XREADGROUP) and explicit
// acknowledgement (XACK), so checkpointing lives in Redis itself. The
// consumer name defaults to the hostname, so a restarted instance comes
// back as the same consumer and its pending entry list survives the
// crash; Fetch drains that backlog (id "0") before reading new entries
// (id ">"), which gives the same redelivery semantics as the embedded
// log.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/stream"
)

// payloadField is the stream entry field carrying the JSON event.
const payloadField = "payload"

// Config holds Redis source settings.
type Config struct {
	// Addr is the Redis server address ("host:port").
	Addr string

	// StreamPrefix names the streams; partition p lives at "<prefix>.<p>".
	StreamPrefix string

	// Partitions is the total partition count.
	Partitions int

	// Group is the consumer group name.
	Group string

	// Consumer is this instance's consumer name. Must be stable across
	// restarts so unacked deliveries are picked back up; empty derives
	// one from the hostname.
	Consumer string
}

// Source is a Redis Streams consumer-group source.
type Source struct {
	client   *redis.Client
	config   Config
	assigned []int
	logger   *logging.Logger

	// backlog is true until this consumer's pending entries (fetched but
	// never acked before the last shutdown) have been re-read. Fetch is
	// called from a single goroutine, so no lock guards it.
	backlog bool
}

var _ stream.Source = (*Source)(nil)

// New connects to Redis and ensures the consumer group exists on every
// assigned partition stream. With no explicit partitions, all are
// assigned.
func New(ctx context.Context, config Config, logger *logging.Logger, partitions ...int) (*Source, error) {
	if config.Addr == "" {
		return nil, errors.New("redisstream: address must not be empty")
	}
	if config.Partitions < 1 {
		return nil, errors.New("redisstream: partition count must be positive")
	}
	if config.Group == "" {
		return nil, errors.New("redisstream: consumer group must not be empty")
	}
	if config.Consumer == "" {
		config.Consumer = defaultConsumer()
	}
	if len(partitions) == 0 {
		partitions = make([]int, config.Partitions)
		for i := range partitions {
			partitions[i] = i
		}
	}

	client := redis.NewClient(&redis.Options{Addr: config.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", config.Addr, err)
	}

	s := &Source{
		client:   client,
		config:   config,
		assigned: partitions,
		logger:   logger.With("component", "redisstream", "consumer", config.Consumer),
		backlog:  true,
	}

	for _, p := range partitions {
		err := client.XGroupCreateMkStream(ctx, s.streamKey(p), config.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			_ = client.Close()
			return nil, fmt.Errorf("create consumer group on partition %d: %w", p, err)
		}
	}

	s.logger.Info("redis stream source ready",
		"addr", config.Addr, "group", config.Group, "partitions", partitions)
	return s, nil
}

func (s *Source) streamKey(partition int) string {
	return fmt.Sprintf("%s.%d", s.config.StreamPrefix, partition)
}

// defaultConsumer derives a consumer name that survives restarts.
func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		// No stable identity available; a fresh name at least keeps
		// instances from stealing each other's pending entries.
		return "scriba-" + uuid.NewString()
	}
	return "scriba-" + host
}

// readStreams builds the XREADGROUP Streams argument: every assigned
// stream key followed by the same read id for each.
func (s *Source) readStreams(id string) []string {
	streams := make([]string, 0, len(s.assigned)*2)
	for _, p := range s.assigned {
		streams = append(streams, s.streamKey(p))
	}
	for range s.assigned {
		streams = append(streams, id)
	}
	return streams
}

// Fetch reads up to max entries across assigned partitions. Until the
// backlog is drained it re-reads this consumer's pending entries, so
// deliveries that were fetched but never acked before a crash are
// processed again.
func (s *Source) Fetch(ctx context.Context, max int, block time.Duration) ([]stream.Record, error) {
	if s.backlog {
		// Reading explicit ids never blocks server-side; a negative block
		// keeps the client from sending BLOCK at all.
		recs, err := s.read(ctx, "0", max, -1)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs, nil
		}
		s.backlog = false
		s.logger.Info("pending backlog drained, switching to new entries")
	}
	return s.read(ctx, ">", max, block)
}

func (s *Source) read(ctx context.Context, id string, max int, block time.Duration) ([]stream.Record, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.config.Group,
		Consumer: s.config.Consumer,
		Streams:  s.readStreams(id),
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // block timeout, nothing new
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []stream.Record
	for _, str := range res {
		partition := s.partitionOf(str.Stream)
		for _, msg := range str.Messages {
			payload, ok := msg.Values[payloadField].(string)
			if !ok {
				// Entry without a payload field; surface it as an empty
				// payload so the ingestor counts it as poison and acks it.
				payload = ""
			}
			out = append(out, stream.Record{
				Partition: partition,
				Offset:    entrySequence(msg.ID),
				ID:        msg.ID,
				Payload:   []byte(payload),
			})
		}
	}
	return out, nil
}

// Commit acknowledges records via XACK.
func (s *Source) Commit(ctx context.Context, recs []stream.Record) error {
	byPartition := make(map[int][]string)
	for _, r := range recs {
		if r.ID == "" {
			continue
		}
		byPartition[r.Partition] = append(byPartition[r.Partition], r.ID)
	}

	for p, ids := range byPartition {
		if err := s.client.XAck(ctx, s.streamKey(p), s.config.Group, ids...).Err(); err != nil {
			return fmt.Errorf("xack partition %d: %w", p, err)
		}
	}
	return nil
}

// Partitions returns the assigned partitions.
func (s *Source) Partitions() []int {
	out := make([]int, len(s.assigned))
	copy(out, s.assigned)
	return out
}

// Close releases the Redis connection.
func (s *Source) Close() error {
	return s.client.Close()
}

// Publish appends a segment event to its partition stream. Used by
// producer-side tooling and integration tests.
func (s *Source) Publish(ctx context.Context, ev datatypes.SegmentEvent) (string, error) {
	payload, err := stream.EncodeEvent(ev)
	if err != nil {
		return "", err
	}
	partition := stream.PartitionFor(ev.SessionID, s.config.Partitions)

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(partition),
		Values: map[string]any{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd to partition %d: %w", partition, err)
	}
	return id, nil
}

// partitionOf recovers the partition number from a stream key.
func (s *Source) partitionOf(key string) int {
	idx := strings.LastIndex(key, ".")
	if idx < 0 {
		return 0
	}
	p, err := strconv.Atoi(key[idx+1:])
	if err != nil {
		return 0
	}
	return p
}

// entrySequence derives a best-effort numeric offset from a Redis entry
// id ("<ms>-<seq>"). Acknowledgement uses the id itself; this only feeds
// logging and ordering heuristics. The sequence half is folded into the
// low 16 bits so entries sharing a millisecond stay distinct and ordered.
func entrySequence(id string) int64 {
	idx := strings.Index(id, "-")
	if idx < 0 {
		return 0
	}
	ms, err := strconv.ParseInt(id[:idx], 10, 64)
	if err != nil {
		return 0
	}
	seq, err := strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil {
		seq = 0
	}
	return ms<<16 | (seq & 0xffff)
}
