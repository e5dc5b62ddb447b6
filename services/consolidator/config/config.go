// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the consolidator configuration.
//
// Configuration is resolved in three layers, later layers winning:
//
//  1. Default() values
//  2. An optional YAML file
//  3. SCRIBA_* environment variables
//
// Durations that are part of the external configuration surface (batch
// timeouts, immutability threshold, TTLs, horizons, task intervals) are
// expressed in seconds, matching how operators configure the deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StreamBackend selects the segment event source implementation.
type StreamBackend string

const (
	// BackendMemory is the embedded in-process log. Single node only;
	// used for tests and local development.
	BackendMemory StreamBackend = "memory"

	// BackendRedis consumes Redis Streams under a consumer group.
	BackendRedis StreamBackend = "redis"
)

// StreamConfig configures the partitioned event stream consumption.
type StreamConfig struct {
	// Backend is "memory" or "redis".
	Backend StreamBackend `yaml:"backend" validate:"required,oneof=memory redis"`

	// RedisAddr is the Redis host:port. Required for the redis backend.
	RedisAddr string `yaml:"redis_addr"`

	// StreamPrefix names the partitioned stream; partition p is read from
	// "<prefix>.<p>".
	StreamPrefix string `yaml:"stream_prefix" validate:"required"`

	// Partitions is the partition count of the stream.
	Partitions int `yaml:"partitions" validate:"gte=1"`

	// Group is the consumer group name shared by all ingestor instances.
	Group string `yaml:"group" validate:"required"`

	// Consumer optionally fixes this instance's consumer name. When empty
	// a unique name is generated at startup.
	Consumer string `yaml:"consumer"`

	// BatchSize is the maximum events fetched per read.
	BatchSize int `yaml:"batch_size" validate:"gte=1"`

	// BlockTimeoutSeconds is how long a fetch blocks waiting for events.
	BlockTimeoutSeconds int `yaml:"block_timeout_seconds" validate:"gte=0"`

	// RateLimit caps applied events per second across the instance.
	// Zero disables the limiter.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
}

// BlockTimeout returns the fetch block timeout as a duration.
func (c *StreamConfig) BlockTimeout() time.Duration {
	return time.Duration(c.BlockTimeoutSeconds) * time.Second
}

// HotStoreConfig configures the embedded hot store database.
type HotStoreConfig struct {
	// Path is the badger directory. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory runs the hot store without disk persistence (tests).
	InMemory bool `yaml:"in_memory"`

	// GCIntervalSeconds is the badger value-log GC cadence. 0 disables GC.
	GCIntervalSeconds int `yaml:"gc_interval_seconds" validate:"gte=0"`
}

// GCInterval returns the GC cadence as a duration.
func (c *HotStoreConfig) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalSeconds) * time.Second
}

// DurableConfig configures the relational store for finalized segments.
type DurableConfig struct {
	// Path is the sqlite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path" validate:"required"`
}

// EngineConfig holds the consolidation timing knobs.
type EngineConfig struct {
	// ImmutabilityThresholdSeconds is how long a segment's latest revision
	// must sit unchanged before it may be finalized.
	ImmutabilityThresholdSeconds int `yaml:"immutability_threshold_seconds" validate:"gte=1"`

	// HotTTLSeconds is how long finalized, durably persisted entries stay
	// in the hot store before eviction.
	HotTTLSeconds int `yaml:"hot_ttl_seconds" validate:"gte=1"`

	// CleanupHorizonSeconds is the absolute age past which non-durable
	// entries are evicted anyway (bounded loss). Must exceed HotTTLSeconds.
	CleanupHorizonSeconds int `yaml:"cleanup_horizon_seconds" validate:"gte=1"`

	// PromoteIntervalSeconds is the immutability promoter cadence.
	PromoteIntervalSeconds int `yaml:"promote_interval_seconds" validate:"gte=1"`

	// SweepIntervalSeconds is the cleanup sweeper cadence. Conventionally
	// longer than the promoter's.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" validate:"gte=1"`

	// SessionInactivitySeconds ends sessions that stop producing events
	// without an end-of-session marker.
	SessionInactivitySeconds int `yaml:"session_inactivity_seconds" validate:"gte=1"`

	// PromoteBatchSize caps durable writes per promoter batch.
	PromoteBatchSize int `yaml:"promote_batch_size" validate:"gte=1"`
}

// ImmutabilityThreshold returns the threshold as a duration.
func (c *EngineConfig) ImmutabilityThreshold() time.Duration {
	return time.Duration(c.ImmutabilityThresholdSeconds) * time.Second
}

// HotTTL returns the hot-store TTL as a duration.
func (c *EngineConfig) HotTTL() time.Duration {
	return time.Duration(c.HotTTLSeconds) * time.Second
}

// CleanupHorizon returns the absolute cleanup horizon as a duration.
func (c *EngineConfig) CleanupHorizon() time.Duration {
	return time.Duration(c.CleanupHorizonSeconds) * time.Second
}

// PromoteInterval returns the promoter cadence as a duration.
func (c *EngineConfig) PromoteInterval() time.Duration {
	return time.Duration(c.PromoteIntervalSeconds) * time.Second
}

// SweepInterval returns the sweeper cadence as a duration.
func (c *EngineConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// SessionInactivity returns the inactivity horizon as a duration.
func (c *EngineConfig) SessionInactivity() time.Duration {
	return time.Duration(c.SessionInactivitySeconds) * time.Second
}

// Config is the full consolidator configuration.
type Config struct {
	// HTTPAddr is the listen address of the read API ("host:port").
	HTTPAddr string `yaml:"http_addr" validate:"required"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// LogJSON switches stderr logging to JSON.
	LogJSON bool `yaml:"log_json"`

	Stream   StreamConfig   `yaml:"stream"`
	HotStore HotStoreConfig `yaml:"hot_store"`
	Durable  DurableConfig  `yaml:"durable"`
	Engine   EngineConfig   `yaml:"engine"`
}

var configValidator = validator.New()

// Default returns production-ready defaults.
//
// The defaults mirror a single-node deployment: embedded stream backend,
// on-disk hot store under /var/lib/scriba, 30s immutability threshold,
// 10 minute hot TTL, 24 hour cleanup horizon.
func Default() Config {
	return Config{
		HTTPAddr: ":8085",
		LogLevel: "info",
		Stream: StreamConfig{
			Backend:             BackendMemory,
			StreamPrefix:        "segments",
			Partitions:          4,
			Group:               "consolidator",
			BatchSize:           64,
			BlockTimeoutSeconds: 2,
		},
		HotStore: HotStoreConfig{
			Path:              "/var/lib/scriba/hotstore",
			GCIntervalSeconds: 300,
		},
		Durable: DurableConfig{
			Path: "/var/lib/scriba/segments.db",
		},
		Engine: EngineConfig{
			ImmutabilityThresholdSeconds: 30,
			HotTTLSeconds:                600,
			CleanupHorizonSeconds:        86400,
			PromoteIntervalSeconds:       5,
			SweepIntervalSeconds:         60,
			SessionInactivitySeconds:     1800,
			PromoteBatchSize:             256,
		},
	}
}

// Load resolves the configuration from defaults, an optional YAML file,
// and SCRIBA_* environment variables, then validates the result.
//
// path may be empty, in which case only defaults and the environment
// apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field invariants.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Stream.Backend == BackendRedis && c.Stream.RedisAddr == "" {
		return fmt.Errorf("config validation: stream.redis_addr is required for the redis backend")
	}
	if c.Engine.CleanupHorizonSeconds <= c.Engine.HotTTLSeconds {
		return fmt.Errorf("config validation: cleanup horizon (%ds) must exceed hot TTL (%ds)",
			c.Engine.CleanupHorizonSeconds, c.Engine.HotTTLSeconds)
	}
	return nil
}

// applyEnv overlays SCRIBA_* environment variables onto the config.
func (c *Config) applyEnv() {
	setString(&c.HTTPAddr, "SCRIBA_HTTP_ADDR")
	setString(&c.LogLevel, "SCRIBA_LOG_LEVEL")
	setString(&c.LogDir, "SCRIBA_LOG_DIR")
	setBool(&c.LogJSON, "SCRIBA_LOG_JSON")

	if v := os.Getenv("SCRIBA_STREAM_BACKEND"); v != "" {
		c.Stream.Backend = StreamBackend(v)
	}
	setString(&c.Stream.RedisAddr, "SCRIBA_REDIS_ADDR")
	setString(&c.Stream.StreamPrefix, "SCRIBA_STREAM_PREFIX")
	setInt(&c.Stream.Partitions, "SCRIBA_STREAM_PARTITIONS")
	setString(&c.Stream.Group, "SCRIBA_CONSUMER_GROUP")
	setString(&c.Stream.Consumer, "SCRIBA_CONSUMER_NAME")
	setInt(&c.Stream.BatchSize, "SCRIBA_BATCH_SIZE")
	setInt(&c.Stream.BlockTimeoutSeconds, "SCRIBA_BLOCK_TIMEOUT_SECONDS")

	setString(&c.HotStore.Path, "SCRIBA_HOTSTORE_PATH")
	setString(&c.Durable.Path, "SCRIBA_DURABLE_PATH")

	setInt(&c.Engine.ImmutabilityThresholdSeconds, "SCRIBA_IMMUTABILITY_THRESHOLD_SECONDS")
	setInt(&c.Engine.HotTTLSeconds, "SCRIBA_HOT_TTL_SECONDS")
	setInt(&c.Engine.CleanupHorizonSeconds, "SCRIBA_CLEANUP_HORIZON_SECONDS")
	setInt(&c.Engine.PromoteIntervalSeconds, "SCRIBA_PROMOTE_INTERVAL_SECONDS")
	setInt(&c.Engine.SweepIntervalSeconds, "SCRIBA_SWEEP_INTERVAL_SECONDS")
	setInt(&c.Engine.SessionInactivitySeconds, "SCRIBA_SESSION_INACTIVITY_SECONDS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
