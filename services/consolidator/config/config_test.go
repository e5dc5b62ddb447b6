// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scriba.yaml")
	body := `
http_addr: ":9000"
stream:
  backend: memory
  stream_prefix: transcripts
  partitions: 8
  group: consolidator-eu
  batch_size: 128
  block_timeout_seconds: 5
engine:
  immutability_threshold_seconds: 45
  hot_ttl_seconds: 300
  cleanup_horizon_seconds: 7200
  promote_interval_seconds: 10
  sweep_interval_seconds: 120
  session_inactivity_seconds: 900
  promote_batch_size: 64
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "transcripts", cfg.Stream.StreamPrefix)
	assert.Equal(t, 8, cfg.Stream.Partitions)
	assert.Equal(t, "consolidator-eu", cfg.Stream.Group)
	assert.Equal(t, 5*time.Second, cfg.Stream.BlockTimeout())
	assert.Equal(t, 45*time.Second, cfg.Engine.ImmutabilityThreshold())
	assert.Equal(t, 2*time.Hour, cfg.Engine.CleanupHorizon())
	// untouched fields keep defaults
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SCRIBA_CONSUMER_GROUP", "consolidator-b")
	t.Setenv("SCRIBA_BATCH_SIZE", "32")
	t.Setenv("SCRIBA_IMMUTABILITY_THRESHOLD_SECONDS", "90")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "consolidator-b", cfg.Stream.Group)
	assert.Equal(t, 32, cfg.Stream.BatchSize)
	assert.Equal(t, 90, cfg.Engine.ImmutabilityThresholdSeconds)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Run("redis backend requires addr", func(t *testing.T) {
		cfg := Default()
		cfg.Stream.Backend = BackendRedis
		assert.Error(t, cfg.Validate())
	})

	t.Run("horizon must exceed ttl", func(t *testing.T) {
		cfg := Default()
		cfg.Engine.CleanupHorizonSeconds = cfg.Engine.HotTTLSeconds
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := Default()
		cfg.Stream.Backend = "kafka"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero partitions", func(t *testing.T) {
		cfg := Default()
		cfg.Stream.Partitions = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/scriba.yaml")
	assert.Error(t, err)
}
