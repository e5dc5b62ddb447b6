// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sched provides the engine clock and the periodic background
// schedulers driving promotion and cleanup.
package sched

import (
	"fmt"
	"sync"
	"time"
)

// Clock is the time source for all engine decisions. Production code uses
// SystemClock; tests use ManualClock to make immutability thresholds and
// TTL expiry deterministic.
type Clock interface {
	// NowMs returns the current time in Unix milliseconds.
	NowMs() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// NowMs returns time.Now() in Unix milliseconds.
func (SystemClock) NowMs() int64 {
	return time.Now().UnixMilli()
}

// ManualClock is a settable Clock for tests.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

// NewManualClock creates a ManualClock at the given time.
func NewManualClock(nowMs int64) *ManualClock {
	return &ManualClock{now: nowMs}
}

// NowMs returns the clock's current setting.
func (c *ManualClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
}

// Set moves the clock to an absolute time.
func (c *ManualClock) Set(nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = nowMs
}

// =============================================================================
// Clock sanity checking
// =============================================================================

// CheckedClockConfig bounds acceptable clock behavior for the checked
// clock wrapper.
//
// A manipulated or broken wall clock is dangerous here in both directions:
// jumped forward it promotes and evicts segments prematurely, jumped
// backward it stalls promotion and TTL expiry indefinitely.
type CheckedClockConfig struct {
	// MinValidMs is the earliest acceptable reading.
	MinValidMs int64

	// MaxValidMs is the latest acceptable reading.
	MaxValidMs int64

	// MaxBackwardJump is the largest tolerated backward step between two
	// consecutive readings.
	MaxBackwardJump time.Duration

	// MaxForwardJump is the largest tolerated forward step between two
	// consecutive readings.
	MaxForwardJump time.Duration
}

// DefaultCheckedClockConfig returns production bounds: readings between
// 2025-01-01 and 2040-01-01, at most 1h backward and 2h forward jumps.
func DefaultCheckedClockConfig() CheckedClockConfig {
	return CheckedClockConfig{
		MinValidMs:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		MaxValidMs:      time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		MaxBackwardJump: time.Hour,
		MaxForwardJump:  2 * time.Hour,
	}
}

// CheckedClock wraps a Clock with sanity checking.
//
// # Limitations
//
//   - Cannot detect slow drift within the jump thresholds.
//   - The first reading after a restart may flag a legitimate correction;
//     call ResetJumpDetection after known time changes.
type CheckedClock struct {
	inner  Clock
	config CheckedClockConfig

	mu     sync.Mutex
	lastMs int64
}

// NewCheckedClock wraps inner with the given bounds.
func NewCheckedClock(inner Clock, config CheckedClockConfig) *CheckedClock {
	return &CheckedClock{inner: inner, config: config}
}

// SaneNowMs returns the current time, or an error when the reading is out
// of bounds or jumped too far since the previous reading. Time-sensitive
// sweeps use this instead of NowMs so a bad clock halts eviction rather
// than deleting live data.
func (c *CheckedClock) SaneNowMs() (int64, error) {
	now := c.inner.NowMs()

	if now < c.config.MinValidMs || now > c.config.MaxValidMs {
		return 0, fmt.Errorf("clock reading %d outside valid bounds [%d, %d]",
			now, c.config.MinValidMs, c.config.MaxValidMs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastMs != 0 {
		delta := now - c.lastMs
		if delta < -c.config.MaxBackwardJump.Milliseconds() {
			return 0, fmt.Errorf("clock jumped backward by %dms", -delta)
		}
		if delta > c.config.MaxForwardJump.Milliseconds() {
			return 0, fmt.Errorf("clock jumped forward by %dms", delta)
		}
	}
	c.lastMs = now
	return now, nil
}

// NowMs returns the raw inner reading without sanity checks.
func (c *CheckedClock) NowMs() int64 {
	return c.inner.NowMs()
}

// ResetJumpDetection clears the jump baseline after a known legitimate
// time change (NTP step, resume from sleep).
func (c *CheckedClock) ResetJumpDetection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMs = 0
}
