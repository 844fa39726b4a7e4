// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package health tracks whether an engine session is still usable.
package health

import (
	"sync"
	"time"

	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// Metrics is a point-in-time snapshot of a session's health, safe to
// serialize to JSON.
type Metrics struct {
	FailureCount        int64      `json:"failure_count"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	BrokenAt            *time.Time `json:"broken_at,omitempty"`
	Available           bool       `json:"available"`
}

// DefaultBreakThreshold is how many consecutive transport failures mark a
// session broken.
const DefaultBreakThreshold = 3

// Tracker records transport outcomes for one session. A session starts
// healthy; once the consecutive failure count reaches the threshold (or
// MarkBroken is called) it stays broken for the rest of its life.
type Tracker struct {
	mu           sync.RWMutex
	threshold    int64
	consecutive  int64
	failureCount int64
	failedAt     time.Time
	brokenAt     time.Time
	broken       bool
	nowFunc      func() time.Time
}

// NewTracker creates a Tracker that starts healthy.
func NewTracker(threshold int) (*Tracker, error) {
	if threshold <= 0 {
		return nil, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"health tracker threshold must be positive, got %d", threshold)
	}
	return &Tracker{threshold: int64(threshold), nowFunc: time.Now}, nil
}

// RecordSuccess resets the consecutive failure count. It does not revive a
// broken session.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	t.consecutive = 0
	t.mu.Unlock()
}

// RecordFailure counts one transport failure.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedAt = t.nowFunc()
	t.failureCount++
	t.consecutive++
	if t.consecutive >= t.threshold {
		t.markBrokenLocked()
	}
}

// MarkBroken marks the session unusable regardless of the threshold.
func (t *Tracker) MarkBroken() {
	t.mu.Lock()
	t.markBrokenLocked()
	t.mu.Unlock()
}

func (t *Tracker) markBrokenLocked() {
	if !t.broken {
		t.broken = true
		t.brokenAt = t.nowFunc()
	}
}

// Broken reports whether the session has been marked unusable.
func (t *Tracker) Broken() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.broken
}

// SetNowFunc overrides the time source (for testing).
func (t *Tracker) SetNowFunc(fn func() time.Time) {
	t.mu.Lock()
	t.nowFunc = fn
	t.mu.Unlock()
}

// Metrics returns a snapshot holding no references to tracker state.
func (t *Tracker) Metrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := Metrics{
		FailureCount:        t.failureCount,
		ConsecutiveFailures: t.consecutive,
		Available:           !t.broken,
	}
	if t.failureCount > 0 {
		at := t.failedAt
		m.LastFailureAt = &at
	}
	if t.broken {
		at := t.brokenAt
		m.BrokenAt = &at
	}
	return m
}
