// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package adapter

import (
	"sync"

	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// Phase is the benchmark phase a client last recorded. Phases are
// bookkeeping only: hooks may arrive in any order and moving between phases
// never touches the engine.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseLoading
	PhaseOptimized
	PhaseSearching
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseLoading:
		return "loading"
	case PhaseOptimized:
		return "optimized"
	case PhaseSearching:
		return "searching"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ValidTransition reports whether a client in from may record to. Only a
// closed client refuses, and nothing returns a client to PhaseCreated.
func ValidTransition(from, to Phase) bool {
	return from != PhaseClosed && to != PhaseCreated
}

// Lifecycle tracks the phase of one client.
type Lifecycle struct {
	mu    sync.RWMutex
	phase Phase
}

// NewLifecycle starts in PhaseCreated.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{phase: PhaseCreated}
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

// TransitionTo moves to next, or fails leaving the phase unchanged.
func (l *Lifecycle) TransitionTo(next Phase) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !ValidTransition(l.phase, next) {
		return vberr.Errorf(vberr.CodeAdapterTransitionInvalid,
			"invalid phase transition: %s -> %s", l.phase, next)
	}
	l.phase = next
	return nil
}
