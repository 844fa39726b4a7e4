// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package deploy

import "time"

// StopTimeouts returns a snapshot of the runtime's recorded stop timeouts.
func (r *Runtime) StopTimeouts() map[string]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[string]time.Duration, len(r.stopTimeouts))
	for k, v := range r.stopTimeouts {
		snapshot[k] = v
	}
	return snapshot
}
