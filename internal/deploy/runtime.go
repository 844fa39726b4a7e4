// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package deploy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// Instance is a running engine container.
type Instance struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	QueryEndpoint  string    `json:"query_endpoint"`
	ConfigEndpoint string    `json:"config_endpoint"`
	StartedAt      time.Time `json:"started_at"`
}

// Runtime manages the lifecycle of engine containers.
type Runtime struct {
	engine Engine

	mu           sync.Mutex
	stopTimeouts map[string]time.Duration
}

// NewRuntime creates a lifecycle runtime backed by the given container engine.
func NewRuntime(engine Engine) *Runtime {
	return &Runtime{
		engine:       engine,
		stopTimeouts: make(map[string]time.Duration),
	}
}

// NewDefaultRuntime returns a runtime backed by the named OCI CLI.
func NewDefaultRuntime(binary string) *Runtime {
	return NewRuntime(NewOCIEngine(binary))
}

// Start creates and starts the engine container. A container that fails to
// start is removed before returning.
func (r *Runtime) Start(ctx context.Context, spec Spec) (*Instance, error) {
	if r.engine == nil {
		return nil, vberr.New(vberr.CodeDeployStartFailure, "container runtime engine is nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	containerID, err := r.engine.Create(ctx, CreateContainerRequest{
		Name:             spec.Name,
		Image:            spec.Image,
		MemoryLimitBytes: spec.MemoryLimitBytes,
		QueryPort:        spec.QueryPort,
		ConfigPort:       spec.ConfigPort,
	})
	if err != nil {
		return nil, vberr.Errorf(vberr.CodeDeployStartFailure, "creating container %s: %w", spec.Name, err)
	}

	if err := r.engine.Start(ctx, containerID); err != nil {
		if removeErr := r.engine.Remove(ctx, containerID); removeErr != nil {
			slog.Error("container cleanup after start failure",
				"container", spec.Name,
				"container_id", containerID,
				"error", removeErr)
			return nil, vberr.Errorf(vberr.CodeDeployStartFailure,
				"starting container %s failed; cleanup also failed (%v): %w",
				containerID, removeErr, err)
		}
		return nil, vberr.Errorf(vberr.CodeDeployStartFailure, "starting container %s: %w", containerID, err)
	}

	r.mu.Lock()
	r.stopTimeouts[containerID] = spec.StopTimeout
	r.mu.Unlock()

	slog.Info("engine container started", "container", spec.Name, "container_id", containerID, "image", spec.Image)
	return &Instance{
		ID:             containerID,
		Name:           spec.Name,
		QueryEndpoint:  spec.QueryEndpoint(),
		ConfigEndpoint: spec.ConfigEndpoint(),
		StartedAt:      time.Now(),
	}, nil
}

// Stop gracefully stops and removes a container. The stop timeout recorded by
// Start is forgotten before Remove runs, so retry a failed removal with Remove.
func (r *Runtime) Stop(ctx context.Context, id string) error {
	if r.engine == nil {
		return vberr.New(vberr.CodeDeployCallFailure, "container runtime engine is nil")
	}
	if strings.TrimSpace(id) == "" {
		return vberr.New(vberr.CodeDeployCallFailure, "container id must not be empty")
	}

	timeout := DefaultStopTimeout
	r.mu.Lock()
	if configured, ok := r.stopTimeouts[id]; ok {
		timeout = configured
	}
	r.mu.Unlock()

	if err := r.engine.Stop(ctx, id, timeout); err != nil {
		return vberr.Errorf(vberr.CodeDeployCallFailure, "stopping container %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.stopTimeouts, id)
	r.mu.Unlock()

	return r.Remove(ctx, id)
}

// Remove force-removes a container without stopping it first.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	if r.engine == nil {
		return vberr.New(vberr.CodeDeployCallFailure, "container runtime engine is nil")
	}
	if err := r.engine.Remove(ctx, id); err != nil {
		return vberr.Errorf(vberr.CodeDeployCallFailure, "removing container %s: %w", id, err)
	}
	return nil
}
