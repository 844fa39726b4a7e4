// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package deploy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/secrets"
	"github.com/sigil-dev/vespabench/internal/vespa"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// DefaultProbeInterval is how often a starting engine is probed.
const DefaultProbeInterval = time.Second

// Prober reports nil once inst is ready to accept deployments.
type Prober func(ctx context.Context, inst *Instance) error

// ProbeConfigServer asks the instance's config server for its health.
func ProbeConfigServer(ctx context.Context, inst *Instance) error {
	s := vespa.NewSession(config.ConnectionParams{
		Endpoint:       secrets.NewSecret(inst.QueryEndpoint),
		ConfigEndpoint: inst.ConfigEndpoint,
	}, vespa.SessionOptions{MaxConnections: 1, RequestTimeout: 5 * time.Second})
	defer func() { _ = s.Close() }()

	code, err := s.Health(ctx, vespa.ConfigPlane)
	if err != nil {
		return err
	}
	if code != vespa.HealthUp {
		return errors.New("config server reports " + code)
	}
	return nil
}

// Registry shares one engine container between every holder in the process.
// The first Acquire starts it and the last release tears it down.
type Registry struct {
	runtime  *Runtime
	probe    Prober
	interval time.Duration

	mu    sync.Mutex
	refs  int
	spec  Spec
	inst  *Instance
	holds map[string]struct{}
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithProber replaces the readiness probe.
func WithProber(p Prober) RegistryOption { return func(r *Registry) { r.probe = p } }

// WithProbeInterval sets the delay between readiness probes.
func WithProbeInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.interval = d }
}

// NewRegistry builds a registry over rt.
func NewRegistry(rt *Runtime, opts ...RegistryOption) *Registry {
	r := &Registry{
		runtime:  rt,
		probe:    ProbeConfigServer,
		interval: DefaultProbeInterval,
		holds:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*Registry{}
)

// Shared returns the process-wide registry for the runtime CLI binary
// ("docker" when empty).
func Shared(binary string) *Registry {
	if binary == "" {
		binary = "docker"
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	reg, ok := shared[binary]
	if !ok {
		reg = NewRegistry(NewDefaultRuntime(binary))
		shared[binary] = reg
	}
	return reg
}

// Acquire returns the running instance, starting it on first use, and a
// release function. Release is idempotent; the container is stopped when the
// last holder releases. Acquiring with a spec that differs from the running
// one fails.
func (r *Registry) Acquire(ctx context.Context, spec Spec) (*Instance, func(context.Context) error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inst != nil {
		if spec != r.spec {
			return nil, nil, vberr.Errorf(vberr.CodeDeployConfigInvalid,
				"deploy: container %s is already running with a different spec", r.spec.Name)
		}
	} else {
		inst, err := r.start(ctx, spec)
		if err != nil {
			return nil, nil, err
		}
		r.inst, r.spec = inst, spec
	}

	r.refs++
	hold := uuid.NewString()
	r.holds[hold] = struct{}{}
	slog.Debug("engine deployment acquired", "container", spec.Name, "holders", r.refs)

	inst := *r.inst
	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() { err = r.release(ctx, hold) })
		return err
	}
	return &inst, release, nil
}

// Holders reports how many releases are outstanding.
func (r *Registry) Holders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Instance returns the running instance, or nil.
func (r *Registry) Instance() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst == nil {
		return nil
	}
	inst := *r.inst
	return &inst
}

func (r *Registry) start(ctx context.Context, spec Spec) (*Instance, error) {
	inst, err := r.runtime.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := r.waitHealthy(ctx, inst, spec.StartupTimeout); err != nil {
		if stopErr := r.runtime.Stop(context.WithoutCancel(ctx), inst.ID); stopErr != nil {
			slog.Error("stopping engine container after failed startup",
				"container_id", inst.ID, "error", stopErr)
		}
		return nil, err
	}
	slog.Info("engine deployment ready", "container", spec.Name, "startup", time.Since(inst.StartedAt))
	return inst, nil
}

func (r *Registry) waitHealthy(ctx context.Context, inst *Instance, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	b := retry.WithMaxDuration(timeout, retry.NewConstant(r.interval))

	var last error
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := r.probe(ctx, inst); err != nil {
			last = err
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if last == nil {
		last = err
	}
	return vberr.Errorf(vberr.CodeDeployHealthTimeout,
		"engine container %s not healthy after %s: %w", inst.Name, timeout, last)
}

func (r *Registry) release(ctx context.Context, hold string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.holds[hold]; !ok {
		return nil
	}
	delete(r.holds, hold)
	r.refs--
	if r.refs > 0 || r.inst == nil {
		return nil
	}

	inst := r.inst
	r.inst = nil
	r.spec = Spec{}
	if err := r.runtime.Stop(ctx, inst.ID); err != nil {
		return err
	}
	slog.Info("engine container stopped", "container", inst.Name, "container_id", inst.ID)
	return nil
}
