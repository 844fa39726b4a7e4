// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package adapter implements the benchmark harness contract over Vespa:
// construct a client, open scopes, insert, search, and signal phases.
package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/conn"
	"github.com/sigil-dev/vespabench/internal/deploy"
	"github.com/sigil-dev/vespabench/internal/feed"
	"github.com/sigil-dev/vespabench/internal/query"
	"github.com/sigil-dev/vespabench/internal/schema"
	"github.com/sigil-dev/vespabench/internal/secrets"
	"github.com/sigil-dev/vespabench/pkg/health"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// Client is the handle a harness drives. One client holds at most one scope
// at a time; run concurrent scopes through separate clients.
type Client struct {
	id         string
	dim        int
	collection string
	index      config.IndexConfig

	manager   *conn.Manager
	schema    *schema.Provisioner
	loader    *feed.Loader
	executor  *query.Executor
	lifecycle *Lifecycle

	deployment    *deploy.Instance
	releaseDeploy func(context.Context) error

	mu           sync.Mutex
	scope        *conn.Connection
	releaseScope func() error
	closed       bool
}

// Status is a point-in-time view of a client.
type Status struct {
	ID         string           `json:"id"`
	Collection string           `json:"collection"`
	Dimension  int              `json:"dimension"`
	Metric     string           `json:"metric"`
	Phase      string           `json:"phase"`
	Scoped     bool             `json:"scoped"`
	Health     *health.Metrics  `json:"health,omitempty"`
	LastFeed   feed.Stats       `json:"last_feed"`
	Deployment *deploy.Instance `json:"deployment,omitempty"`
}

// New validates the configuration, starts the managed engine when asked to,
// and provisions the collection's schema (dropping it first when dropOld).
// The returned client has no open scope.
func New(ctx context.Context, dim int, dbCfg *config.DBConfig, caseCfg config.IndexConfig,
	collection string, dropOld bool, opts ...Option,
) (*Client, error) {
	if dbCfg == nil {
		return nil, vberr.New(vberr.CodeConfigValidateInvalidValue, "config: db config must not be nil")
	}
	if err := dbCfg.Validate(); err != nil {
		return nil, err
	}
	if dim <= 0 {
		return nil, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: dimension must be greater than 0, got %d", dim)
	}
	if err := config.ValidateCollection(collection); err != nil {
		return nil, err
	}
	metric, err := config.ParseMetric(string(caseCfg.Metric))
	if err != nil {
		return nil, err
	}
	caseCfg.Metric = metric

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		id:         uuid.NewString(),
		dim:        dim,
		collection: collection,
		index:      caseCfg,
		lifecycle:  NewLifecycle(),
	}

	db := *dbCfg
	if o.deploy != nil {
		reg := o.registry
		if reg == nil {
			reg = deploy.Shared("")
		}
		inst, release, err := reg.Acquire(ctx, *o.deploy)
		if err != nil {
			return nil, err
		}
		c.deployment = inst
		c.releaseDeploy = release
		db.Endpoint = secrets.NewSecret(inst.QueryEndpoint)
		db.ConfigEndpoint = inst.ConfigEndpoint
	}

	c.manager = conn.NewManager(&db, o.conn...)
	c.schema = schema.New(collection, schema.Options{
		DropOld:      dropOld,
		Index:        caseCfg,
		ReadyTimeout: o.readyTimeout,
	})
	c.loader = feed.New(collection, dim, o.feed)
	c.executor = query.New(collection, dim, query.Options{
		Index:   caseCfg,
		Timeout: o.queryTimeout,
		Mode:    o.queryMode,
	})

	err = c.manager.WithConnection(ctx, func(cn *conn.Connection) error {
		return c.schema.Provision(ctx, cn, dim, metric)
	})
	if err != nil {
		c.stopDeployment(context.WithoutCancel(ctx))
		return nil, err
	}

	slog.Info("client ready",
		"client_id", c.id,
		"collection", collection,
		"dimension", dim,
		"metric", metric,
		"drop_old", dropOld,
		"managed", c.deployment != nil)
	return c, nil
}

// FromConfig builds a client from a loaded configuration file.
func FromConfig(ctx context.Context, cfg *config.Config, extra ...Option) (*Client, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg.Dimension, &cfg.DB, cfg.Case, cfg.Collection, cfg.DropOld, append(opts, extra...)...)
}

// ID identifies this client in logs.
func (c *Client) ID() string { return c.id }

// Dimension is the number of values in every embedding.
func (c *Client) Dimension() int { return c.dim }

// Collection names the schema, namespace, and document type.
func (c *Client) Collection() string { return c.collection }

// Init opens a scope bound to a fresh engine session. The returned release
// closes the session and is safe to call more than once. Calling Init while a
// scope is open fails.
func (c *Client) Init(ctx context.Context) (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, vberr.New(vberr.CodeAdapterTransitionInvalid, "client is closed")
	}

	cn, release, err := c.manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	slog.Debug("scope opened", "client_id", c.id, "connection_id", cn.ID())

	var once sync.Once
	var releaseErr error
	wrapped := func() error {
		once.Do(func() {
			c.mu.Lock()
			if c.scope == cn {
				c.scope = nil
				c.releaseScope = nil
			}
			c.mu.Unlock()
			releaseErr = release()
			slog.Debug("scope closed", "client_id", c.id, "connection_id", cn.ID())
		})
		return releaseErr
	}
	c.scope = cn
	c.releaseScope = wrapped
	return wrapped, nil
}

// Insert feeds embeddings[i] under ids[i] and returns how many were stored.
func (c *Client) Insert(ctx context.Context, embeddings [][]float32, ids []int64) (int, error) {
	if len(embeddings) != len(ids) {
		return 0, vberr.Errorf(vberr.CodeValidationRecordInvalid,
			"got %d embeddings but %d ids", len(embeddings), len(ids))
	}
	cn, err := c.connection()
	if err != nil {
		return 0, err
	}

	records := make([]feed.Record, len(ids))
	for i := range ids {
		records[i] = feed.Record{ID: ids[i], Embedding: embeddings[i]}
	}
	return c.loader.Insert(ctx, cn, records)
}

// Search returns the ids of at most k neighbours of vector, best first.
// A zero timeout uses the configured default.
func (c *Client) Search(ctx context.Context, vector []float32, k int, filter string, timeout time.Duration) ([]int64, error) {
	res, err := c.Query(ctx, vector, k, filter, timeout)
	if err != nil {
		return nil, err
	}
	return res.IDs(), nil
}

// Query is Search returning the full result, including embeddings when the
// client runs in embeddings mode.
func (c *Client) Query(ctx context.Context, vector []float32, k int, filter string, timeout time.Duration) (*query.Result, error) {
	cn, err := c.connection()
	if err != nil {
		return nil, err
	}
	return c.executor.SearchWithTimeout(ctx, cn, vector, k, filter, timeout)
}

// ReadyToLoad marks the start of a load phase.
func (c *Client) ReadyToLoad() error { return c.transition(PhaseLoading) }

// Optimize marks the end of loading. The engine indexes on write, so there
// is nothing to wait for.
func (c *Client) Optimize() error { return c.transition(PhaseOptimized) }

// ReadyToSearch marks the start of a search phase.
func (c *Client) ReadyToSearch() error { return c.transition(PhaseSearching) }

// Phase returns the current benchmark phase.
func (c *Client) Phase() Phase { return c.lifecycle.Phase() }

// Status reports the client's phase, scope health, and last feed statistics.
func (c *Client) Status() Status {
	c.mu.Lock()
	scope := c.scope
	c.mu.Unlock()

	st := Status{
		ID:         c.id,
		Collection: c.collection,
		Dimension:  c.dim,
		Metric:     string(c.index.Metric),
		Phase:      c.lifecycle.Phase().String(),
		Scoped:     scope != nil,
		LastFeed:   c.loader.Stats(),
		Deployment: c.deployment,
	}
	if scope != nil {
		m := scope.Health()
		st.Health = &m
	}
	return st
}

// Close releases any open scope and this client's hold on the managed
// engine. Closing twice is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	release := c.releaseScope
	c.mu.Unlock()

	_ = c.lifecycle.TransitionTo(PhaseClosed)

	var errs []error
	if release != nil {
		errs = append(errs, release())
	}
	if c.releaseDeploy != nil {
		errs = append(errs, c.releaseDeploy(ctx))
	}
	slog.Info("client closed", "client_id", c.id)
	return vberr.Join(errs...)
}

func (c *Client) connection() (*conn.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, vberr.New(vberr.CodeAdapterNotInitialized, "client is closed")
	}
	if c.scope == nil {
		return nil, vberr.New(vberr.CodeAdapterNotInitialized, "no open scope; call Init first")
	}
	return c.scope, nil
}

func (c *Client) transition(next Phase) error {
	from := c.lifecycle.Phase()
	if err := c.lifecycle.TransitionTo(next); err != nil {
		return err
	}
	slog.Debug("phase changed", "client_id", c.id, "from", from, "to", next)
	return nil
}

func (c *Client) stopDeployment(ctx context.Context) {
	if c.releaseDeploy == nil {
		return
	}
	if err := c.releaseDeploy(ctx); err != nil {
		slog.Error("releasing engine deployment", "client_id", c.id, "error", err)
	}
}
