// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package schema provisions the single document type a collection uses.
package schema

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/conn"
	"github.com/sigil-dev/vespabench/internal/vespa"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

const (
	DefaultReadyTimeout  = 2 * time.Minute
	DefaultReadyInterval = 500 * time.Millisecond
)

// Options configures a Provisioner.
type Options struct {
	// DropOld drops any existing schema before provisioning.
	DropOld bool
	Index   config.IndexConfig
	// ReadyTimeout bounds the wait for the container after a deploy.
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	// Now stamps validation overrides; defaults to time.Now.
	Now func() time.Time
}

// Provisioner makes the engine's schema for one collection match the
// requested dimension and metric.
type Provisioner struct {
	collection string
	opts       Options
}

// New creates a Provisioner for collection.
func New(collection string, opts Options) *Provisioner {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = DefaultReadyInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Provisioner{collection: collection, opts: opts}
}

// Desired is the schema Ensure provisions for dim and metric.
func (p *Provisioner) Desired(dim int, metric config.MetricType) vespa.Schema {
	idx := p.opts.Index
	idx.Metric = metric
	return vespa.Schema{Name: p.collection, Dimension: dim, IndexParams: idx.IndexParams()}
}

// Provision applies the construction-time policy: with DropOld the schema
// is dropped and recreated, otherwise an existing match is kept.
func (p *Provisioner) Provision(ctx context.Context, c *conn.Connection, dim int, metric config.MetricType) error {
	if p.opts.DropOld {
		if err := p.Drop(ctx, c); err != nil {
			return err
		}
	}
	return p.Ensure(ctx, c, dim, metric)
}

// Ensure deploys the schema when it is absent and does nothing when the
// deployed schema already has the same dimension and metric. A deployed
// schema that differs in either is a mismatch, never overwritten.
func (p *Provisioner) Ensure(ctx context.Context, c *conn.Connection, dim int, metric config.MetricType) error {
	if err := c.Check(); err != nil {
		return err
	}
	if dim <= 0 {
		return vberr.New(vberr.CodeSchemaInvalid, "dimension must be positive",
			vberr.FieldCollection(p.collection), vberr.Field("dimension", dim))
	}
	if metric == "" {
		metric = config.DefaultMetric
	}
	want := p.Desired(dim, metric)

	existing, found, err := p.fetch(ctx, c)
	if err != nil {
		return err
	}
	if found {
		if existing.Dimension != want.Dimension || existing.Metric() != want.Metric() {
			return vberr.New(vberr.CodeSchemaMismatch,
				"deployed schema does not match the requested dimension and metric",
				vberr.FieldCollection(p.collection),
				vberr.Field("remote_dimension", existing.Dimension),
				vberr.Field("remote_metric", existing.Metric()),
				vberr.Field("dimension", want.Dimension),
				vberr.Field("metric", want.Metric()),
			)
		}
		slog.Debug("schema already provisioned", "collection", p.collection, "dimension", dim, "metric", want.Metric())
		return nil
	}

	pkg, err := vespa.ApplicationPackage(p.opts.Now(), want)
	if err != nil {
		return vberr.Errorf(vberr.CodeSchemaInvalid, "building application package for %s: %w", p.collection, err)
	}
	if err := p.deploy(ctx, c, pkg, vberr.CodeSchemaDeployFailure); err != nil {
		return err
	}
	slog.Info("schema deployed", "collection", p.collection, "dimension", dim, "metric", want.Metric())

	return p.waitReady(ctx, c)
}

// Drop removes the schema and all its documents. An absent schema is a no-op.
func (p *Provisioner) Drop(ctx context.Context, c *conn.Connection) error {
	if err := c.Check(); err != nil {
		return err
	}

	_, found, err := p.fetch(ctx, c)
	if err != nil {
		return err
	}
	if !found {
		slog.Debug("schema absent, nothing to drop", "collection", p.collection)
		return nil
	}

	deleted, err := c.Session().DeleteAll(ctx, p.collection, p.collection)
	c.Observe(err)
	if err != nil {
		return vberr.Errorf(vberr.CodeSchemaDropFailure, "deleting documents of %s: %w", p.collection, err)
	}

	pkg, err := vespa.ApplicationPackage(p.opts.Now())
	if err != nil {
		return vberr.Errorf(vberr.CodeSchemaDropFailure, "building empty application package: %w", err)
	}
	if err := p.deploy(ctx, c, pkg, vberr.CodeSchemaDropFailure); err != nil {
		return err
	}

	slog.Info("schema dropped", "collection", p.collection, "documents_deleted", deleted)
	return nil
}

func (p *Provisioner) fetch(ctx context.Context, c *conn.Connection) (vespa.Schema, bool, error) {
	sd, found, err := c.Session().FetchSchema(ctx, p.collection)
	c.Observe(err)
	if err != nil {
		return vespa.Schema{}, false, vberr.Errorf(vberr.CodeSchemaFetchFailure, "fetching schema %s: %w", p.collection, err)
	}
	if !found {
		return vespa.Schema{}, false, nil
	}

	parsed, err := vespa.ParseSchema(sd)
	if err != nil {
		return vespa.Schema{}, false, vberr.Errorf(vberr.CodeSchemaMismatch, "deployed schema %s is not a vector schema: %w", p.collection, err)
	}
	return parsed, true, nil
}

func (p *Provisioner) deploy(ctx context.Context, c *conn.Connection, pkg []byte, code vberr.Code) error {
	err := c.Session().Deploy(ctx, pkg)
	c.Observe(err)
	if err != nil {
		return vberr.Errorf(code, "deploying application package for %s: %w", p.collection, err)
	}
	return nil
}

func (p *Provisioner) waitReady(ctx context.Context, c *conn.Connection) error {
	b := retry.WithMaxDuration(p.opts.ReadyTimeout, retry.NewConstant(p.opts.ReadyInterval))

	var last string
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		code, err := c.Session().Health(ctx, vespa.DataPlane)
		if err != nil {
			var se *vespa.StatusError
			if errors.As(err, &se) && se.Unauthorized() {
				return err
			}
			last = err.Error()
			return retry.RetryableError(err)
		}
		if code != vespa.HealthUp {
			last = "health " + code
			return retry.RetryableError(errors.New("container reports " + code))
		}
		return nil
	})
	if err != nil {
		return vberr.Errorf(vberr.CodeSchemaReadyTimeout,
			"container for %s did not become ready after deploy (last: %s): %w", p.collection, last, err)
	}
	return nil
}
