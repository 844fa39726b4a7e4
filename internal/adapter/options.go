// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package adapter

import (
	"time"

	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/conn"
	"github.com/sigil-dev/vespabench/internal/deploy"
	"github.com/sigil-dev/vespabench/internal/feed"
	"github.com/sigil-dev/vespabench/internal/query"
)

type options struct {
	conn         []conn.Option
	feed         feed.Options
	queryTimeout time.Duration
	queryMode    query.Mode
	readyTimeout time.Duration
	deploy       *deploy.Spec
	registry     *deploy.Registry
}

func defaultOptions() options {
	return options{
		queryTimeout: query.DefaultTimeout,
		queryMode:    query.ModeIDs,
	}
}

// Option customizes a Client.
type Option func(*options)

// WithConnOptions passes options through to every session the client opens.
func WithConnOptions(opts ...conn.Option) Option {
	return func(o *options) { o.conn = append(o.conn, opts...) }
}

// WithFeedOptions configures the bulk loader.
func WithFeedOptions(f feed.Options) Option {
	return func(o *options) { o.feed = f }
}

// WithQueryTimeout sets the default per-search timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *options) { o.queryTimeout = d }
}

// WithQueryMode selects whether searches return ids only or embeddings too.
func WithQueryMode(m query.Mode) Option {
	return func(o *options) { o.queryMode = m }
}

// WithSchemaReadyTimeout bounds the wait for the engine after a schema deploy.
func WithSchemaReadyTimeout(d time.Duration) Option {
	return func(o *options) { o.readyTimeout = d }
}

// WithManagedDeployment runs the engine in a local container described by
// spec, shared through reg (the process-wide docker registry when nil). The
// configured endpoints are replaced by the container's.
func WithManagedDeployment(spec deploy.Spec, reg *deploy.Registry) Option {
	return func(o *options) {
		o.deploy = &spec
		o.registry = reg
	}
}

// OptionsFromConfig translates the feed, query, and deploy sections. A
// feed.max_retries of 0 in the file disables retries.
func OptionsFromConfig(cfg *config.Config) ([]Option, error) {
	maxRetries := cfg.Feed.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	opts := []Option{
		WithConnOptions(conn.WithMaxConnections(cfg.Feed.MaxConnections)),
		WithFeedOptions(feed.Options{
			Workers:        cfg.Feed.Workers,
			MaxQueue:       cfg.Feed.MaxQueue,
			MaxRetries:     maxRetries,
			InitialBackoff: cfg.Feed.InitialBackoff,
			RatePerSecond:  cfg.Feed.RatePerSecond,
		}),
		WithQueryTimeout(cfg.Query.Timeout),
		WithQueryMode(query.Mode(cfg.Query.Mode)),
	}
	if cfg.Deploy.Managed {
		spec, err := deploy.SpecFromConfig(cfg.Deploy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithManagedDeployment(spec, deploy.Shared(cfg.Deploy.Runtime)))
	}
	return opts, nil
}
