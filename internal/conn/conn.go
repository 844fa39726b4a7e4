// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package conn owns the scoped lifetime of an engine session.
package conn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/vespa"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/sigil-dev/vespabench/pkg/health"
)

// DefaultPingTimeout bounds the health probe made by Acquire.
const DefaultPingTimeout = 10 * time.Second

type options struct {
	maxConnections int
	requestTimeout time.Duration
	pingTimeout    time.Duration
	breakThreshold int
	transport      http.RoundTripper
}

// Option configures a Manager.
type Option func(*options)

// WithMaxConnections caps concurrent HTTP connections per host.
func WithMaxConnections(n int) Option { return func(o *options) { o.maxConnections = n } }

// WithRequestTimeout bounds requests whose context has no deadline.
func WithRequestTimeout(d time.Duration) Option { return func(o *options) { o.requestTimeout = d } }

// WithPingTimeout bounds the health probe made by Acquire.
func WithPingTimeout(d time.Duration) Option { return func(o *options) { o.pingTimeout = d } }

// WithBreakThreshold sets how many consecutive transport failures mark a
// Connection broken.
func WithBreakThreshold(n int) Option { return func(o *options) { o.breakThreshold = n } }

// WithTransport overrides the HTTP round tripper.
func WithTransport(rt http.RoundTripper) Option { return func(o *options) { o.transport = rt } }

// Manager hands out at most one Connection at a time. Callers that need
// concurrent sessions use one Manager each.
type Manager struct {
	params config.ConnectionParams
	opts   options

	mu   sync.Mutex
	held *Connection
}

// NewManager creates a Manager for cfg. No network call is made.
func NewManager(cfg *config.DBConfig, opts ...Option) *Manager {
	o := options{
		maxConnections: 128,
		pingTimeout:    DefaultPingTimeout,
		breakThreshold: health.DefaultBreakThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{params: cfg.ConnectionParams(), opts: o}
}

// Held reports whether a Connection is currently acquired.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held != nil
}

// Acquire opens a session, verifies the engine answers its health probe,
// and returns the Connection with its release function. Release is
// idempotent and must be called on every exit path; WithConnection does
// that for you.
func (m *Manager) Acquire(ctx context.Context) (*Connection, func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held != nil {
		return nil, nil, vberr.New(vberr.CodeConnectionHeld,
			"connection already held in this scope; release it before acquiring again",
			vberr.Field("connection", m.held.id))
	}

	session := vespa.NewSession(m.params, vespa.SessionOptions{
		MaxConnections: m.opts.maxConnections,
		RequestTimeout: m.opts.requestTimeout,
		Transport:      m.opts.transport,
	})

	if err := ping(ctx, session, m.opts.pingTimeout); err != nil {
		_ = session.Close()
		return nil, nil, err
	}

	tracker, err := health.NewTracker(m.opts.breakThreshold)
	if err != nil {
		_ = session.Close()
		return nil, nil, err
	}

	c := &Connection{id: uuid.NewString(), session: session, health: tracker}
	m.held = c
	slog.Debug("connection acquired", "connection", c.id)

	var once sync.Once
	release := func() error {
		once.Do(func() {
			c.closed.Store(true)
			_ = session.Close()

			m.mu.Lock()
			if m.held == c {
				m.held = nil
			}
			m.mu.Unlock()
			slog.Debug("connection released", "connection", c.id)
		})
		return nil
	}
	return c, release, nil
}

// WithConnection acquires a Connection, runs fn, and releases the
// Connection however fn returns, panics included.
func (m *Manager) WithConnection(ctx context.Context, fn func(*Connection) error) (err error) {
	c, release, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(c)
}

func ping(ctx context.Context, s *vespa.Session, timeout time.Duration) error {
	plane := vespa.DataPlane
	if s.HasConfigPlane() {
		plane = vespa.ConfigPlane
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	code, err := s.Health(ctx, plane)
	if err != nil {
		return classifyPing(plane, err)
	}
	if code != vespa.HealthUp {
		return vberr.New(vberr.CodeConnectionUnhealthy, "engine is not up",
			vberr.Field("plane", plane.String()), vberr.Field("health", code))
	}
	return nil
}

func classifyPing(plane vespa.Plane, err error) error {
	var (
		te *vespa.TransportError
		se *vespa.StatusError
	)
	switch {
	case errors.As(err, &se) && se.Unauthorized():
		return vberr.Errorf(vberr.CodeConnectionUnauthorized, "engine rejected credential: %w", err)
	case errors.As(err, &te):
		return vberr.Errorf(vberr.CodeConnectionUnreachable, "engine %s endpoint unreachable: %w", plane, err)
	default:
		return vberr.Errorf(vberr.CodeConnectionUnhealthy, "engine %s health probe failed: %w", plane, err)
	}
}

// Connection is one acquired engine session. It is not safe to share across
// independent scopes; each scope acquires its own.
type Connection struct {
	id      string
	session *vespa.Session
	health  *health.Tracker
	closed  atomic.Bool
}

// ID identifies the Connection in logs.
func (c *Connection) ID() string { return c.id }

// Session returns the underlying wire session.
func (c *Connection) Session() *vespa.Session { return c.session }

// Closed reports whether the Connection has been released.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Broken reports whether the transport has declared the session unusable.
// Per-request failures such as a rejected query do not break it.
func (c *Connection) Broken() bool { return c.health.Broken() }

// Health returns a snapshot of transport health.
func (c *Connection) Health() health.Metrics { return c.health.Metrics() }

// Check fails when the Connection can no longer be used.
func (c *Connection) Check() error {
	if c.Closed() {
		return vberr.New(vberr.CodeConnectionClosed, "connection has been released",
			vberr.Field("connection", c.id))
	}
	if c.Broken() {
		return vberr.New(vberr.CodeConnectionUnhealthy, "connection is broken",
			vberr.Field("connection", c.id))
	}
	return nil
}

// Observe records the transport outcome of a request. Only transport
// failures count against the session; HTTP-level errors mean the engine
// answered. Requests cut short by the caller's cancellation or deadline are
// not counted.
func (c *Connection) Observe(err error) {
	var te *vespa.TransportError
	switch {
	case err == nil:
		c.health.RecordSuccess()
	case errors.As(err, &te):
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.health.RecordFailure()
	default:
		c.health.RecordSuccess()
	}
}

// MarkBroken declares the session unusable.
func (c *Connection) MarkBroken() {
	c.health.MarkBroken()
	slog.Warn("connection marked broken", "connection", c.id)
}
