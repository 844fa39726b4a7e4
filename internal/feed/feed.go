// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package feed streams vector records into the engine through a bounded
// worker pool.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sigil-dev/vespabench/internal/conn"
	"github.com/sigil-dev/vespabench/internal/vespa"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxQueue       = 5000
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// Record is one vector to insert.
type Record struct {
	ID        int64
	Embedding []float32
}

// Observer is told about every record the engine refused. It runs on a
// worker goroutine, must not block for long, and cannot affect the insert;
// a panic is recovered and logged.
type Observer func(id int64, status int)

// LogFailure is the default Observer.
func LogFailure(id int64, status int) {
	slog.Warn("document feed failed", "record_id", id, "status", status)
}

// Options configures a Loader.
type Options struct {
	// Workers is the number of concurrent in-flight requests. Zero means
	// 4 x GOMAXPROCS.
	Workers int
	// MaxQueue bounds the records waiting for a worker. Zero means 5000.
	MaxQueue int
	// MaxRetries bounds retries of throttled or transient failures. Zero
	// means 5; negative disables retries.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RatePerSecond caps requests per second across workers. Zero means
	// unlimited.
	RatePerSecond float64
	OnFailure     Observer
}

// Stats describes the most recently completed Insert.
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Succeeded     int64 `json:"succeeded"`
	Failed        int64 `json:"failed"`
	Retried       int64 `json:"retried"`
	MaxQueueDepth int64 `json:"max_queue_depth"`
	MaxInFlight   int64 `json:"max_in_flight"`
}

// Loader inserts records for one collection. It is safe for concurrent use
// when each caller passes its own Connection.
type Loader struct {
	collection string
	dim        int
	opts       Options
	limiter    *rate.Limiter

	mu   sync.Mutex
	last Stats
}

// New creates a Loader for collection, whose embeddings have dim values.
func New(collection string, dim int, opts Options) *Loader {
	if opts.Workers <= 0 {
		opts.Workers = 4 * runtime.GOMAXPROCS(0)
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.OnFailure == nil {
		opts.OnFailure = LogFailure
	}

	l := &Loader{collection: collection, dim: dim, opts: opts}
	if opts.RatePerSecond > 0 {
		burst := int(opts.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return l
}

// Workers is the effective worker count.
func (l *Loader) Workers() int { return l.opts.Workers }

// MaxQueue is the effective queue bound.
func (l *Loader) MaxQueue() int { return l.opts.MaxQueue }

// Stats returns the counters of the most recently completed Insert.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Validate checks records without touching the network: every embedding
// must have the collection's dimension and only finite values, and ids must
// be unique in the call.
func (l *Loader) Validate(records []Record) error {
	seen := make(map[int64]int, len(records))
	for i, r := range records {
		if len(r.Embedding) != l.dim {
			return vberr.New(vberr.CodeValidationRecordInvalid,
				fmt.Sprintf("record %d has %d values, collection dimension is %d", r.ID, len(r.Embedding), l.dim),
				vberr.FieldRecordID(r.ID), vberr.Field("index", i), vberr.FieldCollection(l.collection))
		}
		for j, v := range r.Embedding {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return vberr.New(vberr.CodeValidationRecordInvalid,
					fmt.Sprintf("record %d value %d is not finite", r.ID, j),
					vberr.FieldRecordID(r.ID), vberr.Field("index", i), vberr.FieldCollection(l.collection))
			}
		}
		if first, dup := seen[r.ID]; dup {
			return vberr.New(vberr.CodeValidationRecordInvalid,
				fmt.Sprintf("record id %d appears more than once", r.ID),
				vberr.FieldRecordID(r.ID), vberr.Field("index", i), vberr.Field("first_index", first))
		}
		seen[r.ID] = i
	}
	return nil
}

// FieldFailedIDs is the partial-failure error field holding the refused
// record ids in ascending order.
const FieldFailedIDs = "failed_ids"

// FailedIDs returns the refused record ids carried by a partial-failure
// error, or nil.
func FailedIDs(err error) []int64 {
	ids, _ := vberr.FieldsOf(err)[FieldFailedIDs].([]int64)
	return ids
}

// Insert writes every record and returns how many the engine confirmed.
//
// Records the engine refuses are reported to the Observer and counted; the
// call then returns the confirmed count with a partial-failure error. A
// transport failure that outlives its retries aborts the whole call with a
// count of 0 and marks the Connection broken.
func (l *Loader) Insert(ctx context.Context, c *conn.Connection, records []Record) (int, error) {
	if err := c.Check(); err != nil {
		return 0, err
	}
	if err := l.Validate(records); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		l.setStats(Stats{})
		return 0, nil
	}

	r := &run{loader: l, conn: c}
	err := r.feed(ctx, records)
	stats := r.stats()
	l.setStats(stats)

	var te *vespa.TransportError
	switch {
	case err == nil:
	case ctx.Err() == nil && errors.As(err, &te):
		c.MarkBroken()
		return 0, vberr.Errorf(vberr.CodeTransportFailure, "feeding %s: %w", l.collection, err)
	default:
		return int(stats.Succeeded), vberr.Errorf(vberr.CodeFeedCanceled,
			"feeding %s stopped after %d of %d records: %w", l.collection, stats.Succeeded, len(records), err)
	}

	if stats.Failed > 0 {
		return int(stats.Succeeded), vberr.New(vberr.CodeFeedPartialFailure,
			fmt.Sprintf("%d of %d records failed", stats.Failed, len(records)),
			vberr.FieldCollection(l.collection),
			vberr.Field("failed", stats.Failed),
			vberr.Field("statuses", r.statusCounts()),
			vberr.Field(FieldFailedIDs, r.failedIDs()),
		)
	}
	return int(stats.Succeeded), nil
}

func (l *Loader) setStats(s Stats) {
	l.mu.Lock()
	l.last = s
	l.mu.Unlock()
}

// run is the state of one Insert call.
type run struct {
	loader *Loader
	conn   *conn.Connection

	submitted, succeeded, failed, retried atomic.Int64
	inFlight, maxInFlight, maxDepth       atomic.Int64

	mu       sync.Mutex
	statuses map[int]int64
	refused  []int64
}

func (r *run) feed(ctx context.Context, records []Record) error {
	opts := r.loader.opts
	queue := make(chan Record, opts.MaxQueue)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, rec := range records {
			select {
			case queue <- rec:
				r.submitted.Add(1)
				storeMax(&r.maxDepth, int64(len(queue)))
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case rec, ok := <-queue:
					if !ok {
						return nil
					}
					if err := r.put(gctx, rec); err != nil {
						return err
					}
				}
			}
		})
	}

	return g.Wait()
}

func (r *run) put(ctx context.Context, rec Record) error {
	cur := r.inFlight.Add(1)
	storeMax(&r.maxInFlight, cur)
	defer r.inFlight.Add(-1)

	l := r.loader
	session := r.conn.Session()
	attempt := 0

	err := retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		attempt++
		if attempt > 1 {
			r.retried.Add(1)
		}

		err := session.Put(ctx, l.collection, l.collection, rec.ID, rec.Embedding)
		r.conn.Observe(err)
		if retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})

	var se *vespa.StatusError
	switch {
	case err == nil:
		r.succeeded.Add(1)
		return nil
	case errors.As(err, &se):
		r.recordFailure(rec.ID, se.Status)
		return nil
	default:
		if ctx.Err() == nil {
			slog.Error("document feed transport failure", "record_id", rec.ID, "error", err)
		}
		return err
	}
}

func (l *Loader) backoff() retry.Backoff {
	if l.opts.MaxRetries < 0 {
		return retry.WithMaxRetries(0, retry.NewConstant(l.opts.InitialBackoff))
	}
	b := retry.NewExponential(l.opts.InitialBackoff)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(l.opts.MaxBackoff, b)
	return retry.WithMaxRetries(uint64(l.opts.MaxRetries), b)
}

// retryable reports throttling, temporary unavailability, and transient
// transport errors.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *vespa.StatusError
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var te *vespa.TransportError
	if errors.As(err, &te) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return false
}

func (r *run) recordFailure(id int64, status int) {
	r.failed.Add(1)
	r.mu.Lock()
	if r.statuses == nil {
		r.statuses = map[int]int64{}
	}
	r.statuses[status]++
	r.refused = append(r.refused, id)
	r.mu.Unlock()

	r.notify(id, status)
}

func (r *run) notify(id int64, status int) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("feed failure observer panicked", "record_id", id, "status", status, "panic", p)
		}
	}()
	r.loader.opts.OnFailure(id, status)
}

func (r *run) statusCounts() map[int]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]int64, len(r.statuses))
	for k, v := range r.statuses {
		out[k] = v
	}
	return out
}

func (r *run) failedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.refused)
	slices.Sort(out)
	return out
}

func (r *run) stats() Stats {
	return Stats{
		Submitted:     r.submitted.Load(),
		Succeeded:     r.succeeded.Load(),
		Failed:        r.failed.Load(),
		Retried:       r.retried.Load(),
		MaxQueueDepth: r.maxDepth.Load(),
		MaxInFlight:   r.maxInFlight.Load(),
	}
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}
