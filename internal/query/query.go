// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package query issues approximate nearest-neighbour searches.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/conn"
	"github.com/sigil-dev/vespabench/internal/vespa"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// DefaultTimeout bounds a search when neither Options nor the caller set one.
const DefaultTimeout = 10 * time.Second

// Mode selects what a Result carries.
type Mode string

const (
	ModeIDs        Mode = "ids"
	ModeEmbeddings Mode = "embeddings"
)

// Options configures an Executor.
type Options struct {
	Index   config.IndexConfig
	Timeout time.Duration
	Mode    Mode
}

// Hit is one neighbour.
type Hit struct {
	ID        int64     `json:"id"`
	Relevance float64   `json:"relevance"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Result holds at most k hits ordered by relevance, highest first.
type Result struct {
	Hits []Hit `json:"hits"`
}

// IDs projects the hits onto their record ids.
func (r *Result) IDs() []int64 {
	out := make([]int64, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.ID
	}
	return out
}

// Embeddings projects the hits onto their vectors. Empty in ids mode.
func (r *Result) Embeddings() [][]float32 {
	out := make([][]float32, 0, len(r.Hits))
	for _, h := range r.Hits {
		if h.Embedding != nil {
			out = append(out, h.Embedding)
		}
	}
	return out
}

// Executor searches one collection. It holds no per-call state and is
// safe for concurrent use when each caller passes its own Connection.
type Executor struct {
	collection string
	dim        int
	opts       Options
}

// New creates an Executor for collection, whose embeddings have dim values.
func New(collection string, dim int, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Mode == "" {
		opts.Mode = ModeIDs
	}
	return &Executor{collection: collection, dim: dim, opts: opts}
}

// YQL builds the nearestNeighbor query for k hits. A non-empty filter is
// conjoined verbatim; it is not parsed or validated here.
func (e *Executor) YQL(k int, filter string) string {
	annotations := []string{
		"targetHits: " + strconv.Itoa(k),
		"approximate: true",
	}
	params := e.opts.Index.SearchParams()
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		annotations = append(annotations, key+": "+params[key])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "select * from %s where {%s}nearestNeighbor(%s, %s)",
		e.collection, strings.Join(annotations, ", "), vespa.EmbeddingField, vespa.QueryInput)
	if f := strings.TrimSpace(filter); f != "" {
		fmt.Fprintf(&b, " and (%s)", f)
	}
	return b.String()
}

// Request builds the search request body.
func (e *Executor) Request(vector []float32, k int, filter string, timeout time.Duration) vespa.SearchRequest {
	req := vespa.SearchRequest{
		"yql":     e.YQL(k, filter),
		"hits":    k,
		"ranking": vespa.RankProfile,
		"timeout": strconv.FormatFloat(timeout.Seconds(), 'f', 3, 64) + "s",
	}
	req["input.query("+vespa.QueryInput+")"] = vector
	if e.opts.Mode == ModeIDs {
		req["presentation.summary"] = vespa.IDsSummary
	}
	return req
}

// Search returns up to k neighbours of vector using the configured timeout.
func (e *Executor) Search(ctx context.Context, c *conn.Connection, vector []float32, k int, filter string) (*Result, error) {
	return e.SearchWithTimeout(ctx, c, vector, k, filter, 0)
}

// SearchWithTimeout is Search with a per-call timeout; zero uses the
// configured one. Failed searches are never retried.
func (e *Executor) SearchWithTimeout(ctx context.Context, c *conn.Connection, vector []float32, k int, filter string, timeout time.Duration) (*Result, error) {
	if err := e.validate(vector, k); err != nil {
		return nil, err
	}
	if err := c.Check(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = e.opts.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.Session().Search(ctx, e.Request(vector, k, filter, timeout))
	if ctx.Err() == nil {
		c.Observe(err)
	}
	if err != nil {
		return nil, e.classify(ctx, err, timeout)
	}

	root := resp.Root
	if len(root.Errors) > 0 {
		if vespa.HasTimeout(root.Errors) {
			return nil, vberr.New(vberr.CodeQueryTimeout, "engine timed out the query",
				vberr.FieldCollection(e.collection), vberr.Field("timeout", timeout.String()))
		}
		return nil, vberr.New(vberr.CodeQueryRejected, "engine rejected the query: "+joinErrors(root.Errors),
			vberr.FieldCollection(e.collection))
	}

	return e.decode(root, k)
}

func (e *Executor) validate(vector []float32, k int) error {
	if len(vector) != e.dim {
		return vberr.New(vberr.CodeValidationQueryInvalid,
			fmt.Sprintf("query vector has %d values, collection dimension is %d", len(vector), e.dim),
			vberr.FieldCollection(e.collection))
	}
	if k <= 0 {
		return vberr.New(vberr.CodeValidationQueryInvalid,
			fmt.Sprintf("k must be positive, got %d", k), vberr.FieldCollection(e.collection))
	}
	for i, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return vberr.New(vberr.CodeValidationQueryInvalid,
				fmt.Sprintf("query vector value %d is not finite", i), vberr.FieldCollection(e.collection))
		}
	}
	return nil
}

func (e *Executor) classify(ctx context.Context, err error, timeout time.Duration) error {
	var (
		sse *vespa.SearchStatusError
		se  *vespa.StatusError
		me  *vespa.MalformedError
	)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return vberr.Errorf(vberr.CodeQueryTimeout, "search %s exceeded %s: %w", e.collection, timeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return vberr.Errorf(vberr.CodeQueryCanceled, "search %s canceled: %w", e.collection, err)
	case errors.As(err, &sse) && sse.Timeout():
		return vberr.Errorf(vberr.CodeQueryTimeout, "engine timed out search %s: %w", e.collection, err)
	case errors.As(err, &se):
		return vberr.With(vberr.Errorf(vberr.CodeQueryRejected, "engine rejected search %s: %w", e.collection, err),
			vberr.FieldStatus(se.Status))
	case errors.As(err, &me):
		return vberr.Errorf(vberr.CodeProtocolMalformed, "decoding search %s: %w", e.collection, err)
	default:
		return vberr.Errorf(vberr.CodeTransportFailure, "search %s: %w", e.collection, err)
	}
}

func (e *Executor) decode(root *vespa.SearchRoot, k int) (*Result, error) {
	hits := make([]Hit, 0, len(root.Children))
	for _, child := range root.Children {
		id, err := child.RecordID()
		if err != nil {
			return nil, vberr.Errorf(vberr.CodeProtocolMalformed, "decoding search %s: %w", e.collection, err)
		}
		h := Hit{ID: id, Relevance: child.Relevance}
		if e.opts.Mode == ModeEmbeddings {
			if h.Embedding, err = child.Embedding(); err != nil {
				return nil, vberr.Errorf(vberr.CodeProtocolMalformed, "decoding search %s: %w", e.collection, err)
			}
		}
		hits = append(hits, h)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Relevance > hits[j].Relevance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return &Result{Hits: hits}, nil
}

func joinErrors(errs []vespa.QueryError) string {
	parts := make([]string, len(errs))
	for i, qe := range errs {
		parts[i] = qe.String()
	}
	return strings.Join(parts, "; ")
}
