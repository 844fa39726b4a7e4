// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package query_test

import (
	"context"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/conn"
	"github.com/sigil-dev/vespabench/internal/query"
	"github.com/sigil-dev/vespabench/internal/vespa"
	"github.com/sigil-dev/vespabench/internal/vespa/vespatest"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const collection = "bench"

func setup(t *testing.T, dim int) (*vespatest.Server, *conn.Connection) {
	t.Helper()
	fake := vespatest.New(t)
	fake.Seed(vespa.Schema{Name: collection, Dimension: dim, IndexParams: map[string]string{"distance-metric": "angular"}})
	c, release, err := conn.NewManager(fake.DBConfig()).Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = release() })
	return fake, c
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func respond(status int, body string) vespatest.SearchHandler {
	return func(vespa.SearchRequest) (int, []byte, bool) { return status, []byte(body), true }
}

func TestSearch_SingleMatchingRecord(t *testing.T) {
	_, c := setup(t, 1536)
	require.NoError(t, c.Session().Put(context.Background(), collection, collection, 1, filled(1536, 0.1)))

	e := query.New(collection, 1536, query.Options{})
	res, err := e.Search(context.Background(), c, filled(1536, 0.1), 10, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.IDs())
}

func TestSearch_WrongDimensionMakesNoRequest(t *testing.T) {
	fake, c := setup(t, 1536)
	before := fake.Calls().Total()

	_, err := query.New(collection, 1536, query.Options{}).Search(context.Background(), c, filled(100, 0.1), 10, "")
	require.Error(t, err)
	assert.True(t, vberr.IsValidation(err))
	assert.Equal(t, before, fake.Calls().Total())
	assert.Zero(t, fake.Calls().Search)
}

func TestSearch_NonPositiveK(t *testing.T) {
	fake, c := setup(t, 2)
	_, err := query.New(collection, 2, query.Options{}).Search(context.Background(), c, []float32{1, 2}, 0, "")
	require.Error(t, err)
	assert.True(t, vberr.IsValidation(err))
	assert.Zero(t, fake.Calls().Search)
}

func TestYQL(t *testing.T) {
	e := query.New(collection, 4, query.Options{})
	assert.Equal(t,
		"select * from bench where {targetHits: 10, approximate: true}nearestNeighbor(embedding, query_embedding)",
		e.YQL(10, ""))
	assert.Equal(t,
		"select * from bench where {targetHits: 5, approximate: true}nearestNeighbor(embedding, query_embedding) and (id > 100)",
		e.YQL(5, "  id > 100 "))

	idx := config.DefaultIndexConfig()
	idx.ExploreAdditionalHits = 200
	e = query.New(collection, 4, query.Options{Index: idx})
	assert.Equal(t,
		"select * from bench where {targetHits: 3, approximate: true, hnsw.exploreAdditionalHits: 200}nearestNeighbor(embedding, query_embedding)",
		e.YQL(3, ""))
}

func TestRequest(t *testing.T) {
	vec := []float32{1, 2}
	req := query.New(collection, 2, query.Options{}).Request(vec, 7, "", 1500*time.Millisecond)
	assert.Equal(t, 7, req["hits"])
	assert.Equal(t, "default", req["ranking"])
	assert.Equal(t, "1.500s", req["timeout"])
	assert.Equal(t, "ids", req["presentation.summary"])
	assert.Equal(t, vec, req["input.query(query_embedding)"])

	req = query.New(collection, 2, query.Options{Mode: query.ModeEmbeddings}).Request(vec, 7, "", time.Second)
	assert.NotContains(t, req, "presentation.summary")
}

func TestSearch_FilterPassesThrough(t *testing.T) {
	fake, c := setup(t, 2)
	_, err := query.New(collection, 2, query.Options{}).Search(context.Background(), c, []float32{1, 0}, 3, `id < 10`)
	require.NoError(t, err)
	assert.Contains(t, fake.LastSearch()["yql"], "and (id < 10)")
}

func TestSearch_EmbeddingsMode(t *testing.T) {
	_, c := setup(t, 2)
	ctx := context.Background()
	require.NoError(t, c.Session().Put(ctx, collection, collection, 1, []float32{1, 0}))
	require.NoError(t, c.Session().Put(ctx, collection, collection, 2, []float32{0, 1}))

	res, err := query.New(collection, 2, query.Options{Mode: query.ModeEmbeddings}).Search(ctx, c, []float32{1, 0.1}, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, res.IDs())
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, res.Embeddings())
}

func TestSearch_OrdersAndTruncates(t *testing.T) {
	fake, c := setup(t, 2)
	fake.HandleSearch(respond(http.StatusOK, `{"root":{"id":"toplevel","children":[
		{"id":"id:bench:bench::1","relevance":0.2,"fields":{"id":1}},
		{"id":"id:bench:bench::2","relevance":0.9,"fields":{"id":2}},
		{"id":"id:bench:bench::3","relevance":0.5,"fields":{"id":3}},
		{"id":"id:bench:bench::4","relevance":0.5,"fields":{"id":4}}
	]}}`))

	res, err := query.New(collection, 2, query.Options{}).Search(context.Background(), c, []float32{1, 0}, 3, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, res.IDs())
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler vespatest.SearchHandler
		check   func(error) bool
	}{
		{
			name:    "rejected status",
			handler: respond(http.StatusBadRequest, string(vespatest.SearchErrorBody(4, "Invalid query parameter", "bad yql"))),
			check:   vberr.IsQuery,
		},
		{
			name:    "soft error in 200",
			handler: respond(http.StatusOK, string(vespatest.SearchErrorBody(4, "Invalid query parameter", "bad"))),
			check:   vberr.IsQuery,
		},
		{
			name:    "engine timeout code",
			handler: respond(http.StatusOK, string(vespatest.SearchErrorBody(vespa.ErrorCodeTimeout, "Timed out", "query timed out"))),
			check:   vberr.IsTimeout,
		},
		{
			name:    "gateway timeout",
			handler: respond(http.StatusGatewayTimeout, `{}`),
			check:   vberr.IsTimeout,
		},
		{
			name:    "undecodable body",
			handler: respond(http.StatusOK, `{"root": [`),
			check:   vberr.IsProtocol,
		},
		{
			name:    "missing root",
			handler: respond(http.StatusOK, `{}`),
			check:   vberr.IsProtocol,
		},
		{
			name:    "hit without id",
			handler: respond(http.StatusOK, `{"root":{"children":[{"id":"index:content/0/1","relevance":1,"fields":{}}]}}`),
			check:   vberr.IsProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, c := setup(t, 2)
			fake.HandleSearch(tt.handler)

			res, err := query.New(collection, 2, query.Options{}).Search(context.Background(), c, []float32{1, 0}, 5, "")
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, tt.check(err), "unexpected classification: %v (code %s)", err, vberr.CodeOf(err))
			assert.False(t, c.Broken(), "a failed query does not break the connection")
		})
	}
}

func TestSearch_RejectedCarriesStatus(t *testing.T) {
	fake, c := setup(t, 2)
	fake.HandleSearch(respond(http.StatusBadRequest, `{}`))

	_, err := query.New(collection, 2, query.Options{}).Search(context.Background(), c, []float32{1, 0}, 5, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, vberr.FieldsOf(err)["status"])
}

func TestSearch_CallerTimeout(t *testing.T) {
	fake, c := setup(t, 2)
	fake.SetSearchDelay(time.Second)

	e := query.New(collection, 2, query.Options{})
	start := time.Now()
	res, err := e.SearchWithTimeout(context.Background(), c, []float32{1, 0}, 5, "", 30*time.Millisecond)
	require.Error(t, err)
	assert.Nil(t, res, "no partial result on timeout")
	assert.True(t, vberr.IsTimeout(err))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestSearch_RepeatedTimeoutsKeepConnectionUsable(t *testing.T) {
	fake, c := setup(t, 2)
	require.NoError(t, c.Session().Put(context.Background(), collection, collection, 1, []float32{1, 0}))
	fake.SetSearchDelay(200 * time.Millisecond)

	e := query.New(collection, 2, query.Options{})
	for range 5 {
		_, err := e.SearchWithTimeout(context.Background(), c, []float32{1, 0}, 5, "", 20*time.Millisecond)
		require.Error(t, err)
		assert.True(t, vberr.HasCode(err, vberr.CodeQueryTimeout))
	}
	assert.False(t, c.Broken())

	fake.SetSearchDelay(0)
	res, err := e.Search(context.Background(), c, []float32{1, 0}, 5, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.IDs())
}

func TestSearch_CallerCancel(t *testing.T) {
	fake, c := setup(t, 2)
	fake.SetSearchDelay(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := query.New(collection, 2, query.Options{}).Search(ctx, c, []float32{1, 0}, 5, "")
	require.Error(t, err)
	assert.True(t, vberr.HasCode(err, vberr.CodeQueryCanceled))
	assert.True(t, vberr.IsCanceled(err))
	assert.False(t, vberr.IsTransport(err))
	assert.False(t, c.Broken())
}

func TestSearch_NonFiniteVectorMakesNoRequest(t *testing.T) {
	tests := map[string]float32{
		"nan":  float32(math.NaN()),
		"+inf": float32(math.Inf(1)),
		"-inf": float32(math.Inf(-1)),
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			fake, c := setup(t, 2)
			_, err := query.New(collection, 2, query.Options{}).Search(context.Background(), c, []float32{v, 1}, 5, "")
			require.Error(t, err)
			assert.True(t, vberr.HasCode(err, vberr.CodeValidationQueryInvalid))
			assert.Zero(t, fake.Calls().Search)
		})
	}
}

func TestSearch_NoClientRetry(t *testing.T) {
	fake, c := setup(t, 2)
	fake.HandleSearch(respond(http.StatusServiceUnavailable, `{}`))

	_, err := query.New(collection, 2, query.Options{}).Search(context.Background(), c, []float32{1, 0}, 5, "")
	require.Error(t, err)
	assert.Equal(t, int64(1), fake.Calls().Search)
}
