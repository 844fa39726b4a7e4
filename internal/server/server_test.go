// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sigil-dev/vespabench/internal/adapter"
	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/query"
	"github.com/sigil-dev/vespabench/internal/server"
	"github.com/sigil-dev/vespabench/internal/vespa/vespatest"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 4

func newClient(t *testing.T, fake *vespatest.Server) *adapter.Client {
	t.Helper()
	idx := config.DefaultIndexConfig()
	idx.Metric = config.MetricEuclidean
	c, err := adapter.New(context.Background(), dim, fake.DBConfig(), idx, "bench", false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// newScopedServer returns a server over a client with an open scope.
func newScopedServer(t *testing.T, fake *vespatest.Server) (*server.Server, *adapter.Client) {
	t.Helper()
	c := newClient(t, fake)
	release, err := c.Init(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = release() })

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, c)
	require.NoError(t, err)
	return srv, c
}

func do(t *testing.T, srv *server.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func corpus(n int) ([][]float32, []int64) {
	embeddings := make([][]float32, n)
	ids := make([]int64, n)
	for i := range embeddings {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(math.Cos(float64(i*dim + j)))
		}
		embeddings[i] = v
		ids[i] = int64(i + 1)
	}
	return embeddings, ids
}

func TestServer_New_EmptyListenAddr(t *testing.T) {
	_, err := server.New(server.Config{}, nil)
	require.Error(t, err)
	assert.True(t, vberr.HasCode(err, vberr.CodeServerConfigInvalid), "expected CodeServerConfigInvalid, got %s", vberr.CodeOf(err))
	assert.Contains(t, err.Error(), "listen address is required")
}

func TestServer_New_NegativeMaxInFlight(t *testing.T) {
	_, err := server.New(server.Config{ListenAddr: "127.0.0.1:0", MaxInFlight: -1}, nil)
	require.Error(t, err)
	assert.True(t, vberr.HasCode(err, vberr.CodeServerConfigInvalid))
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)

	w := do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestServer_OpenAPISpec(t *testing.T) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)

	w := do(t, srv, http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, path := range []string{"/v1/insert", "/v1/search", "/v1/lifecycle/{hook}", "/v1/status"} {
		assert.Contains(t, body, path)
	}
}

func TestRoutes_InsertThenSearch(t *testing.T) {
	fake := vespatest.New(t)
	srv, _ := newScopedServer(t, fake)
	embeddings, ids := corpus(10)

	w := do(t, srv, http.MethodPost, "/v1/insert", map[string]any{"embeddings": embeddings, "ids": ids})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ins server.InsertBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ins))
	assert.Equal(t, 10, ins.Inserted)
	assert.Empty(t, ins.Error)
	assert.Len(t, fake.Documents("bench"), 10)

	w = do(t, srv, http.MethodPost, "/v1/search", map[string]any{"vector": embeddings[3], "k": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res server.SearchBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.IDs, 3)
	assert.Equal(t, ids[3], res.IDs[0])
	assert.Len(t, res.Hits, 3)
}

func TestRoutes_InsertPartialFailure(t *testing.T) {
	fake := vespatest.New(t)
	fake.FailPuts(func(id int64) int {
		if id == 3 {
			return http.StatusBadRequest
		}
		return 0
	})
	srv, _ := newScopedServer(t, fake)
	embeddings, ids := corpus(5)

	w := do(t, srv, http.MethodPost, "/v1/insert", map[string]any{"embeddings": embeddings, "ids": ids})
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())
	var ins server.InsertBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ins))
	assert.Equal(t, 4, ins.Inserted)
	assert.NotEmpty(t, ins.Error)
}

func TestRoutes_InsertLengthMismatch(t *testing.T) {
	fake := vespatest.New(t)
	srv, _ := newScopedServer(t, fake)
	embeddings, _ := corpus(3)

	w := do(t, srv, http.MethodPost, "/v1/insert", map[string]any{"embeddings": embeddings, "ids": []int64{1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int64(0), fake.Calls().Put)
}

func TestRoutes_InsertWithoutScope(t *testing.T) {
	fake := vespatest.New(t)
	c := newClient(t, fake)
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, c)
	require.NoError(t, err)
	embeddings, ids := corpus(2)

	w := do(t, srv, http.MethodPost, "/v1/insert", map[string]any{"embeddings": embeddings, "ids": ids})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRoutes_SearchWrongDimension(t *testing.T) {
	fake := vespatest.New(t)
	srv, _ := newScopedServer(t, fake)

	w := do(t, srv, http.MethodPost, "/v1/search", map[string]any{"vector": []float32{1, 2}, "k": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int64(0), fake.Calls().Search)
}

func TestRoutes_SearchRejectsZeroK(t *testing.T) {
	fake := vespatest.New(t)
	srv, _ := newScopedServer(t, fake)

	w := do(t, srv, http.MethodPost, "/v1/search", map[string]any{"vector": []float32{1, 2, 3, 4}, "k": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRoutes_Lifecycle(t *testing.T) {
	fake := vespatest.New(t)
	srv, c := newScopedServer(t, fake)
	before := fake.Calls().Total()

	steps := []struct {
		hook  string
		code  int
		phase string
	}{
		{server.HookOptimize, http.StatusOK, "optimized"},
		{server.HookReadyToLoad, http.StatusOK, "loading"},
		{server.HookOptimize, http.StatusOK, "optimized"},
		{server.HookReadyToSearch, http.StatusOK, "searching"},
		{"rebuild", http.StatusUnprocessableEntity, ""},
	}
	for _, step := range steps {
		w := do(t, srv, http.MethodPost, "/v1/lifecycle/"+step.hook, nil)
		require.Equal(t, step.code, w.Code, "hook %s: %s", step.hook, w.Body.String())
		if step.phase != "" {
			assert.Contains(t, w.Body.String(), step.phase)
		}
	}
	assert.Equal(t, adapter.PhaseSearching, c.Phase())
	assert.Equal(t, before, fake.Calls().Total(), "lifecycle hooks must not reach the engine")
}

func TestRoutes_Status(t *testing.T) {
	fake := vespatest.New(t)
	srv, c := newScopedServer(t, fake)

	w := do(t, srv, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st adapter.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, c.ID(), st.ID)
	assert.Equal(t, "bench", st.Collection)
	assert.Equal(t, dim, st.Dimension)
	assert.True(t, st.Scoped)
	require.NotNil(t, st.Health)
	assert.True(t, st.Health.Available)
}

type erroringBackend struct {
	err error
}

func (b erroringBackend) Insert(context.Context, [][]float32, []int64) (int, error) { return 0, b.err }
func (b erroringBackend) Query(context.Context, []float32, int, string, time.Duration) (*query.Result, error) {
	return nil, b.err
}
func (b erroringBackend) ReadyToLoad() error     { return b.err }
func (b erroringBackend) Optimize() error        { return b.err }
func (b erroringBackend) ReadyToSearch() error   { return b.err }
func (b erroringBackend) Status() adapter.Status { return adapter.Status{} }

func TestRoutes_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		code vberr.Code
		want int
	}{
		{vberr.CodeValidationQueryInvalid, http.StatusBadRequest},
		{vberr.CodeQueryRejected, http.StatusBadRequest},
		{vberr.CodeAdapterNotInitialized, http.StatusConflict},
		{vberr.CodeConnectionHeld, http.StatusConflict},
		{vberr.CodeQueryTimeout, http.StatusGatewayTimeout},
		{vberr.CodeQueryCanceled, 499},
		{vberr.CodeConnectionUnauthorized, http.StatusBadGateway},
		{vberr.CodeTransportFailure, http.StatusBadGateway},
		{vberr.CodeProtocolMalformed, http.StatusBadGateway},
		{vberr.CodeGroundTruthFailure, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"},
				erroringBackend{err: vberr.New(tt.code, "boom")})
			require.NoError(t, err)

			w := do(t, srv, http.MethodPost, "/v1/search", map[string]any{"vector": []float32{1}, "k": 1})
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), "boom")
		})
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	resp, err := http.Get(fmt.Sprintf("http://%s/health", ln.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down within timeout")
	}
}

func TestServer_StartBadAddress(t *testing.T) {
	srv, err := server.New(server.Config{ListenAddr: "256.0.0.1:99999"}, nil)
	require.NoError(t, err)

	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.True(t, vberr.HasCode(err, vberr.CodeServerStartFailure))
}
