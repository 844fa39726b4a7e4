// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/vespabench/internal/adapter"
	"github.com/sigil-dev/vespabench/internal/query"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// Lifecycle hooks accepted by POST /v1/lifecycle/{hook}.
const (
	HookReadyToLoad   = "ready-to-load"
	HookOptimize      = "optimize"
	HookReadyToSearch = "ready-to-search"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "insert",
		Method:      http.MethodPost,
		Path:        "/v1/insert",
		Summary:     "Insert embeddings",
		Tags:        []string{"data"},
	}, s.handleInsert)

	huma.Register(s.api, huma.Operation{
		OperationID: "search",
		Method:      http.MethodPost,
		Path:        "/v1/search",
		Summary:     "Search nearest neighbours",
		Tags:        []string{"data"},
	}, s.handleSearch)

	huma.Register(s.api, huma.Operation{
		OperationID: "lifecycle",
		Method:      http.MethodPost,
		Path:        "/v1/lifecycle/{hook}",
		Summary:     "Signal a benchmark phase",
		Tags:        []string{"lifecycle"},
	}, s.handleLifecycle)

	huma.Register(s.api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/v1/status",
		Summary:     "Client status",
		Tags:        []string{"system"},
	}, s.handleStatus)
}

// --- Request/Response types for huma ---

type insertInput struct {
	Body struct {
		Embeddings [][]float32 `json:"embeddings" doc:"One vector per id"`
		IDs        []int64     `json:"ids" doc:"Record ids, paired with embeddings by position"`
	}
}

// InsertBody reports how many records were stored. Error is set when only
// some of them were.
type InsertBody struct {
	Inserted int    `json:"inserted" doc:"Records stored"`
	Error    string `json:"error,omitempty" doc:"Failure summary for a partial insert"`
}

type insertOutput struct {
	Status int
	Body   InsertBody
}

type searchInput struct {
	Body struct {
		Vector    []float32 `json:"vector" minItems:"1" doc:"Query vector"`
		K         int       `json:"k" minimum:"1" doc:"Number of neighbours"`
		Filter    string    `json:"filter,omitempty" doc:"Optional filter expression"`
		TimeoutMS int       `json:"timeout_ms,omitempty" minimum:"0" doc:"Search timeout; 0 uses the client default"`
	}
}

// SearchBody lists neighbours, best first.
type SearchBody struct {
	IDs  []int64     `json:"ids"`
	Hits []query.Hit `json:"hits"`
}

type searchOutput struct {
	Body SearchBody
}

type lifecycleInput struct {
	Hook string `path:"hook" enum:"ready-to-load,optimize,ready-to-search"`
}

type lifecycleOutput struct {
	Body struct {
		Phase string `json:"phase" example:"loading"`
	}
}

type statusOutput struct {
	Body adapter.Status
}

// --- Handlers ---

func (s *Server) handleInsert(ctx context.Context, input *insertInput) (*insertOutput, error) {
	n, err := s.backend.Insert(ctx, input.Body.Embeddings, input.Body.IDs)
	out := &insertOutput{Status: http.StatusOK, Body: InsertBody{Inserted: n}}
	if err != nil {
		if !vberr.HasCode(err, vberr.CodeFeedPartialFailure) {
			return nil, toHTTPError("inserting records", err)
		}
		out.Status = http.StatusMultiStatus
		out.Body.Error = err.Error()
	}
	return out, nil
}

func (s *Server) handleSearch(ctx context.Context, input *searchInput) (*searchOutput, error) {
	timeout := time.Duration(input.Body.TimeoutMS) * time.Millisecond
	res, err := s.backend.Query(ctx, input.Body.Vector, input.Body.K, input.Body.Filter, timeout)
	if err != nil {
		return nil, toHTTPError("searching", err)
	}
	return &searchOutput{Body: SearchBody{IDs: res.IDs(), Hits: res.Hits}}, nil
}

func (s *Server) handleLifecycle(_ context.Context, input *lifecycleInput) (*lifecycleOutput, error) {
	var err error
	switch input.Hook {
	case HookReadyToLoad:
		err = s.backend.ReadyToLoad()
	case HookOptimize:
		err = s.backend.Optimize()
	case HookReadyToSearch:
		err = s.backend.ReadyToSearch()
	default:
		return nil, huma.Error404NotFound(fmt.Sprintf("unknown lifecycle hook %q", input.Hook))
	}
	if err != nil {
		return nil, toHTTPError(input.Hook, err)
	}
	out := &lifecycleOutput{}
	out.Body.Phase = s.backend.Status().Phase
	return out, nil
}

func (s *Server) handleStatus(_ context.Context, _ *struct{}) (*statusOutput, error) {
	return &statusOutput{Body: s.backend.Status()}, nil
}

// toHTTPError maps a coded error onto the closest HTTP status.
// statusClientClosedRequest is reported when the caller went away mid-request.
const statusClientClosedRequest = 499

func toHTTPError(op string, err error) huma.StatusError {
	msg := fmt.Sprintf("%s: %s", op, err.Error())
	code := vberr.CodeOf(err)
	switch {
	case vberr.IsValidation(err), vberr.IsConfig(err), code == vberr.CodeQueryRejected:
		return huma.Error400BadRequest(msg)
	case code == vberr.CodeAdapterNotInitialized, code == vberr.CodeAdapterTransitionInvalid, vberr.IsConflict(err):
		return huma.Error409Conflict(msg)
	case vberr.IsTimeout(err):
		return huma.Error504GatewayTimeout(msg)
	case vberr.IsCanceled(err):
		return huma.NewError(statusClientClosedRequest, msg)
	case vberr.IsConnection(err), vberr.IsTransport(err), vberr.IsProtocol(err), vberr.IsSchema(err):
		return huma.Error502BadGateway(msg)
	default:
		slog.Error("unexpected handler error", "op", op, "code", code, "error", err)
		return huma.Error500InternalServerError(msg)
	}
}
