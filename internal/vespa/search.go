// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package vespa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const searchPath = "/search/"

// ErrorCodeTimeout is the search container's error code for a query that
// ran out of time.
const ErrorCodeTimeout = 12

// SearchRequest is the JSON body of a POST /search/ call. Keys are Vespa
// query parameters, e.g. "yql", "hits", "input.query(query_embedding)".
type SearchRequest map[string]any

// SearchResponse is the decoded body of a search call.
type SearchResponse struct {
	Root *SearchRoot `json:"root"`
}

// SearchRoot is the top-level result group.
type SearchRoot struct {
	ID     string `json:"id"`
	Fields struct {
		TotalCount int64 `json:"totalCount"`
	} `json:"fields"`
	Coverage *struct {
		Coverage  int  `json:"coverage"`
		Documents int  `json:"documents"`
		Full      bool `json:"full"`
	} `json:"coverage,omitempty"`
	Children []SearchHit  `json:"children"`
	Errors   []QueryError `json:"errors"`
}

// SearchHit is one hit in the result list.
type SearchHit struct {
	ID        string                     `json:"id"`
	Relevance float64                    `json:"relevance"`
	Source    string                     `json:"source"`
	Fields    map[string]json.RawMessage `json:"fields"`
}

// QueryError is an error the search container reported in root.errors.
type QueryError struct {
	Code    int    `json:"code"`
	Summary string `json:"summary"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

func (e QueryError) String() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Code, e.Summary)
	}
	return fmt.Sprintf("%d %s: %s", e.Code, e.Summary, e.Message)
}

// SearchStatusError is a non-2xx search response with whatever root.errors
// the body carried.
type SearchStatusError struct {
	StatusError
	Errors []QueryError
}

func (e *SearchStatusError) Unwrap() error { return &e.StatusError }

// Timeout reports whether the engine gave up on the query for lack of time.
func (e *SearchStatusError) Timeout() bool {
	if e.Status == http.StatusGatewayTimeout {
		return true
	}
	return HasTimeout(e.Errors)
}

// HasTimeout reports whether any error is a query timeout.
func HasTimeout(errs []QueryError) bool {
	for _, qe := range errs {
		if qe.Code == ErrorCodeTimeout {
			return true
		}
	}
	return false
}

// Search issues one query. A 2xx response is decoded and returned even when
// root.errors is non-empty; the caller decides what a soft error means.
func (s *Session) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("vespa: encoding search request: %w", err)
	}

	resp, err := s.do(ctx, DataPlane, http.MethodPost, searchPath, "application/json", body)
	if err != nil {
		return nil, err
	}

	if !resp.ok() {
		se := &SearchStatusError{StatusError: *resp.statusError("search")}
		var decoded SearchResponse
		if json.Unmarshal(resp.body, &decoded) == nil && decoded.Root != nil {
			se.Errors = decoded.Root.Errors
		}
		return nil, se
	}

	var decoded SearchResponse
	if err := json.Unmarshal(resp.body, &decoded); err != nil {
		return nil, &MalformedError{Op: "search", Err: err}
	}
	if decoded.Root == nil {
		return nil, &MalformedError{Op: "search", Err: errors.New("missing root")}
	}
	return &decoded, nil
}

// RecordID resolves the numeric record id of a hit, from the id summary
// field when present, otherwise from the document id "id:ns:type::N".
func (h SearchHit) RecordID() (int64, error) {
	if raw, ok := h.Fields[IDField]; ok {
		var id int64
		if err := json.Unmarshal(raw, &id); err != nil {
			return 0, fmt.Errorf("hit %q: field %s: %w", h.ID, IDField, err)
		}
		return id, nil
	}

	if i := strings.LastIndex(h.ID, "::"); i >= 0 && strings.HasPrefix(h.ID, "id:") {
		id, err := strconv.ParseInt(h.ID[i+2:], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hit %q: %w", h.ID, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("hit %q: no record id", h.ID)
}

// Embedding decodes the embedding summary field. Both the short tensor
// form {"type": ..., "values": [...]} and a bare array are accepted.
func (h SearchHit) Embedding() ([]float32, error) {
	raw, ok := h.Fields[EmbeddingField]
	if !ok {
		return nil, fmt.Errorf("hit %q: no %s field", h.ID, EmbeddingField)
	}

	var values []float32
	if err := json.Unmarshal(raw, &values); err == nil {
		return values, nil
	}

	var tensor struct {
		Values []float32 `json:"values"`
		Cells  []struct {
			Address map[string]string `json:"address"`
			Value   float32           `json:"value"`
		} `json:"cells"`
	}
	if err := json.Unmarshal(raw, &tensor); err != nil {
		return nil, fmt.Errorf("hit %q: field %s: %w", h.ID, EmbeddingField, err)
	}
	if tensor.Values != nil {
		return tensor.Values, nil
	}
	if len(tensor.Cells) > 0 {
		out := make([]float32, len(tensor.Cells))
		for _, c := range tensor.Cells {
			idx, err := strconv.Atoi(c.Address["x"])
			if err != nil || idx < 0 || idx >= len(out) {
				return nil, fmt.Errorf("hit %q: bad tensor cell address %v", h.ID, c.Address)
			}
			out[idx] = c.Value
		}
		return out, nil
	}
	return nil, fmt.Errorf("hit %q: field %s has no values", h.ID, EmbeddingField)
}
