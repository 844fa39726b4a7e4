// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package vespa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// DocumentID renders the full document id for a numeric record id.
func DocumentID(namespace, doctype string, id int64) string {
	return fmt.Sprintf("id:%s:%s::%d", namespace, doctype, id)
}

type putBody struct {
	Fields putFields `json:"fields"`
}

type putFields struct {
	ID        int64     `json:"id"`
	Embedding []float32 `json:"embedding"`
}

func documentPath(namespace, doctype string) string {
	return "/document/v1/" + url.PathEscape(namespace) + "/" + url.PathEscape(doctype) + "/docid"
}

// Put writes one document. An existing document with the same id is replaced.
func (s *Session) Put(ctx context.Context, namespace, doctype string, id int64, embedding []float32) error {
	body, err := json.Marshal(putBody{Fields: putFields{ID: id, Embedding: embedding}})
	if err != nil {
		return fmt.Errorf("vespa: encoding document %d: %w", id, err)
	}

	path := documentPath(namespace, doctype) + "/" + strconv.FormatInt(id, 10)
	resp, err := s.do(ctx, DataPlane, http.MethodPost, path, "application/json", body)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.statusError("put")
	}
	return nil
}

type visitResponse struct {
	DocumentCount int64  `json:"documentCount"`
	Continuation  string `json:"continuation"`
}

// DeleteAll removes every document of doctype by visiting the content
// cluster, following continuation tokens until the visit completes.
func (s *Session) DeleteAll(ctx context.Context, namespace, doctype string) (int64, error) {
	var total int64
	continuation := ""
	for {
		q := url.Values{}
		q.Set("selection", "true")
		q.Set("cluster", ContentCluster)
		if continuation != "" {
			q.Set("continuation", continuation)
		}

		resp, err := s.do(ctx, DataPlane, http.MethodDelete, documentPath(namespace, doctype)+"?"+q.Encode(), "", nil)
		if err != nil {
			return total, err
		}
		if !resp.ok() {
			return total, resp.statusError("delete all")
		}

		var v visitResponse
		if len(resp.body) > 0 {
			if err := json.Unmarshal(resp.body, &v); err != nil {
				return total, &MalformedError{Op: "delete all", Err: err}
			}
		}
		total += v.DocumentCount
		if v.Continuation == "" {
			return total, nil
		}
		continuation = v.Continuation

		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
