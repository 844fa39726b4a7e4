// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package vespa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

const (
	healthPath  = "/state/v1/health"
	deployPath  = "/application/v2/tenant/default/prepareandactivate"
	contentPath = "/application/v2/tenant/default/application/default/environment/prod/region/default/instance/default/content/"
)

// HealthUp is the status code a ready service reports.
const HealthUp = "up"

type healthResponse struct {
	Status struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
}

// Health returns the status code reported by p's /state/v1/health.
func (s *Session) Health(ctx context.Context, p Plane) (string, error) {
	op := "health " + p.String()
	resp, err := s.do(ctx, p, http.MethodGet, healthPath, "", nil)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", resp.statusError(op)
	}

	var h healthResponse
	if err := json.Unmarshal(resp.body, &h); err != nil {
		return "", &MalformedError{Op: op, Err: err}
	}
	return h.Status.Code, nil
}

// Deploy uploads a zipped application package and activates it.
func (s *Session) Deploy(ctx context.Context, pkg []byte) error {
	resp, err := s.do(ctx, ConfigPlane, http.MethodPost, deployPath, "application/zip", pkg)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.statusError("deploy")
	}
	return nil
}

// FetchSchema returns the deployed .sd for name. found is false when the
// schema (or any application at all) is not deployed.
func (s *Session) FetchSchema(ctx context.Context, name string) (sd string, found bool, err error) {
	resp, err := s.do(ctx, ConfigPlane, http.MethodGet, contentPath+"schemas/"+url.PathEscape(name)+".sd", "", nil)
	if err != nil {
		return "", false, err
	}
	if resp.status == http.StatusNotFound {
		return "", false, nil
	}
	if !resp.ok() {
		return "", false, resp.statusError("fetch schema")
	}
	return string(resp.body), true, nil
}

