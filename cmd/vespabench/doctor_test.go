// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sigil-dev/vespabench/internal/vespa/vespatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoctor_RunsAllChecks(t *testing.T) {
	useSecretStore(t, newMockSecretStore())

	out, err := execute(t, "doctor")
	require.NoError(t, err)
	for _, name := range []string{"Binary:", "Platform:", "Config:", "Container Runtime:", "Engine:", "Server:", "Disk Space:"} {
		assert.Contains(t, out, name)
	}
}

func TestDoctor_HealthyDeployment(t *testing.T) {
	useSecretStore(t, newMockSecretStore())
	fake := vespatest.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	path := writeConfig(t, fake, "euclidean", fmt.Sprintf(
		"server:\n  listen: %s\ndeploy:\n  runtime: vespabench-no-such-runtime\n", addr))

	out, err := execute(t, "doctor", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "loaded from "+path)
	assert.NotContains(t, out, "invalid:")
	assert.Contains(t, out, "vespabench-no-such-runtime unavailable")
	assert.Contains(t, out, "up at "+fake.ConfigServer.URL)
	assert.Contains(t, out, "ok at "+addr)
	assert.Contains(t, out, "available in")
}

func TestDoctor_ReportsInvalidConfig(t *testing.T) {
	useSecretStore(t, newMockSecretStore())
	path := deployConfig(t, "collection: not-valid\nserver:\n  listen: 127.0.0.1:1\n")

	out, err := execute(t, "doctor", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "invalid:")
	assert.Contains(t, out, "not running at 127.0.0.1:1")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 bytes"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}
