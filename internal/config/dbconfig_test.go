// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sigil-dev/vespabench/internal/config"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNewDBConfig(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		credential string
		wantErr    bool
	}{
		{"valid", "http://127.0.0.1:8080", "token", false},
		{"https", "https://vespa.example.com", "token", false},
		{"empty endpoint", "", "token", true},
		{"blank endpoint", "   ", "token", true},
		{"empty credential", "http://127.0.0.1:8080", "", true},
		{"no scheme", "127.0.0.1:8080", "token", true},
		{"wrong scheme", "ftp://host", "token", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.NewDBConfig(tt.endpoint, tt.credential)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, vberr.IsConfig(err))
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, config.DefaultConfigEndpoint, cfg.ConfigEndpoint)
		})
	}
}

func TestDBConfig_ValidationErrorDoesNotEchoEndpoint(t *testing.T) {
	_, err := config.NewDBConfig("tcp://secret-host.internal:8080", "token")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-host")
}

func TestConnectionParams_NeverRendersSecrets(t *testing.T) {
	const endpoint = "http://private-vespa.internal:8080"
	const credential = "very-secret-credential"

	cfg, err := config.NewDBConfig(endpoint, credential)
	require.NoError(t, err)
	params := cfg.ConnectionParams()

	rendered := []string{
		fmt.Sprintf("%v", params),
		fmt.Sprintf("%+v", params),
		fmt.Sprintf("%#v", params),
		fmt.Sprintf("%v", cfg),
		fmt.Sprintf("%+v", *cfg),
	}
	j, err := json.Marshal(params)
	require.NoError(t, err)
	rendered = append(rendered, string(j))
	y, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	rendered = append(rendered, string(y))

	for _, out := range rendered {
		assert.NotContains(t, out, credential)
		assert.NotContains(t, out, "private-vespa")
	}

	assert.Equal(t, endpoint, params.Endpoint.Reveal())
	assert.Equal(t, credential, params.Credential.Reveal())
}
