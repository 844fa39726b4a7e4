// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets_test

import (
	"testing"

	"github.com/sigil-dev/vespabench/internal/secrets"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyringURI(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		wantService string
		wantKey     string
		wantErr     bool
	}{
		{"valid", "keyring://vespabench/credential", "vespabench", "credential", false},
		{"slashes in key", "keyring://vespabench/cloud/token", "vespabench", "cloud/token", false},
		{"not a keyring URI", "vault://secret/key", "", "", true},
		{"missing key", "keyring://vespabench/", "", "", true},
		{"missing service", "keyring:///key", "", "", true},
		{"no path", "keyring://vespabench", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, key, err := secrets.ParseKeyringURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, vberr.HasCode(err, vberr.CodeSecretInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantService, svc)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestResolveKeyringURI(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Store("vespabench", "resolve-credential", "tok-123"))

	val, err := secrets.ResolveKeyringURI(ks, "keyring://vespabench/resolve-credential")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", val)

	val, err = secrets.ResolveKeyringURI(ks, "http://127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", val)

	_, err = secrets.ResolveKeyringURI(ks, "keyring://vespabench/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolving keyring URI")
	assert.True(t, vberr.HasCode(err, vberr.CodeSecretNotFound))
}

func TestResolveViperSecrets(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Store("vespabench", "viper-endpoint", "https://vespa.internal:8080"))
	require.NoError(t, ks.Store("vespabench", "viper-credential", "tok-abc"))

	v := viper.New()
	v.Set("db.endpoint", "keyring://vespabench/viper-endpoint")
	v.Set("db.credential", "keyring://vespabench/viper-credential")
	v.Set("collection", "bench")

	require.NoError(t, secrets.ResolveViperSecrets(v, ks))

	assert.Equal(t, "https://vespa.internal:8080", v.GetString("db.endpoint"))
	assert.Equal(t, "tok-abc", v.GetString("db.credential"))
	assert.Equal(t, "bench", v.GetString("collection"))
}

func TestResolveViperSecrets_MissingSecretNamesKey(t *testing.T) {
	v := viper.New()
	v.Set("db.credential", "keyring://vespabench/never-stored")

	err := secrets.ResolveViperSecrets(v, secrets.NewKeyringStore())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.credential")
	assert.Contains(t, err.Error(), "keyring://vespabench/never-stored")
	assert.True(t, vberr.HasCode(err, vberr.CodeSecretNotFound))
	assert.True(t, vberr.IsNotFound(err))
	assert.Equal(t, "db.credential", vberr.FieldsOf(err)["config_key"])
}
