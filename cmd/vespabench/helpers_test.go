// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sigil-dev/vespabench/internal/secrets"
	"github.com/sigil-dev/vespabench/internal/vespa/vespatest"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/stretchr/testify/require"
)

// mockSecretStore is an in-memory secrets.Store for testing.
type mockSecretStore struct {
	data map[string]string // key -> value (service is always "vespabench")
}

func newMockSecretStore(keys ...string) *mockSecretStore {
	m := &mockSecretStore{data: make(map[string]string)}
	for _, k := range keys {
		m.data[k] = "redacted"
	}
	return m
}

func (m *mockSecretStore) Store(_, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *mockSecretStore) Retrieve(_, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", vberr.Errorf(vberr.CodeSecretNotFound, "not found")
	}
	return v, nil
}

func (m *mockSecretStore) Delete(_, key string) error {
	if _, ok := m.data[key]; !ok {
		return vberr.Errorf(vberr.CodeSecretNotFound, "not found")
	}
	delete(m.data, key)
	return nil
}

func (m *mockSecretStore) List(_ string) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// useSecretStore swaps the keyring for store until the test ends.
func useSecretStore(t *testing.T, store secrets.Store) {
	t.Helper()
	old := secretStoreFactory
	secretStoreFactory = func() secrets.Store { return store }
	t.Cleanup(func() { secretStoreFactory = old })
}

// execute runs the CLI with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// writeConfig writes a config file pointing at fake and returns its path.
// extra is appended verbatim.
func writeConfig(t *testing.T, fake *vespatest.Server, metric, extra string) string {
	t.Helper()
	dir := t.TempDir()
	p := fake.Params()
	body := fmt.Sprintf(`db:
  endpoint: %s
  credential: %s
  config_endpoint: %s
collection: bench
dimension: 4
case:
  metric: %s
feed:
  workers: 4
  max_retries: 1
  initial_backoff: 1ms
ground_truth:
  path: %s
log:
  level: error
%s`, p.Endpoint.Reveal(), p.Credential.Reveal(), p.ConfigEndpoint, metric,
		filepath.Join(dir, "truth.db"), extra)

	path := filepath.Join(dir, "vespabench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
