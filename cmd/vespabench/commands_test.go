// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/sigil-dev/vespabench/internal/vespa/vespatest"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"deploy", "provision", "run", "serve", "secret", "config", "doctor", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vespabench dev")
}

func TestRootCommand_MissingConfigFile(t *testing.T) {
	_, err := execute(t, "config", "show", "--config", "/nonexistent/path.yaml")
	require.Error(t, err)
	assert.True(t, vberr.HasCode(err, vberr.CodeConfigLoadReadFailure))
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	useSecretStore(t, newMockSecretStore())
	fake := vespatest.New(t)
	path := writeConfig(t, fake, "euclidean", "")

	out, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "collection: bench")
	assert.Contains(t, out, "dimension: 4")
	assert.Contains(t, out, "**********")
	assert.NotContains(t, out, vespatest.Credential)
	assert.NotContains(t, out, fake.Container.URL)
}

func TestConfigShow_ResolvesKeyringReferences(t *testing.T) {
	fake := vespatest.New(t)
	store := newMockSecretStore()
	store.data["credential"] = vespatest.Credential
	useSecretStore(t, store)

	path := writeConfig(t, fake, "euclidean", "")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	patched := strings.Replace(string(raw), "credential: "+vespatest.Credential, "credential: keyring://vespabench/credential", 1)
	require.NoError(t, os.WriteFile(path, []byte(patched), 0o600))

	_, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)

	delete(store.data, "credential")
	_, err = execute(t, "config", "show", "--config", path)
	require.Error(t, err)
}

func TestConfigShow_InvalidConfig(t *testing.T) {
	useSecretStore(t, newMockSecretStore())
	path := filepath.Join(t.TempDir(), "vespabench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("collection: not-valid\n"), 0o600))

	_, err := execute(t, "config", "show", "--config", path)
	require.Error(t, err)
	assert.True(t, vberr.IsConfig(err))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vespabench.yaml")

	out, err := execute(t, "config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Config written to")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "keyring://vespabench/credential")

	out, err = execute(t, "config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestSecretSet(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		stdin string
		want  string
	}{
		{"flag", []string{"secret", "set", "credential", "--value", "s3cret"}, "", "s3cret"},
		{"stdin", []string{"secret", "set", "credential"}, "piped\n", "piped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockSecretStore()
			useSecretStore(t, store)

			root := NewRootCmd()
			buf := new(bytes.Buffer)
			root.SetOut(buf)
			root.SetIn(strings.NewReader(tt.stdin))
			root.SetArgs(tt.args)
			require.NoError(t, root.Execute())

			assert.Equal(t, tt.want, store.data["credential"])
			assert.Contains(t, buf.String(), "keyring://vespabench/credential")
			assert.NotContains(t, buf.String(), tt.want)
		})
	}
}

func TestSecretSet_EmptyValue(t *testing.T) {
	useSecretStore(t, newMockSecretStore())

	root := NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetIn(strings.NewReader("\n"))
	root.SetArgs([]string{"secret", "set", "credential"})
	err := root.Execute()
	require.Error(t, err)
	assert.True(t, vberr.HasCode(err, vberr.CodeSecretInvalidInput))
}

func TestSecretList(t *testing.T) {
	tests := []struct {
		name     string
		keys     []string
		wantKeys []string
		wantMsg  string
	}{
		{name: "empty store", wantMsg: "No secrets stored.\n"},
		{name: "single key", keys: []string{"endpoint"}, wantKeys: []string{"endpoint"}},
		{name: "multiple keys", keys: []string{"endpoint", "credential"}, wantKeys: []string{"credential", "endpoint"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useSecretStore(t, newMockSecretStore(tt.keys...))

			out, err := execute(t, "secret", "list")
			require.NoError(t, err)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, out)
				return
			}
			lines := strings.Split(strings.TrimSpace(out), "\n")
			assert.True(t, sort.StringsAreSorted(lines))
			assert.Equal(t, tt.wantKeys, lines)
		})
	}
}

func TestSecretDelete(t *testing.T) {
	store := newMockSecretStore("credential")
	useSecretStore(t, store)

	out, err := execute(t, "secret", "delete", "credential")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted secret: credential")
	assert.Empty(t, store.data)

	_, err = execute(t, "secret", "delete", "credential")
	require.Error(t, err)
	assert.True(t, vberr.HasCode(err, vberr.CodeSecretNotFound))
}

func TestSecretDelete_RequiresName(t *testing.T) {
	useSecretStore(t, newMockSecretStore())
	_, err := execute(t, "secret", "delete")
	require.Error(t, err)
}

func TestProvision(t *testing.T) {
	useSecretStore(t, newMockSecretStore())
	fake := vespatest.New(t)
	path := writeConfig(t, fake, "euclidean", "")

	out, err := execute(t, "provision", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Collection bench ready (dimension 4, metric euclidean)")
	schema, ok := fake.Schema("bench")
	require.True(t, ok)
	assert.Equal(t, 4, schema.Dimension)
}

func TestProvision_DimensionMismatch(t *testing.T) {
	useSecretStore(t, newMockSecretStore())
	fake := vespatest.New(t)
	path := writeConfig(t, fake, "euclidean", "")
	_, err := execute(t, "provision", "--config", path)
	require.NoError(t, err)

	path = writeConfig(t, fake, "cosine", "")
	_, err = execute(t, "provision", "--config", path)
	require.Error(t, err)
	assert.True(t, vberr.IsSchema(err))
}

func TestServe_ListenFailure(t *testing.T) {
	useSecretStore(t, newMockSecretStore())
	fake := vespatest.New(t)
	path := writeConfig(t, fake, "euclidean", "")

	_, err := execute(t, "serve", "--config", path, "--listen", "256.0.0.1:99999")
	require.Error(t, err)
	assert.True(t, vberr.HasCode(err, vberr.CodeServerStartFailure))
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(old)
		viper.Reset()
	})

	viper.Reset()
	viper.Set("log.level", "warn")
	viper.Set("log.format", "json")
	var buf bytes.Buffer
	setupLogging(&buf)

	slog.Info("hidden")
	slog.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	viper.Set("verbose", true)
	viper.Set("log.format", "text")
	buf.Reset()
	setupLogging(&buf)
	slog.Debug("detail")
	assert.Contains(t, buf.String(), "msg=detail")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}
