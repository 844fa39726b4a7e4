// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"net/url"
	"strings"

	"github.com/sigil-dev/vespabench/internal/secrets"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// DefaultConfigEndpoint is the config server of a local single-node deployment.
const DefaultConfigEndpoint = "http://127.0.0.1:19071"

// DBConfig holds what is needed to reach the engine. Endpoint and Credential
// are secrets and render redacted everywhere.
type DBConfig struct {
	Endpoint       secrets.Secret `mapstructure:"endpoint" yaml:"endpoint"`
	Credential     secrets.Secret `mapstructure:"credential" yaml:"credential"`
	ConfigEndpoint string         `mapstructure:"config_endpoint" yaml:"config_endpoint"`
}

// ConnectionParams is what a session needs to open. Values stay wrapped
// until the request is built.
type ConnectionParams struct {
	Endpoint       secrets.Secret
	Credential     secrets.Secret
	ConfigEndpoint string
}

// NewDBConfig validates the two required values and returns a DBConfig
// targeting the default local config server.
func NewDBConfig(endpoint, credential string) (*DBConfig, error) {
	c := &DBConfig{
		Endpoint:       secrets.NewSecret(strings.TrimSpace(endpoint)),
		Credential:     secrets.NewSecret(credential),
		ConfigEndpoint: DefaultConfigEndpoint,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate fails with a config error when either secret is missing or the
// endpoints are not http(s) URLs.
func (c *DBConfig) Validate() error {
	if c.Endpoint.IsEmpty() {
		return vberr.New(vberr.CodeConfigValidateInvalidValue, "config: db.endpoint must not be empty")
	}
	if c.Credential.IsEmpty() {
		return vberr.New(vberr.CodeConfigValidateInvalidValue, "config: db.credential must not be empty")
	}
	// The endpoint itself stays out of the message.
	if !isHTTPURL(c.Endpoint.Reveal()) {
		return vberr.New(vberr.CodeConfigValidateInvalidValue,
			"config: db.endpoint must be an http(s) URL with a host")
	}
	if c.ConfigEndpoint != "" && !isHTTPURL(c.ConfigEndpoint) {
		return vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: db.config_endpoint must be an http(s) URL with a host, got %q", c.ConfigEndpoint)
	}
	return nil
}

// ConnectionParams exposes the values a session needs without unwrapping them.
func (c *DBConfig) ConnectionParams() ConnectionParams {
	return ConnectionParams{
		Endpoint:       c.Endpoint,
		Credential:     c.Credential,
		ConfigEndpoint: strings.TrimRight(c.ConfigEndpoint, "/"),
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
