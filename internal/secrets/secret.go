// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Redacted is what every rendering of a non-empty Secret prints.
const Redacted = "**********"

// Secret holds a credential or endpoint that must never be printed,
// marshalled, or logged in plaintext. The zero value is the empty secret.
type Secret string

// NewSecret wraps a plaintext value.
func NewSecret(value string) Secret {
	return Secret(value)
}

// Reveal returns the plaintext. Call it only where the value is put on the
// wire, never to build log lines or error messages.
func (s Secret) Reveal() string {
	return string(s)
}

// IsEmpty reports whether the secret is empty or whitespace only.
func (s Secret) IsEmpty() bool {
	return strings.TrimSpace(string(s)) == ""
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return Redacted
}

func (s Secret) GoString() string {
	return `secrets.Secret("` + s.String() + `")`
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MarshalYAML keeps `config show` output redacted.
func (s Secret) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}
