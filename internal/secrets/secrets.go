// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package secrets keeps engine credentials out of logs and config dumps.
// Values come from the OS keyring (keyring://service/key references in the
// config) and travel through the program as Secret values, which only
// produce plaintext through Reveal.
package secrets

// ServiceName is the keyring service vespabench stores its credentials under.
const ServiceName = "vespabench"

// Store provides secure secret storage operations.
type Store interface {
	// Store saves a secret value under the given service and key.
	Store(service, key, value string) error

	// Retrieve fetches the secret value for the given service and key.
	// Returns CodeSecretNotFound (via vberr.HasCode) if the key does not exist.
	Retrieve(service, key string) (string, error)

	// Delete removes the secret for the given service and key.
	Delete(service, key string) error

	// List returns all key names stored under the given service.
	List(service string) ([]string, error)
}
