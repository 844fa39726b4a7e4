// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/zalando/go-keyring"
)

// indexKey names the entry holding the JSON list of keys stored for a
// service. go-keyring cannot enumerate, so List reads this instead.
const indexKey = "::keys-index"

// KeyringStore implements Store using the OS keyring via zalando/go-keyring.
type KeyringStore struct{}

// NewKeyringStore returns a KeyringStore.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (s *KeyringStore) Store(service, key, value string) error {
	if err := checkRef("store", service, key); err != nil {
		return err
	}

	if err := keyring.Set(service, key, value); err != nil {
		return vberr.Wrapf(err, vberr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}

	return s.updateIndex(service, func(keys []string) []string {
		if slices.Contains(keys, key) {
			return keys
		}
		return append(keys, key)
	})
}

func (s *KeyringStore) Retrieve(service, key string) (string, error) {
	if err := checkRef("retrieve", service, key); err != nil {
		return "", err
	}

	val, err := keyring.Get(service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return "", vberr.Errorf(vberr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	case err != nil:
		return "", vberr.Wrapf(err, vberr.CodeSecretStoreFailure, "retrieving secret %s/%s", service, key)
	}
	return val, nil
}

func (s *KeyringStore) Delete(service, key string) error {
	if err := checkRef("delete", service, key); err != nil {
		return err
	}

	err := keyring.Delete(service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return vberr.Errorf(vberr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	case err != nil:
		return vberr.Wrapf(err, vberr.CodeSecretDeleteFailure, "deleting secret %s/%s", service, key)
	}

	return s.updateIndex(service, func(keys []string) []string {
		return slices.DeleteFunc(keys, func(k string) bool { return k == key })
	})
}

func (s *KeyringStore) List(service string) ([]string, error) {
	raw, err := keyring.Get(service, service+indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, vberr.Wrapf(err, vberr.CodeSecretListFailure, "loading key index for %s", service)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, vberr.Wrapf(err, vberr.CodeSecretListFailure, "decoding key index for %s", service)
	}
	return keys, nil
}

func (s *KeyringStore) updateIndex(service string, update func([]string) []string) error {
	keys, err := s.List(service)
	if err != nil {
		return err
	}
	keys = update(keys)

	if len(keys) == 0 {
		if err := keyring.Delete(service, service+indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("removing empty key index", "service", service, "error", err)
		}
		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return vberr.Wrapf(err, vberr.CodeSecretListFailure, "encoding key index for %s", service)
	}
	if err := keyring.Set(service, service+indexKey, string(data)); err != nil {
		return vberr.Wrapf(err, vberr.CodeSecretListFailure, "saving key index for %s", service)
	}
	return nil
}

func checkRef(op, service, key string) error {
	if service == "" {
		return vberr.Errorf(vberr.CodeSecretInvalidInput, "secret %s: service must not be empty", op)
	}
	if key == "" {
		return vberr.Errorf(vberr.CodeSecretInvalidInput, "secret %s: key must not be empty", op)
	}
	return nil
}
