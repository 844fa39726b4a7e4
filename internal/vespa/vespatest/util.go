// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package vespatest

import (
	"errors"
	"io"
	"net/http"
)

var errNotVector = errors.New("not a vector")

func readBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}
