// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package vespa is the HTTP wire layer for a Vespa deployment: the config
// server's deploy and content APIs, the document/v1 API, and the search API.
//
// Errors returned here are plain Go errors (TransportError, StatusError,
// MalformedError). Callers classify them into coded errors.
package vespa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/secrets"
)

// ErrSessionClosed is returned by every call made after Close.
var ErrSessionClosed = errors.New("vespa: session closed")

const maxErrorBody = 512

// Plane selects which endpoint a request targets.
type Plane int

const (
	// DataPlane is the container serving document/v1 and search (port 8080).
	DataPlane Plane = iota
	// ConfigPlane is the config server serving application/v2 (port 19071).
	ConfigPlane
)

func (p Plane) String() string {
	if p == ConfigPlane {
		return "config"
	}
	return "data"
}

// TransportError is a request that never produced an HTTP response. The
// message never includes the endpoint URL.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("vespa: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Dial reports whether the connection could not be established at all.
func (e *TransportError) Dial() bool {
	var opErr *net.OpError
	if errors.As(e.Err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// Timeout reports whether the request ran out of time.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("vespa: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("vespa: %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Unauthorized reports a 401 or 403 response.
func (e *StatusError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// MalformedError is a 2xx response whose body could not be decoded.
type MalformedError struct {
	Op  string
	Err error
}

func (e *MalformedError) Error() string { return fmt.Sprintf("vespa: %s: malformed response: %v", e.Op, e.Err) }
func (e *MalformedError) Unwrap() error { return e.Err }

// SessionOptions tunes the HTTP client behind a Session.
type SessionOptions struct {
	// MaxConnections caps concurrent connections per host. Zero means 128.
	MaxConnections int
	// RequestTimeout bounds each request when the context has no deadline.
	// Zero means no extra bound.
	RequestTimeout time.Duration
	// Transport overrides the round tripper; used by tests.
	Transport http.RoundTripper
}

// Session is one client session against a Vespa deployment. It owns its own
// HTTP transport, so closing it drops every pooled connection.
type Session struct {
	endpoint       secrets.Secret
	credential     secrets.Secret
	configEndpoint string

	transport *http.Transport
	client    *http.Client
	closed    atomic.Bool
}

// NewSession builds a session from connection parameters. No request is made.
func NewSession(params config.ConnectionParams, opts SessionOptions) *Session {
	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = 128
	}

	s := &Session{
		endpoint:       params.Endpoint,
		credential:     params.Credential,
		configEndpoint: strings.TrimRight(params.ConfigEndpoint, "/"),
	}

	rt := opts.Transport
	if rt == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxConnsPerHost = maxConns
		t.MaxIdleConnsPerHost = maxConns
		s.transport = t
		rt = t
	}
	s.client = &http.Client{Transport: rt, Timeout: opts.RequestTimeout}
	return s
}

// HasConfigPlane reports whether a config server endpoint is configured.
func (s *Session) HasConfigPlane() bool { return s.configEndpoint != "" }

// Close releases pooled connections. Safe to call more than once.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	} else {
		s.client.CloseIdleConnections()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

func (s *Session) base(p Plane) string {
	if p == ConfigPlane && s.configEndpoint != "" {
		return s.configEndpoint
	}
	return strings.TrimRight(s.endpoint.Reveal(), "/")
}

type response struct {
	status int
	body   []byte
}

// do performs one request. Non-2xx responses are returned as data, not as
// errors; only transport failures and closed sessions produce an error.
func (s *Session) do(ctx context.Context, p Plane, method, path, contentType string, body []byte) (*response, error) {
	op := method + " " + redactQuery(path)
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base(p)+path, reader)
	if err != nil {
		return nil, &TransportError{Op: op, Err: stripURL(err)}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if !s.credential.IsEmpty() {
		req.Header.Set("Authorization", "Bearer "+s.credential.Reveal())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: stripURL(err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: stripURL(err)}
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

func (r *response) ok() bool { return r.status >= 200 && r.status < 300 }

func (r *response) statusError(op string) *StatusError {
	body := strings.TrimSpace(string(r.body))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return &StatusError{Op: op, Status: r.status, Body: body}
}

// stripURL drops the request URL and remote address that net/http embeds in
// its errors, so the endpoint never reaches a log line. The original error
// stays reachable through Unwrap.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &redactedError{msg: "lookup: " + dnsErr.Err, err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return &redactedError{msg: opErr.Op + ": " + opErr.Err.Error(), err: err}
	}
	return err
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redactQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
