// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
// Codes follow the "domain.operation.reason" layout; the domain segment
// selects the taxonomy bucket and the last segment is the reason.
type Code string

const (
	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeSecretInvalidInput  Code = "secret.input.invalid_input"
	CodeSecretNotFound      Code = "secret.get.not_found"
	CodeSecretStoreFailure  Code = "secret.store.failure"
	CodeSecretDeleteFailure Code = "secret.delete.failure"
	CodeSecretListFailure   Code = "secret.list.failure"

	CodeConnectionUnreachable  Code = "connection.dial.unreachable"
	CodeConnectionUnauthorized Code = "connection.auth.unauthorized"
	CodeConnectionUnhealthy    Code = "connection.health.failure"
	CodeConnectionHeld         Code = "connection.acquire.conflict"
	CodeConnectionClosed       Code = "connection.session.closed"

	CodeSchemaMismatch       Code = "schema.ensure.mismatch"
	CodeSchemaInvalid        Code = "schema.validate.invalid"
	CodeSchemaDeployFailure  Code = "schema.deploy.failure"
	CodeSchemaFetchFailure   Code = "schema.fetch.failure"
	CodeSchemaDropFailure    Code = "schema.drop.failure"
	CodeSchemaReadyTimeout   Code = "schema.ready.timeout"

	CodeValidationRecordInvalid Code = "validation.record.invalid_input"
	CodeValidationQueryInvalid  Code = "validation.query.invalid_input"

	CodeTransportFailure Code = "transport.request.failure"

	CodeFeedPartialFailure Code = "feed.insert.partial_failure"
	CodeFeedCanceled       Code = "feed.insert.canceled"

	CodeQueryRejected Code = "query.search.rejected"
	CodeQueryTimeout  Code = "query.search.timeout"
	CodeQueryCanceled Code = "query.search.canceled"

	CodeProtocolMalformed Code = "protocol.response.malformed"

	CodeDeployConfigInvalid  Code = "deploy.config.invalid"
	CodeDeployStartFailure   Code = "deploy.container.start.failure"
	CodeDeployCallFailure    Code = "deploy.container.call.failure"
	CodeDeployHealthTimeout  Code = "deploy.health.timeout"

	CodeAdapterTransitionInvalid Code = "adapter.lifecycle.transition.invalid"
	CodeAdapterNotInitialized    Code = "adapter.scope.not_initialized"

	CodeGroundTruthFailure      Code = "groundtruth.store.failure"
	CodeGroundTruthUnsupported  Code = "groundtruth.metric.unsupported"

	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeCLISetupFailure Code = "cli.setup.failure"
	CodeCLIInputInvalid Code = "cli.input.invalid"

	codeInternalFailure Code = "internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field is kept as the primary helper for terse callsites.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldCollection(value string) Attr {
	return Field("collection", value)
}

func FieldRecordID(value int64) Attr {
	return Field("record_id", value)
}

func FieldStatus(value int) Attr {
	return Field("status", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = codeInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsUnauthorized(err error) bool {
	r := reason(CodeOf(err))
	return r == "unauthorized" || r == "forbidden" || r == "denied"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

// IsCanceled reports an operation abandoned because the caller canceled it.
func IsCanceled(err error) bool {
	return reason(CodeOf(err)) == "canceled"
}

// IsConfig reports a bad or missing configuration value. Never retried.
func IsConfig(err error) bool { return domain(CodeOf(err)) == "config" }

// IsConnection reports an unreachable or rejected engine session.
func IsConnection(err error) bool { return domain(CodeOf(err)) == "connection" }

// IsSchema reports a provisioning failure, including dimension or metric mismatch.
func IsSchema(err error) bool { return domain(CodeOf(err)) == "schema" }

// IsValidation reports input rejected before any network call.
func IsValidation(err error) bool { return domain(CodeOf(err)) == "validation" }

// IsTransport reports a network-level failure during a bulk operation.
func IsTransport(err error) bool { return domain(CodeOf(err)) == "transport" }

// IsQuery reports a query the engine rejected. Timeouts are reported by
// IsTimeout and caller cancellation by IsCanceled.
func IsQuery(err error) bool {
	code := CodeOf(err)
	return domain(code) == "query" && reason(code) != "timeout" && reason(code) != "canceled"
}

// IsProtocol reports a response whose shape could not be decoded.
func IsProtocol(err error) bool { return domain(CodeOf(err)) == "protocol" }

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(codeInternalFailure).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}

func domain(code Code) string {
	raw := string(code)
	if idx := strings.Index(raw, "."); idx > 0 {
		return raw[:idx]
	}
	return raw
}
