// Copyright 2025 The corpusflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apierr defines the error kinds shared by all pipeline components.
//
// Components return *Error values; translation to HTTP status codes happens
// exactly once, at the API boundary in pkg/server.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and HTTP-status decisions.
type Kind int

const (
	// Internal is an unexpected failure inside the pipeline.
	Internal Kind = iota

	// InvalidArgument is a request validation failure. Never retried.
	InvalidArgument

	// Unauthorized is a missing or invalid credential.
	Unauthorized

	// Forbidden is a network-policy or permission violation.
	Forbidden

	// NotFound is a missing collection, document, or chunk.
	NotFound

	// RateLimited is an upstream 429 or a local semaphore timeout. Retriable.
	RateLimited

	// Timeout is a deadline exceeded talking to a downstream.
	Timeout

	// Unreachable is a transport-level failure to a downstream.
	Unreachable

	// Upstream is a downstream 5xx.
	Upstream

	// Parse is an LLM output that could not be parsed after repair.
	Parse
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case RateLimited:
		return "rate_limited"
	case Timeout:
		return "timeout"
	case Unreachable:
		return "unreachable"
	case Upstream:
		return "upstream_error"
	case Parse:
		return "parse_error"
	default:
		return "internal"
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrDeadline) {
		return Timeout
	}
	return Internal
}

// ErrDeadline lets callers mark deadline errors without importing context.
var ErrDeadline = errors.New("deadline exceeded")

// IsRetryable reports whether the orchestrator retry policy applies.
//
// Transport errors, upstream 5xx, and 429 are retried; every other 4xx and
// all validation/parse errors are not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case RateLimited, Timeout, Unreachable, Upstream:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to the status code surfaced by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case InvalidArgument:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	case Unreachable:
		return http.StatusServiceUnavailable
	case Upstream:
		return http.StatusBadGateway
	case Parse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus classifies a downstream HTTP status code.
func FromStatus(status int, message string) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return New(RateLimited, "%s", message)
	case status == http.StatusNotFound:
		return New(NotFound, "%s", message)
	case status == http.StatusUnauthorized:
		return New(Unauthorized, "%s", message)
	case status == http.StatusForbidden:
		return New(Forbidden, "%s", message)
	case status == http.StatusGatewayTimeout:
		return New(Timeout, "%s", message)
	case status >= 500:
		return New(Upstream, "%s", message)
	case status >= 400:
		return New(InvalidArgument, "%s", message)
	default:
		return New(Internal, "%s", message)
	}
}
