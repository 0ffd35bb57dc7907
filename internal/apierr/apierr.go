// Copyright 2025 Tom Barlow
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

// Package apierr defines the control plane's error-kind taxonomy and a
// single Error type that carries an HTTP-facing code alongside an
// optional wrapped cause, so internal errors and caller-facing errors
// share one shape from the Registry down to the HTTP layer.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds in the spec's error taxonomy.
type Kind string

const (
	KindBadRequest           Kind = "bad_request"
	KindUnauthorized         Kind = "unauthorized"
	KindForbidden            Kind = "forbidden"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindInvalidWorkflow      Kind = "invalid_workflow"
	KindWorkerUnavailable    Kind = "worker_unavailable"
	KindDispatchTimeout      Kind = "dispatch_timeout"
	KindWorkerCancelTransient Kind = "worker_cancelled_transient"
	KindWorkerCancelPermanent Kind = "worker_cancelled_permanent"
	KindInternal             Kind = "internal_error"
)

// HTTPStatus maps an error kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return 400
	case KindUnauthorized:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindInvalidWorkflow:
		return 422
	case KindWorkerUnavailable:
		return 503
	case KindDispatchTimeout:
		return 504
	default:
		// internal_error, and worker_cancelled_transient/permanent,
		// which are applied to run/node state but never surfaced as
		// the direct result of an HTTP call.
		return 500
	}
}

// Error is the control plane's canonical error shape. It implements
// error and Unwrap so callers can use errors.Is/errors.As against both
// the Kind-based sentinels below and any wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, apierr.New(apierr.KindNotFound, "")) style checks work
// without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetail attaches a details blob and returns the same *Error for
// chaining at the call site.
func (e *Error) WithDetail(d map[string]any) *Error {
	e.Detail = d
	return e
}

func BadRequest(msg string) *Error      { return New(KindBadRequest, msg) }
func Unauthorized(msg string) *Error    { return New(KindUnauthorized, msg) }
func Forbidden(msg string) *Error       { return New(KindForbidden, msg) }
func NotFound(msg string) *Error        { return New(KindNotFound, msg) }
func Conflict(msg string) *Error        { return New(KindConflict, msg) }
func InvalidWorkflow(msg string) *Error { return New(KindInvalidWorkflow, msg) }
func WorkerUnavailable(msg string) *Error { return New(KindWorkerUnavailable, msg) }
func DispatchTimeout(msg string) *Error { return New(KindDispatchTimeout, msg) }
func Internal(msg string, cause error) *Error {
	return Wrap(KindInternal, msg, cause)
}

// As extracts an *Error from err via errors.As, returning ok=false if
// err is not (and does not wrap) an *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
