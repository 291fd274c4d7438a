/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errs defines the dispatcher's error taxonomy. Every operation that
// can fail returns a *Error tagged with one of these kinds instead of an
// untyped error, so the Dispatcher and Server can decide retry/failover/HTTP
// status without string-matching.
package errs

import "fmt"

// Kind classifies a failure for retry, failover, and ledger-accounting
// purposes.
type Kind string

const (
	// KindValidation is a malformed request. Never retried.
	KindValidation Kind = "validation"
	// KindNoHealthyInstance means the registry had no eligible Instance
	// even after an emergency probe.
	KindNoHealthyInstance Kind = "no_healthy_instance"
	// KindTransient is a network/5xx/429 failure. Provider.Generate retries
	// it internally and reports it as Downstream once its attempts are
	// exhausted; GenerateStream and Embed return it without retrying.
	KindTransient Kind = "transient"
	// KindDownstream is a non-transient server-side failure.
	KindDownstream Kind = "downstream"
	// KindTimeout is a deadline expiring before the downstream replied.
	KindTimeout Kind = "timeout"
	// KindParseError is a malformed downstream response body.
	KindParseError Kind = "parse_error"
	// KindCancelled is caller-initiated cancellation.
	KindCancelled Kind = "cancelled"
)

// Error is the dispatcher-wide tagged error value.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error for op with the given kind, wrapping cause (may
// be nil).
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// KindOf extracts the Kind from err, defaulting to KindDownstream for any
// error that did not originate from this package (an implementation bug
// surfacing an untagged error should still fail closed, not panic the
// caller).
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return KindDownstream
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether Provider should retry err per §7: transient
// network/5xx/429 failures only, never validation or other 4xx.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
