// Package coreerr defines the stable, typed error taxonomy shared by every
// component of the core. Errors carry a stable Code for client-visible
// reporting and a Retryable flag so the Sentinel can decide whether to
// re-enqueue a failed job without string-matching error messages.
package coreerr

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible error code.
type Code string

const (
	CodeSchemaViolation   Code = "schema_violation"
	CodeApprovalRejected  Code = "approval_rejected"
	CodeApprovalExpired   Code = "approval_expired"
	CodeApprovalNotFound  Code = "approval_not_found"
	CodeNotLicensed       Code = "not_licensed"
	CodePluginValidation  Code = "plugin_validation"
	CodeGuestCrash        Code = "guest_crash"
	CodeTransportError    Code = "transport_error"
	CodeTransient         Code = "transient"
	CodeCancelled         Code = "cancelled"
	CodeInternal          Code = "internal"
)

// retryable records, per code, whether the Sentinel may re-enqueue a job
// that failed with this code. Categories absent from this map are treated
// as non-retryable by Retryable.
var retryable = map[Code]bool{
	CodeGuestCrash:     true,
	CodeTransportError: true,
	CodeTransient:      true,
}

// remediation maps a stable code to a short "TRY:" suggestion surfaced to
// clients per the error-handling design (a known remediation hint, not a
// guess — codes without an entry get no suggestion).
var remediation = map[Code]string{
	CodeApprovalExpired:  "the approval window closed — re-submit the run request",
	CodeApprovalRejected: "the approval was rejected — check the rejection reason and resubmit if appropriate",
	CodePluginValidation: "check the plugin manifest and source hash — no matching plugin was found or it failed validation",
	CodeNotLicensed:      "the requested feature is not licensed for this deployment",
	CodeSchemaViolation:  "the parser output does not match the locked schema contract — propose an amendment or fix the parser",
}

// Error is the typed error returned across package boundaries in the core.
type Error struct {
	Code    Code
	Message string
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether a job failing with this error should be
// eligible for automatic re-enqueue under the Sentinel's retry policy.
func (e *Error) Retryable() bool {
	return retryable[e.Code]
}

// Remediation returns the stable "TRY:" suggestion for this error's code,
// or the empty string when no known remediation exists.
func (e *Error) Remediation() string {
	return remediation[e.Code]
}

// New constructs a typed Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs a typed Error wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the stable code of err if it is (or wraps) a typed Error,
// otherwise CodeInternal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err should be eligible for re-enqueue.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable()
}

// IsRetryableCode reports whether code is eligible for re-enqueue, for
// callers that have already classified a failure down to a stable code
// (e.g. after the job row recorded it) and no longer hold the original
// error value.
func IsRetryableCode(code Code) bool {
	return retryable[code]
}
