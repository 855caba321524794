package domain

import (
	"context"
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeDuplicateIdentity   Code = "DUPLICATE_IDENTITY"
	CodeInvalidEvent        Code = "INVALID_EVENT"
	CodeInvalidRegistration Code = "INVALID_REGISTRATION"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"
	CodeTimeout             Code = "TIMEOUT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeRateLimited         Code = "RATE_LIMITED"
)

// Rejection reasons carried on INVALID_EVENT errors.
const (
	ReasonMissingField     = "missing_field"
	ReasonInvalidValue     = "invalid_value"
	ReasonInvalidTimestamp = "invalid_timestamp"
	ReasonInvalidMetadata  = "invalid_metadata"
	ReasonMetadataTooLarge = "metadata_too_large"
)

// Error is the domain error carried across service boundaries.
// errors.Is matches on Code, so the sentinels below work as targets.
type Error struct {
	Code    Code
	Reason  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg += "(" + e.Reason + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Reason == "" || t.Reason == e.Reason)
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Code == CodeStoreUnavailable || e.Code == CodeTimeout || e.Code == CodeRateLimited
}

var (
	ErrUnauthorized        = &Error{Code: CodeUnauthorized}
	ErrDuplicateIdentity   = &Error{Code: CodeDuplicateIdentity}
	ErrInvalidEvent        = &Error{Code: CodeInvalidEvent}
	ErrInvalidRegistration = &Error{Code: CodeInvalidRegistration}
	ErrStoreUnavailable    = &Error{Code: CodeStoreUnavailable}
	ErrTimeout             = &Error{Code: CodeTimeout}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrRateLimited         = &Error{Code: CodeRateLimited, Message: "rate limit exceeded"}
)

func InvalidEvent(reason, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidEvent, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func InvalidRegistration(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRegistration, Message: fmt.Sprintf(format, args...)}
}

func StoreUnavailable(cause error) *Error {
	return &Error{Code: CodeStoreUnavailable, Message: "event store unavailable", Cause: cause}
}

func Timeout(cause error) *Error {
	return &Error{Code: CodeTimeout, Message: "request deadline exceeded", Cause: cause}
}

// CodeOf extracts the domain code from err, or "" when err is not a domain error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// StoreFailure classifies a persistence error: deadlines become TIMEOUT,
// domain errors pass through, anything else is STORE_UNAVAILABLE.
func StoreFailure(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	return StoreUnavailable(err)
}
