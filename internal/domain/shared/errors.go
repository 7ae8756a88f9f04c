// Package shared holds the error taxonomy used across the tracker. Errors
// carry a kind sentinel so callers branch with errors.Is instead of string
// matching. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Kinds. Every DomainError wraps exactly one of these.
var (
	ErrNotFound = errors.New("entity not found")

	ErrValidation      = errors.New("validation error")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrExternalService        = errors.New("external service error")
)

// DomainError is an error raised by Op in Domain ("progress", "store",
// "cache"). Err is the optional cause.
type DomainError struct {
	Domain  string
	Op      string
	Kind    error
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
}

func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches the kind, the cause, or a cause-less DomainError with the same
// Domain, Op and Kind. The last rule keeps the sentinels below matching once
// WrapError has attached a cause.
func (e *DomainError) Is(target error) bool {
	var de *DomainError
	if errors.As(target, &de) && de.Err == nil &&
		de.Domain == e.Domain && de.Op == e.Op && de.Kind == e.Kind {
		return true
	}
	return (e.Kind != nil && errors.Is(e.Kind, target)) ||
		(e.Err != nil && errors.Is(e.Err, target))
}

func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError is NewDomainError with a cause.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// ══════════════════════════════════════════════════════════════════════════════
// SENTINELS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrInvalidDate     = NewDomainError("progress", "Validate", ErrInvalidFormat, "date must be YYYY-MM-DD")
	ErrInvalidMinutes  = NewDomainError("progress", "Validate", ErrNegativeValue, "study minutes cannot be negative")
	ErrUnknownSource   = NewDomainError("progress", "Validate", ErrInvalidInput, "unknown source")
	ErrSettingNotFound = NewDomainError("progress", "GetSetting", ErrNotFound, "setting not found")

	ErrStoreConflict = NewDomainError("store", "Upsert", ErrConcurrentModification, "write conflict")

	ErrAllSourcesFailed = NewDomainError("cache", "ForceUpdate", ErrExternalService, "every source failed")
	ErrUnknownJob       = NewDomainError("cache", "ForceUpdate", ErrNotFound, "no job registered for source")
)

// StoreConflict wraps a backend error that lost a write race. It matches
// ErrStoreConflict.
func StoreConflict(cause error) *DomainError {
	return WrapError("store", "Upsert", ErrConcurrentModification, "write conflict", cause)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports caller mistakes: bad dates, values, keys.
func IsValidation(err error) bool {
	for _, kind := range []error{ErrValidation, ErrInvalidInput, ErrInvalidFormat, ErrEmptyValue, ErrNegativeValue, ErrValueOutOfRange} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// IsRetryable reports errors worth another attempt as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
