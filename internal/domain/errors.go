package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable classification returned to API callers.
type ErrorKind string

const (
	KindPolicyViolation        ErrorKind = "policy_violation"
	KindLicenseInvalid         ErrorKind = "license_invalid"
	KindDuplicateModule        ErrorKind = "duplicate_module"
	KindPortConflict           ErrorKind = "port_conflict"
	KindConfigValidationFailed ErrorKind = "config_validation_failed"
	KindConfigRollbackFailed   ErrorKind = "config_rollback_failed"
	KindEngineTimeout          ErrorKind = "engine_timeout"
	KindEngineOperation        ErrorKind = "engine_operation_failed"
	KindConcurrentModification ErrorKind = "concurrent_modification"
	KindNotFound               ErrorKind = "not_found"
	KindBudgetExceeded         ErrorKind = "resource_budget_exceeded"
	KindInvalidInput           ErrorKind = "invalid_input"
	KindInternal               ErrorKind = "internal"
)

// Error carries the taxonomy kind alongside a caller-safe reason. Reason text
// must never contain license keys, env values, or host file paths.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a classified error.
func E(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Ef constructs a classified error with a formatted reason.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the taxonomy kind from an error chain, defaulting to
// KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
