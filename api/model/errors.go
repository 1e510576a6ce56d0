package model

import (
	"errors"
	"fmt"
)

// ErrorKind names a class of failure surfaced to callers and recorded on
// deployment attempts.
type ErrorKind string

const (
	KindProvisioning          ErrorKind = "ProvisioningError"
	KindMigration             ErrorKind = "MigrationError"
	KindHealthCheck           ErrorKind = "HealthCheckError"
	KindRollbackUnavailable   ErrorKind = "RollbackUnavailable"
	KindIrreversibleMigration ErrorKind = "IrreversibleMigrationError"
	KindNotAncestor           ErrorKind = "NotAncestor"
	KindAlreadyExists         ErrorKind = "AlreadyExists"
	KindNotFound              ErrorKind = "NotFound"
	KindConflict              ErrorKind = "ConflictError"
)

// Error is a domain error carrying a kind and a human-readable reason.
// errors.Is matches any *Error of the same kind, so the sentinels below can be
// used for comparisons regardless of reason.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrProvisioning          = &Error{Kind: KindProvisioning}
	ErrMigration             = &Error{Kind: KindMigration}
	ErrHealthCheck           = &Error{Kind: KindHealthCheck}
	ErrRollbackUnavailable   = &Error{Kind: KindRollbackUnavailable}
	ErrIrreversibleMigration = &Error{Kind: KindIrreversibleMigration}
	ErrNotAncestor           = &Error{Kind: KindNotAncestor}
	ErrAlreadyExists         = &Error{Kind: KindAlreadyExists}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrConflict              = &Error{Kind: KindConflict}
)

// Errorf builds a domain error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, keeping it reachable through
// errors.Unwrap.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	reason := fmt.Sprintf(format, args...)
	if err != nil {
		reason += ": " + err.Error()
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of the outermost domain error in err's chain, or ""
// when err carries none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// ReasonOf returns the reason of the outermost domain error, falling back to
// err.Error().
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) && de.Reason != "" {
		return de.Reason
	}
	return err.Error()
}
