// Package apperr defines the typed error kinds EdgeWatch's API layer
// converts to structured HTTP responses. Mirrors the sentinel-error style
// of control_plane/resilience/errors.go and control_plane/store/interface.go
// in the teacher repo, generalized to EdgeWatch's error kinds (spec §7).
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the abstract error kinds from spec.md §7.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindAuthz      Kind = "authz"
	KindQuota      Kind = "quota"
	KindContract   Kind = "contract_rejection"
	KindTransient  Kind = "transient_infra"
	KindIntegrity  Kind = "integrity"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
)

// Error is a structured application error carrying a Kind (mapped to an
// HTTP status by the API layer) and an optional field map for error
// payload details (e.g. retry_after, budget info).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func WithDetails(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// As is a thin convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
)
