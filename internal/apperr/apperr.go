// Package apperr carries the error kinds surfaced to callers of the engine.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Internal        Kind = "internal"
	Unauthenticated Kind = "unauthenticated"
	InvalidArgument Kind = "invalid-argument"
	QuotaExceeded   Kind = "quota-exceeded"
	NotFound        Kind = "not-found"
	ProviderRefused Kind = "provider-refused"
	ProviderEmpty   Kind = "provider-empty"
	Upstream        Kind = "upstream-failure"
	Persistence     Kind = "persistence-failure"
)

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

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns Internal for errors that carry no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the caller-facing message.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Something went wrong."
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
