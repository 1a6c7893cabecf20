// Copyright 2024-2026 Aiku AI

package vendorapi

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLoggedIn is returned by authenticated calls made without a
	// session.
	ErrNotLoggedIn = errors.New("vendor session not established")
	// ErrUnknownOperation is returned by Call for operations the vendor
	// integration does not implement.
	ErrUnknownOperation = errors.New("unknown vendor operation")
)

// Kind classifies a failed vendor call.
type Kind string

const (
	// KindTransport means the request never got an HTTP response.
	KindTransport Kind = "transport"
	// KindStatus means the vendor answered with a non-2xx status.
	KindStatus Kind = "status"
	// KindDecode means the response body was not the expected JSON.
	KindDecode Kind = "decode"
	// KindRejected means the vendor answered but its result code reports a
	// failure.
	KindRejected Kind = "rejected"
	// KindInvalidRequest means the request was refused locally before being
	// sent.
	KindInvalidRequest Kind = "invalid_request"
)

// Error is a failed authenticated vendor call.
type Error struct {
	Kind       Kind
	Operation  string
	HTTPStatus int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("vendor %s failed (%s", e.Operation, e.Kind)
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(", HTTP %d", e.HTTPStatus)
	}
	msg += ")"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AuthError reports which handshake step failed.
type AuthError struct {
	Step string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("vendor login failed at step %s: %v", e.Step, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// FieldError reports a missing or ill-typed configuration field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config field %s: %s", e.Field, e.Reason)
}

// KindOf returns the kind of a vendor error, or "" when err is not one.
func KindOf(err error) Kind {
	var vErr *Error
	if errors.As(err, &vErr) {
		return vErr.Kind
	}
	return ""
}
