// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrNotActive is returned for requests that arrive outside the Active
	// state.
	ErrNotActive = errors.New("source is not active")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("connector stopped")
)

// ConfigError reports a missing or malformed configuration field. It is
// fatal for the source: no retry happens until a new configuration arrives.
type ConfigError struct {
	// Field is the dot path of the offending field.
	Field  string
	Reason string
	// Err is the underlying *vendorapi.FieldError, if any.
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed upstream connect attempt. It triggers a
// retry, never a close.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
