// Copyright 2024-2026 Aiku AI

package vendorapi

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// GeneralConfig is the "general" section of a source configuration as sent
// by the control plane.
type GeneralConfig map[string]any

// String returns a required, non-empty string field.
func (g GeneralConfig) String(key string) (string, error) {
	v, ok := g[key]
	if !ok || v == nil {
		return "", &FieldError{Field: key, Reason: "missing"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &FieldError{Field: key, Reason: "must be a string"}
	}
	if strings.TrimSpace(s) == "" {
		return "", &FieldError{Field: key, Reason: "must not be empty"}
	}
	return s, nil
}

// OptionalString returns a string field or def when it is absent or empty.
func (g GeneralConfig) OptionalString(key, def string) (string, error) {
	v, ok := g[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &FieldError{Field: key, Reason: "must be a string"}
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

// Int returns a required integer field.
func (g GeneralConfig) Int(key string) (int, error) {
	v, ok := g[key]
	if !ok || v == nil {
		return 0, &FieldError{Field: key, Reason: "missing"}
	}
	n, ok := AsInt(v)
	if !ok {
		return 0, &FieldError{Field: key, Reason: "must be an integer"}
	}
	return int(n), nil
}

// OptionalInt returns an integer field or def when it is absent.
func (g GeneralConfig) OptionalInt(key string, def int) (int, error) {
	if v, ok := g[key]; !ok || v == nil {
		return def, nil
	}
	return g.Int(key)
}

// AsInt converts a decoded JSON number to int64. Integral floats, integers
// and json.Number are accepted.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// AsString renders a decoded JSON scalar as a string. Numbers are printed
// without exponent; other types yield "".
func AsString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}
