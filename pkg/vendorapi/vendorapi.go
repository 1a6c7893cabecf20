// Copyright 2024-2026 Aiku AI

// Package vendorapi holds what every vendor integration shares: credentials,
// the authenticated session snapshot, the error taxonomy and a JSON REST
// requester.
package vendorapi

import (
	"context"
	"maps"
	"sync/atomic"
	"time"
)

// Client performs the vendor handshake and exposes authenticated vendor
// operations.
type Client interface {
	// Login runs the full handshake. On failure it returns *AuthError and the
	// previous session, if any, stays in place.
	Login(ctx context.Context, creds Credentials, general GeneralConfig) (*Session, error)
	// Call runs a named authenticated operation.
	Call(ctx context.Context, operation string, payload map[string]any) (map[string]any, error)
	// Supports reports whether Call knows the operation.
	Supports(operation string) bool
	// RefreshKeepalive issues a cheap authenticated request so the vendor
	// does not expire the session.
	RefreshKeepalive(ctx context.Context) error
	// Session returns the current session, or nil when logged out.
	Session() *Session
	// Close forgets the session and its credentials.
	Close()
}

// Credentials identify the connector to a vendor.
type Credentials struct {
	BaseURL   string
	Principal string
	Secret    string
}

// Session is an immutable snapshot of a successful login. A new value is
// built on every login; nothing mutates a published Session.
type Session struct {
	Credentials Credentials
	// Token is the vendor session id. Vendors that sign every request
	// instead of issuing a session leave it empty.
	Token string
	// Identifiers discovered during the handshake, such as database or
	// group ids.
	Identifiers map[string]string
	// Metadata describes the vendor platform (versions, product names).
	Metadata map[string]string
	IssuedAt time.Time
}

// Identifier returns a discovered identifier, or "" if unknown.
func (s *Session) Identifier(key string) string {
	if s == nil {
		return ""
	}
	return s.Identifiers[key]
}

// MetadataMap returns a copy of the metadata as a generic map.
func (s *Session) MetadataMap() map[string]any {
	out := make(map[string]any)
	if s == nil {
		return out
	}
	for k, v := range s.Metadata {
		out[k] = v
	}
	return out
}

// SessionStore publishes the current session to concurrent readers.
type SessionStore struct {
	current atomic.Pointer[Session]
}

// Load returns the current session, or nil.
func (s *SessionStore) Load() *Session {
	return s.current.Load()
}

// Store replaces the current session. The maps are copied so the caller
// cannot mutate the published snapshot.
func (s *SessionStore) Store(sess *Session) {
	cp := *sess
	cp.Identifiers = maps.Clone(sess.Identifiers)
	cp.Metadata = maps.Clone(sess.Metadata)
	s.current.Store(&cp)
}

// Clear drops the current session.
func (s *SessionStore) Clear() {
	s.current.Store(nil)
}

// Require returns the current session or ErrNotLoggedIn.
func (s *SessionStore) Require() (*Session, error) {
	sess := s.current.Load()
	if sess == nil {
		return nil, ErrNotLoggedIn
	}
	return sess, nil
}
