// Copyright 2024-2026 Aiku AI

// Package sensenebula talks to the SenseNebula face recognition appliance.
// All REST traffic is a POST to a single JSON endpoint selected by msg_id;
// events arrive over a WebSocket once subscribed with a key obtained at
// login.
package sensenebula

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/sensebridge/pkg/vendorapi"
)

// Handshake steps, as reported in vendorapi.AuthError.
const (
	StepAuthenticate    = "authenticate"
	StepMetadata        = "metadata"
	StepDatabase        = "database"
	StepSubscriptionKey = "subscriptionKey"
)

// OpAddVisitor stores a visitor face in the configured library.
const OpAddVisitor = "addVisitor"

// Session identifiers discovered during login.
const (
	IdentLibrary         = "lib_id"
	IdentSubscriptionKey = "ws_key"
)

// GeneralDatabaseKey names the face library to store visitors in.
const GeneralDatabaseKey = "FR_dbName"

const (
	restPath    = "/api/json"
	wsPath      = "/ws"
	successCode = 0
	// okCode is reported to the control plane for a stored face.
	okCode = 200
)

var metadataKeys = []string{"device_id", "serial_id", "version", "web_version"}

// Client is the SenseNebula vendor client.
type Client struct {
	http  *vendorapi.Requester
	log   zerolog.Logger
	store vendorapi.SessionStore
	now   func() time.Time
}

var _ vendorapi.Client = (*Client)(nil)

// New creates a logged-out client.
func New(requester *vendorapi.Requester, log zerolog.Logger) *Client {
	return &Client{
		http: requester,
		log:  log.With().Str("vendor", "sensenebula").Logger(),
		now:  time.Now,
	}
}

// SubscriptionURL returns the HTTP form of the event socket address.
func SubscriptionURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + wsPath
}

func sessionHeader(token string) vendorapi.HeaderFunc {
	return func(h http.Header) error {
		if token == "" {
			return vendorapi.ErrNotLoggedIn
		}
		h.Set("sessionid", token)
		return nil
	}
}

func (c *Client) post(ctx context.Context, baseURL, token, op string, body map[string]any) (map[string]any, error) {
	req := vendorapi.Request{
		Operation: op,
		Method:    http.MethodPost,
		URL:       strings.TrimRight(baseURL, "/") + restPath,
		Body:      body,
	}
	if token != "" {
		req.Header = sessionHeader(token)
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := vendorapi.ExpectCode(op, resp, successCode); err != nil {
		return nil, err
	}
	return resp, nil
}

// Login opens a session, reads the device metadata, resolves the face
// library named by FR_dbName and fetches the event subscription key. The
// session is published only when every step succeeded.
func (c *Client) Login(ctx context.Context, creds vendorapi.Credentials, general vendorapi.GeneralConfig) (*vendorapi.Session, error) {
	dbName, err := general.String(GeneralDatabaseKey)
	if err != nil {
		return nil, &vendorapi.AuthError{Step: StepDatabase, Err: err}
	}

	resp, err := c.post(ctx, creds.BaseURL, "", "login", BuildLoginPayload(creds.Principal, creds.Secret))
	if err != nil {
		return nil, &vendorapi.AuthError{Step: StepAuthenticate, Err: err}
	}
	token := vendorapi.AsString(resp["data"])
	if token == "" {
		return nil, &vendorapi.AuthError{Step: StepAuthenticate, Err: &vendorapi.Error{
			Kind: vendorapi.KindDecode, Operation: "login", Message: "no session id in response",
		}}
	}

	sess := &vendorapi.Session{
		Credentials: creds,
		Token:       token,
		Identifiers: make(map[string]string),
		Metadata:    make(map[string]string),
		IssuedAt:    c.now(),
	}

	resp, err = c.post(ctx, creds.BaseURL, token, "queryVersion", message(MsgQueryVersion))
	if err != nil {
		return nil, &vendorapi.AuthError{Step: StepMetadata, Err: err}
	}
	data := vendorapi.Object(resp, "data")
	if data == nil {
		return nil, &vendorapi.AuthError{Step: StepMetadata, Err: &vendorapi.Error{
			Kind: vendorapi.KindDecode, Operation: "queryVersion", Message: "no version data in response",
		}}
	}
	for _, key := range metadataKeys {
		sess.Metadata[key] = vendorapi.AsString(data[key])
	}

	resp, err = c.post(ctx, creds.BaseURL, token, "queryDB", message(MsgQueryDB))
	if err != nil {
		return nil, &vendorapi.AuthError{Step: StepDatabase, Err: err}
	}
	for _, item := range vendorapi.Array(resp, "data") {
		lib, ok := item.(map[string]any)
		if ok && vendorapi.AsString(lib["lib_name"]) == dbName {
			sess.Identifiers[IdentLibrary] = vendorapi.AsString(lib["lib_id"])
			break
		}
	}
	if sess.Identifiers[IdentLibrary] == "" {
		return nil, &vendorapi.AuthError{Step: StepDatabase, Err: &vendorapi.Error{
			Kind: vendorapi.KindRejected, Operation: "queryDB", Message: fmt.Sprintf("face library %q not found", dbName),
		}}
	}

	resp, err = c.post(ctx, creds.BaseURL, token, "getWSKey", message(MsgGetWSKey))
	if err != nil {
		return nil, &vendorapi.AuthError{Step: StepSubscriptionKey, Err: err}
	}
	key := vendorapi.AsString(vendorapi.Object(resp, "data")["key"])
	if key == "" {
		return nil, &vendorapi.AuthError{Step: StepSubscriptionKey, Err: &vendorapi.Error{
			Kind: vendorapi.KindDecode, Operation: "getWSKey", Message: "no subscription key in response",
		}}
	}
	sess.Identifiers[IdentSubscriptionKey] = key

	c.store.Store(sess)
	c.log.Info().
		Str("device_id", sess.Metadata["device_id"]).
		Str("version", sess.Metadata["version"]).
		Str("face_db", dbName).
		Str("lib_id", sess.Identifiers[IdentLibrary]).
		Msg("Logged in to SenseNebula")
	return c.store.Load(), nil
}

// Session returns the current session.
func (c *Client) Session() *vendorapi.Session {
	return c.store.Load()
}

// Supports reports whether op is a SenseNebula operation.
func (c *Client) Supports(op string) bool {
	return op == OpAddVisitor
}

// Call runs an authenticated operation.
func (c *Client) Call(ctx context.Context, op string, payload map[string]any) (map[string]any, error) {
	sess, err := c.store.Require()
	if err != nil {
		return nil, err
	}
	if op != OpAddVisitor {
		return nil, fmt.Errorf("%w: %s", vendorapi.ErrUnknownOperation, op)
	}

	visitor, err := ParseVisitorRequest(payload)
	if err != nil {
		return nil, err
	}
	image, err := c.http.Fetch(ctx, "fetchFace", visitor.ImageURL)
	if err != nil {
		c.log.Warn().Err(err).Str("name", visitor.Name).Msg("Failed to fetch visitor image, storing without face image")
	}

	body := BuildStoreFacePayload(visitor, sess.Identifier(IdentLibrary), image)
	resp, err := c.post(ctx, sess.Credentials.BaseURL, sess.Token, OpAddVisitor, body)
	if err != nil {
		return nil, err
	}
	resp["code"] = okCode
	resp["msg"] = "OK"
	c.log.Info().Str("name", visitor.Name).Msg("Visitor stored in SenseNebula")
	return resp, nil
}

// RefreshKeepalive queries the device version to keep the session alive.
func (c *Client) RefreshKeepalive(ctx context.Context) error {
	sess, err := c.store.Require()
	if err != nil {
		return err
	}
	_, err = c.post(ctx, sess.Credentials.BaseURL, sess.Token, "queryVersion", message(MsgQueryVersion))
	return err
}

// Close forgets the session.
func (c *Client) Close() {
	c.store.Clear()
}
