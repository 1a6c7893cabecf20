// Copyright 2024-2026 Aiku AI

// Package senselink talks to the SenseLink access control platform. Every
// REST call is signed with the app key, a millisecond timestamp and an MD5
// signature of that timestamp and the app secret.
package senselink

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/sensebridge/pkg/vendorapi"
)

// Handshake steps, as reported in vendorapi.AuthError.
const (
	StepAuthenticate = "authenticate"
	StepReceptionBot = "receptionBot"
	StepVisitorGroup = "visitorGroup"
	StepDevices      = "devices"
)

// Operations accepted by Call.
const (
	OpAddVisitor = "addVisitor"
	OpGetImage   = "getImage"
)

// Session identifiers discovered during login.
const (
	IdentReceptionBot = "receptionBotId"
	IdentVisitorGroup = "visitorGroupId"

	devicePrefix = "device:"
)

const (
	apiBase     = "/sl/api/v5/"
	successCode = 200
)

// metadataKeys are copied from the server version response.
var metadataKeys = []string{"product", "provider", "appEdition", "coreEdition", "edition"}

// Client is the SenseLink vendor client.
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
		log:  log.With().Str("vendor", "senselink").Logger(),
		now:  time.Now,
	}
}

func (c *Client) url(creds vendorapi.Credentials, path string) string {
	return strings.TrimRight(creds.BaseURL, "/") + apiBase + path
}

// signer returns a header function that signs each request with a fresh
// timestamp.
func (c *Client) signer(creds vendorapi.Credentials) vendorapi.HeaderFunc {
	return func(h http.Header) error {
		if creds.Principal == "" || creds.Secret == "" {
			return vendorapi.ErrNotLoggedIn
		}
		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		h.Set("appKey", creds.Principal)
		h.Set("sign", Sign(ts, creds.Secret))
		h.Set("timestamp", ts)
		return nil
	}
}

func (c *Client) do(ctx context.Context, creds vendorapi.Credentials, op, method, path string, body any) (map[string]any, error) {
	resp, err := c.http.Do(ctx, vendorapi.Request{
		Operation: op,
		Method:    method,
		URL:       c.url(creds, path),
		Body:      body,
		Header:    c.signer(creds),
	})
	if err != nil {
		return nil, err
	}
	if err := vendorapi.ExpectCode(op, resp, successCode); err != nil {
		return nil, err
	}
	return resp, nil
}

// Login checks the server version, then resolves the reception bot, the
// default visitor group and the device names. The session is published
// only when every step succeeded.
func (c *Client) Login(ctx context.Context, creds vendorapi.Credentials, _ vendorapi.GeneralConfig) (*vendorapi.Session, error) {
	sess := &vendorapi.Session{
		Credentials: creds,
		Identifiers: make(map[string]string),
		Metadata:    make(map[string]string),
		IssuedAt:    c.now(),
	}

	version, err := c.do(ctx, creds, "serverversion", http.MethodGet, "serverversion", nil)
	if err != nil {
		return nil, &vendorapi.AuthError{Step: StepAuthenticate, Err: err}
	}
	data := vendorapi.Object(version, "data")
	for _, key := range metadataKeys {
		sess.Metadata[key] = vendorapi.AsString(data[key])
	}

	bots, err := c.do(ctx, creds, "users", http.MethodGet, "users?type=1&name=Reception_Bot", nil)
	if err != nil {
		return nil, &vendorapi.AuthError{Step: StepReceptionBot, Err: err}
	}
	botData := vendorapi.Object(bots, "data")
	if total, _ := vendorapi.AsInt(botData["total"]); total == 1 {
		if list := vendorapi.Array(botData, "resultList"); len(list) > 0 {
			if bot, ok := list[0].(map[string]any); ok {
				sess.Identifiers[IdentReceptionBot] = vendorapi.AsString(bot["id"])
			}
		}
	}
	if sess.Identifiers[IdentReceptionBot] == "" {
		c.log.Warn().Msg("No unique Reception_Bot user found, visitors will have no reception user")
	}

	groups, err := c.do(ctx, creds, "groups", http.MethodGet, "groups?type=2", nil)
	if err != nil {
		return nil, &vendorapi.AuthError{Step: StepVisitorGroup, Err: err}
	}
	for _, item := range vendorapi.Array(vendorapi.Object(groups, "data"), "resultList") {
		group, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if isDefault, _ := vendorapi.AsInt(group["isDefault"]); isDefault == 1 {
			sess.Identifiers[IdentVisitorGroup] = vendorapi.AsString(group["groupId"])
			break
		}
	}

	devices, err := c.do(ctx, creds, "devices", http.MethodGet, "devices", nil)
	if err != nil {
		return nil, &vendorapi.AuthError{Step: StepDevices, Err: err}
	}
	deviceCount := 0
	for _, item := range vendorapi.Array(vendorapi.Object(devices, "data"), "resultList") {
		device, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if ldid := vendorapi.AsString(device["ldid"]); ldid != "" {
			sess.Identifiers[devicePrefix+ldid] = vendorapi.AsString(device["name"])
			deviceCount++
		}
	}

	c.store.Store(sess)
	c.log.Info().
		Str("product", sess.Metadata["product"]).
		Str("edition", sess.Metadata["edition"]).
		Str("reception_bot_id", sess.Identifiers[IdentReceptionBot]).
		Str("visitor_group_id", sess.Identifiers[IdentVisitorGroup]).
		Int("devices", deviceCount).
		Msg("Logged in to SenseLink")
	return c.store.Load(), nil
}

// Session returns the current session.
func (c *Client) Session() *vendorapi.Session {
	return c.store.Load()
}

// DeviceName resolves a device ldid to its configured name.
func (c *Client) DeviceName(ldid string) (string, bool) {
	sess := c.store.Load()
	if sess == nil {
		return "", false
	}
	name, ok := sess.Identifiers[devicePrefix+ldid]
	return name, ok
}

// Supports reports whether op is a SenseLink operation.
func (c *Client) Supports(op string) bool {
	return op == OpAddVisitor || op == OpGetImage
}

// Call runs an authenticated operation.
func (c *Client) Call(ctx context.Context, op string, payload map[string]any) (map[string]any, error) {
	sess, err := c.store.Require()
	if err != nil {
		return nil, err
	}
	switch op {
	case OpAddVisitor:
		return c.addVisitor(ctx, sess, payload)
	case OpGetImage:
		req, err := ParseImageRequest(payload)
		if err != nil {
			return nil, err
		}
		return c.do(ctx, sess.Credentials, OpGetImage, http.MethodGet, req.Path(), nil)
	default:
		return nil, fmt.Errorf("%w: %s", vendorapi.ErrUnknownOperation, op)
	}
}

func (c *Client) addVisitor(ctx context.Context, sess *vendorapi.Session, payload map[string]any) (map[string]any, error) {
	visitor, err := ParseVisitorRequest(payload)
	if err != nil {
		return nil, err
	}

	var avatar []byte
	if visitor.ImageURL != "" {
		avatar, err = c.http.Fetch(ctx, "fetchAvatar", visitor.ImageURL)
		if err != nil {
			c.log.Warn().Err(err).Str("name", visitor.Name).Msg("Failed to fetch visitor image, registering without avatar")
		}
	}

	body := BuildVisitorPayload(visitor, sess.Identifier(IdentReceptionBot), avatar, c.now())
	resp, err := c.do(ctx, sess.Credentials, OpAddVisitor, http.MethodPost, "users", body)
	if err != nil {
		return nil, err
	}

	userID, _ := vendorapi.AsInt(vendorapi.Object(resp, "data")["id"])
	groupID := sess.Identifier(IdentVisitorGroup)
	if userID > 0 && groupID != "" {
		path := fmt.Sprintf("users/%d/groups", userID)
		if _, err := c.do(ctx, sess.Credentials, "assignGroup", http.MethodPut, path, BuildGroupAssignment(groupID)); err != nil {
			c.log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to move visitor into the default group")
		} else {
			c.log.Info().Int64("user_id", userID).Str("group_id", groupID).Msg("Visitor added to default group")
		}
	}
	return resp, nil
}

// RefreshKeepalive re-reads the server version.
func (c *Client) RefreshKeepalive(ctx context.Context) error {
	sess, err := c.store.Require()
	if err != nil {
		return err
	}
	_, err = c.do(ctx, sess.Credentials, "serverversion", http.MethodGet, "serverversion", nil)
	return err
}

// Close forgets the session.
func (c *Client) Close() {
	c.store.Clear()
}
