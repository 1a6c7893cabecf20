// Copyright 2024-2026 Aiku AI

package sensenebula

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/aiku/sensebridge/pkg/vendorapi"
)

const testSessionID = "sess-1"

// endpointCall records one JSON API request received by the fake appliance.
type endpointCall struct {
	MsgID     string
	SessionID string
	Body      map[string]any
}

// fakeNebula simulates the Nebula JSON API, answering by msg_id.
type fakeNebula struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// FailMsgs makes the listed msg_ids return HTTP 500.
	FailMsgs map[string]bool
	// RejectMsgs makes the listed msg_ids return vendor code 1001.
	RejectMsgs map[string]bool
	Libraries  []any
	Image      []byte
}

func newFakeNebula() *fakeNebula {
	f := &fakeNebula{
		FailMsgs:   make(map[string]bool),
		RejectMsgs: make(map[string]bool),
		Libraries: []any{
			map[string]any{"lib_id": 1, "lib_name": "staff"},
			map[string]any{"lib_id": 9, "lib_name": "visitors"},
		},
		Image: []byte("face"),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeNebula) Close() {
	f.Server.Close()
}

func (f *fakeNebula) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]endpointCall(nil), f.calls...)
}

func (f *fakeNebula) MsgIDs() []string {
	var ids []string
	for _, c := range f.Calls() {
		ids = append(ids, c.MsgID)
	}
	return ids
}

func (f *fakeNebula) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/face.png" {
		_, _ = w.Write(f.Image)
		return
	}
	if r.URL.Path != restPath || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	msgID, _ := body["msg_id"].(string)
	sessionID := r.Header.Get("sessionid")

	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{MsgID: msgID, SessionID: sessionID, Body: body})
	fail, reject := f.FailMsgs[msgID], f.RejectMsgs[msgID]
	f.mu.Unlock()

	if fail {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if reject {
		writeJSON(w, map[string]any{"code": 1001, "msg": "rejected"})
		return
	}
	if msgID != MsgLogin && sessionID != testSessionID {
		writeJSON(w, map[string]any{"code": 401, "msg": "no session"})
		return
	}

	switch msgID {
	case MsgLogin:
		if body["user_name"] != "admin" || body["user_pwd"] != "pw" {
			writeJSON(w, map[string]any{"code": 1002, "msg": "bad credentials"})
			return
		}
		writeJSON(w, map[string]any{"code": 0, "data": testSessionID})
	case MsgQueryVersion:
		writeJSON(w, map[string]any{"code": 0, "data": map[string]any{
			"device_id": "dev-1", "serial_id": "SN-1", "version": "2.1", "web_version": "3.4",
		}})
	case MsgQueryDB:
		writeJSON(w, map[string]any{"code": 0, "data": f.Libraries})
	case MsgGetWSKey:
		writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"key": "ws-key"}})
	case MsgStoreFace:
		writeJSON(w, map[string]any{"code": 0, "msg": "success", "data": map[string]any{"person_id": 77}})
	default:
		writeJSON(w, map[string]any{"code": 404, "msg": "unknown msg_id"})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient() *Client {
	return New(vendorapi.NewRequester(vendorapi.RequesterOptions{Timeout: 5 * time.Second}, zerolog.Nop()), zerolog.Nop())
}

func creds(url string) vendorapi.Credentials {
	return vendorapi.Credentials{BaseURL: url, Principal: "admin", Secret: "pw"}
}

var general = vendorapi.GeneralConfig{GeneralDatabaseKey: "visitors"}

// TestLoginDiscoversSession verifies the four handshake steps run in order
// and that every call after login carries the session id.
func TestLoginDiscoversSession(t *testing.T) {
	t.Parallel()
	fake := newFakeNebula()
	defer fake.Close()
	c := newTestClient()

	sess, err := c.Login(context.Background(), creds(fake.Server.URL), general)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.Token != testSessionID {
		t.Errorf("token: %q", sess.Token)
	}
	wantMeta := map[string]string{"device_id": "dev-1", "serial_id": "SN-1", "version": "2.1", "web_version": "3.4"}
	if diff := cmp.Diff(wantMeta, sess.Metadata); diff != "" {
		t.Errorf("metadata (-want +got):\n%s", diff)
	}
	if sess.Identifier(IdentLibrary) != "9" || sess.Identifier(IdentSubscriptionKey) != "ws-key" {
		t.Errorf("identifiers: %v", sess.Identifiers)
	}

	if diff := cmp.Diff([]string{MsgLogin, MsgQueryVersion, MsgQueryDB, MsgGetWSKey}, fake.MsgIDs()); diff != "" {
		t.Errorf("handshake order (-want +got):\n%s", diff)
	}
	for _, call := range fake.Calls()[1:] {
		if call.SessionID != testSessionID {
			t.Errorf("msg %s sent without session id", call.MsgID)
		}
	}
}

// TestLoginMetadataFailure verifies a failing version query fails the whole
// login with the metadata step and keeps the previous session.
func TestLoginMetadataFailure(t *testing.T) {
	t.Parallel()
	fake := newFakeNebula()
	defer fake.Close()
	c := newTestClient()

	first, err := c.Login(context.Background(), creds(fake.Server.URL), general)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	fake.mu.Lock()
	fake.FailMsgs[MsgQueryVersion] = true
	fake.mu.Unlock()

	_, err = c.Login(context.Background(), creds(fake.Server.URL), general)
	var authErr *vendorapi.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *vendorapi.AuthError, got %v", err)
	}
	if authErr.Step != StepMetadata {
		t.Errorf("step: got %q, want %q", authErr.Step, StepMetadata)
	}
	var vErr *vendorapi.Error
	if !errors.As(err, &vErr) || vErr.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("expected HTTP 500 vendor error, got %v", err)
	}
	if c.Session() != first {
		t.Error("previous session should be untouched")
	}
}

func TestLoginStepFailures(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		MsgLogin:    StepAuthenticate,
		MsgQueryDB:  StepDatabase,
		MsgGetWSKey: StepSubscriptionKey,
	}
	for msgID, step := range cases {
		t.Run(step, func(t *testing.T) {
			t.Parallel()
			fake := newFakeNebula()
			defer fake.Close()
			fake.RejectMsgs[msgID] = true
			c := newTestClient()

			_, err := c.Login(context.Background(), creds(fake.Server.URL), general)
			var authErr *vendorapi.AuthError
			if !errors.As(err, &authErr) || authErr.Step != step {
				t.Fatalf("expected failure at %s, got %v", step, err)
			}
			if vendorapi.KindOf(err) != vendorapi.KindRejected {
				t.Errorf("kind: got %q", vendorapi.KindOf(err))
			}
			if c.Session() != nil {
				t.Error("failed login must not publish a session")
			}
		})
	}
}

func TestLoginBadCredentials(t *testing.T) {
	t.Parallel()
	fake := newFakeNebula()
	defer fake.Close()
	c := newTestClient()

	bad := creds(fake.Server.URL)
	bad.Secret = "nope"
	_, err := c.Login(context.Background(), bad, general)
	var vErr *vendorapi.Error
	if !errors.As(err, &vErr) || vErr.Message != "bad credentials" {
		t.Fatalf("expected vendor rejection, got %v", err)
	}
	if len(fake.Calls()) != 1 {
		t.Errorf("login should stop after the first step, got %v", fake.MsgIDs())
	}
}

// TestLoginUnknownLibrary verifies a face library that does not exist on
// the appliance fails the database step.
func TestLoginUnknownLibrary(t *testing.T) {
	t.Parallel()
	fake := newFakeNebula()
	defer fake.Close()
	c := newTestClient()

	_, err := c.Login(context.Background(), creds(fake.Server.URL), vendorapi.GeneralConfig{GeneralDatabaseKey: "contractors"})
	var authErr *vendorapi.AuthError
	if !errors.As(err, &authErr) || authErr.Step != StepDatabase {
		t.Fatalf("expected database failure, got %v", err)
	}
	for _, id := range fake.MsgIDs() {
		if id == MsgGetWSKey {
			t.Error("subscription key should not be requested after a database failure")
		}
	}
}

func TestAddVisitor(t *testing.T) {
	t.Parallel()
	fake := newFakeNebula()
	defer fake.Close()
	c := newTestClient()
	if _, err := c.Login(context.Background(), creds(fake.Server.URL), general); err != nil {
		t.Fatalf("Login: %v", err)
	}

	resp, err := c.Call(context.Background(), OpAddVisitor, map[string]any{
		"name":     "Ada",
		"uid":      "S1234567A",
		"imageURL": fake.Server.URL + "/face.png",
	})
	if err != nil {
		t.Fatalf("addVisitor: %v", err)
	}
	if resp["code"] != okCode || resp["msg"] != "OK" {
		t.Errorf("response: %v", resp)
	}

	calls := fake.Calls()
	store := calls[len(calls)-1]
	if store.MsgID != MsgStoreFace {
		t.Fatalf("last call: %s", store.MsgID)
	}
	if store.Body["person_name"] != "Ada" || store.Body["person_idcard"] != "S1234567A" {
		t.Errorf("body: %v", store.Body)
	}
	if store.Body["lib_id"] != 9.0 {
		t.Errorf("lib_id: %v", store.Body["lib_id"])
	}
	img, _ := store.Body["img"].(map[string]any)
	if img["filename"] != "visitor_photo.png" || img["data"] != "data:image/png;base64,ZmFjZQ==" {
		t.Errorf("img: %v", img)
	}
}

func TestAddVisitorValidation(t *testing.T) {
	t.Parallel()
	fake := newFakeNebula()
	defer fake.Close()
	c := newTestClient()
	if _, err := c.Login(context.Background(), creds(fake.Server.URL), general); err != nil {
		t.Fatalf("Login: %v", err)
	}
	before := len(fake.Calls())

	_, err := c.Call(context.Background(), OpAddVisitor, map[string]any{"name": "Ada"})
	var vErr *vendorapi.Error
	if !errors.As(err, &vErr) || vErr.Kind != vendorapi.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if vErr.Message != "missing imageURL, uid" {
		t.Errorf("message: %q", vErr.Message)
	}
	if len(fake.Calls()) != before {
		t.Error("invalid request should not reach the appliance")
	}
}

func TestAddVisitorRejected(t *testing.T) {
	t.Parallel()
	fake := newFakeNebula()
	defer fake.Close()
	c := newTestClient()
	if _, err := c.Login(context.Background(), creds(fake.Server.URL), general); err != nil {
		t.Fatalf("Login: %v", err)
	}
	fake.mu.Lock()
	fake.RejectMsgs[MsgStoreFace] = true
	fake.mu.Unlock()

	_, err := c.Call(context.Background(), OpAddVisitor, map[string]any{
		"name": "Ada", "uid": "1", "imageURL": fake.Server.URL + "/face.png",
	})
	if vendorapi.KindOf(err) != vendorapi.KindRejected {
		t.Errorf("got %v, want rejected", err)
	}
}

func TestCallWithoutSession(t *testing.T) {
	t.Parallel()
	c := newTestClient()
	if _, err := c.Call(context.Background(), OpAddVisitor, nil); !errors.Is(err, vendorapi.ErrNotLoggedIn) {
		t.Errorf("Call: got %v", err)
	}
	if err := c.RefreshKeepalive(context.Background()); !errors.Is(err, vendorapi.ErrNotLoggedIn) {
		t.Errorf("RefreshKeepalive: got %v", err)
	}
}

func TestUnknownOperationAndKeepalive(t *testing.T) {
	t.Parallel()
	fake := newFakeNebula()
	defer fake.Close()
	c := newTestClient()
	if _, err := c.Login(context.Background(), creds(fake.Server.URL), general); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if c.Supports("getImage") {
		t.Error("getImage is a SenseLink operation")
	}
	if _, err := c.Call(context.Background(), "getImage", nil); !errors.Is(err, vendorapi.ErrUnknownOperation) {
		t.Errorf("got %v, want ErrUnknownOperation", err)
	}

	if err := c.RefreshKeepalive(context.Background()); err != nil {
		t.Fatalf("RefreshKeepalive: %v", err)
	}
	ids := fake.MsgIDs()
	if ids[len(ids)-1] != MsgQueryVersion {
		t.Errorf("keepalive sent %s", ids[len(ids)-1])
	}

	c.Close()
	if c.Session() != nil {
		t.Error("Close should clear the session")
	}
}

func TestSubscriptionURL(t *testing.T) {
	t.Parallel()
	if got := SubscriptionURL("http://nebula:8080/"); got != "http://nebula:8080/ws" {
		t.Errorf("got %q", got)
	}
}
