// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/sensebridge/pkg/connector/inbound"
	"github.com/aiku/sensebridge/pkg/vendorapi"
)

// queryReply records one SendQueryResponse or SendQueryError call.
type queryReply struct {
	Status       int
	ReplyAddress string
	Body         map[string]any
	Kind         string
	Message      string
	Params       []any
}

// fakeUpstream is an in-memory control-plane session. It records every
// message the core sends and lets tests fire the handlers.
type fakeUpstream struct {
	mu            sync.Mutex
	handlers      Handlers
	open          bool
	connects      int
	reconnects    int
	closed        int
	notifications []map[string]any
	replies       []queryReply

	// ConnectErrs are returned by the next Connect calls, in order.
	ConnectErrs []error
	// AlwaysFail makes every Connect fail.
	AlwaysFail bool
	// NotifyErr is returned by SendNotification.
	NotifyErr error
	// OnConnect runs at the start of every Connect or Reconnect.
	OnConnect func()
}

var errDialFailed = errors.New("dial failed")

func (f *fakeUpstream) connect() error {
	f.mu.Lock()
	hook := f.OnConnect
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AlwaysFail {
		return errDialFailed
	}
	if len(f.ConnectErrs) > 0 {
		err := f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.open = true
	return nil
}

func (f *fakeUpstream) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return f.connect()
}

func (f *fakeUpstream) Reconnect(context.Context) error {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
	return f.connect()
}

func (f *fakeUpstream) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeUpstream) IsAuthed() bool {
	return f.IsOpen()
}

func (f *fakeUpstream) SendNotification(msg map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NotifyErr != nil {
		return f.NotifyErr
	}
	f.notifications = append(f.notifications, msg)
	return nil
}

func (f *fakeUpstream) SendQueryResponse(status int, replyAddress string, body map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, queryReply{Status: status, ReplyAddress: replyAddress, Body: body})
	return nil
}

func (f *fakeUpstream) SendQueryError(replyAddress, kind, message string, params []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, queryReply{ReplyAddress: replyAddress, Kind: kind, Message: message, Params: params})
	return nil
}

func (f *fakeUpstream) SetHandlers(h Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeUpstream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed++
}

func (f *fakeUpstream) Handlers() Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

// Notifications returns the notifications sent so far, pings excluded.
func (f *fakeUpstream) Notifications() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, n := range f.notifications {
		if n["messageType"] != "ping" {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeUpstream) Pings() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, n := range f.notifications {
		if n["messageType"] == "ping" {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeUpstream) Replies() []queryReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queryReply(nil), f.replies...)
}

func (f *fakeUpstream) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects + f.reconnects
}

// fakeClient is a vendor client whose handshake and operations are canned.
type fakeClient struct {
	mu        sync.Mutex
	store     vendorapi.SessionStore
	logins    []vendorapi.Credentials
	calls     []string
	refreshes int
	closed    int

	LoginErr error
	// Results holds the response of each supported operation.
	Results map[string]map[string]any
	CallErr error
}

var _ vendorapi.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{Results: map[string]map[string]any{
		"addVisitor": {"code": 200, "msg": "OK"},
	}}
}

func (c *fakeClient) Login(_ context.Context, creds vendorapi.Credentials, _ vendorapi.GeneralConfig) (*vendorapi.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logins = append(c.logins, creds)
	if c.LoginErr != nil {
		return nil, c.LoginErr
	}
	sess := &vendorapi.Session{
		Credentials: creds,
		Token:       "tok",
		Metadata:    map[string]string{"device_id": "dev-1", "version": "1.2"},
		IssuedAt:    time.Now(),
	}
	c.store.Store(sess)
	return c.store.Load(), nil
}

func (c *fakeClient) Call(_ context.Context, op string, _ map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, op)
	if c.CallErr != nil {
		return nil, c.CallErr
	}
	res, ok := c.Results[op]
	if !ok {
		return nil, vendorapi.ErrUnknownOperation
	}
	return maps.Clone(res), nil
}

func (c *fakeClient) Supports(op string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.Results[op]
	return ok
}

func (c *fakeClient) RefreshKeepalive(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	return nil
}

func (c *fakeClient) Session() *vendorapi.Session {
	return c.store.Load()
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.store.Clear()
}

func (c *fakeClient) Logins() []vendorapi.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]vendorapi.Credentials(nil), c.logins...)
}

func (c *fakeClient) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

// fakeChannel is an inbound channel driven by the test.
type fakeChannel struct {
	mu       sync.Mutex
	handler  inbound.Handler
	onClose  func(error)
	started  bool
	stopped  int
	pings    [][]byte
	StartErr error
}

func (ch *fakeChannel) Start(context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.StartErr != nil {
		return &inbound.ChannelError{Channel: "fake", Err: ch.StartErr}
	}
	ch.started = true
	return nil
}

func (ch *fakeChannel) Stop() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.stopped++
}

func (ch *fakeChannel) Ping(_ context.Context, payload []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.pings = append(ch.pings, payload)
	return nil
}

func (ch *fakeChannel) Emit(payload map[string]any) {
	ch.handler(inbound.Event{Payload: payload, ReceivedAt: time.Now()})
}

func (ch *fakeChannel) Drop(err error) {
	ch.onClose(err)
}

func (ch *fakeChannel) Stopped() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stopped
}

func (ch *fakeChannel) Pings() [][]byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([][]byte(nil), ch.pings...)
}

// fakeIntegration binds fakeClient and fakeChannel to the core. Its
// configuration needs a "url" key; events split their data.img field.
type fakeIntegration struct {
	client *fakeClient

	mu       sync.Mutex
	channels []*fakeChannel
	// StartErr is set on every channel created.
	StartErr error
}

var (
	_ Integration     = (*fakeIntegration)(nil)
	_ TransportPinger = (*fakeIntegration)(nil)
)

func (i *fakeIntegration) Name() string             { return "fake" }
func (i *fakeIntegration) Client() vendorapi.Client { return i.client }

func (i *fakeIntegration) ParseSettings(general vendorapi.GeneralConfig) (Settings, error) {
	var s Settings
	var err error
	s.Credentials.BaseURL, err = general.String("url")
	return s, err
}

func (i *fakeIntegration) NewChannel(_ Settings, _ *vendorapi.Session, handler inbound.Handler, onClose func(error)) (inbound.Channel, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ch := &fakeChannel{handler: handler, onClose: onClose, StartErr: i.StartErr}
	i.channels = append(i.channels, ch)
	return ch, nil
}

func (i *fakeIntegration) PrepareEvent(evt inbound.Event, _ *vendorapi.Session) PreparedEvent {
	return PreparedEvent{
		Payload:     evt.Payload,
		MessageType: "fake_event",
		SplitFields: []string{"data.img"},
		PassThrough: map[string]any{"msg_id": "777"},
	}
}

func (i *fakeIntegration) PingPayload(sess *vendorapi.Session) map[string]any {
	return sess.MetadataMap()
}

func (i *fakeIntegration) TransportPing(_ *vendorapi.Session, diagnostic bool, _ time.Time) []byte {
	if diagnostic {
		return []byte("diagnostic")
	}
	return nil
}

func (i *fakeIntegration) Channels() []*fakeChannel {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*fakeChannel(nil), i.channels...)
}

func (i *fakeIntegration) Channel(t *testing.T) *fakeChannel {
	t.Helper()
	chans := i.Channels()
	if len(chans) == 0 {
		t.Fatal("no inbound channel was created")
	}
	return chans[len(chans)-1]
}

// testOptions keeps every keepalive task idle during the test.
func testOptions() Options {
	return Options{
		SourceName:        "test-source",
		ReconnectInterval: 10 * time.Millisecond,
		ConnectTimeout:    time.Second,
		Keepalive: KeepaliveTimings{
			UpstreamDelay:   time.Hour,
			UpstreamPeriod:  time.Hour,
			VendorDelay:     time.Hour,
			VendorPeriod:    time.Hour,
			TransportDelay:  time.Hour,
			TransportPeriod: time.Hour,
		},
	}
}

type testEnv struct {
	core        *Core
	upstream    *fakeUpstream
	client      *fakeClient
	integration *fakeIntegration
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{upstream: &fakeUpstream{}, client: newFakeClient()}
	env.integration = &fakeIntegration{client: env.client}
	env.core = New(env.upstream, env.integration, opts, zerolog.Nop())
	t.Cleanup(env.core.Stop)
	return env
}

// start connects the core and fails the test if it does not.
func (e *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !e.core.Start(ctx, time.Second) {
		t.Fatal("Start returned false")
	}
}

// activate connects and configures the core with doc.
func (e *testEnv) activate(t *testing.T, doc map[string]any) {
	t.Helper()
	e.start(t)
	e.upstream.Handlers().Config(doc)
	if got := e.core.State(); got != StateActive {
		t.Fatalf("state after configuration: got %s, want active", got)
	}
}

func configDoc(general map[string]any) map[string]any {
	return map[string]any{
		"config": map[string]any{
			"fakeConfig": map[string]any{"general": general},
		},
	}
}

func validDoc() map[string]any {
	return configDoc(map[string]any{"url": "http://vendor.local"})
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
