// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector bridges one physical access control source to the
// control plane.
//
// A source is driven by a [Core]. The core keeps the upstream session
// connected and, once the control plane sends a configuration document,
// logs in to the vendor, opens the inbound event channel and starts the
// keepalive tasks. Vendor events are forwarded upstream as notifications,
// with oversized fields split into chunk envelopes. Publish and query
// requests from the control plane are mapped to vendor operations.
//
// # Core Types
//
// [Core] owns the lifecycle of a source. Its [State] only moves along the
// transitions allowed by [CanTransition]; a dropped upstream or vendor
// stream always goes through Reconnecting, which cancels the keepalive
// tasks before the next connect attempt.
//
// [Upstream] is the control-plane session the core consumes. The
// controlplane package provides the WebSocket implementation.
//
// [Integration] binds one vendor to the core. [SenseLink] receives events
// through HTTP callbacks; [SenseNebula] subscribes to a WebSocket stream and
// pings it at the transport level.
//
// [Config] is the process configuration, loaded from YAML and upgraded
// against the embedded example.
//
// # Sub-packages
//
//   - chunking splits oversized event fields into ordered envelopes.
//   - inbound receives vendor events over HTTP callbacks or a subscription.
//   - keepalive runs named periodic tasks.
package connector
