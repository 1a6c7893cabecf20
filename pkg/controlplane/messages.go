// Copyright 2024-2026 Aiku AI

package controlplane

import (
	"encoding/json"
	"fmt"
)

// Operations exchanged with the control plane.
const (
	OpValidate          = "validate"
	OpConnectExtension  = "connectExtension"
	OpNotification      = "notification"
	OpConfigure         = "configureExtension"
	OpPublish           = "publish"
	OpQuery             = "query"
	OpReconnectRequired = "reconnectRequired"
)

const (
	// ReplyAddressHeader carries the reply address of a query message.
	ReplyAddressHeader = "REPLY_ADDR_HEADER"

	replyHeader     = "X-Reply-Address"
	requestIDHeader = "X-Request-Id"

	resourceCredentials = "system.credentials"
	resourceSources     = "system.sources"
	resourceSource      = "sources"
)

// request is an outgoing operation.
type request struct {
	Op           string            `json:"op"`
	ResourceName string            `json:"resourceName"`
	ResourceID   string            `json:"resourceId,omitempty"`
	Object       any               `json:"object,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// reply answers a query.
type reply struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// queryError is the body of an error reply.
type queryError struct {
	MessageCode string `json:"messageCode"`
	Message     string `json:"message"`
	Parameters  []any  `json:"parameters"`
}

// message is anything received from the control plane: either the
// response to one of our requests, which carries a status, or an operation.
type message struct {
	Status         *int              `json:"status"`
	Headers        map[string]string `json:"headers"`
	Body           json.RawMessage   `json:"body"`
	Op             string            `json:"op"`
	ResourceID     string            `json:"resourceId"`
	Object         map[string]any    `json:"object"`
	MessageHeaders map[string]any    `json:"messageHeaders"`
}

func (m *message) replyAddress() string {
	s, _ := m.MessageHeaders[ReplyAddressHeader].(string)
	return s
}

// ResponseError is a request the control plane answered with a failure
// status.
type ResponseError struct {
	Op     string
	Status int
	Body   string
}

func (e *ResponseError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("control plane rejected %s with status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("control plane rejected %s with status %d: %s", e.Op, e.Status, e.Body)
}
