// Copyright 2024-2026 Aiku AI

package vendorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var callFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sensebridge",
	Name:      "vendor_call_failures_total",
	Help:      "Total failed vendor REST calls by operation and kind",
}, []string{"operation", "kind"})

// RecordFailure counts a failed vendor call. Integrations call it for
// vendor-level rejections the requester cannot see.
func RecordFailure(operation string, kind Kind) {
	callFailures.WithLabelValues(operation, string(kind)).Inc()
}

// maxResponseBytes caps how much of a vendor response is read (64 MB).
const maxResponseBytes = 64 << 20

// HeaderFunc sets authentication headers on one outgoing request. It runs
// for every request, so signatures and timestamps are never reused.
type HeaderFunc func(h http.Header) error

// RequesterOptions tune the shared HTTP client and its throttle.
type RequesterOptions struct {
	Timeout time.Duration
	// Rate is the sustained number of requests per second. Zero disables
	// throttling.
	Rate  float64
	Burst int
	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Request is one JSON REST call.
type Request struct {
	// Operation names the call in errors, logs and metrics.
	Operation string
	Method    string
	URL       string
	// Body is marshalled as JSON when non-nil.
	Body   any
	Header HeaderFunc
}

// Requester executes JSON REST calls against a vendor.
type Requester struct {
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewRequester creates a requester.
func NewRequester(opts RequesterOptions, log zerolog.Logger) *Requester {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := opts.Burst
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
		if burst <= 0 {
			burst = 1
		}
	}
	return &Requester{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.With().Str("component", "vendor_http").Logger(),
	}
}

// Do sends the request and decodes the response as a JSON object. Numbers
// are decoded as json.Number.
func (r *Requester) Do(ctx context.Context, req Request) (map[string]any, error) {
	body, err := r.send(ctx, req, "application/json")
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil || out == nil {
		if err == nil {
			err = errors.New("response is not a JSON object")
		}
		return nil, r.fail(&Error{Kind: KindDecode, Operation: req.Operation, Err: err})
	}
	return out, nil
}

// Fetch downloads a raw resource, such as an image referenced by URL.
func (r *Requester) Fetch(ctx context.Context, operation, url string) ([]byte, error) {
	return r.send(ctx, Request{Operation: operation, Method: http.MethodGet, URL: url}, "")
}

func (r *Requester) send(ctx context.Context, req Request, accept string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, r.fail(&Error{Kind: KindTransport, Operation: req.Operation, Message: "throttled", Err: err})
	}

	var reader io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, r.fail(&Error{Kind: KindInvalidRequest, Operation: req.Operation, Err: err})
		}
		reader = bytes.NewReader(data)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, reader)
	if err != nil {
		return nil, r.fail(&Error{Kind: KindInvalidRequest, Operation: req.Operation, Err: err})
	}
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	if req.Header != nil {
		if err := req.Header(httpReq.Header); err != nil {
			return nil, r.fail(&Error{Kind: KindInvalidRequest, Operation: req.Operation, Message: "failed to sign request", Err: err})
		}
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, r.fail(&Error{Kind: KindTransport, Operation: req.Operation, Err: err})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, r.fail(&Error{Kind: KindTransport, Operation: req.Operation, HTTPStatus: resp.StatusCode, Err: err})
	}
	r.log.Debug().
		Str("operation", req.Operation).
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Vendor request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, r.fail(&Error{
			Kind:       KindStatus,
			Operation:  req.Operation,
			HTTPStatus: resp.StatusCode,
			Message:    truncate(string(data), 256),
		})
	}
	return data, nil
}

func (r *Requester) fail(err *Error) error {
	RecordFailure(err.Operation, err.Kind)
	r.log.Warn().Err(err).Str("operation", err.Operation).Msg("Vendor request failed")
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
