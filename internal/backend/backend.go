// Package backend implements the IR-to-provider-wire half of the
// translation kernel (§4.2): each adapter owns one vendor's request/response
// shape, knows how to execute a unary call or drive a streaming one, and
// reports the capability matrix the router and drift utilities consult.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/ir"
)

// Adapter is the backend half of the translation kernel. Router satisfies
// this same interface (§4.4: "the Router itself satisfies the Backend
// contract") so a Bridge never needs to know whether it's talking to one
// concrete backend or a whole registry behind a Router.
type Adapter interface {
	// Name identifies this backend for provenance stamps, stats, and the
	// router's registry key.
	Name() string
	// Capabilities is this backend's immutable feature matrix (§3).
	Capabilities() capability.Descriptor

	// FromIR builds the provider wire request from req, applying
	// normalizeSystemMessages, parameter scaling, and stop-sequence
	// truncation per §4.2, returning any SemanticWarning emitted along
	// the way. The returned body is ready to POST as-is.
	FromIR(req ir.ChatRequest) (body []byte, warnings []ir.SemanticWarning, err error)
	// ToIR builds the canonical response from a decoded provider payload,
	// stamping latencyMs and provider response id (§4.2).
	ToIR(raw []byte, original ir.ChatRequest, latencyMs int64) (ir.ChatResponse, error)

	// Execute performs one unary call end to end: fromIR, HTTP round
	// trip, toIR. Transport/HTTP failures are translated into the §7
	// error taxonomy with provenance.backend set to Name().
	Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error)
	// ExecuteStream performs one streaming call end to end, returning a
	// channel of IR chunks obeying the §3/§8 stream invariants. The
	// channel is always closed; cancelling ctx releases the underlying
	// reader exactly once (§4.5).
	ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error)

	// HealthCheck reports whether the backend currently looks reachable.
	HealthCheck(ctx context.Context) bool
	// EstimateCost is a best-effort, non-contractual cost estimate in
	// USD; ok is false when the backend doesn't implement one (§4.2, §9).
	EstimateCost(req ir.ChatRequest) (estimate float64, ok bool)
}

// httpDoer is the minimal surface every backend needs from an HTTP client;
// satisfied by *http.Client and by go-vcr's recorder-wrapped client in
// tests.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// translateHTTPError maps a failed HTTP round trip or a non-2xx status into
// the §7 error taxonomy, attributing provenance to backend.
func translateHTTPError(backend string, statusCode int, providerBody []byte, cause error) *ir.Error {
	if cause != nil {
		return ir.NewError(ir.CategoryNetwork, "transport_error", cause.Error()).
			WithCause(cause).WithRetryable(true).WithProvenance(ir.ProvenanceBackend, backend)
	}

	category, retryable := statusToCategory(statusCode)
	return ir.NewError(category, fmt.Sprintf("http_%d", statusCode), string(providerBody)).
		WithStatusCode(statusCode).WithRetryable(retryable).WithProvenance(ir.ProvenanceBackend, backend)
}

func statusToCategory(status int) (ir.Category, bool) {
	switch {
	case status == http.StatusUnauthorized:
		return ir.CategoryAuthentication, false
	case status == http.StatusForbidden:
		return ir.CategoryAuthorization, false
	case status == http.StatusTooManyRequests:
		return ir.CategoryRateLimit, true
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ir.CategoryValidation, false
	case status >= 500:
		return ir.CategoryServerError, true
	default:
		return ir.CategoryUnknown, false
	}
}

// cancelledError builds the ctx-cancellation error shape §5 requires:
// category "cancelled", non-retryable.
func cancelledError(backend string, cause error) *ir.Error {
	return ir.NewError(ir.CategoryCancelled, "request_cancelled", "request was cancelled").
		WithCause(cause).WithRetryable(false).WithProvenance(ir.ProvenanceBackend, backend)
}

// defaultClient is used when a backend constructor isn't handed one of its
// own, mirroring the teacher's provider constructors taking a *http.Client.
func defaultClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
