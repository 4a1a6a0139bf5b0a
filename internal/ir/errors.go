package ir

import "fmt"

// Category is one of the error taxonomy buckets from §7. It is a category,
// not a Go type — every failure in the kernel is an *Error with one of
// these, never a bespoke error type per adapter.
type Category string

const (
	CategoryAuthentication    Category = "authentication"
	CategoryAuthorization     Category = "authorization"
	CategoryRateLimit         Category = "rate_limit"
	CategoryValidation        Category = "validation"
	CategoryModelError        Category = "model_error"
	CategoryNetwork           Category = "network"
	CategoryServerError       Category = "server_error"
	CategoryAdapterConversion Category = "adapter_conversion"
	CategoryStream            Category = "stream"
	CategoryNoAvailableBackend Category = "no_available_backend"
	CategoryCircuitOpen       Category = "circuit_open"
	CategoryCancelled         Category = "cancelled"
	CategoryUnknown           Category = "unknown"
)

// Provenance names which adapters/router touched a request before the
// error surfaced.
type Provenance struct {
	Frontend string
	Backend  string
	Router   string
}

// Error is the one error shape the whole kernel produces and consumes.
// Middleware may wrap or translate it but must preserve Provenance and
// Cause (§7).
type Error struct {
	Category     Category
	Code         string
	Message      string
	StatusCode   int
	ProviderCode string
	ProviderType string
	Retryable    bool
	RetryAfterMs int64
	Provenance   Provenance
	Cause        error
	Timestamp    int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a non-retryable Error in the given category.
func NewError(category Category, code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

// WithCause returns e with Cause set.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable sets e.Retryable; use WithRetryAfter for a retry-after hint.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter sets RetryAfterMs and implies Retryable.
func (e *Error) WithRetryAfter(ms int64) *Error {
	e.RetryAfterMs = ms
	e.Retryable = true
	return e
}

// WithStatusCode sets the originating HTTP status code, if any.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithProviderCode sets the provider-native error code/type, for
// diagnostics (§7: "enough context ... without inspecting provider docs").
func (e *Error) WithProviderCode(code, typ string) *Error {
	e.ProviderCode = code
	e.ProviderType = typ
	return e
}

// WithProvenance sets one provenance field without disturbing the others.
func (e *Error) WithProvenance(role ProvenanceRole, name string) *Error {
	switch role {
	case ProvenanceFrontend:
		e.Provenance.Frontend = name
	case ProvenanceBackend:
		e.Provenance.Backend = name
	case ProvenanceRouter:
		e.Provenance.Router = name
	}
	return e
}

// AggregateError wraps every attempt's failure when a router fallback
// chain is exhausted (§4.4, §7).
type AggregateError struct {
	*Error
	Attempts []BackendAttemptError
}

// BackendAttemptError records one fallback attempt's outcome.
type BackendAttemptError struct {
	Backend string
	Err     error
}

func (a *AggregateError) Error() string {
	msg := a.Error.Error() + " (attempts:"
	for _, at := range a.Attempts {
		msg += fmt.Sprintf(" %s=%v;", at.Backend, at.Err)
	}
	return msg + ")"
}
