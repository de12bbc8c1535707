package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a provider failure. The router's failover decision
// switches on it.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindOverloaded
	KindServerError
	// KindToolSchema is a request rejected because of the offered action
	// schemas or a malformed action call the provider refused to return.
	KindToolSchema
	KindClientError
	// KindUnavailable is a transport failure before any HTTP status.
	KindUnavailable
	KindCanceled
)

var kindNames = map[ErrorKind]string{
	KindUnknown:     "unknown",
	KindRateLimited: "rate_limited",
	KindOverloaded:  "overloaded",
	KindServerError: "server_error",
	KindToolSchema:  "tool_schema",
	KindClientError: "client_error",
	KindUnavailable: "unavailable",
	KindCanceled:    "canceled",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Transient reports whether the same request is worth sending to another
// provider.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindRateLimited, KindOverloaded, KindServerError, KindToolSchema, KindUnavailable:
		return true
	}
	return false
}

// ProviderError wraps an upstream failure with its classification.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindOf extracts the classification from err. Unclassified errors are
// KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}

// kindForStatus maps an HTTP status to a kind. 529 is Anthropic's overload
// status.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == 529 || status == http.StatusServiceUnavailable:
		return KindOverloaded
	case status >= 500:
		return KindServerError
	case status >= 400:
		return KindClientError
	}
	return KindUnknown
}

// transportError classifies an error that carried no HTTP status.
func transportError(provider string, err error) *ProviderError {
	kind := KindUnavailable
	if errors.Is(err, context.Canceled) {
		kind = KindCanceled
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}
