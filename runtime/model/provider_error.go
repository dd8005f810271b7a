package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider failures into the categories the runtime
// reacts to. Everything else is opaque.
type ErrorKind string

const (
	// KindAuth covers 401/403 responses and expired credentials.
	KindAuth ErrorKind = "auth"
	// KindRateLimited covers provider throttling (429).
	KindRateLimited ErrorKind = "rate_limited"
	// KindContentFilter covers guardrail and content-policy rejections.
	KindContentFilter ErrorKind = "content_filter"
	// KindInvalidRequest covers malformed requests that will not succeed on
	// retry.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindUnavailable covers transient failures (5xx, network) where a retry
	// may succeed.
	KindUnavailable ErrorKind = "unavailable"
	// KindUnknown is everything unclassified.
	KindUnknown ErrorKind = "unknown"
)

// ProviderError is the normalized failure an adapter returns. It preserves
// enough provider detail for classification without leaking SDK types.
type ProviderError struct {
	// Provider names the adapter ("openai", "anthropic").
	Provider string
	// HTTPStatus is the provider HTTP status, 0 when unknown.
	HTTPStatus int
	// Kind is the coarse classification.
	Kind ErrorKind
	// Code is the provider error code when available (e.g. "content_filter").
	Code string
	// InnerCode is the nested policy code some gateways attach
	// (e.g. "ResponsibleAIPolicyViolation").
	InnerCode string
	// Message is the provider error message.
	Message string
	// Cause is the original SDK error.
	Cause error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Provider, e.Kind, e.HTTPStatus, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

// Unwrap preserves the original SDK error chain.
func (e *ProviderError) Unwrap() error { return e.Cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsContentFilter reports whether err is a guardrail or content-policy
// rejection. Classified errors are checked structurally: a 422, or a 400
// carrying the "content_filter" code or a responsible-AI inner code. For
// errors that escaped classification the provider message is matched as a
// fallback.
func IsContentFilter(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := AsProviderError(err); ok {
		if pe.Kind == KindContentFilter {
			return true
		}
		if pe.HTTPStatus == 422 {
			return true
		}
		if pe.HTTPStatus == 400 {
			if strings.EqualFold(pe.Code, "content_filter") {
				return true
			}
			if strings.EqualFold(pe.InnerCode, "ResponsibleAIPolicyViolation") {
				return true
			}
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "content_filter") ||
		strings.Contains(msg, "content management policy") ||
		strings.Contains(msg, "responsibleaipolicyviolation")
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Kind == KindAuth || pe.HTTPStatus == 401
	}
	return false
}

// KindFromStatus maps an HTTP status to the coarse error kind. Adapters use
// it when the SDK exposes only the status.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 422:
		return KindContentFilter
	case status == 429:
		return KindRateLimited
	case status >= 400 && status < 500:
		return KindInvalidRequest
	case status >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}
