package llm

import (
	"fmt"
	"net/http"

	"github.com/BaSui01/llmgateway/types"
)

// StatusClientClosedRequest is the non-standard status recorded when the caller goes away mid-stream.
const StatusClientClosedRequest = 499

// NewInvalidPayloadError reports a malformed or non-object request body.
func NewInvalidPayloadError(msg string) *types.Error {
	return types.NewError(types.ErrInvalidPayload, msg).
		WithHTTPStatus(http.StatusBadRequest)
}

// NewModelNotFoundError reports a model the provider does not know.
func NewModelNotFoundError(provider, model string) *types.Error {
	return types.NewError(types.ErrModelNotFound, fmt.Sprintf("model %q not found", model)).
		WithHTTPStatus(http.StatusNotFound).
		WithProvider(provider)
}

// NewUpstreamUnavailableError wraps a transport-level failure talking to a backend.
func NewUpstreamUnavailableError(provider string, cause error) *types.Error {
	msg := "upstream unavailable"
	if cause != nil {
		msg = cause.Error()
	}
	return types.NewError(types.ErrUpstreamUnavailable, msg).
		WithCause(cause).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true).
		WithProvider(provider)
}

// NewUpstreamHTTPError carries a non-2xx upstream status and its body text.
func NewUpstreamHTTPError(provider string, status int, body string) *types.Error {
	return types.NewError(types.ErrUpstreamHTTP, body).
		WithHTTPStatus(status).
		WithRetryable(status >= 500).
		WithProvider(provider)
}

// NewProviderResolutionError is returned when no provider matches and no default is registered.
func NewProviderResolutionError(model string) *types.Error {
	return types.NewError(types.ErrProviderResolution,
		fmt.Sprintf("no provider available for model %q", model)).
		WithHTTPStatus(http.StatusBadRequest)
}

// NewStreamTeardownError marks a stream that ended because of a disconnect or relay failure.
func NewStreamTeardownError(cause error) *types.Error {
	return types.NewError(types.ErrStreamTeardown, "stream torn down").
		WithCause(cause).
		WithHTTPStatus(StatusClientClosedRequest)
}

// NewCapabilityNotSupportedError is returned by adapters lacking an operation.
func NewCapabilityNotSupportedError(provider, capability string) *types.Error {
	return types.NewError(types.ErrCapabilityNotSupported,
		fmt.Sprintf("%s does not support %s", provider, capability)).
		WithHTTPStatus(http.StatusNotImplemented).
		WithProvider(provider)
}
