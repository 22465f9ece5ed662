// Package api documents the llmgateway HTTP API.
//
// The gateway exposes an OpenAI-compatible surface in front of several
// LLM backends and an OpenRouter-style aggregator:
//
//   - POST /v1/chat/completions        chat completions, JSON or SSE
//   - POST /v1/proxy/chat/completions  chat completions forwarded verbatim
//   - POST /v1/responses               Responses API forwarded verbatim
//   - POST /v1/embeddings              embeddings (?format=dict|points|tuple)
//   - GET  /v1/models                  model cards from every provider
//   - GET  /v1/models/{id}             a single model card
//
// # Authentication
//
// When auth is enabled every /v1 route requires one of:
//
//	X-API-Key: your-api-key
//	Authorization: Bearer your-api-key
//	Authorization: Bearer <JWT>
//
// # Errors
//
// Gateway errors use the envelope
//
//	{"error": {"code": "INVALID_PAYLOAD", "message": "...", "retryable": false}}
//
// Forwarded routes keep the aggregator's own error bodies and use
// {"error": "..."} for failures raised by the gateway itself.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Handlers live in package handlers.
package api
