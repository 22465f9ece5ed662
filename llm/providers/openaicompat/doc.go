// Package openaicompat provides the shared implementation for providers that
// speak the OpenAI Chat Completions wire format.
//
// openai and mistral embed openaicompat.Provider and only override what differs:
//
//   - Provider name and default models
//   - Base URL
//   - Custom headers (if any)
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName:   "mistral",
//	    APIKey:         cfg.APIKey,
//	    BaseURL:        "https://api.mistral.ai",
//	    FallbackModel:  "mistral-small-latest",
//	    EmbeddingModel: "mistral-embed",
//	}, logger)
package openaicompat
