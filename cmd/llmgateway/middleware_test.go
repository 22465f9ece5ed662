package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/config"
	"github.com/BaSui01/llmgateway/internal/metrics"
	"github.com/BaSui01/llmgateway/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

// whoami 回显 context 中的调用方信息
func whoami() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := types.UserID(r.Context())
		authType, _ := types.AuthType(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]string{"user": user, "auth": authType})
	})
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body.Error.Code
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := SecurityHeaders()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
	})
	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Regexp(t, `^req-[0-9a-f]{32}$`, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "client-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "client-123", seen)
}

func TestRecovery(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, w))
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/v1/chat/completions":                       "/v1/chat/completions",
		"/v1/models":                                 "/v1/models",
		"/v1/models/gpt-4o":                          "/v1/models/:id",
		"/v1/models/openai/gpt-4o":                   "/v1/models/:id",
		"/jobs/550e8400-e29b-41d4-a716-446655440000": "/jobs/:id",
		"/jobs/42":                                   "/jobs/:id",
		"/unknown/path":                              "/unknown/path",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zap.NewNop())
	handler := MetricsMiddleware(collector)(okHandler())

	for _, path := range []string{"/v1/models/a", "/v1/models/openai/b"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	count, err := testutil.GatherAndCount(reg, "test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "model ids collapse into one series")
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, 1, 2, zap.NewNop())(okHandler())

	send := func(addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1001").Code)

	w := send("10.0.0.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", errorCode(t, w))

	// 其它客户端不受影响
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000").Code)
}

func TestAuth_APIKey(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, APIKeys: []string{"sk-good"}}
	handler := Auth(cfg, []string{"/health"}, zap.NewNop())(whoami())
	principal := apiKeyPrincipal("sk-good")
	assert.Regexp(t, `^apikey-[0-9a-f]{8}$`, principal)

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{name: "x-api-key", header: "X-API-Key", value: "sk-good", wantStatus: http.StatusOK},
		{name: "bearer key", header: "Authorization", value: "Bearer sk-good", wantStatus: http.StatusOK},
		{name: "wrong x-api-key", header: "X-API-Key", value: "sk-bad", wantStatus: http.StatusUnauthorized},
		{name: "wrong bearer", header: "Authorization", value: "Bearer sk-bad", wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", header: "Authorization", value: "Basic c2stZ29vZA==", wantStatus: http.StatusUnauthorized},
		{name: "missing", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
				assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
				return
			}
			var got map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
			assert.Equal(t, principal, got["user"])
			assert.Equal(t, authTypeAPIKey, got["auth"])
		})
	}
}

func TestAuth_SkipPaths(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, APIKeys: []string{"sk-good"}}
	handler := Auth(cfg, []string{"/health"}, zap.NewNop())(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_JWT(t *testing.T) {
	const secret = "test-secret"
	cfg := config.AuthConfig{
		Enabled: true,
		JWT:     config.JWTConfig{Secret: secret, Issuer: "issuer-a"},
	}
	handler := Auth(cfg, nil, zap.NewNop())(whoami())
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name       string
		token      string
		wantStatus int
		wantUser   string
	}{
		{
			name:       "sub claim",
			token:      signHS256(t, secret, jwt.MapClaims{"sub": "alice", "iss": "issuer-a", "exp": exp}),
			wantStatus: http.StatusOK,
			wantUser:   "alice",
		},
		{
			name:       "user_id claim",
			token:      signHS256(t, secret, jwt.MapClaims{"user_id": "bob", "iss": "issuer-a", "exp": exp}),
			wantStatus: http.StatusOK,
			wantUser:   "bob",
		},
		{
			name:       "wrong secret",
			token:      signHS256(t, "other", jwt.MapClaims{"sub": "alice", "iss": "issuer-a", "exp": exp}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong issuer",
			token:      signHS256(t, secret, jwt.MapClaims{"sub": "alice", "iss": "issuer-b", "exp": exp}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired",
			token:      signHS256(t, secret, jwt.MapClaims{"sub": "alice", "iss": "issuer-a", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no identity",
			token:      signHS256(t, secret, jwt.MapClaims{"iss": "issuer-a", "exp": exp}),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/embeddings", nil)
			r.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
			assert.Equal(t, tt.wantUser, got["user"])
			assert.Equal(t, authTypeJWT, got["auth"])
		})
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(okHandler(), mark("a"), mark("b"), mark("c"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestIPLimiter_Evict(t *testing.T) {
	l := newIPLimiter(1, 1)
	now := time.Now()
	assert.True(t, l.allow("10.0.0.1", now))
	assert.False(t, l.allow("10.0.0.1", now))

	l.evict(now.Add(visitorTTL + time.Second))
	assert.Empty(t, l.visitors)
	assert.True(t, l.allow("10.0.0.1", now.Add(visitorTTL+time.Second)))
}
