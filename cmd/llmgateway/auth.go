package main

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/api/handlers"
	"github.com/BaSui01/llmgateway/config"
	"github.com/BaSui01/llmgateway/types"
)

// =============================================================================
// 🔐 认证
// =============================================================================

// 认证方式，写入 context 供日志与账本使用
const (
	authTypeAPIKey = "api_key"
	authTypeJWT    = "jwt"
)

// authenticator 持有静态 API Key 与可选的 JWT 校验器
type authenticator struct {
	keys   [][]byte
	jwt    *jwtVerifier
	skip   map[string]bool
	logger *zap.Logger
}

// Auth 接受三种凭据：
//
//	X-API-Key: <key>
//	Authorization: Bearer <key>
//	Authorization: Bearer <jwt>
//
// API Key 调用方记为 "apikey-" + sha256 前 4 字节，JWT 调用方取 sub 或 user_id。
func Auth(cfg config.AuthConfig, skipPaths []string, logger *zap.Logger) Middleware {
	a := &authenticator{
		jwt:    newJWTVerifier(cfg.JWT, logger),
		skip:   make(map[string]bool, len(skipPaths)),
		logger: logger,
	}
	for _, p := range skipPaths {
		a.skip[p] = true
	}
	for _, k := range cfg.APIKeys {
		if k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			user, kind, msg := a.identify(r)
			if msg != "" {
				a.reject(w, msg)
				return
			}
			ctx := types.WithAuthType(types.WithUserID(r.Context(), user), kind)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// identify 返回调用方与认证方式；失败时 msg 非空
func (a *authenticator) identify(r *http.Request) (user, kind, msg string) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if !a.knownKey(key) {
			return "", "", "invalid API key"
		}
		return apiKeyPrincipal(key), authTypeAPIKey, ""
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token = strings.TrimSpace(token); !ok || token == "" {
		return "", "", "missing or malformed credentials"
	}
	if a.knownKey(token) {
		return apiKeyPrincipal(token), authTypeAPIKey, ""
	}
	if a.jwt == nil {
		return "", "", "invalid API key"
	}

	sub, err := a.jwt.verify(token)
	if err != nil {
		a.logger.Debug("JWT validation failed", zap.Error(err))
		return "", "", "invalid or expired token"
	}
	return sub, authTypeJWT, ""
}

// knownKey 常量时间比较，避免按前缀泄露
func (a *authenticator) knownKey(candidate string) bool {
	c := []byte(candidate)
	found := false
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(c, k) == 1 {
			found = true
		}
	}
	return found
}

func (a *authenticator) reject(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="llmgateway"`)
	handlers.WriteError(w, types.NewError(types.ErrUnauthorized, msg).WithHTTPStatus(http.StatusUnauthorized), a.logger)
}

// apiKeyPrincipal 原始 key 不进日志和账本
func apiKeyPrincipal(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "apikey-" + hex.EncodeToString(sum[:4])
}

// =============================================================================
// JWT（HS256 / RS256）
// =============================================================================

type jwtVerifier struct {
	secret []byte
	pub    *rsa.PublicKey
	opts   []jwt.ParserOption
}

// newJWTVerifier 没有任何签名材料时返回 nil
func newJWTVerifier(cfg config.JWTConfig, logger *zap.Logger) *jwtVerifier {
	if !cfg.Configured() {
		return nil
	}
	v := &jwtVerifier{
		secret: []byte(cfg.Secret),
		opts:   []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})},
	}
	if cfg.PublicKey != "" {
		pub, err := parseRSAPublicKey(cfg.PublicKey)
		if err != nil {
			logger.Warn("RS256 verification disabled", zap.Error(err))
		}
		v.pub = pub
	}
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	return v
}

func parseRSAPublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", pub)
	}
	return rsaPub, nil
}

func (v *jwtVerifier) key(token *jwt.Token) (any, error) {
	switch alg := token.Method.Alg(); {
	case alg == "HS256" && len(v.secret) > 0:
		return v.secret, nil
	case alg == "RS256" && v.pub != nil:
		return v.pub, nil
	default:
		return nil, fmt.Errorf("no key configured for %s", alg)
	}
}

// verify 校验签名与 iss/aud/exp，返回 sub，缺省时回退到 user_id
func (v *jwtVerifier) verify(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, v.key, v.opts...); err != nil {
		return "", err
	}
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub, nil
	}
	if uid, _ := claims["user_id"].(string); uid != "" {
		return uid, nil
	}
	return "", errors.New("token has no sub or user_id claim")
}
