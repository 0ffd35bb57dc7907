// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth validates bearer tokens and constructs the authenticated
// Principal threaded through request handling. It also signs and
// verifies the session-resume tokens used by the worker gateway: the
// same HS256 machinery serves both, since both are just "a string I
// can trust came from a holder of the shared secret, with a claim set
// and an expiry."
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller of an HTTP or admin operation.
// It is passed explicitly to every operation that needs it rather than
// smuggled through a context value, per the no-contextvars design note.
type Principal struct {
	UserID string
	Tenant string
	Scopes []string
}

// HasScope reports whether the principal carries the named scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Config holds the HMAC secret and claim constraints used for both
// bearer-token validation and session-resume token signing.
type Config struct {
	Secret    []byte
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// principalClaims is the JWT claim set for bearer tokens authenticating
// HTTP callers.
type principalClaims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id,omitempty"`
	Tenant string   `json:"tenant,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// ValidatePrincipal parses and validates a bearer token, returning the
// Principal it authenticates.
func ValidatePrincipal(tokenString string, cfg Config) (Principal, error) {
	if tokenString == "" {
		return Principal{}, fmt.Errorf("auth: token is empty")
	}

	parser := jwt.NewParser(jwt.WithLeeway(cfg.ClockSkew), jwt.WithValidMethods([]string{"HS256"}))
	token, err := parser.ParseWithClaims(tokenString, &principalClaims{}, func(t *jwt.Token) (interface{}, error) {
		return cfg.Secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("auth: token is invalid")
	}

	claims, ok := token.Claims.(*principalClaims)
	if !ok {
		return Principal{}, fmt.Errorf("auth: invalid token claims")
	}

	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return Principal{}, fmt.Errorf("auth: invalid issuer")
	}
	if cfg.Audience != "" {
		valid := false
		for _, aud := range claims.Audience {
			if aud == cfg.Audience {
				valid = true
				break
			}
		}
		if !valid {
			return Principal{}, fmt.Errorf("auth: invalid audience")
		}
	}

	return Principal{UserID: claims.UserID, Tenant: claims.Tenant, Scopes: claims.Scopes}, nil
}

// sessionResumeClaims is the JWT claim set carried by a session-resume
// token handed to a worker after handshake, so a reconnecting worker
// can present something the server can verify without holding any
// server-side secret on the wire itself.
type sessionResumeClaims struct {
	jwt.RegisteredClaims
	SessionID  string `json:"session_id"`
	WorkerName string `json:"worker_name"`
}

// IssueSessionToken signs a resume token for sessionID/workerName, valid
// for ttl.
func IssueSessionToken(sessionID, workerName string, ttl time.Duration, cfg Config) (string, error) {
	if len(cfg.Secret) == 0 {
		return "", fmt.Errorf("auth: session secret not configured")
	}
	claims := sessionResumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		SessionID:  sessionID,
		WorkerName: workerName,
	}
	if cfg.Issuer != "" {
		claims.Issuer = cfg.Issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(cfg.Secret)
}

// ValidateSessionToken verifies a resume token and returns the session
// id and worker name it was issued for.
func ValidateSessionToken(tokenString string, cfg Config) (sessionID, workerName string, err error) {
	if tokenString == "" {
		return "", "", fmt.Errorf("auth: resume token is empty")
	}
	parser := jwt.NewParser(jwt.WithLeeway(cfg.ClockSkew), jwt.WithValidMethods([]string{"HS256"}))
	token, err := parser.ParseWithClaims(tokenString, &sessionResumeClaims{}, func(t *jwt.Token) (interface{}, error) {
		return cfg.Secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("auth: parse resume token: %w", err)
	}
	if !token.Valid {
		return "", "", fmt.Errorf("auth: resume token is invalid")
	}
	claims, ok := token.Claims.(*sessionResumeClaims)
	if !ok {
		return "", "", fmt.Errorf("auth: invalid resume token claims")
	}
	return claims.SessionID, claims.WorkerName, nil
}

// WorkerTokenAllowlist validates the shared bearer token a worker
// presents at handshake against a static allowlist (spec's
// worker_token/worker_tokens configuration option).
type WorkerTokenAllowlist struct {
	tokens map[string]struct{}
}

// NewWorkerTokenAllowlist builds an allowlist from one or more tokens.
func NewWorkerTokenAllowlist(tokens ...string) WorkerTokenAllowlist {
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			m[t] = struct{}{}
		}
	}
	return WorkerTokenAllowlist{tokens: m}
}

// Allowed reports whether token is on the allowlist.
func (a WorkerTokenAllowlist) Allowed(token string) bool {
	_, ok := a.tokens[token]
	return ok
}
