// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the verification service.
//
// # Authentication Flow
//
// The API key middleware extracts a bearer token from the Authorization
// header, checks it against the configured keys, and stores the key's
// label in the Gin context for downstream handlers and logs.
//
//	Request
//	   │
//	   ▼
//	APIKeyAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► keys.Validate(token)
//	   │
//	   └─► Store caller label in context
//	           │
//	           ▼
//	       Handler (retrieves via GetCaller)
//
// # Local Behavior
//
// When no keys are configured the middleware is not installed and every
// request is served, which keeps the CLI and local development working.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned for a missing or unknown key.
var ErrUnauthorized = errors.New("unauthorized")

const callerKey = "medverify_caller"

// APIKeys maps accepted keys to caller labels. Keys are stored hashed so
// comparison time does not depend on key length.
type APIKeys struct {
	hashes map[[sha256.Size]byte]string
}

// NewAPIKeys builds the key set. Each entry is either "label:key" or a bare
// key, which gets the label "default". Blank entries are skipped.
func NewAPIKeys(entries []string) *APIKeys {
	k := &APIKeys{hashes: make(map[[sha256.Size]byte]string)}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		label, key := "default", e
		if i := strings.IndexByte(e, ':'); i > 0 {
			label, key = e[:i], e[i+1:]
		}
		k.hashes[sha256.Sum256([]byte(key))] = label
	}
	return k
}

// Len returns the number of accepted keys.
func (k *APIKeys) Len() int {
	if k == nil {
		return 0
	}
	return len(k.hashes)
}

// Validate returns the caller label for token.
func (k *APIKeys) Validate(token string) (string, error) {
	if token == "" || k.Len() == 0 {
		return "", ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(token))
	for h, label := range k.hashes {
		if subtle.ConstantTimeCompare(h[:], sum[:]) == 1 {
			return label, nil
		}
	}
	return "", ErrUnauthorized
}

// APIKeyAuth rejects requests without a valid bearer key with 401.
func APIKeyAuth(keys *APIKeys) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := keys.Validate(extractBearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
				"code":  "unauthorized",
			})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// GetCaller returns the label stored by APIKeyAuth, or "" when the
// middleware is not installed.
func GetCaller(c *gin.Context) string {
	return c.GetString(callerKey)
}

// extractBearerToken extracts the token from an "Authorization: Bearer"
// header.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
