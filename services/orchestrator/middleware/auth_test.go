// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken_ValidToken(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Set("Authorization", "Bearer abc123")

	assert.Equal(t, "abc123", extractBearerToken(c))
}

func TestExtractBearerToken_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"no bearer prefix", "abc123"},
		{"basic auth", "Basic abc123"},
		{"empty bearer", "Bearer "},
		{"only bearer", "Bearer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Empty(t, extractBearerToken(c))
		})
	}
}

// =============================================================================
// APIKeys Tests
// =============================================================================

func TestAPIKeys_Validate(t *testing.T) {
	keys := NewAPIKeys([]string{"clinic-a:secret-a", "bare-key", "  "})
	require.Equal(t, 2, keys.Len())

	label, err := keys.Validate("secret-a")
	require.NoError(t, err)
	assert.Equal(t, "clinic-a", label)

	label, err = keys.Validate("bare-key")
	require.NoError(t, err)
	assert.Equal(t, "default", label)

	_, err = keys.Validate("wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = keys.Validate("")
	assert.ErrorIs(t, err, ErrUnauthorized)

	var none *APIKeys
	_, err = none.Validate("secret-a")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

// =============================================================================
// APIKeyAuth Tests
// =============================================================================

func newAuthRouter(keys *APIKeys) *gin.Engine {
	router := gin.New()
	router.Use(APIKeyAuth(keys))
	router.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": GetCaller(c)})
	})
	return router
}

func TestAPIKeyAuth_Accepts(t *testing.T) {
	router := newAuthRouter(NewAPIKeys([]string{"clinic-a:secret-a"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer secret-a")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"caller":"clinic-a"}`, w.Body.String())
}

func TestAPIKeyAuth_Rejects(t *testing.T) {
	router := newAuthRouter(NewAPIKeys([]string{"clinic-a:secret-a"}))

	for _, header := range []string{"", "Bearer nope", "Basic secret-a"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/whoami", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
}
