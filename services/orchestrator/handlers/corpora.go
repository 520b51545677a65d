// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/observability"
)

// HealthCheck reports liveness and the build version.
func HealthCheck(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version})
	}
}

// ListDiseases handles GET /v1/diseases.
func ListDiseases(registry *corpus.Registry, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		corpora, err := registry.List(c.Request.Context())
		if err != nil {
			respondError(c, metrics, err)
			return
		}
		if corpora == nil {
			corpora = []datatypes.CorpusInfo{}
		}
		c.JSON(http.StatusOK, corpora)
	}
}

// CreateDisease handles POST /v1/diseases. Creating an existing corpus is
// not an error; it answers 201 with the current summary.
func CreateDisease(registry *corpus.Registry, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateCorpusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, metrics, fmt.Errorf("%w: %v", datatypes.ErrInvalidConfiguration, err))
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, metrics, err)
			return
		}
		info, err := registry.Create(c.Request.Context(), req.Name)
		if err != nil {
			respondError(c, metrics, err)
			return
		}
		c.JSON(http.StatusCreated, info)
	}
}

// DeleteDisease handles DELETE /v1/diseases/:name.
func DeleteDisease(registry *corpus.Registry, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := registry.Delete(c.Request.Context(), name); err != nil {
			respondError(c, metrics, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Disease '%s' deleted successfully", name)})
	}
}

// ListDocuments handles GET /v1/diseases/:name/documents.
func ListDocuments(registry *corpus.Registry, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		store, err := registry.Get(c.Param("name"))
		if err != nil {
			respondError(c, metrics, err)
			return
		}
		docs, err := store.Documents(c.Request.Context())
		if err != nil {
			respondError(c, metrics, err)
			return
		}
		if docs == nil {
			docs = []datatypes.DocumentInfo{}
		}
		c.JSON(http.StatusOK, gin.H{
			"disease":   corpus.SanitizeName(c.Param("name")),
			"documents": docs,
		})
	}
}
