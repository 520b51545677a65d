// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/MedVerify/pkg/extensions"
	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/handlers"
	"github.com/AleutianAI/MedVerify/services/orchestrator/ingest"
	"github.com/AleutianAI/MedVerify/services/orchestrator/middleware"
	"github.com/AleutianAI/MedVerify/services/orchestrator/observability"
	"github.com/AleutianAI/MedVerify/services/policy_engine"
)

// Dependencies are the components the HTTP layer serves.
//
// Gatherer defaults to prometheus.DefaultGatherer. APIKeys may be nil, in
// which case /v1 is unauthenticated. Audit may be nil, in which case /v1
// requests are not audited.
type Dependencies struct {
	Registry *corpus.Registry
	Ingester *ingest.Ingester
	Asker    handlers.Asker
	Policy   *policy_engine.PolicyEngine
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	APIKeys  *middleware.APIKeys
	Audit    extensions.AuditLogger
	Version  string
}

// SetupRoutes registers every endpoint on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck(deps.Version))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := router.Group("/v1")
	if deps.Audit != nil {
		v1.Use(middleware.Audit(deps.Audit))
	}
	if deps.APIKeys.Len() > 0 {
		v1.Use(middleware.APIKeyAuth(deps.APIKeys))
	}
	{
		diseases := v1.Group("/diseases")
		{
			diseases.GET("", handlers.ListDiseases(deps.Registry, deps.Metrics))
			diseases.POST("", handlers.CreateDisease(deps.Registry, deps.Metrics))
			diseases.DELETE("/:name", handlers.DeleteDisease(deps.Registry, deps.Metrics))
			diseases.GET("/:name/documents", handlers.ListDocuments(deps.Registry, deps.Metrics))
		}

		v1.POST("/upload/:disease", handlers.UploadDocument(deps.Ingester, deps.Metrics))
		v1.DELETE("/documents/:disease/:id", handlers.DeleteDocument(deps.Ingester, deps.Metrics))

		v1.POST("/query", handlers.HandleQuery(deps.Asker, deps.Policy, deps.Metrics))
		v1.POST("/query/simple", handlers.HandleSimpleQuery(deps.Asker, deps.Policy, deps.Metrics))
	}
}
