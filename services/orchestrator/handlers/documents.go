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
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/ingest"
	"github.com/AleutianAI/MedVerify/services/orchestrator/observability"
)

// MaxUploadBytes bounds a single uploaded document.
const MaxUploadBytes = 32 << 20

// UploadDocument handles POST /v1/upload/:disease.
//
// # Description
//
// Reads the multipart field "file", then splits, embeds and stores it in the
// corpus named by the path, creating the corpus on demand. Only .txt, .md
// and .json files are accepted.
//
// # Outputs
//
//   - 201 with datatypes.IngestResult on success.
//   - 400 for a missing file or an unsupported type.
func UploadDocument(ingester *ingest.Ingester, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		disease := c.Param("disease")
		header, err := c.FormFile("file")
		if err != nil {
			respondError(c, metrics, fmt.Errorf("%w: multipart field 'file' is required", datatypes.ErrInvalidConfiguration))
			return
		}
		if header.Size > MaxUploadBytes {
			respondError(c, metrics, fmt.Errorf("%w: file exceeds %d bytes", datatypes.ErrInvalidConfiguration, MaxUploadBytes))
			return
		}
		if !ingest.SupportedExtension(header.Filename) {
			respondError(c, metrics, fmt.Errorf("%w: %w: %s. Supported: .txt, .md, .json",
				datatypes.ErrInvalidConfiguration, ingest.ErrUnsupportedFileType, header.Filename))
			return
		}

		f, err := header.Open()
		if err != nil {
			respondError(c, metrics, fmt.Errorf("open upload: %w", err))
			return
		}
		defer f.Close()
		content, err := io.ReadAll(io.LimitReader(f, MaxUploadBytes))
		if err != nil {
			respondError(c, metrics, fmt.Errorf("read upload: %w", err))
			return
		}

		slog.Info("Ingestion request received", "source", header.Filename, "disease", disease)
		res, err := ingester.Ingest(c.Request.Context(), disease, header.Filename, content)
		if err != nil {
			respondError(c, metrics, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

// DeleteDocument handles DELETE /v1/documents/:disease/:id.
func DeleteDocument(ingester *ingest.Ingester, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		removed, err := ingester.DeleteDocument(c.Request.Context(), c.Param("disease"), id)
		if err != nil {
			respondError(c, metrics, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":        fmt.Sprintf("Document '%s' deleted successfully", id),
			"chunks_deleted": removed,
		})
	}
}
