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
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/healthassist/streamsearch/services/streamsearch/datatypes"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
	"github.com/healthassist/streamsearch/services/streamsearch/storage"
)

// HandleStopGenerating handles POST /api/search/stop_generating.
//
// # Description
//
// Flags the message as stopped with the given reason (manual by default).
// The flag is cleared again when the message is regenerated.
//
// # Outputs
//
//   - 200 {"status": "success", "latency": seconds}
//   - 400 when the body is invalid.
//   - 404 when no message has the id.
//   - 500 on storage failure.
func (h *SearchHandler) HandleStopGenerating(c *gin.Context) {
	start := time.Now()
	endpoint := observability.EndpointStopGenerating

	var req datatypes.StopGeneratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed", "details": err.Error()})
		return
	}

	err := h.store.StopGenerating(c.Request.Context(), req.MessageID, req.Reason.String())
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidID):
		h.metrics.RecordRequest(endpoint, false)
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found", "message_id": req.MessageID})
		return
	case err != nil:
		h.logger.Error("stop generating failed", "message_id", req.MessageID, "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeStore)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop generating"})
		return
	}

	h.logger.Info("generation stopped", "message_id", req.MessageID, "reason", req.Reason.String())
	h.metrics.RecordRequest(endpoint, true)
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"latency": time.Since(start).Seconds(),
	})
}
