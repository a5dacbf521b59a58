// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the streamsearch HTTP endpoints.
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/healthassist/streamsearch/services/streamsearch/handlers"
)

// SetupRoutes registers every endpoint on router.
func SetupRoutes(router *gin.Engine, search *handlers.SearchHandler) {
	router.GET("/health", handlers.HealthCheck)

	api := router.Group("/api/search")
	{
		api.POST("/stream", search.HandleSearchStream)
		api.POST("/stop_generating", search.HandleStopGenerating)
	}
}
