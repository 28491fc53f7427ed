// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts the query service endpoints on router.
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/health", h.HandleHealth)
	router.GET("/ready", h.HandleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1/query")
	{
		v1.POST("/run", h.HandleRun)
		v1.POST("/match", h.HandleMatch)
		v1.GET("/catalog", h.HandleCatalog)
		v1.POST("/catalog/refresh", h.HandleCatalogRefresh)
		v1.GET("/session/:id", h.HandleSession)
		v1.DELETE("/session/:id", h.HandleSessionClear)
		v1.GET("/environments", h.HandleEnvironments)
		// Probe aliases for callers scoped to the group prefix.
		v1.GET("/health", h.HandleHealth)
		v1.GET("/ready", h.HandleReady)
	}
}
