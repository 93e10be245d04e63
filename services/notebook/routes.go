// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package notebook

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers all event engine routes with the router group.
//
// Description:
//
//	Registers the /v1/stores/* endpoints. The group should already carry
//	any required middleware.
//
// Endpoints:
//
//	GET  /v1/stores - List store ids
//	GET  /v1/stores/:storeId - Store info (event count, latest version)
//	POST /v1/stores/:storeId/events - Submit an event
//	GET  /v1/stores/:storeId/events - Query events (after_version, event_type, limit)
//	GET  /v1/stores/:storeId/ws - Subscribe to the live event feed
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	stores := rg.Group("/stores")
	{
		stores.GET("", handlers.HandleListStores)
		stores.GET("/:storeId", handlers.HandleStoreInfo)
		stores.POST("/:storeId/events", handlers.HandleSubmitEvent)
		stores.GET("/:storeId/events", handlers.HandleGetEvents)
		stores.GET("/:storeId/ws", handlers.HandleWebSocket)
	}
}

// newRouter builds the gin engine: API routes, health and metrics.
func newRouter(svc *Service) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	handlers := NewHandlers(svc)
	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)

	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		svc.Metrics().Registry(),
		promhttp.HandlerOpts{},
	)))
	return router
}
