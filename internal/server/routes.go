package server

import (
	"github.com/fernwood-labs/lorekeeper/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api")

	// Campaign note routes
	apiRoutes.POST("/campaigns/:id/notes", routes.CreateNoteHandler)
	apiRoutes.GET("/campaigns/:id/entities", routes.GetEntitiesHandler)

	// Deduplication session routes
	apiRoutes.GET("/dedupe/sessions/:token", routes.GetDedupeSessionHandler)
	apiRoutes.POST("/dedupe/sessions/:token/resolve", routes.ResolveDedupeSessionHandler)
}
