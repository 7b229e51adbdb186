package routes

import (
	"errors"
	"net/http"

	"github.com/fernwood-labs/lorekeeper/internal/server/middleware"
	"github.com/fernwood-labs/lorekeeper/pkg/dedupe"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"

	"github.com/labstack/echo/v4"
)

// ResolveDedupeSessionHandler applies a human decision to a pending
// deduplication case: merge into a chosen candidate or create as new.
func ResolveDedupeSessionHandler(c echo.Context) error {
	type resolveResponse struct {
		Message string          `json:"message"`
		Outcome *dedupe.Outcome `json:"outcome,omitempty"`
	}

	token := c.Param("token")
	data := new(dedupe.Resolution)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, resolveResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, resolveResponse{
			Message: "Invalid request body",
		})
	}

	app := c.(*middleware.AppContext).App
	outcome, err := app.Coordinator.ResolveSession(c.Request().Context(), token, *data)
	switch {
	case errors.Is(err, dedupe.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, resolveResponse{Message: "Session not found"})
	case errors.Is(err, dedupe.ErrSessionExpired):
		return c.JSON(http.StatusGone, resolveResponse{Message: "Session expired, resubmit the note"})
	case errors.Is(err, dedupe.ErrValidation):
		return c.JSON(http.StatusBadRequest, resolveResponse{Message: "Invalid resolution"})
	case err != nil:
		logger.Error("[Server] Failed to resolve dedupe session", "token", token, "err", err)
		return c.JSON(http.StatusInternalServerError, resolveResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, resolveResponse{
		Message: "Resolved",
		Outcome: &outcome,
	})
}
