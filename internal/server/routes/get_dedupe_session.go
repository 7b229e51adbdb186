package routes

import (
	"errors"
	"net/http"

	"github.com/fernwood-labs/lorekeeper/internal/server/middleware"
	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/dedupe"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"

	"github.com/labstack/echo/v4"
)

// GetDedupeSessionHandler returns a pending deduplication decision with its
// candidate entities resolved, for rendering the confirmation UI.
func GetDedupeSessionHandler(c echo.Context) error {
	type getSessionResponse struct {
		Message    string                  `json:"message"`
		Pending    *dedupe.PendingDecision `json:"pending,omitempty"`
		Candidates []common.Entity         `json:"candidates,omitempty"`
	}

	token := c.Param("token")
	app := c.(*middleware.AppContext).App

	pending, err := app.Coordinator.GetPendingDecision(token)
	if errors.Is(err, dedupe.ErrSessionNotFound) {
		return c.JSON(http.StatusNotFound, getSessionResponse{Message: "Session not found"})
	}
	if errors.Is(err, dedupe.ErrSessionExpired) {
		return c.JSON(http.StatusGone, getSessionResponse{Message: "Session expired, resubmit the note"})
	}
	if err != nil {
		logger.Error("[Server] Failed to load dedupe session", "token", token, "err", err)
		return c.JSON(http.StatusInternalServerError, getSessionResponse{Message: "Internal server error"})
	}

	ctx := c.Request().Context()
	candidates := make([]common.Entity, 0, len(pending.CandidateIDs))
	for _, id := range pending.CandidateIDs {
		entity, err := app.Graph.GetEntity(ctx, pending.CampaignID, id)
		if err != nil {
			logger.Warn("[Server] Candidate entity missing", "entity_id", id, "err", err)
			continue
		}
		candidates = append(candidates, *entity)
	}

	return c.JSON(http.StatusOK, getSessionResponse{
		Message:    "OK",
		Pending:    pending,
		Candidates: candidates,
	})
}
