package routes

import (
	"net/http"

	"github.com/fernwood-labs/lorekeeper/internal/server/middleware"
	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"

	"github.com/labstack/echo/v4"
)

// GetEntitiesHandler lists a campaign's artifacts or relations.
func GetEntitiesHandler(c echo.Context) error {
	type getEntitiesResponse struct {
		Message  string          `json:"message"`
		Entities []common.Entity `json:"entities,omitempty"`
	}

	campaignID := c.Param("id")
	if campaignID == "" {
		return c.JSON(http.StatusBadRequest, getEntitiesResponse{
			Message: "Missing campaign id",
		})
	}

	kind := common.Kind(c.QueryParam("kind"))
	switch kind {
	case "":
		kind = common.KindArtifact
	case common.KindArtifact, common.KindRelation:
	default:
		return c.JSON(http.StatusBadRequest, getEntitiesResponse{
			Message: "Unknown kind",
		})
	}

	app := c.(*middleware.AppContext).App
	entities, err := app.Graph.ListEntities(c.Request().Context(), campaignID, kind)
	if err != nil {
		logger.Error("[Server] Failed to list entities", "campaign_id", campaignID, "err", err)
		return c.JSON(http.StatusInternalServerError, getEntitiesResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, getEntitiesResponse{
		Message:  "OK",
		Entities: entities,
	})
}
