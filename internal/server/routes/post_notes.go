package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fernwood-labs/lorekeeper/internal/queue"
	"github.com/fernwood-labs/lorekeeper/internal/server/middleware"
	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// CreateNoteHandler accepts a campaign note, persists it, and enqueues it
// for extraction and deduplication. The note is acknowledged as soon as
// storage succeeds; processing happens asynchronously.
func CreateNoteHandler(c echo.Context) error {
	type createNoteBody struct {
		Title string `json:"title"`
		Text  string `json:"text" validate:"required"`
	}

	type createNoteResponse struct {
		Message string       `json:"message"`
		Note    *common.Note `json:"note,omitempty"`
	}

	campaignID := c.Param("id")
	if campaignID == "" {
		return c.JSON(http.StatusBadRequest, createNoteResponse{
			Message: "Missing campaign id",
		})
	}

	data := new(createNoteBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createNoteResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createNoteResponse{
			Message: "Invalid request body",
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	note := &common.Note{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		Title:      data.Title,
		Text:       data.Text,
		CreatedAt:  time.Now().UTC(),
	}
	if err := app.Notes.SaveNote(ctx, note); err != nil {
		logger.Error("[Server] Failed to save note", "campaign_id", campaignID, "err", err)
		return c.JSON(http.StatusInternalServerError, createNoteResponse{
			Message: "Internal server error",
		})
	}

	msg, err := json.Marshal(queue.NoteMsg{CampaignID: campaignID, NoteID: note.ID})
	if err == nil {
		err = queue.Publish(app.Queue, queue.NoteQueue, msg)
	}
	if err != nil {
		// The note is stored; processing can be re-triggered later.
		logger.Error("[Server] Failed to enqueue note", "note_id", note.ID, "err", err)
		return c.JSON(http.StatusAccepted, createNoteResponse{
			Message: "Note stored, processing delayed",
			Note:    note,
		})
	}

	return c.JSON(http.StatusAccepted, createNoteResponse{
		Message: "Note accepted",
		Note:    note,
	})
}
