package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/srobinb803/whatsapp-clone/internal/conversation"
	"github.com/srobinb803/whatsapp-clone/internal/messages"
	"github.com/srobinb803/whatsapp-clone/internal/reconcile"
)

type createMessageRequest struct {
	WaID string `json:"wa_id"`
	Text string `json:"text"`
	Name string `json:"name"`
}

func (s *Server) getConversations(c echo.Context) error {
	summaries, err := s.deps.Summaries.ListSummaries(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list conversations")
		return echo.NewHTTPError(http.StatusInternalServerError, "Error fetching conversations")
	}
	if summaries == nil {
		summaries = []conversation.Summary{}
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) getMessages(c echo.Context) error {
	contactID := c.Param("contactId")

	recs, err := s.deps.Store.ListByContact(c.Request().Context(), contactID)
	if err != nil {
		log.Error().Err(err).Str("wa_id", contactID).Msg("Failed to list messages")
		return echo.NewHTTPError(http.StatusInternalServerError, "Error fetching messages")
	}
	return c.JSON(http.StatusOK, messages.FormatAll(recs))
}

func (s *Server) createMessage(c echo.Context) error {
	var req createMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	ev, err := s.deps.Reconciler.ApplyOutbound(c.Request().Context(), req.WaID, req.Text, req.Name)
	switch {
	case errors.Is(err, reconcile.ErrInvalidOutbound):
		return echo.NewHTTPError(http.StatusBadRequest, "wa_id and text are required")
	case err != nil:
		log.Error().Err(err).Str("wa_id", req.WaID).Msg("Failed to create message")
		return echo.NewHTTPError(http.StatusInternalServerError, "Error creating message")
	}

	s.publish([]reconcile.Event{ev})
	return c.JSON(http.StatusCreated, ev.Message)
}

func (s *Server) testDB(c echo.Context) error {
	count, err := s.deps.Store.Count(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("Database connection check failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"message": "Database connection failed",
			"error":   err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Database connection successful",
		"count":   count,
	})
}
