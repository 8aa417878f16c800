package api

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/srobinb803/whatsapp-clone/internal/webhook"
)

type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// verifyWebhook answers the provider's subscription handshake by echoing
// hub.challenge when hub.verify_token matches.
func (s *Server) verifyWebhook(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if s.cfg.VerifyToken == "" || mode != "subscribe" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.VerifyToken)) != 1 {
		log.Warn().Str("mode", mode).Msg("Webhook verification rejected")
		return c.String(http.StatusForbidden, "Forbidden")
	}

	log.Info().Msg("Webhook verified")
	return c.String(http.StatusOK, challenge)
}

func (s *Server) rateLimitWebhook(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.webhookLimiter != nil && !s.webhookLimiter.Allow() {
			log.Warn().Str("remote_ip", c.RealIP()).Msg("Webhook rate limit exceeded")
			return c.JSON(http.StatusTooManyRequests, webhookResponse{Status: "error", Message: "Too many requests."})
		}
		return next(c)
	}
}

// receiveWebhook reconciles one provider envelope. Events are published
// even when the store fails part way, since they describe writes that did
// happen.
func (s *Server) receiveWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}

	env, err := webhook.DecodeEnvelope(body)
	if err != nil {
		log.Warn().Err(err).Msg("Received a malformed webhook payload")
		return c.JSON(http.StatusBadRequest, webhookResponse{Status: "error", Message: "Invalid payload structure."})
	}
	log.Debug().Str("envelope_id", string(env.ID)).Msg("Webhook payload received")

	events, err := s.deps.Reconciler.ApplyInbound(c.Request().Context(), env)
	s.publish(events)
	if err != nil {
		log.Error().Err(err).Str("envelope_id", string(env.ID)).Msg("Failed to process webhook payload")
		return c.JSON(http.StatusInternalServerError, webhookResponse{Status: "error", Message: "Internal server error."})
	}

	return c.JSON(http.StatusOK, webhookResponse{Status: "success", Message: "Payload processed successfully."})
}
