package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/srobinb803/whatsapp-clone/internal/config"
	"github.com/srobinb803/whatsapp-clone/internal/conversation"
	"github.com/srobinb803/whatsapp-clone/internal/messages"
	"github.com/srobinb803/whatsapp-clone/internal/realtime"
	"github.com/srobinb803/whatsapp-clone/internal/reconcile"
	"github.com/srobinb803/whatsapp-clone/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

// Reconciler is the part of the reconciliation engine the HTTP layer drives.
type Reconciler interface {
	ApplyInbound(ctx context.Context, env *webhook.Envelope) ([]reconcile.Event, error)
	ApplyOutbound(ctx context.Context, contactID, text, displayName string) (reconcile.NewMessage, error)
}

type SummaryLister interface {
	ListSummaries(ctx context.Context) ([]conversation.Summary, error)
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Reconciler Reconciler
	Store      messages.Store
	Summaries  SummaryLister
	Publisher  realtime.Publisher
	// Realtime serves GET /ws; nil leaves the route unregistered.
	Realtime http.Handler
}

// Server represents the API server
type Server struct {
	echo *echo.Echo
	cfg  config.ServerConfig
	deps Deps

	webhookLimiter *rate.Limiter
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil {
				ev = log.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("HTTP request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	server := &Server{
		echo: e,
		cfg:  cfg,
		deps: deps,
	}
	if cfg.WebhookRate > 0 {
		burst := cfg.WebhookBurst
		if burst < 1 {
			burst = 1
		}
		server.webhookLimiter = rate.NewLimiter(rate.Limit(cfg.WebhookRate), burst)
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Server is running")
	})

	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.GET("/api/test-db", s.testDB)

	s.echo.GET("/webhook", s.verifyWebhook)
	s.echo.POST("/webhook", s.receiveWebhook, middleware.BodyLimit("2M"), s.rateLimitWebhook)

	s.echo.GET("/conversations", s.getConversations)
	s.echo.GET("/messages/:contactId", s.getMessages)
	s.echo.POST("/messages", s.createMessage)

	if s.deps.Realtime != nil {
		s.echo.GET("/ws", echo.WrapHandler(s.deps.Realtime))
	}
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves on the configured port until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		log.Info().Str("addr", addr).Msg("Server is running")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) publish(events []reconcile.Event) {
	if s.deps.Publisher == nil {
		return
	}
	for _, ev := range events {
		s.deps.Publisher.Publish(ev)
	}
}
