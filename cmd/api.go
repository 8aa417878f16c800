package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/srobinb803/whatsapp-clone/internal/api"
	"github.com/srobinb803/whatsapp-clone/internal/conversation"
	"github.com/srobinb803/whatsapp-clone/internal/logging"
	"github.com/srobinb803/whatsapp-clone/internal/realtime"
)

const queueStopTimeout = 10 * time.Second

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the webhook and chat API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
		},
		Action: runAPI,
	}
}

func runAPI(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	closeLog, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := openApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	hub := realtime.NewHub(realtime.Config{
		SendBuffer:     cfg.Realtime.SendBuffer,
		PingInterval:   cfg.Realtime.PingInterval,
		DetailsRate:    cfg.Realtime.DetailsRate,
		AllowedOrigins: cfg.Server.CORSOrigins,
	}, app.engine)
	go hub.Run(ctx)

	if err := app.attachRetryQueue(ctx, hub); err != nil {
		return err
	}
	if app.queue != nil {
		if err := app.queue.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), queueStopTimeout)
			defer cancel()
			if err := app.queue.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to stop status retry queue")
			}
		}()
	}

	server := api.NewServer(cfg.Server, api.Deps{
		Reconciler: app.engine,
		Store:      app.store,
		Summaries:  conversation.NewProjector(app.store),
		Publisher:  hub,
		Realtime:   hub,
	})
	return server.Start(ctx)
}
