package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/srobinb803/whatsapp-clone/internal/logging"
	"github.com/srobinb803/whatsapp-clone/internal/reconcile"
	"github.com/srobinb803/whatsapp-clone/internal/webhook"
)

// IngestCommand replays exported webhook envelopes into the store.
func IngestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Replay exported webhook payloads through reconciliation",
		ArgsUsage: "FILE...",
		Action:    runIngest,
	}
}

type inboundApplier interface {
	ApplyInbound(ctx context.Context, env *webhook.Envelope) ([]reconcile.Event, error)
}

type ingestStats struct {
	Files         int
	Envelopes     int
	NewMessages   int
	StatusUpdates int
	Unchanged     int
}

func runIngest(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one FILE is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	closeLog, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	app, err := openApplication(c.Context, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	// Statuses that arrive before their message are parked for the api
	// process's workers.
	if err := app.attachRetryQueue(c.Context, nil); err != nil {
		return err
	}

	stats, err := ingestFiles(c.Context, app.engine, c.Args().Slice())
	if err != nil {
		return err
	}

	fmt.Printf("Ingested %d envelopes from %d files: %d new messages, %d status updates, %d unchanged\n",
		stats.Envelopes, stats.Files, stats.NewMessages, stats.StatusUpdates, stats.Unchanged)
	return nil
}

// ingestFiles applies every envelope in paths in order. It stops at the first
// undecodable file or persistence failure.
func ingestFiles(ctx context.Context, applier inboundApplier, paths []string) (ingestStats, error) {
	var stats ingestStats

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return stats, fmt.Errorf("failed to read %s: %w", path, err)
		}

		envs, err := webhook.DecodeEnvelopes(data)
		if err != nil {
			return stats, fmt.Errorf("failed to decode %s: %w", path, err)
		}

		for i, env := range envs {
			events, err := applier.ApplyInbound(ctx, env)
			stats.count(events)
			if err != nil {
				return stats, fmt.Errorf("failed to apply %s element %d: %w", path, i, err)
			}
		}

		stats.Files++
		log.Info().Str("file", path).Int("envelopes", len(envs)).Msg("File ingested")
	}

	return stats, nil
}

func (s *ingestStats) count(events []reconcile.Event) {
	s.Envelopes++
	if len(events) == 0 {
		s.Unchanged++
	}
	for _, ev := range events {
		switch ev.(type) {
		case reconcile.NewMessage:
			s.NewMessages++
		case reconcile.StatusUpdate:
			s.StatusUpdates++
		}
	}
}
