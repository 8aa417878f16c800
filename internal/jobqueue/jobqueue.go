/*
Package jobqueue provides a River-based queue that keeps status updates alive
until the message they reference has been stored.

See queue_config.go for tunables.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/srobinb803/whatsapp-clone/internal/realtime"
	"github.com/srobinb803/whatsapp-clone/internal/reconcile"
	"github.com/srobinb803/whatsapp-clone/internal/webhook"
)

// StatusRetryArgs is a parked status fragment.
type StatusRetryArgs struct {
	MessageID   string `json:"message_id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Kind returns the job kind for River
func (StatusRetryArgs) Kind() string {
	return "status_retry"
}

func argsFromFragment(frag webhook.StatusFragment) StatusRetryArgs {
	return StatusRetryArgs{
		MessageID:   frag.MessageID,
		Status:      frag.Status,
		RecipientID: frag.RecipientID,
		Timestamp:   frag.Timestamp,
	}
}

func (a StatusRetryArgs) fragment() webhook.StatusFragment {
	return webhook.StatusFragment{
		MessageID:   a.MessageID,
		Status:      a.Status,
		RecipientID: a.RecipientID,
		Timestamp:   a.Timestamp,
	}
}

// StatusApplier is the engine entry point the worker retries.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, frag webhook.StatusFragment) (*reconcile.StatusUpdate, error)
}

// StatusRetryWorker re-applies parked status fragments
type StatusRetryWorker struct {
	river.WorkerDefaults[StatusRetryArgs]
	applier   StatusApplier
	publisher realtime.Publisher
	config    *QueueConfig
}

// Work returns an error while the message is still unknown so River
// reschedules the job; once attempts run out River discards it.
func (w *StatusRetryWorker) Work(ctx context.Context, job *river.Job[StatusRetryArgs]) error {
	args := job.Args

	ev, err := w.applier.ApplyStatus(ctx, args.fragment())
	if errors.Is(err, reconcile.ErrUnknownMessageReference) {
		if job.Attempt >= job.MaxAttempts {
			log.Warn().
				Str("message_id", args.MessageID).
				Str("status", args.Status).
				Int("attempt", job.Attempt).
				Msg("Giving up on status update, message never arrived")
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to apply deferred status for %s: %w", args.MessageID, err)
	}

	if ev != nil && w.publisher != nil {
		w.publisher.Publish(*ev)
	}
	log.Info().
		Str("message_id", args.MessageID).
		Str("status", args.Status).
		Int("attempt", job.Attempt).
		Msg("Deferred status update applied")
	return nil
}

// NextRetry spaces attempts evenly instead of River's exponential default.
func (w *StatusRetryWorker) NextRetry(job *river.Job[StatusRetryArgs]) time.Time {
	return time.Now().Add(w.config.RetryDelay)
}

func (w *StatusRetryWorker) Timeout(job *river.Job[StatusRetryArgs]) time.Duration {
	return w.config.JobTimeout
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance on an existing pool.
func NewJobQueue(pool *pgxpool.Pool, config *QueueConfig, applier StatusApplier, publisher realtime.Publisher) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &StatusRetryWorker{applier: applier, publisher: publisher, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Migrate applies River's schema migrations.
func (jq *JobQueue) Migrate(ctx context.Context) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(jq.pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	log.Info().Int("applied", len(res.Versions)).Msg("River migrations complete")
	return nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// DeferStatus parks frag for a later attempt.
func (jq *JobQueue) DeferStatus(ctx context.Context, frag webhook.StatusFragment) error {
	_, err := jq.client.Insert(ctx, argsFromFragment(frag), &river.InsertOpts{
		MaxAttempts: jq.config.MaxAttempts,
		ScheduledAt: time.Now().Add(jq.config.RetryDelay),
	})
	if err != nil {
		return fmt.Errorf("failed to queue status retry job: %w", err)
	}
	return nil
}
