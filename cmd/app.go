package cmd

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/srobinb803/whatsapp-clone/internal/config"
	"github.com/srobinb803/whatsapp-clone/internal/database"
	"github.com/srobinb803/whatsapp-clone/internal/jobqueue"
	"github.com/srobinb803/whatsapp-clone/internal/messages"
	"github.com/srobinb803/whatsapp-clone/internal/realtime"
	"github.com/srobinb803/whatsapp-clone/internal/reconcile"
)

// application holds the store and engine shared by the api and ingest
// commands, plus the connections they own.
type application struct {
	cfg    *config.Config
	store  messages.Store
	engine *reconcile.Engine
	db     *sql.DB
	pool   *pgxpool.Pool
	queue  *jobqueue.JobQueue
}

func openApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	policy, err := reconcile.ParseStatusPolicy(cfg.Reconcile.StatusPolicy)
	if err != nil {
		return nil, err
	}

	app := &application{cfg: cfg}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		dbURL, err := database.ResolveDatabaseURL(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		db, err := database.NewDB(ctx, dbURL)
		if err != nil {
			return nil, err
		}
		store := messages.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		app.db = db
		app.store = store
	default:
		app.store = messages.NewInMemoryStore()
	}

	app.engine = reconcile.NewEngine(app.store, reconcile.WithStatusPolicy(policy))

	log.Info().
		Str("backend", cfg.Store.Backend).
		Str("status_policy", string(policy)).
		Msg("Message store ready")
	return app, nil
}

// attachRetryQueue wires the River status retry queue into the engine when
// retry.enabled is set. The queue is not started here.
func (a *application) attachRetryQueue(ctx context.Context, publisher realtime.Publisher) error {
	if !a.cfg.Retry.Enabled {
		return nil
	}

	dbURL, err := database.ResolveDatabaseURL(a.cfg.Database.URL)
	if err != nil {
		return err
	}
	pool, err := database.NewPool(ctx, dbURL)
	if err != nil {
		return err
	}
	a.pool = pool

	qcfg := jobqueue.DefaultQueueConfig()
	qcfg.MaxAttempts = a.cfg.Retry.MaxAttempts
	qcfg.RetryDelay = a.cfg.Retry.Delay

	queue, err := jobqueue.NewJobQueue(pool, qcfg, a.engine, publisher)
	if err != nil {
		return err
	}
	if err := queue.Migrate(ctx); err != nil {
		return err
	}

	a.queue = queue
	a.engine.SetDeferrer(queue)
	log.Info().
		Int("max_attempts", qcfg.MaxAttempts).
		Dur("delay", qcfg.RetryDelay).
		Msg("Status retry queue attached")
	return nil
}

func (a *application) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

