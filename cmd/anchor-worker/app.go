package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/anchor/internal/config"
	"github.com/ehr/anchor/internal/domain/anchor"
	"github.com/ehr/anchor/internal/platform/blockchain"
	"github.com/ehr/anchor/internal/platform/db"
	"github.com/ehr/anchor/internal/platform/hipaa"
	"github.com/ehr/anchor/internal/platform/telemetry"
	"github.com/ehr/anchor/internal/platform/webhook"
	"github.com/ehr/anchor/migrations"
)

// stores groups the persistence layer for either backend.
type stores struct {
	queue  anchor.QueueRepository
	events webhook.EventStore
	audit  hipaa.AuditStore
	health db.Store
	// pool and tx are nil on sqlite.
	pool  *pgxpool.Pool
	tx    anchor.Transactor
	close func()
}

// producerOptions makes exports atomic where the backend supports it.
func (s *stores) producerOptions() []anchor.ProducerOption {
	if s.tx == nil {
		return nil
	}
	return []anchor.ProducerOption{anchor.WithTransactor(s.tx)}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if db.IsSQLiteURL(cfg.DatabaseURL) {
		conn, err := db.OpenSQLite(ctx, cfg.DatabaseURL, migrations.SQLiteSchema)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("driver", "sqlite3").Msg("connected to database")
		return &stores{
			queue:  anchor.NewQueueRepoSQLite(conn),
			events: webhook.NewEventStoreSQLite(conn),
			audit:  hipaa.NewAuditStoreSQLite(conn),
			health: db.SQLHealth(conn),
			close:  func() { conn.Close() },
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Str("driver", "pgx").Str("schema", cfg.DBSchema).Msg("connected to database")
	return &stores{
		queue:  anchor.NewQueueRepoPG(pool),
		events: webhook.NewEventStorePG(pool),
		audit:  hipaa.NewAuditStorePG(pool),
		health: db.PgHealth(pool),
		pool:   pool,
		tx:     db.TxRunner(pool),
		close:  pool.Close,
	}, nil
}

// app is the fully wired pipeline shared by every command that processes
// the queue.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	stores   *stores
	chain    *blockchain.Client
	notifier *webhook.Notifier
	audit    *hipaa.AuditLogger
	metrics  *telemetry.Metrics
	runner   *anchor.Runner
	producer *anchor.Producer
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	chain, err := blockchain.NewClient(ctx, cfg.BlockchainConfig(), logger)
	if err != nil {
		st.close()
		return nil, fmt.Errorf("blockchain client: %w", err)
	}

	metrics := telemetry.NewMetrics()
	notifier := webhook.NewNotifier(cfg.NotifierConfig(), st.events, logger, webhook.WithObserver(metrics))
	audit := hipaa.NewAuditLogger(st.audit)

	return &app{
		cfg:      cfg,
		logger:   logger,
		stores:   st,
		chain:    chain,
		notifier: notifier,
		audit:    audit,
		metrics:  metrics,
		runner: anchor.NewRunner(st.queue, chain, notifier, cfg.RunnerConfig(), logger,
			anchor.WithRecorder(metrics)),
		producer: anchor.NewProducer(st.queue, audit, logger, st.producerOptions()...),
	}, nil
}

func (a *app) Close() {
	a.stores.close()
}
