package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/anchor/internal/config"
	"github.com/ehr/anchor/internal/domain/anchor"
	"github.com/ehr/anchor/internal/platform/db"
	"github.com/ehr/anchor/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "anchor-worker",
		Short:        "Audit log hash anchoring worker",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(anchorCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func bootstrap() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg.Env), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := anchor.NewScheduler(a.runner, cfg.AnchorInterval, cfg.AnchorBatchLimit, cfg.AnchorRunOnStart, logger)
	e := newServer(a, sched)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("mode", string(a.chain.Mode())).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one batch of pending anchor requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.runner.RunBatch(cmd.Context(), limit)
			if werr := writeReport("-", "json", report); werr != nil {
				logger.Error().Err(werr).Msg("failed to print report")
			}
			if err != nil {
				return err
			}
			if !report.Success {
				return fmt.Errorf("batch run finished with errors: %s", report)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 0, "Maximum rows to process (default ANCHOR_BATCH_LIMIT)")
	return cmd
}

type anchorOptions struct {
	logs  int
	limit int
	force bool
}

func anchorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Fingerprint the latest audit logs, queue the digest and anchor it now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts anchorOptions
			opts.logs, _ = cmd.Flags().GetInt("logs")
			opts.limit, _ = cmd.Flags().GetInt("limit")
			opts.force, _ = cmd.Flags().GetBool("force")
			reportPath, _ := cmd.Flags().GetString("report")
			format, _ := cmd.Flags().GetString("format")

			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if opts.logs <= 0 {
				opts.logs = cfg.AnchorLogLimit
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				res := &anchorResult{}
				res.fail(err)
				if werr := writeReport(reportPath, format, res); werr != nil {
					logger.Error().Err(werr).Msg("failed to write report")
				}
				return err
			}
			defer a.Close()

			res, err := runAnchor(cmd.Context(), a, opts)
			if werr := writeReport(reportPath, format, res); werr != nil {
				logger.Error().Err(werr).Str("path", reportPath).Msg("failed to write report")
				if err == nil {
					err = werr
				}
			}
			return err
		},
	}
	cmd.Flags().Int("logs", 0, "Number of latest audit logs to fingerprint (default ANCHOR_LOG_LIMIT)")
	cmd.Flags().Int("limit", 0, "Maximum backlog rows to process after the export (default ANCHOR_BATCH_LIMIT)")
	cmd.Flags().Bool("force", false, "Ignore the anchoring cooldown")
	cmd.Flags().String("report", "", "Report file path (stdout when empty)")
	cmd.Flags().String("format", "json", "Report format: json or yaml")
	return cmd
}

// runAnchor performs the manual one-shot flow. The fresh export is submitted
// directly so an older backlog cannot crowd it out; up to limit backlog rows
// are processed afterwards. The returned result is always non-nil so a report
// can be written for failed runs too.
func runAnchor(ctx context.Context, a *app, opts anchorOptions) (*anchorResult, error) {
	res := &anchorResult{}

	if !opts.force {
		last, err := a.producer.CheckCooldown(ctx, a.cfg.AnchorCooldown, time.Now())
		res.LastAnchoredAt = last
		switch {
		case errors.Is(err, anchor.ErrCooldownActive):
			a.logger.Info().Time("last_anchored_at", *last).Dur("cooldown", a.cfg.AnchorCooldown).
				Msg("an anchor completed recently, skipping (use --force to override)")
			res.Skipped = true
			res.Success = true
			return res, nil
		case err != nil:
			return res.fail(fmt.Errorf("cooldown check: %w", err))
		}
	}

	exp, err := a.producer.ExportAndEnqueue(ctx, opts.logs)
	if err != nil {
		return res.fail(fmt.Errorf("export audit logs: %w", err))
	}
	res.Export = exp

	report, err := a.runner.RunOne(ctx, exp.Anchor.ID)
	res.Report = report
	if err != nil {
		return res.fail(fmt.Errorf("anchor export: %w", err))
	}
	row, err := a.stores.queue.GetByID(ctx, exp.Anchor.ID)
	if err != nil {
		return res.fail(fmt.Errorf("reload export row: %w", err))
	}
	exp.Anchor = row
	if row.Status != anchor.StatusAnchored {
		return res.fail(fmt.Errorf("export %s not anchored: status %s, retry_count %d", row.ID, row.Status, row.RetryCount))
	}

	backlog, err := a.runner.RunBatch(ctx, opts.limit)
	res.Backlog = backlog
	if err != nil {
		return res.fail(fmt.Errorf("backlog run: %w", err))
	}
	if !backlog.Success {
		return res.fail(fmt.Errorf("backlog run finished with errors: %s", backlog))
	}
	res.Success = true
	return res, nil
}

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an externally computed hash for anchoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID, _ := cmd.Flags().GetString("record-id")
			hash, _ := cmd.Flags().GetString("hash")

			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			st, err := openStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.close()

			row, err := anchor.NewProducer(st.queue, nil, logger).Enqueue(cmd.Context(), recordID, hash)
			if err != nil {
				return err
			}
			return writeReport("-", "json", row)
		},
	}
	cmd.Flags().String("record-id", "", "Identifier of the exported record set")
	cmd.Flags().String("hash", "", "Lowercase hex digest to anchor")
	_ = cmd.MarkFlagRequired("record-id")
	_ = cmd.MarkFlagRequired("hash")
	return cmd
}

func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.Postgres
	}
	return os.DirFS(dir)
}

func openMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, string, func(), error) {
	cfg, _, err := bootstrap()
	if err != nil {
		return nil, "", nil, err
	}
	if db.IsSQLiteURL(cfg.DatabaseURL) {
		return nil, "", nil, fmt.Errorf("migrations apply to postgres only; the sqlite schema is created when the database is opened")
	}

	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		return nil, "", nil, err
	}
	return db.NewMigrator(pool, migrationSource(dir)), schema, pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, schema, closeFn, err := openMigrator(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, schema, closeFn, err := openMigrator(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
		c.Flags().String("dir", "", "Migrations directory (default MIGRATIONS_DIR, else embedded)")
		cmd.AddCommand(c)
	}
	return cmd
}
