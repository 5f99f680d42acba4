// Command asr-gateway-admin is an operator CLI for the gateway's durable
// job store: running migrations, inspecting per-engine stats, and driving
// the same requeue/purge maintenance the reaper performs on a schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/target/asr-gateway/config"
	"github.com/target/asr-gateway/internal/bootstrap"
	"github.com/target/asr-gateway/internal/domain/model"
	"github.com/target/asr-gateway/internal/store"
	"github.com/target/asr-gateway/internal/store/postgres"
	"github.com/target/asr-gateway/internal/store/sqlite"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations (postgres backend only)",
			run:         runMigrate,
		},
		"stats": {
			name:        "stats",
			description: "Print job counts by status, optionally scoped to an engine (-engine)",
			run:         runStats,
		},
		"requeue-orphans": {
			name:        "requeue-orphans",
			description: "Requeue processing jobs whose lease has expired",
			run:         runRequeueOrphans,
		},
		"purge-old": {
			name:        "purge-old",
			description: "Delete terminal jobs older than -age in status -status (default completed, 720h)",
			run:         runPurgeOld,
		},
		"list-jobs": {
			name:        "list-jobs",
			description: "List jobs matching -status/-engine, most recent first (-limit)",
			run:         runListJobs,
		},
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, "Usage: asr-gateway-admin <command> [flags]\n\n")
	fmt.Fprintf(os.Stdout, "Available commands:\n")
	for _, c := range commands() {
		fmt.Fprintf(os.Stdout, "  %-18s %s\n", c.name, c.description)
	}
}

// openStore connects to the configured backend directly, bypassing the
// running gateway process; admin commands operate on the store, not through
// JobService, so they can run migrations before any service is healthy.
func openStore(cmdCtx *commandContext) (store.Store, func() error, error) {
	cfg := cmdCtx.Config
	switch cfg.StoreBackend {
	case config.StoreBackendSQLite:
		st, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, st.Close, nil
	default:
		db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
			DBConfig: cfg.Postgres,
			Logger:   cmdCtx.Logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect db: %w", err)
		}
		return postgres.New(db, cmdCtx.Logger), db.Close, nil
	}
}

func runMigrate(cmdCtx *commandContext, _ []string) error {
	if cmdCtx.Config.StoreBackend != config.StoreBackendPostgres {
		return errors.New("migrate only applies to the postgres backend; sqlite creates its schema on open")
	}
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer closeQuietly(cmdCtx, db.Close)

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultMigrationTimeout)
	defer cancel()
	return bootstrap.RunMigrations(ctx, db, cmdCtx.Logger)
}

func runStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	engine := fs.String("engine", "", "restrict to a single engine name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, closeFn, err := openStore(cmdCtx)
	if err != nil {
		return err
	}
	defer closeQuietly(cmdCtx, closeFn)

	stats, err := st.Stats(cmdCtx.Ctx, *engine)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "queued\t%d\n", stats.Queued)
	fmt.Fprintf(w, "processing\t%d\n", stats.Processing)
	fmt.Fprintf(w, "completed\t%d\n", stats.Completed)
	fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
	return nil
}

func runRequeueOrphans(cmdCtx *commandContext, _ []string) error {
	st, closeFn, err := openStore(cmdCtx)
	if err != nil {
		return err
	}
	defer closeQuietly(cmdCtx, closeFn)

	n, err := st.RequeueOrphans(cmdCtx.Ctx)
	if err != nil {
		return fmt.Errorf("requeue orphans: %w", err)
	}
	cmdCtx.Logger.InfoContext(cmdCtx.Ctx, "requeued orphaned jobs", "count", n)
	return nil
}

func runPurgeOld(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("purge-old", flag.ContinueOnError)
	statusFlag := fs.String("status", string(model.StatusCompleted), "terminal status to purge: completed or failed")
	age := fs.Duration("age", 30*24*time.Hour, "delete rows older than this age")
	limit := fs.Int("limit", 1000, "maximum rows to delete in one pass")
	if err := fs.Parse(args); err != nil {
		return err
	}

	status := model.Status(*statusFlag)
	if status != model.StatusCompleted && status != model.StatusFailed {
		return fmt.Errorf("status must be completed or failed, got %q", *statusFlag)
	}

	st, closeFn, err := openStore(cmdCtx)
	if err != nil {
		return err
	}
	defer closeQuietly(cmdCtx, closeFn)

	n, err := st.DeleteOlderThan(cmdCtx.Ctx, status, time.Now().Add(-*age), *limit)
	if err != nil {
		return fmt.Errorf("purge old jobs: %w", err)
	}
	cmdCtx.Logger.InfoContext(cmdCtx.Ctx, "purged old jobs", "status", status, "count", n)
	return nil
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	statusFlag := fs.String("status", "", "filter by status")
	engine := fs.String("engine", "", "filter by engine name")
	limit := fs.Int("limit", 20, "maximum rows to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := model.ListFilter{EngineName: *engine, Limit: *limit}
	if *statusFlag != "" {
		filter.Status = model.Status(*statusFlag)
		if !filter.Status.Valid() {
			return fmt.Errorf("invalid status %q", *statusFlag)
		}
	}

	st, closeFn, err := openStore(cmdCtx)
	if err != nil {
		return err
	}
	defer closeQuietly(cmdCtx, closeFn)

	jobs, err := st.Query(cmdCtx.Ctx, filter)
	if err != nil {
		return fmt.Errorf("query jobs: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "ID\tSTATUS\tENGINE\tTASK\tCREATED\n")
	for _, job := range jobs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", job.ID, job.Status, job.EngineName, job.TaskType, job.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func closeQuietly(cmdCtx *commandContext, closeFn func() error) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		cmdCtx.Logger.WarnContext(cmdCtx.Ctx, "close store failed", "error", err)
	}
}
