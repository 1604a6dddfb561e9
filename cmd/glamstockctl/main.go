package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/glamstock/glamstock/cmd/glamstockctl/cli"
	"github.com/glamstock/glamstock/internal/app"
	"github.com/glamstock/glamstock/internal/platform/db"
	"github.com/glamstock/glamstock/internal/stock"
	"github.com/glamstock/glamstock/migrations"
)

const usage = `usage: glamstockctl <command> [flags]

commands:
  migrate                               apply pending schema migrations
  ledger verify [--branch N] [--json]   reconcile quantities against the ledger
  jobs trigger <task>                   enqueue a job (ranking:refresh)
  jobs stats                            show default queue counters
  jobs scheduled [--size N]             list scheduled tasks
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || (len(args) < 2 && args[0] != "migrate") {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	switch args[0] {
	case "migrate":
		return runMigrate(ctx, cfg, stdout, stderr)
	case "ledger":
		return runLedger(ctx, cfg, args[1:], stdout, stderr)
	case "jobs":
		return runJobs(ctx, cfg, args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
}

func runMigrate(ctx context.Context, cfg *app.Config, stdout, stderr io.Writer) int {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	defer pool.Close()
	applied, err := db.Migrate(ctx, pool, migrations.Files)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	if len(applied) == 0 {
		_, _ = fmt.Fprintln(stdout, "schema is up to date")
		return 0
	}
	for _, name := range applied {
		_, _ = fmt.Fprintf(stdout, "applied %s\n", name)
	}
	return 0
}

func runLedger(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	if args[0] != "verify" {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	fs := flag.NewFlagSet("ledger verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	branch := fs.Int64("branch", 0, "limit the check to one branch")
	asJSON := fs.Bool("json", false, "print a JSON summary")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ledger verify: %v\n", err)
		return 1
	}
	defer pool.Close()
	ledger, err := cli.NewLedgerCLI(stock.NewRepository(pool, cfg.StockLockTimeout))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ledger verify: %v\n", err)
		return 1
	}
	return ledger.VerifyCommand(ctx, cli.VerifyOptions{
		BranchID:   *branch,
		JSONOutput: *asJSON,
		Stdout:     stdout,
		Stderr:     stderr,
	})
}

func runJobs(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs: %v\n", err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			_, _ = fmt.Fprint(stderr, usage)
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
			return 1
		}
		_ = enc.Encode(stats)
	case "scheduled":
		fs := flag.NewFlagSet("jobs scheduled", flag.ContinueOnError)
		fs.SetOutput(stderr)
		size := fs.Int("size", 10, "page size")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		tasks, err := jobsCLI.ListScheduled(ctx, *size)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs scheduled: %v\n", err)
			return 1
		}
		for _, task := range tasks {
			_, _ = fmt.Fprintf(stdout, "%s\t%s\t%s\n", task.ID, task.Type, task.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	return 0
}
