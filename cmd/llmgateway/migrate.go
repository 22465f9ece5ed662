package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/config"
	"github.com/BaSui01/llmgateway/internal/migration"
)

// =============================================================================
// 🗃️ migrate 命令
// =============================================================================

// runMigrate 执行 `llmgateway migrate <subcommand>`，返回进程退出码
func runMigrate(args []string) int {
	if len(args) < 1 {
		printMigrateUsage()
		return 1
	}
	sub := args[0]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printMigrateUsage()
		return 0
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	driver := fs.String("driver", "", "Override database.driver (postgres, mysql, sqlite)")
	dsn := fs.String("dsn", "", "Override database.dsn")
	all := fs.Bool("all", false, "With 'down': roll back every migration")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	run, err := migrateAction(sub, fs.Args(), *all)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		printMigrateUsage()
		return 1
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	dbCfg := cfg.Database
	if *driver != "" {
		dbCfg.Driver = *driver
	}
	if *dsn != "" {
		dbCfg.DSN = *dsn
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	m, err := migration.Open(dbCfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		return 1
	}
	defer func() { _ = m.Close() }()

	if err := run(context.Background(), migration.NewCLI(m, os.Stdout)); err != nil {
		logger.Error("migrate failed", zap.String("subcommand", sub), zap.Error(err))
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", sub, err)
		return 1
	}
	return 0
}

type migrateFunc func(ctx context.Context, cli *migration.CLI) error

// migrateAction 解析子命令与位置参数，不接触数据库
func migrateAction(sub string, rest []string, all bool) (migrateFunc, error) {
	switch sub {
	case "up":
		return func(ctx context.Context, cli *migration.CLI) error { return cli.RunUp(ctx) }, nil
	case "down":
		return func(ctx context.Context, cli *migration.CLI) error { return cli.RunDown(ctx, all) }, nil
	case "status":
		return func(ctx context.Context, cli *migration.CLI) error { return cli.RunStatus(ctx) }, nil
	case "version":
		return func(ctx context.Context, cli *migration.CLI) error { return cli.RunVersion(ctx) }, nil
	case "reset":
		return func(ctx context.Context, cli *migration.CLI) error { return cli.RunReset(ctx) }, nil
	case "steps":
		n, err := intArg(sub, rest)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, cli *migration.CLI) error { return cli.RunSteps(ctx, n) }, nil
	case "goto":
		n, err := intArg(sub, rest)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("goto: version must not be negative")
		}
		return func(ctx context.Context, cli *migration.CLI) error { return cli.RunGoto(ctx, uint(n)) }, nil
	case "force":
		n, err := intArg(sub, rest)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, cli *migration.CLI) error { return cli.RunForce(ctx, n) }, nil
	default:
		return nil, fmt.Errorf("unknown migrate subcommand: %s", sub)
	}
}

func intArg(sub string, rest []string) (int, error) {
	if len(rest) != 1 {
		return 0, fmt.Errorf("%s: expected exactly one integer argument", sub)
	}
	n, err := strconv.Atoi(rest[0])
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", sub, rest[0])
	}
	return n, nil
}

func printMigrateUsage() {
	writeMigrateUsage(os.Stdout)
}

func writeMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Ledger schema migrations (ledger.backend=sql)

Usage:
  llmgateway migrate <subcommand> [options] [arg]

Subcommands:
  up            Apply all pending migrations
  down [--all]  Roll back the last migration (or all of them)
  steps <n>     Apply n migrations, negative n rolls back
  goto <v>      Migrate to version v
  force <v>     Set the version without running SQL (clears dirty state)
  status        Show every migration and whether it is applied
  version       Show the current version
  reset         Roll back everything, then apply everything

Options:
  --config <path>   Path to configuration file (YAML)
  --driver <name>   Override database.driver
  --dsn <dsn>       Override database.dsn

Examples:
  llmgateway migrate up --config /etc/llmgateway/config.yaml
  llmgateway migrate status --driver sqlite --dsn file:ledger.db
  llmgateway migrate goto 1`)
}
