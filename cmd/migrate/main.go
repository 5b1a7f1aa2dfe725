// Command migrate applies or rolls back the trade-journal schema. With no
// -path flag it runs the migrations embedded in the binary, so a deployed
// engine image can prepare its own database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	dbmigrations "github.com/quantbridge/quantbridge/db/migrations"
	"github.com/quantbridge/quantbridge/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", "PostgreSQL DSN (defaults to $DATABASE_URL)")
		dir     = flag.String("path", "", "Directory with SQL migrations (default: embedded set)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if target == "" {
		return errors.New("-database flag or DATABASE_URL required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	source := strings.TrimSpace(*dir)
	switch args[0] {
	case "up":
		if source == "" {
			return migrations.ApplyFS(ctx, target, dbmigrations.Files, logger)
		}
		return migrations.Apply(ctx, target, source, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		if source == "" {
			return migrations.RollbackFS(ctx, target, dbmigrations.Files, steps, logger)
		}
		return migrations.Rollback(ctx, target, source, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
