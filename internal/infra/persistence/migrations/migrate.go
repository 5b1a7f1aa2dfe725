// Package migrations wires golang-migrate execution for the trade journal schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantbridge/quantbridge/internal/infra/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the
// Postgres instance reachable via dsn. A nil logger disables informational
// logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}

	m, closeMigrator, err := openMigrator(ctx, dsn, fileURL(resolvedDir), nil, logger)
	if err != nil {
		return err
	}
	defer closeMigrator()

	if logger != nil {
		logger.Printf("running database migrations: path=%s", resolvedDir)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", resolvedDir)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", resolvedDir)
		return fmt.Errorf("apply migrations: %w", err)
	}

	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, "applied", resolvedDir)

	return nil
}

// ApplyFS applies migrations from an embedded filesystem, used by binaries
// that bundle their SQL via go:embed.
func ApplyFS(ctx context.Context, dsn string, fsys fs.FS, logger *log.Logger) error {
	if fsys == nil {
		return fmt.Errorf("migrations filesystem required")
	}
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return fmt.Errorf("initialise embedded migrations source: %w", err)
	}

	m, closeMigrator, err := openMigrator(ctx, dsn, "", src, logger)
	if err != nil {
		return err
	}
	defer closeMigrator()

	if logger != nil {
		logger.Printf("running embedded database migrations")
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", "embedded")
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", "embedded")
		return fmt.Errorf("apply embedded migrations: %w", err)
	}

	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, "applied", "embedded")

	return nil
}

// RollbackFS reverts migrations from an embedded filesystem, stepping back
// the given number of versions.
func RollbackFS(ctx context.Context, dsn string, fsys fs.FS, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	if fsys == nil {
		return fmt.Errorf("migrations filesystem required")
	}
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return fmt.Errorf("initialise embedded migrations source: %w", err)
	}

	m, closeMigrator, err := openMigrator(ctx, dsn, "", src, logger)
	if err != nil {
		return err
	}
	defer closeMigrator()

	if logger != nil {
		logger.Printf("rolling back embedded database migrations: steps=%d", steps)
	}

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", "embedded")
			if logger != nil {
				logger.Printf("no migrations to roll back")
			}
			return nil
		}
		recordMigrationMetric(ctx, "rollback_failed", "embedded")
		return fmt.Errorf("rollback embedded migrations: %w", err)
	}

	if logger != nil {
		logger.Printf("database migrations rolled back successfully")
	}
	recordMigrationMetric(ctx, "rolled_back", "embedded")

	return nil
}

// Rollback reverts the most recent migrations, stepping back the given number
// of versions.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}

	m, closeMigrator, err := openMigrator(ctx, dsn, fileURL(resolvedDir), nil, logger)
	if err != nil {
		return err
	}
	defer closeMigrator()

	if logger != nil {
		logger.Printf("rolling back database migrations: path=%s steps=%d", resolvedDir, steps)
	}

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", resolvedDir)
			if logger != nil {
				logger.Printf("no migrations to roll back")
			}
			return nil
		}
		recordMigrationMetric(ctx, "rollback_failed", resolvedDir)
		return fmt.Errorf("rollback migrations: %w", err)
	}

	if logger != nil {
		logger.Printf("database migrations rolled back successfully")
	}
	recordMigrationMetric(ctx, "rolled_back", resolvedDir)

	return nil
}

// openMigrator connects to Postgres and builds a migrate instance from either
// a source URL or a pre-built source driver. The returned closer releases both
// the migrate instance and the database handle.
func openMigrator(ctx context.Context, dsn, sourceURL string, src source.Driver, logger *log.Logger) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if src != nil {
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
	}
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("initialise migrate instance: %w", err)
	}

	closer := func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}
	return m, closer, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("quantbridge_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
