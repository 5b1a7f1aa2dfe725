package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantbridge/quantbridge/internal/infra/telemetry"
)

// ObservePoolMetrics registers observable gauges reporting pgx pool health:
// total, idle, acquired, and constructing connection counts.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", normalized),
	)

	gauges := []struct {
		name        string
		description string
		read        func(*pgxpool.Stat) int64
	}{
		{"quantbridge_db_pool_connections_total",
			"Total connections (idle + acquired + constructing)",
			func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
		{"quantbridge_db_pool_connections_idle",
			"Idle connections ready for checkout",
			func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
		{"quantbridge_db_pool_connections_acquired",
			"Connections currently acquired by callers",
			func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
		{"quantbridge_db_pool_connections_constructing",
			"Connections currently being constructed",
			func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
	}

	meter := otel.Meter("postgres.pool")
	for _, g := range gauges {
		read := g.read
		_, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), attrs)
				return nil
			}),
		)
		if err != nil {
			return
		}
	}
}
