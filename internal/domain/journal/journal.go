// Package journal defines the durable trade-journal capability: order
// lifecycle rows, fills, position snapshots, and per-strategy rollups.
// Backends live under internal/infra/persistence; the writer that feeds
// them from the event bus lives under internal/app/journal.
package journal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderEntry is the immutable half of an order row, written once when the
// order enters the pipeline. Zero Price or StopPrice persist as NULL.
type OrderEntry struct {
	OrderID       string
	Symbol        string
	Side          string
	Type          string
	Status        string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   string
	Strategy      string
	SignalID      string
	BrokerOrderID string
	PlacedAt      time.Time
	Metadata      map[string]any
}

// OrderUpdate carries the mutable lifecycle columns. Zero AveragePrice, an
// empty BrokerOrderID, a nil CompletedAt, and empty Metadata leave the
// stored values untouched.
type OrderUpdate struct {
	OrderID        string
	Status         string
	FilledQuantity decimal.Decimal
	AveragePrice   decimal.Decimal
	Commission     decimal.Decimal
	BrokerOrderID  string
	CompletedAt    *time.Time
	Metadata       map[string]any
}

// FillEntry is one execution row, idempotent on (OrderID, FillID).
type FillEntry struct {
	OrderID      string
	FillID       string
	Symbol       string
	Side         string
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Commission   decimal.Decimal
	BrokerFillID string
	TradedAt     time.Time
	Metadata     map[string]any
}

// PositionSnapshot is a point-in-time copy of one book entry.
type PositionSnapshot struct {
	Symbol        string
	Quantity      decimal.Decimal
	AveragePrice  decimal.Decimal
	MarketPrice   decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Commission    decimal.Decimal
	SnapshotAt    time.Time
}

// StrategyMetrics is one strategy's rollup for a metrics date, upserted on
// (Strategy, MetricsDate).
type StrategyMetrics struct {
	Strategy        string
	MetricsDate     time.Time
	TotalSignals    int64
	ExecutedSignals int64
	WinningTrades   int64
	LosingTrades    int64
	TotalPnL        decimal.Decimal
	WinRate         float64
	SharpeRatio     float64
	MaxDrawdown     float64
	Volatility      float64
	AvgHoldHours    float64
	ComputedAt      time.Time
}

// OrderRecord is a stored order with its lifecycle columns.
type OrderRecord struct {
	OrderEntry
	FilledQuantity decimal.Decimal
	AveragePrice   decimal.Decimal
	Commission     decimal.Decimal
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FillRecord is a stored fill.
type FillRecord struct {
	FillEntry
	CreatedAt time.Time
}

// PositionRecord is a stored position snapshot.
type PositionRecord struct {
	PositionSnapshot
	ID        int64
	CreatedAt time.Time
}

// MetricsRecord is a stored strategy rollup.
type MetricsRecord struct {
	StrategyMetrics
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderQuery filters ListOrders. Zero values match everything; Limit zero
// falls back to the backend default.
type OrderQuery struct {
	Symbol   string
	Strategy string
	Statuses []string
	Limit    int
}

// FillQuery filters ListFills.
type FillQuery struct {
	OrderID string
	Symbol  string
	Limit   int
}

// SnapshotQuery filters ListPositionSnapshots.
type SnapshotQuery struct {
	Symbol string
	Limit  int
}

// Writer is the mutation surface shared by the store and its transactions.
type Writer interface {
	// RecordOrder inserts a new order row. Replaying an order id is a no-op.
	RecordOrder(ctx context.Context, entry OrderEntry) error
	// UpdateOrder advances the lifecycle columns of an existing row.
	UpdateOrder(ctx context.Context, update OrderUpdate) error
	// RecordFill upserts one fill keyed by (order id, fill id).
	RecordFill(ctx context.Context, fill FillEntry) error
	// RecordPositionSnapshot appends a point-in-time position copy.
	RecordPositionSnapshot(ctx context.Context, snapshot PositionSnapshot) error
	// UpsertStrategyMetrics stores a strategy's rollup for its date.
	UpsertStrategyMetrics(ctx context.Context, metrics StrategyMetrics) error
}

// Tx is the transactional view handed to WithTransaction callbacks.
type Tx interface {
	Writer
}

// Store is the full journal capability.
type Store interface {
	Writer

	// WithTransaction runs fn inside one database transaction, committing on
	// nil and rolling back on error.
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error

	ListOrders(ctx context.Context, query OrderQuery) ([]OrderRecord, error)
	ListFills(ctx context.Context, query FillQuery) ([]FillRecord, error)
	ListPositionSnapshots(ctx context.Context, query SnapshotQuery) ([]PositionRecord, error)
	ListStrategyMetrics(ctx context.Context, strategy string, limit int) ([]MetricsRecord, error)
}
