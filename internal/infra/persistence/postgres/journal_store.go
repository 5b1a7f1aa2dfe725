package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/internal/domain/journal"
)

// JournalStore persists the trade journal: order lifecycle, fills, position
// snapshots, and strategy rollups.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore constructs a JournalStore backed by the provided pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    order_id,
    symbol,
    side,
    order_type,
    status,
    quantity,
    filled_quantity,
    price,
    stop_price,
    average_price,
    commission,
    time_in_force,
    strategy,
    signal_id,
    broker_order_id,
    placed_at,
    completed_at,
    metadata,
    created_at,
    updated_at
)
VALUES (
    @order_id,
    @symbol,
    @side,
    @order_type,
    @status,
    @quantity,
    0,
    @price,
    @stop_price,
    NULL,
    0,
    @time_in_force,
    @strategy,
    @signal_id,
    @broker_order_id,
    @placed_at,
    NULL,
    @metadata::jsonb,
    NOW(),
    NOW()
)
ON CONFLICT (order_id) DO NOTHING;
`

	orderUpdateSQL = `
UPDATE orders
SET status = @status,
    filled_quantity = @filled_quantity,
    average_price = COALESCE(@average_price, average_price),
    commission = @commission,
    broker_order_id = COALESCE(@broker_order_id, broker_order_id),
    completed_at = COALESCE(@completed_at, completed_at),
    metadata = COALESCE(@metadata::jsonb, metadata),
    updated_at = NOW()
WHERE order_id = @order_id;
`

	fillUpsertSQL = `
INSERT INTO fills (
    order_id,
    fill_id,
    symbol,
    side,
    quantity,
    price,
    commission,
    broker_fill_id,
    traded_at,
    metadata,
    created_at
)
VALUES (
    @order_id,
    @fill_id,
    @symbol,
    @side,
    @quantity,
    @price,
    @commission,
    @broker_fill_id,
    @traded_at,
    @metadata::jsonb,
    NOW()
)
ON CONFLICT (order_id, fill_id) DO UPDATE SET
    quantity = EXCLUDED.quantity,
    price = EXCLUDED.price,
    commission = EXCLUDED.commission,
    broker_fill_id = EXCLUDED.broker_fill_id,
    traded_at = EXCLUDED.traded_at,
    metadata = EXCLUDED.metadata;
`

	positionSnapshotInsertSQL = `
INSERT INTO position_snapshots (
    symbol,
    quantity,
    average_price,
    market_price,
    realized_pnl,
    unrealized_pnl,
    commission,
    snapshot_at,
    created_at
)
VALUES (
    @symbol,
    @quantity,
    @average_price,
    @market_price,
    @realized_pnl,
    @unrealized_pnl,
    @commission,
    @snapshot_at,
    NOW()
);
`

	strategyMetricsUpsertSQL = `
INSERT INTO strategy_metrics (
    strategy,
    metrics_date,
    total_signals,
    executed_signals,
    winning_trades,
    losing_trades,
    total_pnl,
    win_rate,
    sharpe_ratio,
    max_drawdown,
    volatility,
    avg_hold_hours,
    computed_at,
    created_at,
    updated_at
)
VALUES (
    @strategy,
    @metrics_date,
    @total_signals,
    @executed_signals,
    @winning_trades,
    @losing_trades,
    @total_pnl,
    @win_rate,
    @sharpe_ratio,
    @max_drawdown,
    @volatility,
    @avg_hold_hours,
    @computed_at,
    NOW(),
    NOW()
)
ON CONFLICT (strategy, metrics_date) DO UPDATE SET
    total_signals = EXCLUDED.total_signals,
    executed_signals = EXCLUDED.executed_signals,
    winning_trades = EXCLUDED.winning_trades,
    losing_trades = EXCLUDED.losing_trades,
    total_pnl = EXCLUDED.total_pnl,
    win_rate = EXCLUDED.win_rate,
    sharpe_ratio = EXCLUDED.sharpe_ratio,
    max_drawdown = EXCLUDED.max_drawdown,
    volatility = EXCLUDED.volatility,
    avg_hold_hours = EXCLUDED.avg_hold_hours,
    computed_at = EXCLUDED.computed_at,
    updated_at = NOW();
`

	orderSelectBase = `
SELECT
    order_id,
    symbol,
    side,
    order_type,
    status,
    quantity::text,
    filled_quantity::text,
    price::text,
    stop_price::text,
    average_price::text,
    commission::text,
    time_in_force,
    strategy,
    signal_id,
    broker_order_id,
    placed_at,
    completed_at,
    metadata,
    created_at,
    updated_at
FROM orders
`

	fillSelectBase = `
SELECT
    order_id,
    fill_id,
    symbol,
    side,
    quantity::text,
    price::text,
    commission::text,
    broker_fill_id,
    traded_at,
    metadata,
    created_at
FROM fills
`

	positionSelectBase = `
SELECT
    id,
    symbol,
    quantity::text,
    average_price::text,
    market_price::text,
    realized_pnl::text,
    unrealized_pnl::text,
    commission::text,
    snapshot_at,
    created_at
FROM position_snapshots
`

	metricsSelectBase = `
SELECT
    strategy,
    metrics_date,
    total_signals,
    executed_signals,
    winning_trades,
    losing_trades,
    total_pnl::text,
    win_rate,
    sharpe_ratio,
    max_drawdown,
    volatility,
    avg_hold_hours,
    computed_at,
    created_at,
    updated_at
FROM strategy_metrics
`

	defaultOrderLimit    = 50
	maxJournalLimit      = 500
	defaultFillLimit     = 100
	defaultSnapshotLimit = 100
	defaultMetricsLimit  = 30
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type journalTx struct {
	tx    pgx.Tx
	store *JournalStore
}

func (s *JournalStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	return s.pool, nil
}

func (s *JournalStore) recordOrderWith(ctx context.Context, exec execer, entry journal.OrderEntry) error {
	if strings.TrimSpace(entry.OrderID) == "" {
		return fmt.Errorf("journal store: order id required")
	}
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"order_id":        strings.TrimSpace(entry.OrderID),
		"symbol":          strings.TrimSpace(entry.Symbol),
		"side":            strings.TrimSpace(entry.Side),
		"order_type":      strings.TrimSpace(entry.Type),
		"status":          strings.TrimSpace(entry.Status),
		"quantity":        entry.Quantity.String(),
		"price":           nullableDecimal(entry.Price),
		"stop_price":      nullableDecimal(entry.StopPrice),
		"time_in_force":   strings.TrimSpace(entry.TimeInForce),
		"strategy":        strings.TrimSpace(entry.Strategy),
		"signal_id":       strings.TrimSpace(entry.SignalID),
		"broker_order_id": nullableString(entry.BrokerOrderID),
		"placed_at":       entry.PlacedAt,
		"metadata":        metadata,
	}
	if _, err := exec.Exec(ctx, orderInsertSQL, args); err != nil {
		return fmt.Errorf("journal store: insert order: %w", err)
	}
	return nil
}

func (s *JournalStore) updateOrderWith(ctx context.Context, exec execer, update journal.OrderUpdate) error {
	if strings.TrimSpace(update.OrderID) == "" {
		return fmt.Errorf("journal store: order id required")
	}
	metadata, err := optionalMetadata(update.Metadata)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"order_id":        strings.TrimSpace(update.OrderID),
		"status":          strings.TrimSpace(update.Status),
		"filled_quantity": update.FilledQuantity.String(),
		"average_price":   nullableDecimal(update.AveragePrice),
		"commission":      update.Commission.String(),
		"broker_order_id": nullableString(update.BrokerOrderID),
		"completed_at":    nullableTime(update.CompletedAt),
		"metadata":        metadata,
	}
	if _, err := exec.Exec(ctx, orderUpdateSQL, args); err != nil {
		return fmt.Errorf("journal store: update order: %w", err)
	}
	return nil
}

func (s *JournalStore) recordFillWith(ctx context.Context, exec execer, fill journal.FillEntry) error {
	if strings.TrimSpace(fill.OrderID) == "" || strings.TrimSpace(fill.FillID) == "" {
		return fmt.Errorf("journal store: order id and fill id required")
	}
	metadata, err := encodeMetadata(fill.Metadata)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"order_id":       strings.TrimSpace(fill.OrderID),
		"fill_id":        strings.TrimSpace(fill.FillID),
		"symbol":         strings.TrimSpace(fill.Symbol),
		"side":           strings.TrimSpace(fill.Side),
		"quantity":       fill.Quantity.String(),
		"price":          fill.Price.String(),
		"commission":     fill.Commission.String(),
		"broker_fill_id": nullableString(fill.BrokerFillID),
		"traded_at":      fill.TradedAt,
		"metadata":       metadata,
	}
	if _, err := exec.Exec(ctx, fillUpsertSQL, args); err != nil {
		return fmt.Errorf("journal store: upsert fill: %w", err)
	}
	return nil
}

func (s *JournalStore) recordSnapshotWith(ctx context.Context, exec execer, snapshot journal.PositionSnapshot) error {
	if strings.TrimSpace(snapshot.Symbol) == "" {
		return fmt.Errorf("journal store: symbol required")
	}
	snapshotAt := snapshot.SnapshotAt
	if snapshotAt.IsZero() {
		snapshotAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"symbol":         strings.TrimSpace(snapshot.Symbol),
		"quantity":       snapshot.Quantity.String(),
		"average_price":  snapshot.AveragePrice.String(),
		"market_price":   snapshot.MarketPrice.String(),
		"realized_pnl":   snapshot.RealizedPnL.String(),
		"unrealized_pnl": snapshot.UnrealizedPnL.String(),
		"commission":     snapshot.Commission.String(),
		"snapshot_at":    snapshotAt,
	}
	if _, err := exec.Exec(ctx, positionSnapshotInsertSQL, args); err != nil {
		return fmt.Errorf("journal store: insert position snapshot: %w", err)
	}
	return nil
}

func (s *JournalStore) upsertMetricsWith(ctx context.Context, exec execer, metrics journal.StrategyMetrics) error {
	if strings.TrimSpace(metrics.Strategy) == "" {
		return fmt.Errorf("journal store: strategy required")
	}
	metricsDate := metrics.MetricsDate
	if metricsDate.IsZero() {
		metricsDate = time.Now().UTC()
	}
	computedAt := metrics.ComputedAt
	if computedAt.IsZero() {
		computedAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"strategy":         strings.TrimSpace(metrics.Strategy),
		"metrics_date":     metricsDate,
		"total_signals":    metrics.TotalSignals,
		"executed_signals": metrics.ExecutedSignals,
		"winning_trades":   metrics.WinningTrades,
		"losing_trades":    metrics.LosingTrades,
		"total_pnl":        metrics.TotalPnL.String(),
		"win_rate":         metrics.WinRate,
		"sharpe_ratio":     metrics.SharpeRatio,
		"max_drawdown":     metrics.MaxDrawdown,
		"volatility":       metrics.Volatility,
		"avg_hold_hours":   metrics.AvgHoldHours,
		"computed_at":      computedAt,
	}
	if _, err := exec.Exec(ctx, strategyMetricsUpsertSQL, args); err != nil {
		return fmt.Errorf("journal store: upsert strategy metrics: %w", err)
	}
	return nil
}

// RecordOrder inserts a new order snapshot. Replays of the same order id are
// no-ops.
func (s *JournalStore) RecordOrder(ctx context.Context, entry journal.OrderEntry) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.recordOrderWith(ctx, pool, entry)
}

// UpdateOrder updates lifecycle columns for an existing order.
func (s *JournalStore) UpdateOrder(ctx context.Context, update journal.OrderUpdate) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.updateOrderWith(ctx, pool, update)
}

// RecordFill upserts a fill keyed by (order_id, fill_id).
func (s *JournalStore) RecordFill(ctx context.Context, fill journal.FillEntry) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.recordFillWith(ctx, pool, fill)
}

// RecordPositionSnapshot appends a point-in-time position snapshot.
func (s *JournalStore) RecordPositionSnapshot(ctx context.Context, snapshot journal.PositionSnapshot) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.recordSnapshotWith(ctx, pool, snapshot)
}

// UpsertStrategyMetrics stores a strategy's rollup for its metrics date.
func (s *JournalStore) UpsertStrategyMetrics(ctx context.Context, metrics journal.StrategyMetrics) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.upsertMetricsWith(ctx, pool, metrics)
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *JournalStore) WithTransaction(ctx context.Context, fn func(context.Context, journal.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("journal store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("journal store: begin tx: %w", err)
	}
	wrapped := &journalTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("journal store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("journal store: commit tx: %w", err)
	}
	return nil
}

// ListOrders retrieves persisted orders matching the supplied query filters.
func (s *JournalStore) ListOrders(ctx context.Context, query journal.OrderQuery) ([]journal.OrderRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxJournalLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Symbol); trimmed != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.Strategy); trimmed != "" {
		fmt.Fprintf(&builder, " AND strategy = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	statuses := normalizedStatuses(query.Statuses)
	if len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY placed_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("journal store: list orders: %w", err)
	}
	defer rows.Close()

	var records []journal.OrderRecord
	for rows.Next() {
		var (
			orderID       string
			symbol        string
			side          string
			orderType     string
			status        string
			quantity      string
			filled        string
			priceValue    sql.NullString
			stopValue     sql.NullString
			avgValue      sql.NullString
			commission    string
			timeInForce   string
			strategy      string
			signalID      string
			brokerValue   sql.NullString
			placedAt      time.Time
			completedAt   pgtype.Timestamptz
			metadataBytes []byte
			createdAt     time.Time
			updatedAt     time.Time
		)
		if err := rows.Scan(
			&orderID,
			&symbol,
			&side,
			&orderType,
			&status,
			&quantity,
			&filled,
			&priceValue,
			&stopValue,
			&avgValue,
			&commission,
			&timeInForce,
			&strategy,
			&signalID,
			&brokerValue,
			&placedAt,
			&completedAt,
			&metadataBytes,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("journal store: scan order: %w", err)
		}
		metadata, err := decodeMetadata(metadataBytes)
		if err != nil {
			return nil, err
		}
		record := journal.OrderRecord{
			OrderEntry: journal.OrderEntry{
				OrderID:     orderID,
				Symbol:      symbol,
				Side:        side,
				Type:        orderType,
				Status:      status,
				TimeInForce: timeInForce,
				Strategy:    strategy,
				SignalID:    signalID,
				PlacedAt:    placedAt,
				Metadata:    metadata,
			},
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		}
		if record.OrderEntry.Quantity, err = decimalFromText(quantity); err != nil {
			return nil, fmt.Errorf("journal store: order quantity: %w", err)
		}
		if record.FilledQuantity, err = decimalFromText(filled); err != nil {
			return nil, fmt.Errorf("journal store: filled quantity: %w", err)
		}
		if record.OrderEntry.Price, err = decimalFromNullText(priceValue); err != nil {
			return nil, fmt.Errorf("journal store: order price: %w", err)
		}
		if record.OrderEntry.StopPrice, err = decimalFromNullText(stopValue); err != nil {
			return nil, fmt.Errorf("journal store: stop price: %w", err)
		}
		if record.AveragePrice, err = decimalFromNullText(avgValue); err != nil {
			return nil, fmt.Errorf("journal store: average price: %w", err)
		}
		if record.Commission, err = decimalFromText(commission); err != nil {
			return nil, fmt.Errorf("journal store: commission: %w", err)
		}
		if brokerValue.Valid {
			record.OrderEntry.BrokerOrderID = brokerValue.String
		}
		if completedAt.Valid {
			done := completedAt.Time
			record.CompletedAt = &done
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate orders: %w", err)
	}

	return records, nil
}

// ListFills retrieves fills matching the supplied query filters.
func (s *JournalStore) ListFills(ctx context.Context, query journal.FillQuery) ([]journal.FillRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultFillLimit, maxJournalLimit)

	builder := strings.Builder{}
	builder.WriteString(fillSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1

	if trimmed := strings.TrimSpace(query.OrderID); trimmed != "" {
		fmt.Fprintf(&builder, " AND order_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.Symbol); trimmed != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY traded_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("journal store: list fills: %w", err)
	}
	defer rows.Close()

	var records []journal.FillRecord
	for rows.Next() {
		var (
			orderID       string
			fillID        string
			symbol        string
			side          string
			quantity      string
			price         string
			commission    string
			brokerValue   sql.NullString
			tradedAt      time.Time
			metadataBytes []byte
			createdAt     time.Time
		)
		if err := rows.Scan(
			&orderID,
			&fillID,
			&symbol,
			&side,
			&quantity,
			&price,
			&commission,
			&brokerValue,
			&tradedAt,
			&metadataBytes,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("journal store: scan fill: %w", err)
		}
		metadata, err := decodeMetadata(metadataBytes)
		if err != nil {
			return nil, err
		}
		record := journal.FillRecord{
			FillEntry: journal.FillEntry{
				OrderID:  orderID,
				FillID:   fillID,
				Symbol:   symbol,
				Side:     side,
				TradedAt: tradedAt,
				Metadata: metadata,
			},
			CreatedAt: createdAt,
		}
		if record.FillEntry.Quantity, err = decimalFromText(quantity); err != nil {
			return nil, fmt.Errorf("journal store: fill quantity: %w", err)
		}
		if record.FillEntry.Price, err = decimalFromText(price); err != nil {
			return nil, fmt.Errorf("journal store: fill price: %w", err)
		}
		if record.FillEntry.Commission, err = decimalFromText(commission); err != nil {
			return nil, fmt.Errorf("journal store: fill commission: %w", err)
		}
		if brokerValue.Valid {
			record.FillEntry.BrokerFillID = brokerValue.String
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate fills: %w", err)
	}

	return records, nil
}

// ListPositionSnapshots retrieves position snapshots, newest first.
func (s *JournalStore) ListPositionSnapshots(ctx context.Context, query journal.SnapshotQuery) ([]journal.PositionRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultSnapshotLimit, maxJournalLimit)

	builder := strings.Builder{}
	builder.WriteString(positionSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 2)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Symbol); trimmed != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY snapshot_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("journal store: list position snapshots: %w", err)
	}
	defer rows.Close()

	var records []journal.PositionRecord
	for rows.Next() {
		var (
			id         int64
			symbol     string
			quantity   string
			average    string
			market     string
			realized   string
			unrealized string
			commission string
			snapshotAt time.Time
			createdAt  time.Time
		)
		if err := rows.Scan(
			&id,
			&symbol,
			&quantity,
			&average,
			&market,
			&realized,
			&unrealized,
			&commission,
			&snapshotAt,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("journal store: scan position snapshot: %w", err)
		}
		record := journal.PositionRecord{
			PositionSnapshot: journal.PositionSnapshot{
				Symbol:     symbol,
				SnapshotAt: snapshotAt,
			},
			ID:        id,
			CreatedAt: createdAt,
		}
		fields := []struct {
			dst *decimal.Decimal
			raw string
		}{
			{&record.PositionSnapshot.Quantity, quantity},
			{&record.PositionSnapshot.AveragePrice, average},
			{&record.PositionSnapshot.MarketPrice, market},
			{&record.PositionSnapshot.RealizedPnL, realized},
			{&record.PositionSnapshot.UnrealizedPnL, unrealized},
			{&record.PositionSnapshot.Commission, commission},
		}
		for _, f := range fields {
			value, err := decimalFromText(f.raw)
			if err != nil {
				return nil, fmt.Errorf("journal store: position snapshot numeric: %w", err)
			}
			*f.dst = value
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate position snapshots: %w", err)
	}

	return records, nil
}

// ListStrategyMetrics retrieves rollups for one strategy, newest date first.
// An empty strategy returns rollups across all strategies.
func (s *JournalStore) ListStrategyMetrics(ctx context.Context, strategy string, limit int) ([]journal.MetricsRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	bounded := clampLimit(limit, defaultMetricsLimit, maxJournalLimit)

	builder := strings.Builder{}
	builder.WriteString(metricsSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 2)
	argPos := 1

	if trimmed := strings.TrimSpace(strategy); trimmed != "" {
		fmt.Fprintf(&builder, " AND strategy = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY metrics_date DESC LIMIT $%d", argPos)
	args = append(args, bounded)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("journal store: list strategy metrics: %w", err)
	}
	defer rows.Close()

	var records []journal.MetricsRecord
	for rows.Next() {
		var (
			record   journal.MetricsRecord
			totalPnL string
		)
		if err := rows.Scan(
			&record.StrategyMetrics.Strategy,
			&record.StrategyMetrics.MetricsDate,
			&record.StrategyMetrics.TotalSignals,
			&record.StrategyMetrics.ExecutedSignals,
			&record.StrategyMetrics.WinningTrades,
			&record.StrategyMetrics.LosingTrades,
			&totalPnL,
			&record.StrategyMetrics.WinRate,
			&record.StrategyMetrics.SharpeRatio,
			&record.StrategyMetrics.MaxDrawdown,
			&record.StrategyMetrics.Volatility,
			&record.StrategyMetrics.AvgHoldHours,
			&record.StrategyMetrics.ComputedAt,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("journal store: scan strategy metrics: %w", err)
		}
		if record.StrategyMetrics.TotalPnL, err = decimalFromText(totalPnL); err != nil {
			return nil, fmt.Errorf("journal store: strategy pnl: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate strategy metrics: %w", err)
	}

	return records, nil
}

func (t *journalTx) RecordOrder(ctx context.Context, entry journal.OrderEntry) error {
	if t == nil {
		return fmt.Errorf("journal store: nil transaction")
	}
	return t.store.recordOrderWith(ctx, t.tx, entry)
}

func (t *journalTx) UpdateOrder(ctx context.Context, update journal.OrderUpdate) error {
	if t == nil {
		return fmt.Errorf("journal store: nil transaction")
	}
	return t.store.updateOrderWith(ctx, t.tx, update)
}

func (t *journalTx) RecordFill(ctx context.Context, fill journal.FillEntry) error {
	if t == nil {
		return fmt.Errorf("journal store: nil transaction")
	}
	return t.store.recordFillWith(ctx, t.tx, fill)
}

func (t *journalTx) RecordPositionSnapshot(ctx context.Context, snapshot journal.PositionSnapshot) error {
	if t == nil {
		return fmt.Errorf("journal store: nil transaction")
	}
	return t.store.recordSnapshotWith(ctx, t.tx, snapshot)
}

func (t *journalTx) UpsertStrategyMetrics(ctx context.Context, metrics journal.StrategyMetrics) error {
	if t == nil {
		return fmt.Errorf("journal store: nil transaction")
	}
	return t.store.upsertMetricsWith(ctx, t.tx, metrics)
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("journal store: encode metadata: %w", err)
	}
	return data, nil
}

// optionalMetadata maps an empty update payload to NULL so COALESCE keeps the
// stored document.
func optionalMetadata(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("journal store: encode metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("journal store: decode metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullableTime(ptr *time.Time) any {
	if ptr == nil || ptr.IsZero() {
		return nil
	}
	return *ptr
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func normalizedStatuses(statuses []string) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		trimmed := strings.ToUpper(strings.TrimSpace(status))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var _ journal.Store = (*JournalStore)(nil)
