package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/internal/domain/journal"
)

func TestJournalStoreNilPool(t *testing.T) {
	store := NewJournalStore(nil)
	ctx := context.Background()
	entry := journal.OrderEntry{
		OrderID:     "ord-1",
		Symbol:      "005930",
		Side:        "BUY",
		Type:        "LIMIT",
		Status:      "PENDING",
		Quantity:    decimal.NewFromInt(10),
		Price:       decimal.NewFromInt(70000),
		TimeInForce: "DAY",
		Strategy:    "ma_momentum",
		PlacedAt:    time.Now(),
	}
	if err := store.RecordOrder(ctx, entry); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.UpdateOrder(ctx, journal.OrderUpdate{OrderID: "ord-1", Status: "FILLED"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	fill := journal.FillEntry{
		OrderID:  "ord-1",
		FillID:   "fill-1",
		Symbol:   "005930",
		Side:     "BUY",
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.NewFromInt(70000),
		TradedAt: time.Now(),
	}
	if err := store.RecordFill(ctx, fill); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	snapshot := journal.PositionSnapshot{Symbol: "005930", Quantity: decimal.NewFromInt(10)}
	if err := store.RecordPositionSnapshot(ctx, snapshot); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	metrics := journal.StrategyMetrics{Strategy: "ma_momentum"}
	if err := store.UpsertStrategyMetrics(ctx, metrics); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.WithTransaction(ctx, func(ctx context.Context, tx journal.Tx) error {
		return nil
	}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListOrders(ctx, journal.OrderQuery{Symbol: "005930"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListFills(ctx, journal.FillQuery{OrderID: "ord-1"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListPositionSnapshots(ctx, journal.SnapshotQuery{Symbol: "005930"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListStrategyMetrics(ctx, "ma_momentum", 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestJournalStoreRequiresIdentifiers(t *testing.T) {
	store := NewJournalStore(nil)
	ctx := context.Background()
	if err := store.recordOrderWith(ctx, nil, journal.OrderEntry{}); err == nil {
		t.Fatalf("expected error for missing order id")
	}
	if err := store.recordFillWith(ctx, nil, journal.FillEntry{OrderID: "ord-1"}); err == nil {
		t.Fatalf("expected error for missing fill id")
	}
	if err := store.recordSnapshotWith(ctx, nil, journal.PositionSnapshot{}); err == nil {
		t.Fatalf("expected error for missing symbol")
	}
	if err := store.upsertMetricsWith(ctx, nil, journal.StrategyMetrics{}); err == nil {
		t.Fatalf("expected error for missing strategy")
	}
}

func TestDecimalFromText(t *testing.T) {
	value, err := decimalFromText("70000.50")
	if err != nil {
		t.Fatalf("decimalFromText returned error: %v", err)
	}
	if !value.Equal(decimal.RequireFromString("70000.50")) {
		t.Fatalf("unexpected value %s", value)
	}
	if _, err := decimalFromText("  "); err == nil {
		t.Fatalf("expected error for blank numeric")
	}
	if _, err := decimalFromText("not-a-number"); err == nil {
		t.Fatalf("expected error for invalid numeric")
	}
}

func TestDecimalFromNullText(t *testing.T) {
	value, err := decimalFromNullText(sql.NullString{})
	if err != nil {
		t.Fatalf("null text returned error: %v", err)
	}
	if !value.IsZero() {
		t.Fatalf("expected zero for NULL, got %s", value)
	}
	value, err = decimalFromNullText(sql.NullString{String: "1.25", Valid: true})
	if err != nil {
		t.Fatalf("valid text returned error: %v", err)
	}
	if !value.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("unexpected value %s", value)
	}
}

func TestNullableDecimal(t *testing.T) {
	if got := nullableDecimal(decimal.Zero); got != nil {
		t.Fatalf("expected nil for zero, got %v", got)
	}
	if got := nullableDecimal(decimal.NewFromInt(70000)); got != "70000" {
		t.Fatalf("expected rendered decimal, got %v", got)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	encoded, err := encodeMetadata(nil)
	if err != nil {
		t.Fatalf("encode empty metadata: %v", err)
	}
	if string(encoded) != "{}" {
		t.Fatalf("expected {} for empty metadata, got %s", encoded)
	}
	decoded, err := decodeMetadata(encoded)
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if decoded != nil {
		t.Fatalf("expected nil map for empty document, got %v", decoded)
	}

	encoded, err = encodeMetadata(map[string]any{"signal_id": "sig-1"})
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	decoded, err = decodeMetadata(encoded)
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if decoded["signal_id"] != "sig-1" {
		t.Fatalf("unexpected metadata %v", decoded)
	}

	optional, err := optionalMetadata(nil)
	if err != nil {
		t.Fatalf("optional metadata: %v", err)
	}
	if optional != nil {
		t.Fatalf("expected nil for empty update metadata")
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(0, defaultOrderLimit, maxJournalLimit); got != defaultOrderLimit {
		t.Fatalf("expected fallback, got %d", got)
	}
	if got := clampLimit(10_000, defaultOrderLimit, maxJournalLimit); got != maxJournalLimit {
		t.Fatalf("expected maximum, got %d", got)
	}
	if got := clampLimit(25, defaultOrderLimit, maxJournalLimit); got != 25 {
		t.Fatalf("expected passthrough, got %d", got)
	}
}

func TestNormalizedStatuses(t *testing.T) {
	got := normalizedStatuses([]string{" filled ", "", "partial_filled"})
	if len(got) != 2 || got[0] != "FILLED" || got[1] != "PARTIAL_FILLED" {
		t.Fatalf("unexpected statuses %v", got)
	}
	if normalizedStatuses(nil) != nil {
		t.Fatalf("expected nil for empty input")
	}
	if normalizedStatuses([]string{"  "}) != nil {
		t.Fatalf("expected nil for blank-only input")
	}
}
