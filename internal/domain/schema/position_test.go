package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPositionOpenFromFlat(t *testing.T) {
	pos := NewPosition("005930")
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	realized := pos.ApplyFill(SideBuy, dec(t, "100"), dec(t, "75000"), dec(t, "11.25"), at)
	if !realized.IsZero() {
		t.Fatalf("opening fill must not realize pnl, got %s", realized)
	}
	if !pos.Quantity.Equal(dec(t, "100")) {
		t.Fatalf("expected quantity 100, got %s", pos.Quantity)
	}
	if !pos.AveragePrice.Equal(dec(t, "75000")) {
		t.Fatalf("expected average 75000, got %s", pos.AveragePrice)
	}
	if !pos.IsLong() || pos.IsFlat() {
		t.Fatal("expected long open position")
	}
	if !pos.OpenedAt.Equal(at) {
		t.Fatal("expected OpenedAt stamped from fill time")
	}
}

func TestPositionSameDirectionReweightsAverage(t *testing.T) {
	pos := NewPosition("005930")
	pos.ApplyFill(SideBuy, dec(t, "100"), dec(t, "75000"), decimal.Zero, time.Time{})
	pos.ApplyFill(SideBuy, dec(t, "50"), dec(t, "75300"), decimal.Zero, time.Time{})

	// (100*75000 + 50*75300) / 150 = 75100
	if !pos.AveragePrice.Equal(dec(t, "75100")) {
		t.Fatalf("expected average 75100, got %s", pos.AveragePrice)
	}
	if !pos.Quantity.Equal(dec(t, "150")) {
		t.Fatalf("expected quantity 150, got %s", pos.Quantity)
	}
}

func TestPositionPartialCloseRealizesPnL(t *testing.T) {
	pos := NewPosition("005930")
	pos.ApplyFill(SideBuy, dec(t, "100"), dec(t, "75000"), decimal.Zero, time.Time{})

	realized := pos.ApplyFill(SideSell, dec(t, "40"), dec(t, "75500"), decimal.Zero, time.Time{})
	// (75500 - 75000) * 40 = 20000
	if !realized.Equal(dec(t, "20000")) {
		t.Fatalf("expected realized 20000, got %s", realized)
	}
	if !pos.Quantity.Equal(dec(t, "60")) {
		t.Fatalf("expected 60 remaining, got %s", pos.Quantity)
	}
	if !pos.AveragePrice.Equal(dec(t, "75000")) {
		t.Fatalf("partial close must keep entry average, got %s", pos.AveragePrice)
	}
	if !pos.RealizedPnL.Equal(dec(t, "20000")) {
		t.Fatalf("expected cumulative realized 20000, got %s", pos.RealizedPnL)
	}
}

func TestPositionFullCloseGoesFlat(t *testing.T) {
	pos := NewPosition("005930")
	pos.ApplyFill(SideBuy, dec(t, "100"), dec(t, "75000"), decimal.Zero, time.Time{})
	realized := pos.ApplyFill(SideSell, dec(t, "100"), dec(t, "74000"), decimal.Zero, time.Time{})

	if !realized.Equal(dec(t, "-100000")) {
		t.Fatalf("expected realized -100000, got %s", realized)
	}
	if !pos.IsFlat() {
		t.Fatalf("expected flat position, got %s", pos.Quantity)
	}
	if !pos.AveragePrice.Equal(dec(t, "75000")) {
		t.Fatalf("flat close must keep entry average, got %s", pos.AveragePrice)
	}
	if !pos.UnrealizedPnL.IsZero() {
		t.Fatalf("flat position must carry zero unrealized, got %s", pos.UnrealizedPnL)
	}
}

func TestPositionRoundTripKeepsEntryAverage(t *testing.T) {
	pos := NewPosition("005930")
	pos.ApplyFill(SideBuy, dec(t, "100"), dec(t, "75000"), decimal.Zero, time.Time{})
	realized := pos.ApplyFill(SideSell, dec(t, "100"), dec(t, "75000"), decimal.Zero, time.Time{})

	if !realized.IsZero() {
		t.Fatalf("round trip at entry price must realize zero, got %s", realized)
	}
	if !pos.IsFlat() {
		t.Fatalf("expected flat position, got %s", pos.Quantity)
	}
	if !pos.AveragePrice.Equal(dec(t, "75000")) {
		t.Fatalf("expected average 75000 unchanged from the buy, got %s", pos.AveragePrice)
	}
}

func TestPositionSignFlipResetsAverageToFillPrice(t *testing.T) {
	pos := NewPosition("005930")
	pos.ApplyFill(SideBuy, dec(t, "100"), dec(t, "75000"), decimal.Zero, time.Time{})

	realized := pos.ApplyFill(SideSell, dec(t, "150"), dec(t, "75800"), decimal.Zero, time.Time{})
	// Closes 100 @ +800 each, flips 50 short at the fill price.
	if !realized.Equal(dec(t, "80000")) {
		t.Fatalf("expected realized 80000, got %s", realized)
	}
	if !pos.Quantity.Equal(dec(t, "-50")) {
		t.Fatalf("expected -50 after flip, got %s", pos.Quantity)
	}
	if !pos.AveragePrice.Equal(dec(t, "75800")) {
		t.Fatalf("flip must reset average to fill price, got %s", pos.AveragePrice)
	}
	if !pos.IsShort() {
		t.Fatal("expected short position after flip")
	}
}

func TestPositionShortSideRealization(t *testing.T) {
	pos := NewPosition("005930")
	pos.ApplyFill(SideSell, dec(t, "80"), dec(t, "75000"), decimal.Zero, time.Time{})
	if !pos.IsShort() {
		t.Fatal("expected short position")
	}

	realized := pos.ApplyFill(SideBuy, dec(t, "80"), dec(t, "74500"), decimal.Zero, time.Time{})
	// Short profits when price falls: (74500 - 75000) * 80 * (-1) = 40000
	if !realized.Equal(dec(t, "40000")) {
		t.Fatalf("expected realized 40000, got %s", realized)
	}
	if !pos.IsFlat() {
		t.Fatal("expected flat position after cover")
	}
}

func TestMarkToMarket(t *testing.T) {
	pos := NewPosition("005930")
	pos.ApplyFill(SideBuy, dec(t, "100"), dec(t, "75000"), decimal.Zero, time.Time{})

	pos.MarkToMarket(dec(t, "75400"))
	if !pos.UnrealizedPnL.Equal(dec(t, "40000")) {
		t.Fatalf("expected unrealized 40000, got %s", pos.UnrealizedPnL)
	}

	pos.MarkToMarket(dec(t, "74800"))
	if !pos.UnrealizedPnL.Equal(dec(t, "-20000")) {
		t.Fatalf("expected unrealized -20000, got %s", pos.UnrealizedPnL)
	}

	short := NewPosition("000660")
	short.ApplyFill(SideSell, dec(t, "10"), dec(t, "200000"), decimal.Zero, time.Time{})
	short.MarkToMarket(dec(t, "195000"))
	// (195000 - 200000) * (-10) = 50000
	if !short.UnrealizedPnL.Equal(dec(t, "50000")) {
		t.Fatalf("expected short unrealized 50000, got %s", short.UnrealizedPnL)
	}
}

func TestMarkToMarketIgnoresNonPositivePrice(t *testing.T) {
	pos := NewPosition("005930")
	pos.ApplyFill(SideBuy, dec(t, "10"), dec(t, "100"), decimal.Zero, time.Time{})
	pos.MarkToMarket(dec(t, "110"))
	pos.MarkToMarket(decimal.Zero)
	if !pos.MarketPrice.Equal(dec(t, "110")) {
		t.Fatalf("zero price must not overwrite mark, got %s", pos.MarketPrice)
	}
}

func TestPositionCommissionAccumulates(t *testing.T) {
	pos := NewPosition("005930")
	pos.ApplyFill(SideBuy, dec(t, "10"), dec(t, "100"), dec(t, "1.5"), time.Time{})
	pos.ApplyFill(SideSell, dec(t, "10"), dec(t, "101"), dec(t, "2.5"), time.Time{})
	if !pos.Commission.Equal(dec(t, "4")) {
		t.Fatalf("expected commission 4, got %s", pos.Commission)
	}
}
