package feed

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestFlexNumberForms(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "bare number", in: `{"v":75200.5}`, want: "75200.5"},
		{name: "quoted number", in: `{"v":"75200.5"}`, want: "75200.5"},
		{name: "quoted with spaces", in: `{"v":" 42 "}`, want: "42"},
		{name: "null", in: `{"v":null}`, want: "0"},
		{name: "missing", in: `{}`, want: "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var doc struct {
				V flexNumber `json:"v"`
			}
			if err := json.Unmarshal([]byte(tc.in), &doc); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, err := doc.V.Decimal()
			if err != nil {
				t.Fatalf("decimal: %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestFlexNumberInt64ToleratesFraction(t *testing.T) {
	var n flexNumber = "1718200000000.0"
	got, err := n.Int64()
	if err != nil {
		t.Fatalf("int64: %v", err)
	}
	if got != 1718200000000 {
		t.Fatalf("expected 1718200000000, got %d", got)
	}
}

func TestFlexNumberDecimalRejectsGarbage(t *testing.T) {
	var n flexNumber = "fast"
	if _, err := n.Decimal(); err == nil {
		t.Fatal("expected error for non-numeric value")
	}
}

func TestCandleMessageToMarketData(t *testing.T) {
	raw := `{
		"symbol": "005930",
		"interval": "1m",
		"timestamp": 1718200800000,
		"open": "75000",
		"high": 75400,
		"low": "74900",
		"close": "75200",
		"volume": "40000000000",
		"indicators": {"sma_5": "75000", "regime": "bull", "avg_volume_5d": 31000000000}
	}`
	var msg candleMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	md, err := msg.toMarketData(time.Now().UTC())
	if err != nil {
		t.Fatalf("toMarketData: %v", err)
	}
	if md.Symbol != "005930" {
		t.Fatalf("expected symbol 005930, got %s", md.Symbol)
	}
	want := time.UnixMilli(1718200800000).UTC()
	if !md.Timestamp.Equal(want) {
		t.Fatalf("expected timestamp %s, got %s", want, md.Timestamp)
	}
	if md.Close.String() != "75200" {
		t.Fatalf("expected close 75200, got %s", md.Close)
	}
	if md.Volume.String() != "40000000000" {
		t.Fatalf("expected volume 40000000000, got %s", md.Volume)
	}
	if len(md.Indicators) != 2 {
		t.Fatalf("expected 2 numeric indicators, got %d (%v)", len(md.Indicators), md.Indicators)
	}
	if md.Indicators["sma_5"].String() != "75000" {
		t.Fatalf("expected sma_5 75000, got %s", md.Indicators["sma_5"])
	}
	if _, ok := md.Indicators["regime"]; ok {
		t.Fatal("non-numeric indicator should be dropped")
	}
}

func TestCandleMessageUppercasesAndDefaults(t *testing.T) {
	msg := candleMessage{Symbol: " aapl ", Close: "190.5"}
	fallback := time.Date(2026, 6, 12, 9, 30, 0, 0, time.UTC)
	md, err := msg.toMarketData(fallback)
	if err != nil {
		t.Fatalf("toMarketData: %v", err)
	}
	if md.Symbol != "AAPL" {
		t.Fatalf("expected AAPL, got %s", md.Symbol)
	}
	if md.Interval != "1m" {
		t.Fatalf("expected default interval 1m, got %s", md.Interval)
	}
	if !md.Timestamp.Equal(fallback) {
		t.Fatalf("expected fallback timestamp, got %s", md.Timestamp)
	}
}

func TestCandleMessageRequiresSymbol(t *testing.T) {
	msg := candleMessage{Close: "100"}
	if _, err := msg.toMarketData(time.Now()); err == nil {
		t.Fatal("expected error for missing symbol")
	}
}

func TestCandleMessageRejectsBadField(t *testing.T) {
	msg := candleMessage{Symbol: "005930", Close: "not-a-price"}
	if _, err := msg.toMarketData(time.Now()); err == nil {
		t.Fatal("expected error for invalid close")
	}
}

func TestCandleMessageOrderBook(t *testing.T) {
	ts := time.Date(2026, 6, 12, 10, 0, 0, 0, time.UTC)

	msg := candleMessage{Symbol: "005930", BestBid: "75190", BestAsk: "75210", BidSize: "1200"}
	ob := msg.orderBook(ts)
	if ob == nil {
		t.Fatal("expected order book payload")
	}
	if ob.BestBid.String() != "75190" || ob.BestAsk.String() != "75210" {
		t.Fatalf("unexpected quote %s/%s", ob.BestBid, ob.BestAsk)
	}
	if !ob.Timestamp.Equal(ts) {
		t.Fatalf("expected timestamp %s, got %s", ts, ob.Timestamp)
	}

	bare := candleMessage{Symbol: "005930", Close: "75200"}
	if got := bare.orderBook(ts); got != nil {
		t.Fatalf("expected nil order book without quotes, got %+v", got)
	}
}
