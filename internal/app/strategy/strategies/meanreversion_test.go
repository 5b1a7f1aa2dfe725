package strategies

import (
	"context"
	"testing"

	"github.com/quantbridge/quantbridge/internal/app/strategy"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

func newReversion(t *testing.T, params map[string]any) strategy.Strategy {
	t.Helper()
	s, err := NewMeanReversion(params)
	if err != nil {
		t.Fatalf("NewMeanReversion: %v", err)
	}
	return s
}

func TestReversionBuysDeepDeviation(t *testing.T) {
	s := newReversion(t, nil)
	ind := map[string]string{"sma_20": "75000"}

	// 1.33% below the average stays under the default 2% threshold.
	if signal := analyze(t, s, bar(t, "005930", "74000", midSession, ind)); signal != nil {
		t.Fatalf("expected shallow deviation ignored, got %+v", signal)
	}

	signal := analyze(t, s, bar(t, "005930", "73000", midSession, ind))
	if signal == nil || signal.Action != schema.ActionBuy {
		t.Fatalf("expected BUY, got %+v", signal)
	}
	want := 0.6 + (2000.0/75000.0)*5
	if !closeTo(signal.Confidence, want) {
		t.Fatalf("expected confidence %.10f, got %.10f", want, signal.Confidence)
	}
	if st, _ := signal.MetaString("signal_type"); st != "mean_reversion_buy" {
		t.Fatalf("expected mean_reversion_buy, got %q", st)
	}
}

func TestReversionConfidenceClamped(t *testing.T) {
	s := newReversion(t, nil)
	// 20% below the average: raw confidence 1.6 clamps to 0.9.
	signal := analyze(t, s, bar(t, "005930", "60000", midSession, map[string]string{"sma_20": "75000"}))
	if signal == nil || signal.Confidence != 0.9 {
		t.Fatalf("expected clamped confidence 0.9, got %+v", signal)
	}
}

func TestReversionExitsAtMean(t *testing.T) {
	s := newReversion(t, nil)
	if buy := analyze(t, s, bar(t, "005930", "73000", midSession, map[string]string{"sma_20": "75000"})); buy == nil {
		t.Fatal("expected entry buy")
	}

	// Still below the mean: keep holding.
	if hold := analyze(t, s, bar(t, "005930", "74000", midSession, map[string]string{"sma_20": "75000"})); hold != nil {
		t.Fatalf("expected no exit below the mean, got %+v", hold)
	}

	exit := analyze(t, s, bar(t, "005930", "75100", midSession, map[string]string{"sma_20": "75000"}))
	if exit == nil || exit.Action != schema.ActionSell || exit.Confidence != 0.8 {
		t.Fatalf("expected SELL confidence 0.8 on gain, got %+v", exit)
	}
	if entry, _ := exit.MetaString("entry_price"); entry != "73000" {
		t.Fatalf("expected entry_price 73000, got %q", entry)
	}
}

func TestReversionExitOnLoss(t *testing.T) {
	s := newReversion(t, nil)
	if buy := analyze(t, s, bar(t, "005930", "73000", midSession, map[string]string{"sma_20": "75000"})); buy == nil {
		t.Fatal("expected entry buy")
	}
	// The average collapsed under the entry: reversion exit books a loss.
	exit := analyze(t, s, bar(t, "005930", "72000", midSession, map[string]string{"sma_20": "71000"}))
	if exit == nil || exit.Confidence != 0.9 {
		t.Fatalf("expected SELL confidence 0.9 on loss, got %+v", exit)
	}
}

func TestReversionCustomWindow(t *testing.T) {
	s := newReversion(t, map[string]any{"ma_period": 60, "deviation_threshold": 0.05})
	if got := s.RequiredIndicators()[0]; got != "sma_60" {
		t.Fatalf("expected sma_60 required, got %s", got)
	}
	ind := map[string]string{"sma_60": "75000"}
	if signal := analyze(t, s, bar(t, "005930", "73000", midSession, ind)); signal != nil {
		t.Fatalf("expected 2.7%% deviation under 5%% threshold ignored, got %+v", signal)
	}
	if signal := analyze(t, s, bar(t, "005930", "71000", midSession, ind)); signal == nil {
		t.Fatal("expected buy past the raised threshold")
	}
}

func TestNoOpNeverSignals(t *testing.T) {
	def := NoOpDefinition()
	s, err := def.New(nil)
	if err != nil {
		t.Fatalf("NoOp factory: %v", err)
	}
	if got := s.RequiredIndicators(); len(got) != 0 {
		t.Fatalf("expected no required indicators, got %v", got)
	}
	signal, err := s.Analyze(context.Background(), bar(t, "005930", "75000", midSession, nil))
	if err != nil || signal != nil {
		t.Fatalf("expected silence, got %+v err %v", signal, err)
	}
}

func TestDefinitionsRegisterCleanly(t *testing.T) {
	r := strategy.NewRegistry()
	for _, def := range Definitions() {
		if err := r.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Meta.Name, err)
		}
	}
	for _, name := range []string{NameMAMomentum, NameMeanReversion, NameNoOp} {
		if _, ok := r.Lookup(name); !ok {
			t.Fatalf("expected %s registered", name)
		}
	}
}
