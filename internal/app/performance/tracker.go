// Package performance keeps per-strategy signal statistics: counts, win
// rate over closed round trips, P&L sums, hold times, volatility, Sharpe,
// and maximum drawdown. It watches the bus only; nothing in the trading
// path depends on it.
package performance

import (
	"context"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/journal"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const scope = "performance"

// Record is one observed signal. BUY signals open a round trip for their
// (strategy, symbol); the next SELL from the same strategy closes it.
type Record struct {
	ID         string              `json:"id"`
	Strategy   string              `json:"strategy"`
	Symbol     string              `json:"symbol"`
	Action     schema.SignalAction `json:"action"`
	Confidence float64             `json:"confidence"`
	Quantity   decimal.Decimal     `json:"quantity"`
	EntryPrice decimal.Decimal     `json:"entry_price"`
	ExitPrice  decimal.Decimal     `json:"exit_price,omitempty"`
	MarkPrice  decimal.Decimal     `json:"mark_price,omitempty"`
	PnL        decimal.Decimal     `json:"pnl"`
	Return     float64             `json:"return_rate"`
	Closed     bool                `json:"closed"`
	OpenedAt   time.Time           `json:"opened_at"`
	ClosedAt   time.Time           `json:"closed_at,omitempty"`
}

// Stats is the derived metric set for one strategy.
type Stats struct {
	Strategy      string          `json:"strategy"`
	TotalSignals  int64           `json:"total_signals"`
	BuySignals    int64           `json:"buy_signals"`
	SellSignals   int64           `json:"sell_signals"`
	HoldSignals   int64           `json:"hold_signals"`
	OpenTrades    int             `json:"open_trades"`
	ClosedTrades  int             `json:"closed_trades"`
	WinningTrades int64           `json:"winning_trades"`
	LosingTrades  int64           `json:"losing_trades"`
	WinRate       float64         `json:"win_rate"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	AvgHoldHours  float64         `json:"avg_hold_hours"`
	Volatility    float64         `json:"volatility"`
	SharpeRatio   float64         `json:"sharpe_ratio"`
	MaxDrawdown   float64         `json:"max_drawdown"`
	LastSignalAt  time.Time       `json:"last_signal_at"`
}

type strategyState struct {
	total  int64
	buys   int64
	sells  int64
	holds  int64
	open   map[string]*Record
	closed []*Record
	lastAt time.Time
}

// Tracker derives per-strategy statistics from the signal stream. Closed
// round trips are bounded per strategy by the configured history limit;
// records are mirrored to the state store for post-mortem inspection.
type Tracker struct {
	bus    eventbus.Bus
	store  statestore.Store
	logger *log.Logger
	clock  func() time.Time

	riskFreeRate float64
	tradingDays  int
	historyLimit int

	mu         sync.Mutex
	strategies map[string]*strategyState

	started atomic.Bool
	cancel  context.CancelFunc
	subIDs  []eventbus.SubscriptionID
}

// NewTracker builds the tracker from its config section.
func NewTracker(cfg config.PerformanceConfig, bus eventbus.Bus, store statestore.Store, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stdout, "performance ", log.LstdFlags|log.Lmicroseconds)
	}
	days := cfg.TradingDaysPerYear
	if days <= 0 {
		days = 252
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 1000
	}
	return &Tracker{
		bus:          bus,
		store:        store,
		logger:       logger,
		clock:        time.Now,
		riskFreeRate: cfg.RiskFreeRate,
		tradingDays:  days,
		historyLimit: limit,
		strategies:   make(map[string]*strategyState),
	}
}

// Start subscribes to the signal stream and to market data for marking open
// round trips.
func (t *Tracker) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("performance tracker already started"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	subs := []eventbus.Subscription{
		{EventType: schema.EventTypeTradingSignal, Component: scope, Handler: t.handleSignal},
		{EventType: schema.EventTypeMarketData, Component: scope, Handler: t.handleMarketData},
	}
	for _, sub := range subs {
		id, err := t.bus.Subscribe(runCtx, sub)
		if err != nil {
			cancel()
			for _, registered := range t.subIDs {
				t.bus.Unsubscribe(registered)
			}
			return err
		}
		t.subIDs = append(t.subIDs, id)
	}
	t.logger.Printf("started, history limit %d per strategy", t.historyLimit)
	return nil
}

// Close drops the subscriptions.
func (t *Tracker) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	for _, id := range t.subIDs {
		t.bus.Unsubscribe(id)
	}
}

// handleSignal folds one signal into its strategy's state. A BUY opens a
// round trip per symbol (replacing signals on an already-open symbol only
// bump the counters); a SELL closes the open one.
func (t *Tracker) handleSignal(ctx context.Context, evt *schema.Event) error {
	signal, ok := evt.Payload.(*schema.TradingSignal)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected trading signal payload"))
	}
	if err := signal.Validate(); err != nil {
		return err
	}

	at := signal.Timestamp
	if at.IsZero() {
		at = t.clock().UTC()
	}

	t.mu.Lock()
	state := t.stateFor(signal.Strategy)
	state.total++
	state.lastAt = at

	var record *Record
	switch signal.Action {
	case schema.ActionBuy:
		state.buys++
		if _, alreadyOpen := state.open[signal.Symbol]; !alreadyOpen && signal.Price.Sign() > 0 {
			record = &Record{
				ID:         recordID(signal.Strategy, signal.Symbol, at),
				Strategy:   signal.Strategy,
				Symbol:     signal.Symbol,
				Action:     signal.Action,
				Confidence: signal.Confidence,
				Quantity:   signal.Quantity,
				EntryPrice: signal.Price,
				MarkPrice:  signal.Price,
				OpenedAt:   at,
			}
			state.open[signal.Symbol] = record
		}
	case schema.ActionSell:
		state.sells++
		if openRec, ok := state.open[signal.Symbol]; ok && signal.Price.Sign() > 0 {
			delete(state.open, signal.Symbol)
			closeRecord(openRec, signal.Price, at)
			state.closed = append(state.closed, openRec)
			if len(state.closed) > t.historyLimit {
				state.closed = state.closed[len(state.closed)-t.historyLimit:]
			}
			record = openRec
		}
	case schema.ActionHold:
		state.holds++
	}
	var snapshot *Record
	if record != nil {
		dup := *record
		snapshot = &dup
	}
	t.mu.Unlock()

	if snapshot != nil {
		t.persist(ctx, snapshot)
	}
	return nil
}

// handleMarketData marks every open round trip on the symbol so unrealized
// P&L stays current between signals.
func (t *Tracker) handleMarketData(_ context.Context, evt *schema.Event) error {
	md, ok := evt.Payload.(*schema.MarketData)
	if !ok || md == nil || md.Close.Sign() <= 0 {
		return nil
	}
	t.mu.Lock()
	for _, state := range t.strategies {
		if rec, ok := state.open[md.Symbol]; ok {
			rec.MarkPrice = md.Close
		}
	}
	t.mu.Unlock()
	return nil
}

// Stats derives the metric set for one strategy.
func (t *Tracker) Stats(strategy string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.strategies[strategy]
	if !ok {
		return Stats{}, false
	}
	return t.deriveLocked(strategy, state), true
}

// All derives the metric set for every observed strategy, sorted by name.
func (t *Tracker) All() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.strategies))
	for name := range t.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Stats, 0, len(names))
	for _, name := range names {
		out = append(out, t.deriveLocked(name, t.strategies[name]))
	}
	return out
}

// Rollups maps the current statistics onto journal rows for the given
// metrics date.
func (t *Tracker) Rollups(date time.Time) []journal.StrategyMetrics {
	stats := t.All()
	now := t.clock().UTC()
	out := make([]journal.StrategyMetrics, 0, len(stats))
	for _, s := range stats {
		out = append(out, journal.StrategyMetrics{
			Strategy:        s.Strategy,
			MetricsDate:     date,
			TotalSignals:    s.TotalSignals,
			ExecutedSignals: int64(s.ClosedTrades),
			WinningTrades:   s.WinningTrades,
			LosingTrades:    s.LosingTrades,
			TotalPnL:        s.RealizedPnL,
			WinRate:         s.WinRate,
			SharpeRatio:     s.SharpeRatio,
			MaxDrawdown:     s.MaxDrawdown,
			Volatility:      s.Volatility,
			AvgHoldHours:    s.AvgHoldHours,
			ComputedAt:      now,
		})
	}
	return out
}

func (t *Tracker) stateFor(strategy string) *strategyState {
	state, ok := t.strategies[strategy]
	if !ok {
		state = &strategyState{open: make(map[string]*Record)}
		t.strategies[strategy] = state
	}
	return state
}

func (t *Tracker) deriveLocked(name string, state *strategyState) Stats {
	s := Stats{
		Strategy:     name,
		TotalSignals: state.total,
		BuySignals:   state.buys,
		SellSignals:  state.sells,
		HoldSignals:  state.holds,
		OpenTrades:   len(state.open),
		ClosedTrades: len(state.closed),
		LastSignalAt: state.lastAt,
	}

	for _, rec := range state.open {
		if rec.MarkPrice.Sign() > 0 && rec.EntryPrice.Sign() > 0 {
			s.UnrealizedPnL = s.UnrealizedPnL.Add(perTradePnL(rec.EntryPrice, rec.MarkPrice, rec.Quantity))
		}
	}

	if len(state.closed) == 0 {
		return s
	}

	returns := make([]float64, 0, len(state.closed))
	var holdHours float64
	for _, rec := range state.closed {
		s.RealizedPnL = s.RealizedPnL.Add(rec.PnL)
		if rec.PnL.Sign() > 0 {
			s.WinningTrades++
		} else if rec.PnL.Sign() < 0 {
			s.LosingTrades++
		}
		returns = append(returns, rec.Return)
		holdHours += rec.ClosedAt.Sub(rec.OpenedAt).Hours()
	}
	s.WinRate = float64(s.WinningTrades) / float64(len(state.closed))
	s.AvgHoldHours = holdHours / float64(len(state.closed))
	s.Volatility = stddev(returns)
	s.SharpeRatio = t.sharpe(returns, s.Volatility)
	s.MaxDrawdown = maxDrawdown(returns)
	s.RealizedPnL = s.RealizedPnL.Round(2)
	s.UnrealizedPnL = s.UnrealizedPnL.Round(2)
	return s
}

// sharpe annualizes the per-trade return series against the configured
// risk-free rate. A flat series has no Sharpe.
func (t *Tracker) sharpe(returns []float64, vol float64) float64 {
	if len(returns) < 2 || vol == 0 {
		return 0
	}
	annualized := mean(returns) * float64(t.tradingDays)
	annualVol := vol * math.Sqrt(float64(t.tradingDays))
	if annualVol == 0 {
		return 0
	}
	return (annualized - t.riskFreeRate) / annualVol
}

// persist mirrors the record document and trims the per-strategy id list
// to the history limit. Store failures never propagate; the in-memory
// state already holds the truth.
func (t *Tracker) persist(ctx context.Context, rec *Record) {
	buf, err := json.Marshal(rec)
	if err != nil {
		t.logger.Printf("encode record %s: %v", rec.ID, err)
		return
	}
	if err := t.store.Set(ctx, statestore.SignalRecordKey(rec.ID), buf, 0); err != nil {
		t.logger.Printf("mirror record %s: %v", rec.ID, err)
		return
	}
	if rec.Closed {
		return
	}
	historyKey := statestore.SignalHistoryKey(rec.Strategy)
	if err := t.store.ListPush(ctx, historyKey, []byte(rec.ID)); err != nil {
		t.logger.Printf("record history %s: %v", rec.Strategy, err)
		return
	}
	if err := t.store.ListTrim(ctx, historyKey, int64(-t.historyLimit), -1); err != nil {
		t.logger.Printf("trim history %s: %v", rec.Strategy, err)
	}
}

func closeRecord(rec *Record, exit decimal.Decimal, at time.Time) {
	rec.ExitPrice = exit
	rec.MarkPrice = exit
	rec.PnL = perTradePnL(rec.EntryPrice, exit, rec.Quantity)
	if rec.EntryPrice.Sign() > 0 {
		ret, _ := exit.Sub(rec.EntryPrice).Div(rec.EntryPrice).Float64()
		rec.Return = ret
	}
	rec.Closed = true
	rec.ClosedAt = at
}

// perTradePnL values the move per share when the signal carried no
// quantity.
func perTradePnL(entry, exit, quantity decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if quantity.Sign() > 0 {
		return diff.Mul(quantity)
	}
	return diff
}

func recordID(strategy, symbol string, at time.Time) string {
	return strings.Join([]string{strategy, symbol, at.UTC().Format("20060102T150405.000")}, "_")
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev is the sample standard deviation.
func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sq float64
	for _, v := range values {
		sq += (v - m) * (v - m)
	}
	return math.Sqrt(sq / float64(len(values)-1))
}

// maxDrawdown walks the cumulative-return series and reports the deepest
// peak-to-trough fall as a positive fraction.
func maxDrawdown(returns []float64) float64 {
	cumulative := 1.0
	peak := 1.0
	worst := 0.0
	for _, r := range returns {
		cumulative *= 1 + r
		if cumulative > peak {
			peak = cumulative
		}
		if peak > 0 {
			if dd := (peak - cumulative) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
