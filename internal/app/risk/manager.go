// Package risk watches the live book against hard and soft limits. Soft
// breaches fan out as RISK_ALERT; a daily loss past the hard limit latches
// an EMERGENCY_STOP, which the order engine honours by halting submission.
// A periodic watcher flags positions past their stop-loss floor.
package risk

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const scope = "risk"

// Rule names carried on alerts and stops.
const (
	RuleDailyLoss     = "max_daily_loss"
	RuleOrderRate     = "order_rate"
	RulePositionValue = "max_position_value"
	RuleOpenPositions = "max_open_positions"
	RuleStopLoss      = "stop_loss"
)

type positionView struct {
	quantity decimal.Decimal
	avgPrice decimal.Decimal
	mark     decimal.Decimal
}

// Manager enforces portfolio risk limits from the event stream alone. It
// holds its own view of positions and marks so a stalled book elsewhere
// cannot silence it.
type Manager struct {
	bus    eventbus.Bus
	logger *log.Logger
	clock  func() time.Time

	maxDailyLoss  decimal.Decimal
	maxPosValue   decimal.Decimal
	maxOpen       int
	stopLossRatio decimal.Decimal
	checkTick     time.Duration
	limiter       *rate.Limiter

	mu            sync.Mutex
	positions     map[string]*positionView
	stopFired     map[string]bool
	dailyRealized decimal.Decimal
	alerted       map[string]bool

	halted  atomic.Bool
	started atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
	subIDs  []eventbus.SubscriptionID
	wg      conc.WaitGroup
}

// NewManager builds the manager from its config section.
func NewManager(cfg config.RiskConfig, bus eventbus.Bus, logger *log.Logger) (*Manager, error) {
	maxLoss, err := decimal.NewFromString(strings.TrimSpace(cfg.MaxDailyLoss))
	if err != nil {
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("invalid max daily loss "+cfg.MaxDailyLoss), errs.WithCause(err))
	}
	maxValue, err := decimal.NewFromString(strings.TrimSpace(cfg.MaxPositionValue))
	if err != nil {
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("invalid max position value "+cfg.MaxPositionValue), errs.WithCause(err))
	}
	if logger == nil {
		logger = log.New(os.Stdout, "risk ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Manager{
		bus:           bus,
		logger:        logger,
		clock:         time.Now,
		maxDailyLoss:  maxLoss,
		maxPosValue:   maxValue,
		maxOpen:       cfg.MaxOpenPositions,
		stopLossRatio: decimal.NewFromFloat(cfg.StopLossRatio),
		checkTick:     cfg.CheckInterval.Std(),
		limiter:       rate.NewLimiter(rate.Limit(cfg.OrderRatePerSec), cfg.OrderBurst),
		positions:     make(map[string]*positionView),
		stopFired:     make(map[string]bool),
		alerted:       make(map[string]bool),
	}, nil
}

// Start subscribes to the order, position, P&L and market-data streams and
// begins the stop-loss watcher.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("risk manager already started"))
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)

	subs := []eventbus.Subscription{
		{EventType: schema.EventTypeOrderPlaced, Component: scope, Handler: m.handleOrderPlaced},
		{EventType: schema.EventTypePositionUpdated, Component: scope, Handler: m.handlePositionUpdated},
		{EventType: schema.EventTypeDailyPnLUpdated, Component: scope, Handler: m.handleDailyPnL},
		{EventType: schema.EventTypeMarketData, Component: scope, Handler: m.handleMarketData},
	}
	for _, sub := range subs {
		id, err := m.bus.Subscribe(m.runCtx, sub)
		if err != nil {
			m.cancel()
			for _, registered := range m.subIDs {
				m.bus.Unsubscribe(registered)
			}
			return err
		}
		m.subIDs = append(m.subIDs, id)
	}

	if m.checkTick > 0 {
		m.wg.Go(m.watchLoop)
	}
	m.logger.Printf("started, daily loss limit %s, position value limit %s",
		m.maxDailyLoss, m.maxPosValue)
	return nil
}

// Close stops the watcher and drops the subscriptions.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, id := range m.subIDs {
		m.bus.Unsubscribe(id)
	}
	m.wg.Wait()
}

// Halted reports whether the hard daily-loss stop has latched.
func (m *Manager) Halted() bool { return m.halted.Load() }

// handleOrderPlaced spends one rate-limiter token per placed order and
// screens the order's notional against the position value limit. Both are
// soft signals here; the order has already gone out.
func (m *Manager) handleOrderPlaced(ctx context.Context, evt *schema.Event) error {
	placed, ok := evt.Payload.(*schema.OrderPlacedPayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected order placed payload"))
	}

	if !m.limiter.Allow() {
		m.alert(ctx, &schema.RiskAlertPayload{
			Rule:      RuleOrderRate,
			Severity:  "WARNING",
			Symbol:    placed.Symbol,
			Message:   "order submission rate above configured burst",
			Timestamp: m.clock().UTC(),
		})
	}

	if placed.Price.Sign() > 0 {
		notional := placed.Price.Mul(placed.Quantity)
		if notional.GreaterThan(m.maxPosValue) {
			m.alert(ctx, &schema.RiskAlertPayload{
				Rule:     RulePositionValue,
				Severity: "WARNING",
				Symbol:   placed.Symbol,
				Message:  "order notional exceeds position value limit",
				Metrics: map[string]string{
					"notional": notional.String(),
					"limit":    m.maxPosValue.String(),
				},
				Timestamp: m.clock().UTC(),
			})
		}
	}
	return nil
}

// handlePositionUpdated refreshes the local book view and screens open
// count and per-position notional.
func (m *Manager) handlePositionUpdated(ctx context.Context, evt *schema.Event) error {
	update, ok := evt.Payload.(*schema.PositionUpdatePayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected position payload"))
	}

	m.mu.Lock()
	if update.Quantity.IsZero() {
		delete(m.positions, update.Symbol)
		delete(m.stopFired, update.Symbol)
		delete(m.alerted, RulePositionValue+":"+update.Symbol)
		m.mu.Unlock()
		return nil
	}
	view, ok := m.positions[update.Symbol]
	if !ok {
		view = &positionView{}
		m.positions[update.Symbol] = view
	}
	if !view.quantity.Equal(update.Quantity) || !view.avgPrice.Equal(update.AveragePrice) {
		// A changed position re-arms its stop.
		delete(m.stopFired, update.Symbol)
	}
	view.quantity = update.Quantity
	view.avgPrice = update.AveragePrice
	openCount := len(m.positions)
	mark := view.mark
	if mark.Sign() <= 0 {
		mark = update.AveragePrice
	}
	m.mu.Unlock()

	if m.maxOpen > 0 && openCount <= m.maxOpen {
		m.clearAlert(RuleOpenPositions)
	}
	if m.maxOpen > 0 && openCount > m.maxOpen {
		m.alertOnce(ctx, RuleOpenPositions, &schema.RiskAlertPayload{
			Rule:     RuleOpenPositions,
			Severity: "WARNING",
			Message:  "open position count above limit",
			Metrics: map[string]string{
				"open":  decimal.NewFromInt(int64(openCount)).String(),
				"limit": decimal.NewFromInt(int64(m.maxOpen)).String(),
			},
			Timestamp: m.clock().UTC(),
		})
	}

	notional := update.Quantity.Abs().Mul(mark)
	if !notional.GreaterThan(m.maxPosValue) {
		m.clearAlert(RulePositionValue + ":" + update.Symbol)
	}
	if notional.GreaterThan(m.maxPosValue) {
		m.alertOnce(ctx, RulePositionValue+":"+update.Symbol, &schema.RiskAlertPayload{
			Rule:     RulePositionValue,
			Severity: "WARNING",
			Symbol:   update.Symbol,
			Message:  "position notional exceeds limit",
			Metrics: map[string]string{
				"notional": notional.Round(2).String(),
				"limit":    m.maxPosValue.String(),
			},
			Timestamp: m.clock().UTC(),
		})
	}
	return nil
}

// handleDailyPnL latches the emergency stop when the realized day loss
// breaches the hard limit.
func (m *Manager) handleDailyPnL(ctx context.Context, evt *schema.Event) error {
	rollup, ok := evt.Payload.(*schema.DailyPnLPayload)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected daily pnl payload"))
	}

	m.mu.Lock()
	m.dailyRealized = rollup.RealizedPnL
	m.mu.Unlock()

	loss := rollup.RealizedPnL.Neg()
	if loss.GreaterThanOrEqual(m.maxDailyLoss) && m.halted.CompareAndSwap(false, true) {
		m.logger.Printf("daily loss %s breached limit %s, halting order flow",
			loss, m.maxDailyLoss)
		stop := &schema.EmergencyStopPayload{
			Reason:    "daily realized loss " + loss.Round(2).String() + " exceeds limit " + m.maxDailyLoss.String(),
			Rule:      RuleDailyLoss,
			Timestamp: m.clock().UTC(),
		}
		evt := schema.NewEvent(schema.EventTypeEmergencyStop, scope, stop,
			schema.WithPriority(schema.PriorityCritical))
		if err := m.bus.Publish(ctx, evt); err != nil {
			m.logger.Printf("publish emergency stop: %v", err)
		}
	}
	return nil
}

// handleMarketData keeps per-symbol marks for the stop-loss watcher.
func (m *Manager) handleMarketData(_ context.Context, evt *schema.Event) error {
	md, ok := evt.Payload.(*schema.MarketData)
	if !ok || md == nil || md.Close.Sign() <= 0 {
		return nil
	}
	m.mu.Lock()
	if view, ok := m.positions[md.Symbol]; ok {
		view.mark = md.Close
	}
	m.mu.Unlock()
	return nil
}

// watchLoop sweeps the book on the configured interval.
func (m *Manager) watchLoop() {
	ticker := time.NewTicker(m.checkTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.sweepStops(m.runCtx)
		}
	}
}

// sweepStops fires STOP_LOSS_TRIGGERED for each position whose loss ratio
// has crossed the floor. A position fires once until it changes.
func (m *Manager) sweepStops(ctx context.Context) {
	now := m.clock().UTC()

	m.mu.Lock()
	var exits []*schema.PositionExitPayload
	for symbol, view := range m.positions {
		if m.stopFired[symbol] || view.mark.Sign() <= 0 || view.avgPrice.Sign() <= 0 {
			continue
		}
		ratio := lossRatio(view)
		if ratio.LessThan(m.stopLossRatio) {
			continue
		}
		m.stopFired[symbol] = true
		pnl := view.mark.Sub(view.avgPrice).Mul(view.quantity)
		ret, _ := view.mark.Sub(view.avgPrice).Div(view.avgPrice).Float64()
		exits = append(exits, &schema.PositionExitPayload{
			Symbol:       symbol,
			Quantity:     view.quantity,
			AveragePrice: view.avgPrice,
			MarketPrice:  view.mark,
			PnL:          pnl.Round(2),
			ReturnRate:   ret,
			Timestamp:    now,
		})
	}
	m.mu.Unlock()

	for _, exit := range exits {
		m.logger.Printf("stop loss on %s: mark %s vs avg %s", exit.Symbol, exit.MarketPrice, exit.AveragePrice)
		evt := schema.NewEvent(schema.EventTypeStopLossTriggered, scope, exit,
			schema.WithPriority(schema.PriorityCritical))
		if err := m.bus.Publish(ctx, evt); err != nil {
			m.logger.Printf("publish stop loss %s: %v", exit.Symbol, err)
		}
	}
}

// lossRatio is the adverse move as a positive fraction of entry. Long
// positions lose when the mark falls, short positions when it rises.
func lossRatio(view *positionView) decimal.Decimal {
	if view.quantity.Sign() >= 0 {
		return view.avgPrice.Sub(view.mark).Div(view.avgPrice)
	}
	return view.mark.Sub(view.avgPrice).Div(view.avgPrice)
}

func (m *Manager) alert(ctx context.Context, payload *schema.RiskAlertPayload) {
	evt := schema.NewEvent(schema.EventTypeRiskAlert, scope, payload,
		schema.WithPriority(schema.PriorityHigh))
	if err := m.bus.Publish(ctx, evt); err != nil {
		m.logger.Printf("publish alert %s: %v", payload.Rule, err)
	}
}

// alertOnce suppresses repeats of the same keyed alert until the condition
// clears and the key is re-armed.
func (m *Manager) alertOnce(ctx context.Context, key string, payload *schema.RiskAlertPayload) {
	m.mu.Lock()
	if m.alerted[key] {
		m.mu.Unlock()
		return
	}
	m.alerted[key] = true
	m.mu.Unlock()
	m.alert(ctx, payload)
}

func (m *Manager) clearAlert(key string) {
	m.mu.Lock()
	delete(m.alerted, key)
	m.mu.Unlock()
}

