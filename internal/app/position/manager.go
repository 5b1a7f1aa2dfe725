// Package position is the authoritative book of per-symbol exposure. Every
// fill in the system lands here exactly once; the state store carries a
// mirror for observability and restart warm-up, and each change fans out as
// POSITION_UPDATED with a DAILY_PNL_UPDATED rollup behind it.
package position

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const scope = "position"

// StrategyClose names synthetic orders that flatten a position.
const StrategyClose = "position_close"

// var95Factor is the one-sided 95% confidence multiplier.
var var95Factor = decimal.RequireFromString("1.645")

// Manager owns the in-memory position book. Mutation is serialized per
// symbol; the in-memory book is authoritative and the state store is a
// write-behind mirror that seeds the book on start.
type Manager struct {
	bus    eventbus.Bus
	store  statestore.Store
	logger *log.Logger
	clock  func() time.Time

	shortSelling bool
	sizeLimit    decimal.Decimal
	defaultVol   float64
	snapshotTick time.Duration

	mu        sync.Mutex
	positions map[string]*schema.Position
	locks     map[string]*sync.Mutex

	runCtx  context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	subID   eventbus.SubscriptionID
	wg      conc.WaitGroup
}

// Summary aggregates the portfolio across all open positions.
type Summary struct {
	TotalPositions  int             `json:"total_positions"`
	LongPositions   int             `json:"long_positions"`
	ShortPositions  int             `json:"short_positions"`
	MarketValue     decimal.Decimal `json:"total_market_value"`
	CostBasis       decimal.Decimal `json:"total_cost_basis"`
	UnrealizedPnL   decimal.Decimal `json:"total_unrealized_pnl"`
	RealizedPnL     decimal.Decimal `json:"total_realized_pnl"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	UpdatedAt       time.Time       `json:"last_updated"`
}

// RiskMetrics reports concentration and a one-day 95% value-at-risk over the
// open book.
type RiskMetrics struct {
	MaxPositionExposure float64         `json:"max_position_exposure"`
	AveragePositionSize float64         `json:"average_position_size"`
	Concentration       float64         `json:"portfolio_concentration"`
	ValueAtRisk95       decimal.Decimal `json:"value_at_risk_95"`
	GrossExposure       decimal.Decimal `json:"gross_exposure"`
	NetExposure         decimal.Decimal `json:"net_exposure"`
}

// NewManager builds the manager from its config section.
func NewManager(cfg config.PositionConfig, bus eventbus.Bus, store statestore.Store, logger *log.Logger) (*Manager, error) {
	limit, err := decimal.NewFromString(strings.TrimSpace(cfg.PositionSizeLimit))
	if err != nil {
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("invalid position size limit "+cfg.PositionSizeLimit), errs.WithCause(err))
	}
	if logger == nil {
		logger = log.New(os.Stdout, "position ", log.LstdFlags|log.Lmicroseconds)
	}
	vol := cfg.DefaultVolatility
	if vol <= 0 {
		vol = 0.02
	}
	return &Manager{
		bus:          bus,
		store:        store,
		logger:       logger,
		clock:        time.Now,
		shortSelling: cfg.EnableShortSelling,
		sizeLimit:    limit,
		defaultVol:   vol,
		snapshotTick: cfg.SnapshotInterval.Std(),
		positions:    make(map[string]*schema.Position),
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

// Start warms the book from the store mirror, subscribes to market data for
// mark-to-market, and begins the periodic snapshot publisher.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("position manager already started"))
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)

	loaded, err := m.load(m.runCtx)
	if err != nil {
		m.cancel()
		return err
	}

	id, err := m.bus.Subscribe(m.runCtx, eventbus.Subscription{
		EventType: schema.EventTypeMarketData,
		Component: scope,
		Handler:   m.handleMarketData,
	})
	if err != nil {
		m.cancel()
		return err
	}
	m.subID = id

	if m.snapshotTick > 0 {
		m.wg.Go(m.snapshotLoop)
	}
	m.logger.Printf("started with %d open positions", loaded)
	return nil
}

// Close stops the snapshot loop and market-data subscription.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.subID != "" {
		m.bus.Unsubscribe(m.subID)
	}
	m.wg.Wait()
}

// ApplyFill folds one execution into the book and returns the updated
// position snapshot and the realized profit delta. The mirror, the per-day
// fill list, and the daily rollup are refreshed behind it; store failures
// are logged, never propagated, because the in-memory book already holds
// the truth.
func (m *Manager) ApplyFill(ctx context.Context, fill *schema.Fill) (*schema.Position, decimal.Decimal, error) {
	if fill == nil || strings.TrimSpace(fill.Symbol) == "" {
		return nil, decimal.Zero, errs.New(scope, errs.CodeInvalid, errs.WithMessage("fill symbol required"))
	}
	if fill.Quantity.Sign() <= 0 || fill.Price.Sign() <= 0 {
		return nil, decimal.Zero, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("fill quantity and price must be positive"))
	}

	lock := m.lockFor(fill.Symbol)
	lock.Lock()
	pos := m.getOrCreate(fill.Symbol)
	if !m.shortSelling && fill.Side == schema.SideSell && fill.Quantity.GreaterThan(pos.Quantity) {
		lock.Unlock()
		return nil, decimal.Zero, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("short selling disabled: sell "+fill.Quantity.String()+
				" exceeds open "+pos.Quantity.String()+" for "+fill.Symbol))
	}
	realized := pos.ApplyFill(fill.Side, fill.Quantity, fill.Price, fill.Commission, fill.Timestamp)
	if notional := pos.CostBasis(); notional.GreaterThan(m.sizeLimit) {
		m.logger.Printf("warn: %s cost basis %s exceeds size limit %s", fill.Symbol, notional, m.sizeLimit)
	}
	snap := pos.Clone()
	lock.Unlock()

	m.mirror(ctx, snap)
	m.recordFill(ctx, fill)
	rollup, ok := m.bumpDailyStats(ctx, fill, realized)

	if err := m.bus.Publish(ctx, schema.NewEvent(schema.EventTypePositionUpdated, scope, snap.Snapshot())); err != nil {
		m.logger.Printf("publish position update for %s: %v", fill.Symbol, err)
	}
	if ok {
		rollup.UnrealizedPnL = m.totalUnrealized()
		evt := schema.NewEvent(schema.EventTypeDailyPnLUpdated, scope, rollup, schema.WithPriority(schema.PriorityLow))
		if err := m.bus.Publish(ctx, evt); err != nil {
			m.logger.Printf("publish daily pnl: %v", err)
		}
	}
	return snap, realized, nil
}

// CheckExposure validates a prospective order against the short-selling rule
// and the per-position size limit before it is queued.
func (m *Manager) CheckExposure(symbol string, side schema.OrderSide, quantity, price decimal.Decimal) error {
	if quantity.Sign() <= 0 || price.Sign() <= 0 {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("quantity and price must be positive"))
	}
	current := decimal.Zero
	if pos, err := m.Position(symbol); err == nil {
		current = pos.Quantity
	}
	signed := quantity
	if side == schema.SideSell {
		signed = quantity.Neg()
	}
	projected := current.Add(signed)
	if !m.shortSelling && projected.Sign() < 0 {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("short selling disabled: projected quantity "+projected.String()+" for "+symbol))
	}
	if notional := projected.Abs().Mul(price); notional.GreaterThan(m.sizeLimit) {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("position size limit exceeded: "+notional.String()+" > "+m.sizeLimit.String()))
	}
	return nil
}

// Position returns a copy of the book entry for symbol.
func (m *Manager) Position(symbol string) (*schema.Position, error) {
	lock := m.lockFor(symbol)
	lock.Lock()
	defer lock.Unlock()
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	m.mu.Unlock()
	if !ok {
		return nil, errs.New(scope, errs.CodeNotFound, errs.WithMessage("no position for "+symbol))
	}
	return pos.Clone(), nil
}

// Positions returns copies of every book entry, flat ones included, sorted
// by symbol.
func (m *Manager) Positions() []*schema.Position {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.positions))
	for symbol := range m.positions {
		symbols = append(symbols, symbol)
	}
	m.mu.Unlock()
	sort.Strings(symbols)

	out := make([]*schema.Position, 0, len(symbols))
	for _, symbol := range symbols {
		if pos, err := m.Position(symbol); err == nil {
			out = append(out, pos)
		}
	}
	return out
}

// OpenCount reports how many positions are not flat.
func (m *Manager) OpenCount() int {
	count := 0
	for _, pos := range m.Positions() {
		if !pos.IsFlat() {
			count++
		}
	}
	return count
}

// ClosePositionOrder builds a market order that flattens the open position.
// The caller routes it through the normal submission pipeline.
func (m *Manager) ClosePositionOrder(symbol string) (*schema.Order, error) {
	pos, err := m.Position(symbol)
	if err != nil {
		return nil, err
	}
	if pos.IsFlat() {
		return nil, errs.New(scope, errs.CodeNotFound, errs.WithMessage("no open position for "+symbol))
	}
	side := schema.SideSell
	if pos.IsShort() {
		side = schema.SideBuy
	}
	order, err := schema.NewOrder(symbol, side, schema.OrderTypeMarket, pos.AbsQuantity(), decimal.Zero)
	if err != nil {
		return nil, err
	}
	order.StrategyName = StrategyClose
	order.Metadata = map[string]any{
		"action":            "close_position",
		"position_quantity": pos.Quantity.String(),
		"average_price":     pos.AveragePrice.String(),
		"unrealized_pnl":    pos.UnrealizedPnL.String(),
	}
	return order, nil
}

// PortfolioSummary aggregates the open book plus today's realized profit
// from the daily rollup.
func (m *Manager) PortfolioSummary(ctx context.Context) Summary {
	s := Summary{UpdatedAt: m.clock().UTC()}
	for _, pos := range m.Positions() {
		if pos.IsFlat() {
			continue
		}
		s.TotalPositions++
		if pos.IsLong() {
			s.LongPositions++
		} else {
			s.ShortPositions++
		}
		s.MarketValue = s.MarketValue.Add(pos.MarketValue())
		s.CostBasis = s.CostBasis.Add(pos.CostBasis())
		s.UnrealizedPnL = s.UnrealizedPnL.Add(pos.UnrealizedPnL)
		s.RealizedPnL = s.RealizedPnL.Add(pos.RealizedPnL)
		s.TotalCommission = s.TotalCommission.Add(pos.Commission)
	}
	s.DailyPnL = m.dailyRealized(ctx)
	s.TotalPnL = s.UnrealizedPnL.Add(s.RealizedPnL)

	s.MarketValue = s.MarketValue.Round(2)
	s.CostBasis = s.CostBasis.Round(2)
	s.UnrealizedPnL = s.UnrealizedPnL.Round(2)
	s.RealizedPnL = s.RealizedPnL.Round(2)
	s.TotalCommission = s.TotalCommission.Round(2)
	s.DailyPnL = s.DailyPnL.Round(2)
	s.TotalPnL = s.TotalPnL.Round(2)
	return s
}

// Risk summarizes concentration and value-at-risk for the open book. The
// volatility sample for each position is the relative distance between its
// mark and its entry; books with no usable sample fall back to the
// configured default volatility.
func (m *Manager) Risk() RiskMetrics {
	var (
		metrics   RiskMetrics
		gross     decimal.Decimal
		net       decimal.Decimal
		volSum    float64
		volCount  int
		openCount int
		maxValue  decimal.Decimal
	)
	for _, pos := range m.Positions() {
		if pos.IsFlat() {
			continue
		}
		openCount++
		value := pos.MarketValue()
		gross = gross.Add(value)
		if pos.IsShort() {
			net = net.Sub(value)
		} else {
			net = net.Add(value)
		}
		if value.GreaterThan(maxValue) {
			maxValue = value
		}
		if pos.AveragePrice.Sign() > 0 && pos.MarketPrice.Sign() > 0 {
			move, _ := pos.MarketPrice.Sub(pos.AveragePrice).Abs().Div(pos.AveragePrice).Float64()
			volSum += move
			volCount++
		}
	}
	if openCount == 0 || gross.Sign() == 0 {
		return metrics
	}
	vol := m.defaultVol
	if volCount > 0 && volSum > 0 {
		vol = volSum / float64(volCount)
	}
	exposure, _ := maxValue.Div(gross).Float64()
	metrics.MaxPositionExposure = exposure
	metrics.AveragePositionSize = 1 / float64(openCount)
	metrics.Concentration = exposure * float64(openCount)
	metrics.ValueAtRisk95 = gross.Mul(decimal.NewFromFloat(vol)).Mul(var95Factor).Round(2)
	metrics.GrossExposure = gross.Round(2)
	metrics.NetExposure = net.Round(2)
	return metrics
}

// History returns the recorded fills for symbol over the trailing days,
// oldest first.
func (m *Manager) History(ctx context.Context, symbol string, days int) ([]*schema.Fill, error) {
	if days <= 0 {
		days = 1
	}
	now := m.clock().UTC()
	fills := make([]*schema.Fill, 0, 16)
	for i := 0; i < days; i++ {
		day := now.AddDate(0, 0, -i)
		rows, err := m.store.ListRange(ctx, statestore.FillsKey(symbol, day), 0, -1)
		if err != nil {
			if statestore.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, row := range rows {
			var fill schema.Fill
			if err := json.Unmarshal(row, &fill); err != nil {
				m.logger.Printf("skip undecodable fill record for %s: %v", symbol, err)
				continue
			}
			fills = append(fills, &fill)
		}
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].Timestamp.Before(fills[j].Timestamp) })
	return fills, nil
}

func (m *Manager) handleMarketData(ctx context.Context, evt *schema.Event) error {
	md, ok := evt.Payload.(*schema.MarketData)
	if !ok || md == nil {
		return nil
	}
	lock := m.lockFor(md.Symbol)
	lock.Lock()
	m.mu.Lock()
	pos := m.positions[md.Symbol]
	m.mu.Unlock()
	if pos == nil || pos.IsFlat() {
		lock.Unlock()
		return nil
	}
	pos.MarkToMarket(md.Close)
	snap := pos.Clone()
	lock.Unlock()

	m.mirror(ctx, snap)
	return nil
}

// snapshotLoop periodically republishes open positions so downstream
// consumers see marked snapshots even on quiet symbols.
func (m *Manager) snapshotLoop() {
	ticker := time.NewTicker(m.snapshotTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			for _, pos := range m.Positions() {
				if pos.IsFlat() {
					continue
				}
				evt := schema.NewEvent(schema.EventTypePositionUpdated, scope, pos.Snapshot(),
					schema.WithPriority(schema.PriorityLow))
				if err := m.bus.Publish(m.runCtx, evt); err != nil {
					m.logger.Printf("publish snapshot for %s: %v", pos.Symbol, err)
				}
			}
		}
	}
}

func (m *Manager) lockFor(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[symbol] = lock
	}
	return lock
}

// getOrCreate must run while holding the symbol lock.
func (m *Manager) getOrCreate(symbol string) *schema.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		pos = schema.NewPosition(symbol)
		m.positions[symbol] = pos
	}
	return pos
}

func (m *Manager) mirror(ctx context.Context, pos *schema.Position) {
	key := statestore.PositionKey(pos.Symbol)
	if pos.IsFlat() {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Printf("delete flat position mirror %s: %v", pos.Symbol, err)
		}
		return
	}
	fields := map[string]string{
		"symbol":           pos.Symbol,
		"quantity":         pos.Quantity.String(),
		"average_price":    pos.AveragePrice.String(),
		"market_price":     pos.MarketPrice.String(),
		"unrealized_pnl":   pos.UnrealizedPnL.String(),
		"realized_pnl":     pos.RealizedPnL.String(),
		"total_commission": pos.Commission.String(),
		"updated_at":       pos.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !pos.OpenedAt.IsZero() {
		fields["opened_at"] = pos.OpenedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := m.store.HashSetAll(ctx, key, fields); err != nil {
		m.logger.Printf("mirror position %s: %v", pos.Symbol, err)
	}
}

func (m *Manager) recordFill(ctx context.Context, fill *schema.Fill) {
	day := fill.Timestamp
	if day.IsZero() {
		day = m.clock().UTC()
	}
	buf, err := json.Marshal(fill)
	if err != nil {
		m.logger.Printf("encode fill %s: %v", fill.ID, err)
		return
	}
	if err := m.store.ListPush(ctx, statestore.FillsKey(fill.Symbol, day), buf); err != nil {
		m.logger.Printf("record fill %s: %v", fill.ID, err)
	}
}

// bumpDailyStats folds the fill into today's rollup hash and returns the
// updated rollup for the DAILY_PNL_UPDATED event.
func (m *Manager) bumpDailyStats(ctx context.Context, fill *schema.Fill, realized decimal.Decimal) (*schema.DailyPnLPayload, bool) {
	day := fill.Timestamp
	if day.IsZero() {
		day = m.clock().UTC()
	}
	key := statestore.DailyStatsKey(day)

	trades, err := m.store.HashIncr(ctx, key, "trade_count", decimal.NewFromInt(1))
	if err != nil {
		m.logger.Printf("daily stats trade_count: %v", err)
		return nil, false
	}
	if _, err := m.store.HashIncr(ctx, key, "total_volume", fill.Quantity); err != nil {
		m.logger.Printf("daily stats total_volume: %v", err)
	}
	commission, err := m.store.HashIncr(ctx, key, "total_commission", fill.Commission)
	if err != nil {
		m.logger.Printf("daily stats total_commission: %v", err)
	}
	dayRealized, err := m.store.HashIncr(ctx, key, "realized_pnl", realized)
	if err != nil {
		m.logger.Printf("daily stats realized_pnl: %v", err)
	}
	return &schema.DailyPnLPayload{
		Date:            day.Format(statestore.DateLayout),
		RealizedPnL:     dayRealized,
		TotalCommission: commission,
		TradeCount:      trades.IntPart(),
		Timestamp:       m.clock().UTC(),
	}, true
}

func (m *Manager) dailyRealized(ctx context.Context) decimal.Decimal {
	key := statestore.DailyStatsKey(m.clock().UTC())
	raw, err := m.store.HashGet(ctx, key, "realized_pnl")
	if err != nil {
		if !statestore.IsNotFound(err) {
			m.logger.Printf("read daily realized pnl: %v", err)
		}
		return decimal.Zero
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		m.logger.Printf("parse daily realized pnl %q: %v", raw, err)
		return decimal.Zero
	}
	return v
}

func (m *Manager) totalUnrealized() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range m.Positions() {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total
}

// load seeds the book from the store mirror.
func (m *Manager) load(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, statestore.PositionPrefix())
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, key := range keys {
		fields, err := m.store.HashGetAll(ctx, key)
		if err != nil {
			m.logger.Printf("load %s: %v", key, err)
			continue
		}
		pos, err := parsePosition(fields)
		if err != nil {
			m.logger.Printf("skip unparsable position %s: %v", key, err)
			continue
		}
		m.mu.Lock()
		m.positions[pos.Symbol] = pos
		m.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

func parsePosition(fields map[string]string) (*schema.Position, error) {
	symbol := strings.TrimSpace(fields["symbol"])
	if symbol == "" {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("mirror missing symbol"))
	}
	pos := schema.NewPosition(symbol)
	decimals := []struct {
		field string
		dst   *decimal.Decimal
	}{
		{"quantity", &pos.Quantity},
		{"average_price", &pos.AveragePrice},
		{"market_price", &pos.MarketPrice},
		{"unrealized_pnl", &pos.UnrealizedPnL},
		{"realized_pnl", &pos.RealizedPnL},
		{"total_commission", &pos.Commission},
	}
	for _, d := range decimals {
		raw, ok := fields[d.field]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("bad "+d.field+" "+raw), errs.WithCause(err))
		}
		*d.dst = v
	}
	if raw := fields["updated_at"]; raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			pos.UpdatedAt = at
		}
	}
	if raw := fields["opened_at"]; raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			pos.OpenedAt = at
		}
	}
	return pos, nil
}
