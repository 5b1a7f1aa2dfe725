// Package paper simulates a brokerage venue in process. Orders are
// acknowledged synchronously, filled asynchronously in one or more slices,
// and every execution is published as ORDER_EXECUTED with a broker fill id.
// Fills carry zero commission; the engine's commission calculator owns fees.
package paper

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/infra/broker"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const scope = "broker/paper"

// Broker is the in-process venue. Cash, holds, and positions live under one
// mutex; fills run on their own goroutines and publish outside the lock.
type Broker struct {
	name   string
	bus    eventbus.Bus
	logger *log.Logger
	clock  func() time.Time

	latency   time.Duration
	slippage  decimal.Decimal
	slices    int
	failRate  float64
	failClass errs.Code
	limiter   *rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand

	runCtx  context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	seq     atomic.Uint64

	mu        sync.Mutex
	cash      decimal.Decimal
	totalHold decimal.Decimal
	orders    map[string]*simOrder
	byBroker  map[string]string
	positions map[string]*schema.Position
	marks     map[string]decimal.Decimal

	subID eventbus.SubscriptionID
	wg    conc.WaitGroup
}

// simOrder is the broker-side view of one accepted order.
type simOrder struct {
	order     *schema.Order
	refPrice  decimal.Decimal
	hold      decimal.Decimal
	cancelled bool
}

var _ broker.Adapter = (*Broker)(nil)

// New builds the paper broker from its config section.
func New(cfg config.BrokerConfig, bus eventbus.Bus, logger *log.Logger) (*Broker, error) {
	cash, err := decimal.NewFromString(cfg.InitialCash)
	if err != nil {
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("invalid initial cash "+cfg.InitialCash), errs.WithCause(err))
	}
	if logger == nil {
		logger = log.New(os.Stdout, "broker/paper ", log.LstdFlags|log.Lmicroseconds)
	}
	slices := cfg.FillSlices
	if slices < 1 {
		slices = 1
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 20
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Broker{
		name:      cfg.Name,
		bus:       bus,
		logger:    logger,
		clock:     time.Now,
		latency:   cfg.Latency.Std(),
		slippage:  decimal.NewFromFloat(cfg.SlippageBps).Div(decimal.NewFromInt(10000)),
		slices:    slices,
		failRate:  cfg.FailureRate,
		failClass: failureClass(cfg.FailureClass),
		limiter:   rate.NewLimiter(rate.Limit(perSec), burst),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- simulation, not credentials.
		cash:      cash,
		orders:    make(map[string]*simOrder),
		byBroker:  make(map[string]string),
		positions: make(map[string]*schema.Position),
		marks:     make(map[string]decimal.Decimal),
	}, nil
}

func failureClass(name string) errs.Code {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "rate_limited", "rate-limit":
		return errs.CodeRateLimited
	case "auth":
		return errs.CodeAuth
	case "invalid", "invalid_request":
		return errs.CodeInvalid
	case "market_closed":
		return errs.CodeMarketClosed
	case "insufficient_balance":
		return errs.CodeInsufficientBalance
	case "unavailable":
		return errs.CodeUnavailable
	case "network":
		return errs.CodeNetwork
	default:
		return errs.CodeBroker
	}
}

// Name identifies the venue in results and logs.
func (b *Broker) Name() string { return b.name }

// Start subscribes the broker to market data so market orders and balance
// reports track the latest close.
func (b *Broker) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("broker already started"))
	}
	b.runCtx, b.cancel = context.WithCancel(ctx)

	id, err := b.bus.Subscribe(b.runCtx, eventbus.Subscription{
		EventType: schema.EventTypeMarketData,
		Component: scope,
		Handler:   b.handleMarketData,
	})
	if err != nil {
		b.cancel()
		return err
	}
	b.subID = id
	return nil
}

// Close stops fill delivery and waits for in-flight fill goroutines.
func (b *Broker) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.subID != "" {
		b.bus.Unsubscribe(b.subID)
	}
	b.wg.Wait()
}

func (b *Broker) handleMarketData(_ context.Context, evt *schema.Event) error {
	md, ok := evt.Payload.(*schema.MarketData)
	if !ok || md == nil {
		return nil
	}
	b.mu.Lock()
	b.marks[md.Symbol] = md.Close
	if pos, ok := b.positions[md.Symbol]; ok {
		pos.MarkToMarket(md.Close)
	}
	b.mu.Unlock()
	return nil
}

// PlaceOrder accepts the order, reserves cash for buys, and schedules the
// fill slices. The returned error is categorized for retry classification.
func (b *Broker) PlaceOrder(ctx context.Context, order *schema.Order) (broker.OrderResult, error) {
	if !b.running() {
		return rejection("broker not running", errs.CodeUnavailable),
			errs.New(scope, errs.CodeUnavailable, errs.WithMessage("broker not running"))
	}
	if err := ctx.Err(); err != nil {
		return rejection("context done", errs.CodeNetwork), err
	}
	if order == nil || !order.Side.Valid() || !order.Type.Valid() || order.Quantity.Sign() <= 0 {
		return rejection("malformed order", errs.CodeInvalid),
			errs.New(scope, errs.CodeInvalid, errs.WithMessage("malformed order"))
	}
	if !b.limiter.Allow() {
		return rejection("venue rate limit", errs.CodeRateLimited),
			errs.New(scope, errs.CodeRateLimited, errs.WithMessage("venue rate limit"),
				errs.WithRemediation("slow submissions or raise broker.ratePerSec"))
	}
	if b.injectFailure() {
		return rejection("injected failure", b.failClass),
			errs.New(scope, b.failClass, errs.WithMessage("injected "+string(b.failClass)+" failure"))
	}

	b.mu.Lock()
	refPrice, err := b.referencePriceLocked(order)
	if err != nil {
		b.mu.Unlock()
		return rejection(err.Error(), errs.Classify(err)), err
	}

	var hold decimal.Decimal
	if order.Side == schema.SideBuy {
		hold = refPrice.Mul(order.Quantity)
		available := b.cash.Sub(b.totalHold)
		if hold.GreaterThan(available) {
			b.mu.Unlock()
			msg := fmt.Sprintf("insufficient balance: need %s, available %s", hold, available)
			return rejection(msg, errs.CodeInsufficientBalance),
				errs.New(scope, errs.CodeInsufficientBalance, errs.WithMessage(msg))
		}
		b.totalHold = b.totalHold.Add(hold)
	}

	brokerID := fmt.Sprintf("%s-%d", b.name, b.seq.Add(1))
	accepted := order.Clone()
	accepted.Status = schema.StatusSubmitted
	accepted.BrokerOrderID = brokerID
	accepted.UpdatedAt = b.clock().UTC()

	b.orders[accepted.ID] = &simOrder{order: accepted, refPrice: refPrice, hold: hold}
	b.byBroker[brokerID] = accepted.ID
	b.mu.Unlock()

	b.wg.Go(func() { b.fillOrder(accepted.ID, brokerID) })

	return broker.OrderResult{
		Success:       true,
		BrokerOrderID: brokerID,
		Message:       "accepted",
		Metadata:      map[string]string{"ref_price": refPrice.String()},
	}, nil
}

// referencePriceLocked resolves the price fills settle around. Limit orders
// settle at their limit; market and stop orders use the latest mark.
func (b *Broker) referencePriceLocked(order *schema.Order) (decimal.Decimal, error) {
	switch order.Type {
	case schema.OrderTypeLimit, schema.OrderTypeStopLimit:
		if order.Price.Sign() <= 0 {
			return decimal.Zero, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("limit order without price for "+order.Symbol))
		}
		return order.Price, nil
	default:
		if mark, ok := b.marks[order.Symbol]; ok && mark.Sign() > 0 {
			return mark, nil
		}
		if order.Price.Sign() > 0 {
			return order.Price, nil
		}
		return decimal.Zero, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("no reference price for "+order.Symbol))
	}
}

func (b *Broker) fillOrder(orderID, brokerID string) {
	for slice := 1; ; slice++ {
		if err := wait(b.runCtx, b.latency); err != nil {
			return
		}

		b.mu.Lock()
		sim, ok := b.orders[orderID]
		if !ok || sim.cancelled || !sim.order.IsActive() {
			b.mu.Unlock()
			return
		}

		remaining := sim.order.Remaining()
		qty := sliceQuantity(remaining, b.slices-slice+1)
		price := b.fillPriceLocked(sim)

		fill := schema.NewFill(orderID, sim.order.Symbol, sim.order.Side, qty, price)
		fill.BrokerFillID = fmt.Sprintf("%s-f%d", brokerID, slice)
		fill.Timestamp = b.clock().UTC()

		if err := sim.order.ApplyFill(fill); err != nil {
			b.mu.Unlock()
			b.logger.Printf("broker/paper: apply fill %s: %v", fill.ID, err)
			return
		}
		b.settleLocked(sim, fill)
		done := !sim.order.IsActive()
		b.mu.Unlock()

		evt := schema.NewEvent(schema.EventTypeOrderExecuted, scope, &fill,
			schema.WithPriority(schema.PriorityHigh))
		if err := b.bus.Publish(b.runCtx, evt); err != nil {
			b.logger.Printf("broker/paper: publish fill %s: %v", fill.ID, err)
		}
		if done {
			return
		}
	}
}

// fillPriceLocked applies slippage to market-style orders; limit orders
// settle exactly at the reference.
func (b *Broker) fillPriceLocked(sim *simOrder) decimal.Decimal {
	price := sim.refPrice
	if sim.order.Type == schema.OrderTypeMarket || sim.order.Type == schema.OrderTypeStop {
		if mark, ok := b.marks[sim.order.Symbol]; ok && mark.Sign() > 0 {
			price = mark
		}
		slip := price.Mul(b.slippage)
		if sim.order.Side == schema.SideBuy {
			price = price.Add(slip)
		} else {
			price = price.Sub(slip)
		}
		price = price.Round(2)
	}
	if price.Sign() <= 0 {
		price = sim.refPrice
	}
	return price
}

// settleLocked moves cash, releases holds, and updates the broker-side book.
func (b *Broker) settleLocked(sim *simOrder, fill schema.Fill) {
	notional := fill.Notional()
	if fill.Side == schema.SideBuy {
		b.cash = b.cash.Sub(notional)
		release := sim.refPrice.Mul(fill.Quantity)
		if !sim.order.IsActive() || release.GreaterThan(sim.hold) {
			release = sim.hold
		}
		sim.hold = sim.hold.Sub(release)
		b.totalHold = b.totalHold.Sub(release)
	} else {
		b.cash = b.cash.Add(notional)
	}

	pos, ok := b.positions[fill.Symbol]
	if !ok {
		pos = schema.NewPosition(fill.Symbol)
		b.positions[fill.Symbol] = pos
	}
	pos.ApplyFill(fill.Side, fill.Quantity, fill.Price, decimal.Zero, fill.Timestamp)
	if mark, ok := b.marks[fill.Symbol]; ok {
		pos.MarkToMarket(mark)
	}
	if pos.IsFlat() {
		delete(b.positions, fill.Symbol)
	}
}

// CancelOrder cancels the unfilled remainder. Terminal orders report a
// conflict; unknown ids report not_found.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) (broker.OrderResult, error) {
	if !b.running() {
		return rejection("broker not running", errs.CodeUnavailable),
			errs.New(scope, errs.CodeUnavailable, errs.WithMessage("broker not running"))
	}
	if err := ctx.Err(); err != nil {
		return rejection("context done", errs.CodeNetwork), err
	}

	b.mu.Lock()
	sim, ok := b.lookupLocked(orderID)
	if !ok {
		b.mu.Unlock()
		return rejection("unknown order "+orderID, errs.CodeNotFound),
			errs.New(scope, errs.CodeNotFound, errs.WithMessage("unknown order "+orderID))
	}
	if sim.cancelled || !sim.order.IsActive() {
		status := sim.order.Status
		b.mu.Unlock()
		return rejection("order already "+string(status), errs.CodeConflict),
			errs.New(scope, errs.CodeConflict, errs.WithMessage("order already "+string(status)))
	}

	sim.cancelled = true
	sim.order.Status = schema.StatusCancelled
	sim.order.UpdatedAt = b.clock().UTC()
	if sim.hold.Sign() > 0 {
		b.totalHold = b.totalHold.Sub(sim.hold)
		sim.hold = decimal.Zero
	}
	brokerID := sim.order.BrokerOrderID
	b.mu.Unlock()

	return broker.OrderResult{Success: true, BrokerOrderID: brokerID, Message: "cancelled"}, nil
}

// OrderStatus returns the broker's view of the order by engine or broker id.
func (b *Broker) OrderStatus(_ context.Context, orderID string) (*schema.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sim, ok := b.lookupLocked(orderID)
	if !ok {
		return nil, errs.New(scope, errs.CodeNotFound, errs.WithMessage("unknown order "+orderID))
	}
	return sim.order.Clone(), nil
}

func (b *Broker) lookupLocked(orderID string) (*simOrder, bool) {
	if sim, ok := b.orders[orderID]; ok {
		return sim, true
	}
	if engineID, ok := b.byBroker[orderID]; ok {
		sim, ok := b.orders[engineID]
		return sim, ok
	}
	return nil, false
}

// Positions lists open broker-side holdings sorted by symbol.
func (b *Broker) Positions(_ context.Context) ([]*schema.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*schema.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// AccountBalance reports cash net of holds plus marked position value.
func (b *Broker) AccountBalance(_ context.Context) (broker.AccountBalance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	assets := b.cash
	for _, pos := range b.positions {
		mark := pos.MarketPrice
		if mark.Sign() <= 0 {
			mark = pos.AveragePrice
		}
		assets = assets.Add(pos.Quantity.Mul(mark))
	}
	return broker.AccountBalance{
		AvailableCash: b.cash.Sub(b.totalHold),
		TotalAssets:   assets,
	}, nil
}

func (b *Broker) running() bool {
	return b.started.Load() && b.runCtx != nil && b.runCtx.Err() == nil
}

func (b *Broker) injectFailure() bool {
	if b.failRate <= 0 {
		return false
	}
	if b.failRate >= 1 {
		return true
	}
	b.rngMu.Lock()
	roll := b.rng.Float64()
	b.rngMu.Unlock()
	return roll < b.failRate
}

func rejection(message string, code errs.Code) broker.OrderResult {
	return broker.OrderResult{Message: message, ErrorCode: string(code)}
}

// sliceQuantity splits the remainder into whole-share slices; the last slice
// takes whatever is left.
func sliceQuantity(remaining decimal.Decimal, slicesLeft int) decimal.Decimal {
	if slicesLeft <= 1 {
		return remaining
	}
	qty := remaining.Div(decimal.NewFromInt(int64(slicesLeft))).Floor()
	if qty.Sign() <= 0 {
		return remaining
	}
	return qty
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
