package orderengine

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
)

// buildOrder converts a signal into an order. Quantity comes from the
// signal when it carries one; an unquantified sell liquidates the held
// position and an unquantified buy is sized from the cash allocation
// below, clamped to the configured band. The budgeted result reports
// whether the final quantity was sized by the engine itself: explicit
// and floor-lifted quantities are not, and face the strict value cap
// during validation.
func (e *Engine) buildOrder(ctx context.Context, signal *schema.TradingSignal) (*schema.Order, bool, error) {
	side := schema.SideBuy
	if signal.Action == schema.ActionSell {
		side = schema.SideSell
	}

	refPrice := signal.Price
	if refPrice.Sign() <= 0 {
		refPrice = e.lastClose(ctx, signal.Symbol)
	}

	quantity := signal.Quantity
	budgeted := false
	if quantity.Sign() <= 0 && side == schema.SideSell {
		pos, err := e.positions.Position(signal.Symbol)
		if err != nil || pos.IsFlat() {
			return nil, false, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("sell signal without quantity and no open position for "+signal.Symbol))
		}
		held := pos.AbsQuantity()
		// The ceiling still binds; the floor does not, so a small
		// remainder can close without opening a short.
		quantity = decimal.Min(held, e.maxQuantity)
		budgeted = true
	} else if quantity.Sign() <= 0 {
		if refPrice.Sign() <= 0 {
			return nil, false, errs.New(scope, errs.CodeInvalid, errs.WithMessage("no reference price for "+signal.Symbol))
		}
		balance, err := e.broker.AccountBalance(ctx)
		if err != nil {
			return nil, false, err
		}
		sized := e.sizeOrder(balance.AvailableCash, signal.Confidence, refPrice)
		if sized.Sign() <= 0 {
			return nil, false, errs.New(scope, errs.CodeInvalid, errs.WithMessage("sized quantity is zero for "+signal.Symbol))
		}
		budgeted = sized.GreaterThanOrEqual(e.minQuantity)
		quantity = clampQuantity(sized, e.minQuantity, e.maxQuantity)
	}

	typ, price, stop, err := e.orderTerms(ctx, signal, side)
	if err != nil {
		return nil, false, err
	}

	order, err := schema.NewOrder(signal.Symbol, side, typ, quantity, price)
	if err != nil {
		return nil, false, err
	}
	order.CreatedAt = e.clock()
	order.UpdatedAt = order.CreatedAt
	order.StopPrice = stop
	order.StrategyName = signal.Strategy
	if name, ok := signal.Metadata["strategy_name"].(string); ok && strings.TrimSpace(name) != "" {
		order.StrategyName = name
	}
	order.Metadata = orderMetadata(signal)
	return order, budgeted, nil
}

// sizeOrder computes the whole-unit quantity one signal may buy: the cash
// slice for a single order, capped at the per-order value limit, weighted
// by confidence up to 1.5x, divided by price and floored.
func (e *Engine) sizeOrder(cash decimal.Decimal, confidence float64, price decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 {
		return decimal.Zero
	}
	budget := decimal.Min(cash.Mul(e.cashRatio), e.maxOrderValue)
	weight := decimal.NewFromFloat(math.Min(confidence*1.5, 1.5))
	return budget.Mul(weight).Div(price).Floor()
}

// orderTerms derives the order type and price fields. A priced signal
// becomes a limit order unless its metadata asks for a stop variant; an
// unpriced one goes out at market. Sell limits are re-priced to the best
// bid when the order book mirror has one, so resting sells cross instead
// of sitting behind the spread.
func (e *Engine) orderTerms(ctx context.Context, signal *schema.TradingSignal, side schema.OrderSide) (schema.OrderType, decimal.Decimal, decimal.Decimal, error) {
	requested, _ := signal.Metadata["order_type"].(string)
	switch schema.OrderType(strings.ToUpper(strings.TrimSpace(requested))) {
	case schema.OrderTypeStop:
		stop, ok := metadataDecimal(signal.Metadata, "stop_price")
		if !ok || stop.Sign() <= 0 {
			return "", decimal.Zero, decimal.Zero, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("stop order without stop_price"))
		}
		// The trigger doubles as the price estimate for value checks.
		return schema.OrderTypeStop, stop, stop, nil
	case schema.OrderTypeStopLimit:
		stop, ok := metadataDecimal(signal.Metadata, "stop_price")
		if !ok || stop.Sign() <= 0 || signal.Price.Sign() <= 0 {
			return "", decimal.Zero, decimal.Zero, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("stop-limit order needs stop_price and a limit price"))
		}
		return schema.OrderTypeStopLimit, signal.Price, stop, nil
	}

	if signal.Price.Sign() <= 0 {
		return schema.OrderTypeMarket, decimal.Zero, decimal.Zero, nil
	}
	price := signal.Price
	if side == schema.SideSell {
		if bid := e.bestBid(ctx, signal.Symbol); bid.Sign() > 0 {
			price = bid
		}
	}
	return schema.OrderTypeLimit, price, decimal.Zero, nil
}

// validateOrder runs the pre-trade checks: quantity, per-order value cap,
// position count, cash cover for buys, and projected exposure. Market
// orders without a price mirror skip the value-based checks. The value
// cap binds quantities the engine did not size itself; budget-sized buys
// already honor it up to the confidence weighting, and liquidation sells
// must be able to close a holding of any value.
func (e *Engine) validateOrder(ctx context.Context, order *schema.Order, budgeted bool) error {
	if order.Quantity.Sign() <= 0 {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}

	ref := order.Price
	if ref.Sign() <= 0 {
		ref = e.lastClose(ctx, order.Symbol)
	}
	if !budgeted && ref.Sign() > 0 {
		if notional := order.Quantity.Mul(ref); notional.GreaterThan(e.maxOrderValue) {
			return errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("order value "+notional.String()+" exceeds limit "+e.maxOrderValue.String()))
		}
	}

	if order.Side == schema.SideBuy {
		open := false
		if pos, err := e.positions.Position(order.Symbol); err == nil && !pos.IsFlat() {
			open = true
		}
		if !open && e.positions.OpenCount() >= e.maxPositions {
			return errs.New(scope, errs.CodeInvalid, errs.WithMessage("max position count reached"))
		}
		if ref.Sign() > 0 {
			balance, err := e.broker.AccountBalance(ctx)
			if err != nil {
				return err
			}
			if order.Quantity.Mul(ref).GreaterThan(balance.AvailableCash) {
				return errs.New(scope, errs.CodeInsufficientBalance,
					errs.WithMessage("insufficient cash for "+order.Symbol))
			}
		}
	}

	if ref.Sign() > 0 {
		if err := e.positions.CheckExposure(order.Symbol, order.Side, order.Quantity, ref); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) bestBid(ctx context.Context, symbol string) decimal.Decimal {
	return e.mirrorField(ctx, statestore.OrderBookKey(symbol), "best_bid")
}

func (e *Engine) lastClose(ctx context.Context, symbol string) decimal.Decimal {
	return e.mirrorField(ctx, statestore.MarketDataKey(symbol), "close")
}

// mirrorField reads one numeric field from a feed mirror hash. Missing or
// malformed values come back zero and the caller falls back to signal
// data, so a cold mirror never blocks order flow.
func (e *Engine) mirrorField(ctx context.Context, key, field string) decimal.Decimal {
	raw, err := e.store.HashGet(ctx, key, field)
	if err != nil {
		if !statestore.IsNotFound(err) {
			e.logger.Printf("read %s.%s: %v", key, field, err)
		}
		return decimal.Zero
	}
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		e.logger.Printf("mirror %s.%s=%q is not numeric", key, field, raw)
		return decimal.Zero
	}
	return v
}

func orderMetadata(signal *schema.TradingSignal) map[string]any {
	md := make(map[string]any, len(signal.Metadata)+3)
	for k, v := range signal.Metadata {
		md[k] = v
	}
	md["signal_confidence"] = signal.Confidence
	if strings.TrimSpace(signal.Reason) != "" {
		md["signal_reason"] = signal.Reason
	}
	if !signal.Timestamp.IsZero() {
		md["signal_timestamp"] = signal.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return md
}

func metadataDecimal(md map[string]any, key string) (decimal.Decimal, bool) {
	switch v := md[key].(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case decimal.Decimal:
		return v, true
	}
	return decimal.Decimal{}, false
}

func clampQuantity(qty, floor, ceil decimal.Decimal) decimal.Decimal {
	if qty.LessThan(floor) {
		return floor
	}
	if qty.GreaterThan(ceil) {
		return ceil
	}
	return qty
}
