package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position tracks signed exposure for one symbol. Quantity is positive for
// long exposure and negative for short; AveragePrice is the cost basis of
// the open quantity only.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	MarketPrice   decimal.Decimal `json:"market_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Commission    decimal.Decimal `json:"commission"`
	OpenedAt      time.Time       `json:"opened_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewPosition returns a flat position for the symbol.
func NewPosition(symbol string) *Position {
	return &Position{Symbol: symbol}
}

// IsFlat reports whether no exposure is open.
func (p *Position) IsFlat() bool { return p == nil || p.Quantity.IsZero() }

// IsLong reports positive exposure.
func (p *Position) IsLong() bool { return p != nil && p.Quantity.Sign() > 0 }

// IsShort reports negative exposure.
func (p *Position) IsShort() bool { return p != nil && p.Quantity.Sign() < 0 }

// Side maps the exposure sign onto an order side; flat positions report BUY.
func (p *Position) Side() OrderSide {
	if p.IsShort() {
		return SideSell
	}
	return SideBuy
}

// AbsQuantity returns the magnitude of the open exposure.
func (p *Position) AbsQuantity() decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.Quantity.Abs()
}

// CostBasis returns |quantity| times the average entry price.
func (p *Position) CostBasis() decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.Quantity.Abs().Mul(p.AveragePrice)
}

// MarketValue returns |quantity| times the last marked price.
func (p *Position) MarketValue() decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.Quantity.Abs().Mul(p.MarketPrice)
}

// TotalPnL sums realized and unrealized profit.
func (p *Position) TotalPnL() decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.RealizedPnL.Add(p.UnrealizedPnL)
}

// ApplyFill folds one execution into the position and returns the realized
// profit delta. A fill in the direction of the open exposure re-weights the
// average price; an opposing fill first closes up to the open quantity,
// realizing (price - average) * closed * sign, and any excess opens a fresh
// position at the fill price.
func (p *Position) ApplyFill(side OrderSide, quantity, price, commission decimal.Decimal, at time.Time) decimal.Decimal {
	if p == nil || quantity.Sign() <= 0 {
		return decimal.Zero
	}
	signed := quantity
	if side == SideSell {
		signed = quantity.Neg()
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	realized := decimal.Zero
	switch {
	case p.Quantity.IsZero():
		p.Quantity = signed
		p.AveragePrice = price
		p.OpenedAt = at

	case p.Quantity.Sign() == signed.Sign():
		openAbs := p.Quantity.Abs()
		newAbs := openAbs.Add(quantity)
		p.AveragePrice = p.AveragePrice.Mul(openAbs).Add(price.Mul(quantity)).Div(newAbs)
		p.Quantity = p.Quantity.Add(signed)

	default:
		closed := decimal.Min(p.Quantity.Abs(), quantity)
		direction := decimal.NewFromInt(int64(p.Quantity.Sign()))
		realized = price.Sub(p.AveragePrice).Mul(closed).Mul(direction)
		p.RealizedPnL = p.RealizedPnL.Add(realized)

		before := p.Quantity.Sign()
		p.Quantity = p.Quantity.Add(signed)
		switch {
		case p.Quantity.IsZero():
			// A flat close keeps the entry average; only a sign flip
			// re-bases it.
			p.UnrealizedPnL = decimal.Zero
		case p.Quantity.Sign() != before:
			// Sign flip: the surviving exposure entered at the fill price.
			p.AveragePrice = price
			p.OpenedAt = at
		}
	}

	p.Commission = p.Commission.Add(commission)
	p.UpdatedAt = at
	if !p.Quantity.IsZero() && p.MarketPrice.Sign() > 0 {
		p.UnrealizedPnL = p.MarketPrice.Sub(p.AveragePrice).Mul(p.Quantity)
	}
	return realized
}

// MarkToMarket refreshes the unrealized profit against the given price.
// Unrealized profit is (market - average) * signed quantity; flat positions
// always carry zero.
func (p *Position) MarkToMarket(market decimal.Decimal) {
	if p == nil {
		return
	}
	if market.Sign() > 0 {
		p.MarketPrice = market
	}
	if p.Quantity.IsZero() || p.MarketPrice.Sign() <= 0 {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = p.MarketPrice.Sub(p.AveragePrice).Mul(p.Quantity)
}

// Clone returns a copy safe to hand across goroutines.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	dup := *p
	return &dup
}

// Snapshot converts the position into its event payload form.
func (p *Position) Snapshot() *PositionUpdatePayload {
	if p == nil {
		return nil
	}
	return &PositionUpdatePayload{
		Symbol:        p.Symbol,
		Quantity:      p.Quantity,
		AveragePrice:  p.AveragePrice,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		Timestamp:     p.UpdatedAt,
	}
}
