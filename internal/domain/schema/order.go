package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
)

// OrderSide captures the direction of an order.
type OrderSide string

const (
	// SideBuy indicates buy orders.
	SideBuy OrderSide = "BUY"
	// SideSell indicates sell orders.
	SideSell OrderSide = "SELL"
)

// Opposite returns the reversing side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether the side is known.
func (s OrderSide) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeMarket executes at the prevailing price.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit executes at the limit price or better.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStop arms a market order at the stop price.
	OrderTypeStop OrderType = "STOP"
	// OrderTypeStopLimit arms a limit order at the stop price.
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// Valid reports whether the order type is known.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	default:
		return false
	}
}

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	// StatusPending indicates the order awaits submission.
	StatusPending OrderStatus = "PENDING"
	// StatusSubmitted indicates the broker acknowledged the order.
	StatusSubmitted OrderStatus = "SUBMITTED"
	// StatusPartialFilled indicates some quantity executed.
	StatusPartialFilled OrderStatus = "PARTIAL_FILLED"
	// StatusFilled indicates the full quantity executed.
	StatusFilled OrderStatus = "FILLED"
	// StatusCancelled indicates the order was cancelled.
	StatusCancelled OrderStatus = "CANCELLED"
	// StatusRejected indicates the broker rejected the order.
	StatusRejected OrderStatus = "REJECTED"
	// StatusExpired indicates the order lapsed unexecuted.
	StatusExpired OrderStatus = "EXPIRED"
	// StatusFailed indicates submission failed terminally.
	StatusFailed OrderStatus = "FAILED"
)

// Active reports whether the status still admits fills or cancellation.
func (s OrderStatus) Active() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusPartialFilled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// TimeInForce enumerates order validity windows.
type TimeInForce string

const (
	// TIFDay keeps the order until market close.
	TIFDay TimeInForce = "DAY"
	// TIFGTC keeps the order until cancelled.
	TIFGTC TimeInForce = "GTC"
	// TIFIOC fills immediately and cancels the remainder.
	TIFIOC TimeInForce = "IOC"
	// TIFFOK fills completely or cancels entirely.
	TIFFOK TimeInForce = "FOK"
)

// Order is the engine's view of a single order through its lifecycle.
// FilledQuantity never exceeds Quantity; AveragePrice is the
// quantity-weighted mean of applied fills.
type Order struct {
	ID             string          `json:"order_id"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"order_type"`
	Status         OrderStatus     `json:"status"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	StopPrice      decimal.Decimal `json:"stop_price,omitempty"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	Commission     decimal.Decimal `json:"commission"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	StrategyName   string          `json:"strategy_name,omitempty"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// NewOrder assembles a pending order with a fresh id.
func NewOrder(symbol string, side OrderSide, typ OrderType, quantity, price decimal.Decimal) (*Order, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if !side.Valid() {
		return nil, errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("invalid side "+string(side)))
	}
	if !typ.Valid() {
		return nil, errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("invalid order type "+string(typ)))
	}
	if quantity.Sign() <= 0 {
		return nil, errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	if typ != OrderTypeMarket && price.Sign() <= 0 {
		return nil, errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("price required for "+string(typ)+" orders"))
	}
	now := time.Now().UTC()
	return &Order{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Side:        side,
		Type:        typ,
		Status:      StatusPending,
		Quantity:    quantity,
		Price:       price,
		TimeInForce: TIFDay,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// IsActive reports whether the order still admits fills or cancellation.
func (o *Order) IsActive() bool {
	return o != nil && o.Status.Active()
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	return o.Quantity.Sub(o.FilledQuantity)
}

// FillRatio returns filled/total in [0,1].
func (o *Order) FillRatio() float64 {
	if o == nil || o.Quantity.Sign() <= 0 {
		return 0
	}
	ratio, _ := o.FilledQuantity.Div(o.Quantity).Float64()
	return ratio
}

// Notional returns quantity times price (zero for unpriced market orders).
func (o *Order) Notional() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	return o.Quantity.Mul(o.Price)
}

// ApplyFill folds an execution into the order: the running average price is
// re-weighted, filled quantity advances, and status moves to PARTIAL_FILLED
// or FILLED. Fills that would exceed the order quantity are rejected.
func (o *Order) ApplyFill(fill Fill) error {
	if o == nil {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("nil order"))
	}
	if fill.OrderID != "" && fill.OrderID != o.ID {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("fill "+fill.ID+" targets order "+fill.OrderID+", not "+o.ID))
	}
	if fill.Quantity.Sign() <= 0 {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("fill quantity must be positive"))
	}
	if fill.Price.Sign() <= 0 {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("fill price must be positive"))
	}
	newFilled := o.FilledQuantity.Add(fill.Quantity)
	if newFilled.GreaterThan(o.Quantity) {
		return errs.New("schema/order", errs.CodeConflict,
			errs.WithMessage("fill exceeds order quantity: "+newFilled.String()+" > "+o.Quantity.String()),
			errs.WithCanonicalCode(errs.CanonicalDuplicate))
	}

	prevNotional := o.AveragePrice.Mul(o.FilledQuantity)
	o.AveragePrice = prevNotional.Add(fill.Price.Mul(fill.Quantity)).Div(newFilled)
	o.FilledQuantity = newFilled
	o.Commission = o.Commission.Add(fill.Commission)

	if o.FilledQuantity.Equal(o.Quantity) {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartialFilled
	}
	if !fill.Timestamp.IsZero() {
		o.UpdatedAt = fill.Timestamp
	} else {
		o.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	dup := *o
	if len(o.Metadata) > 0 {
		dup.Metadata = make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// Fill records one execution reported by the broker.
type Fill struct {
	ID           string          `json:"fill_id"`
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Commission   decimal.Decimal `json:"commission"`
	BrokerFillID string          `json:"broker_fill_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// NewFill assembles a fill with a fresh id and UTC timestamp.
func NewFill(orderID, symbol string, side OrderSide, quantity, price decimal.Decimal) Fill {
	return Fill{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Symbol:    strings.TrimSpace(symbol),
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks structural fill integrity.
func (f Fill) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return errs.New("schema/fill", errs.CodeInvalid, errs.WithMessage("fill id required"))
	}
	if strings.TrimSpace(f.OrderID) == "" {
		return errs.New("schema/fill", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if strings.TrimSpace(f.Symbol) == "" {
		return errs.New("schema/fill", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if !f.Side.Valid() {
		return errs.New("schema/fill", errs.CodeInvalid, errs.WithMessage("invalid side "+string(f.Side)))
	}
	if f.Quantity.Sign() <= 0 {
		return errs.New("schema/fill", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	if f.Price.Sign() <= 0 {
		return errs.New("schema/fill", errs.CodeInvalid, errs.WithMessage("price must be positive"))
	}
	return nil
}

// Notional returns price times quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}
