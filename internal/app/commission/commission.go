// Package commission prices executions against a fee schedule. Calculators
// are immutable after construction and safe for concurrent use.
package commission

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const scope = "commission"

// Schedule selects the fee formula a Calculator applies.
type Schedule string

const (
	// ScheduleEquity is the Korean cash-equity stack: brokerage with a
	// floor, exchange and clearing fees, and sell-side taxes.
	ScheduleEquity Schedule = "equity"
	// ScheduleETF is the equity stack with the reduced ETF brokerage tier.
	ScheduleETF Schedule = "etf"
	// ScheduleForeign charges per share in the listing currency with a
	// flat floor and cap; no taxes or discounts apply.
	ScheduleForeign Schedule = "foreign"
)

// Foreign executions are priced per share and clamped to this band.
var (
	foreignPerShareFee = decimal.RequireFromString("0.25")
	foreignMinFee      = decimal.RequireFromString("0.99")
	foreignMaxFee      = decimal.RequireFromString("19.99")
)

// roundPlaces is the minimum currency unit; fees are rounded half-up to it.
const roundPlaces = 2

// Breakdown itemizes one execution's fees before discount. Total is the
// discounted, rounded amount actually charged.
type Breakdown struct {
	Brokerage      decimal.Decimal `json:"brokerage"`
	ExchangeFee    decimal.Decimal `json:"exchange_fee"`
	ClearingFee    decimal.Decimal `json:"clearing_fee"`
	TransactionTax decimal.Decimal `json:"transaction_tax"`
	RuralTax       decimal.Decimal `json:"rural_tax"`
	DiscountRate   decimal.Decimal `json:"discount_rate"`
	Total          decimal.Decimal `json:"total"`
}

// Cost reports the all-in economics of one execution.
type Cost struct {
	TradeAmount decimal.Decimal `json:"trade_amount"`
	Commission  decimal.Decimal `json:"commission"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	Breakdown   Breakdown       `json:"breakdown"`
}

// Calculator prices executions under one schedule with rates captured at
// construction.
type Calculator struct {
	schedule Schedule

	brokerageRate   decimal.Decimal
	minBrokerageFee decimal.Decimal
	exchangeRate    decimal.Decimal
	clearingRate    decimal.Decimal
	transactionTax  decimal.Decimal
	ruralTax        decimal.Decimal

	vipDiscount      decimal.Decimal
	onlineDiscount   decimal.Decimal
	frequentDiscount decimal.Decimal
	maxDiscount      decimal.Decimal

	vip      bool
	online   bool
	frequent bool

	specialRates map[string]decimal.Decimal
}

// New builds a Calculator from cfg. Rate strings are parsed once here so the
// hot path never re-parses.
func New(cfg config.CommissionConfig) (*Calculator, error) {
	c := &Calculator{
		schedule: Schedule(strings.ToLower(strings.TrimSpace(cfg.Schedule))),
		vip:      cfg.IsVIP,
		online:   cfg.OnlineTrading == nil || *cfg.OnlineTrading,
		frequent: cfg.FrequentTrader,
	}
	switch c.schedule {
	case ScheduleEquity, ScheduleETF, ScheduleForeign:
	case "":
		c.schedule = ScheduleEquity
	default:
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("unknown commission schedule "+cfg.Schedule))
	}

	fields := []struct {
		name  string
		raw   string
		dst   *decimal.Decimal
		empty string
	}{
		{"brokerageRate", cfg.BrokerageRate, &c.brokerageRate, "0.00015"},
		{"minBrokerageFee", cfg.MinBrokerageFee, &c.minBrokerageFee, "100"},
		{"exchangeFeeRate", cfg.ExchangeFeeRate, &c.exchangeRate, "0.0000080"},
		{"clearingFeeRate", cfg.ClearingFeeRate, &c.clearingRate, "0.0000154"},
		{"transactionTaxRate", cfg.TransactionTaxRate, &c.transactionTax, "0.0023"},
		{"ruralTaxRate", cfg.RuralTaxRate, &c.ruralTax, "0.2"},
		{"vipDiscountRate", cfg.VIPDiscountRate, &c.vipDiscount, "0.5"},
		{"onlineDiscountRate", cfg.OnlineDiscountRate, &c.onlineDiscount, "0.2"},
		{"frequentDiscountRate", cfg.FrequentDiscountRate, &c.frequentDiscount, "0.1"},
		{"maxDiscountRate", cfg.MaxDiscountRate, &c.maxDiscount, "0.8"},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			raw = f.empty
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("commission "+f.name+": "+raw),
				errs.WithCause(err))
		}
		if v.Sign() < 0 {
			return nil, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("commission "+f.name+" must not be negative"))
		}
		*f.dst = v
	}
	if c.schedule == ScheduleETF && strings.TrimSpace(cfg.BrokerageRate) == "" {
		c.brokerageRate = decimal.RequireFromString("0.00005")
	}
	if c.schedule == ScheduleETF && strings.TrimSpace(cfg.MinBrokerageFee) == "" {
		c.minBrokerageFee = decimal.NewFromInt(50)
	}

	if len(cfg.SpecialRates) > 0 {
		c.specialRates = make(map[string]decimal.Decimal, len(cfg.SpecialRates))
		for symbol, raw := range cfg.SpecialRates {
			v, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return nil, errs.New(scope, errs.CodeInvalid,
					errs.WithMessage("special rate for "+symbol+": "+raw),
					errs.WithCause(err))
			}
			c.specialRates[strings.ToUpper(strings.TrimSpace(symbol))] = v
		}
	}
	return c, nil
}

// Schedule reports the fee formula this calculator applies.
func (c *Calculator) Schedule() Schedule { return c.schedule }

// Rate returns the brokerage rate used for symbol, honoring per-symbol
// special rates. For the foreign schedule it is the per-share fee.
func (c *Calculator) Rate(symbol string) decimal.Decimal {
	if c.schedule == ScheduleForeign {
		return foreignPerShareFee
	}
	if rate, ok := c.specialRates[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return rate
	}
	return c.brokerageRate
}

// Calculate prices one execution of order at fillPrice for fillQuantity and
// returns the total fee rounded half-up to the minimum currency unit.
func (c *Calculator) Calculate(order *schema.Order, fillPrice, fillQuantity decimal.Decimal) (decimal.Decimal, error) {
	b, err := c.Breakdown(order, fillPrice, fillQuantity)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Total, nil
}

// Breakdown itemizes the fee legs for one execution.
func (c *Calculator) Breakdown(order *schema.Order, fillPrice, fillQuantity decimal.Decimal) (Breakdown, error) {
	if err := checkInputs(order, fillPrice, fillQuantity); err != nil {
		return Breakdown{}, err
	}
	if c.schedule == ScheduleForeign {
		return foreignBreakdown(fillQuantity), nil
	}

	amount := fillPrice.Mul(fillQuantity)
	b := Breakdown{
		Brokerage:   decimal.Max(amount.Mul(c.Rate(order.Symbol)), c.minBrokerageFee),
		ExchangeFee: amount.Mul(c.exchangeRate),
		ClearingFee: amount.Mul(c.clearingRate),
	}
	total := b.Brokerage.Add(b.ExchangeFee).Add(b.ClearingFee)
	if order.Side == schema.SideSell {
		b.TransactionTax = amount.Mul(c.transactionTax)
		b.RuralTax = b.TransactionTax.Mul(c.ruralTax)
		total = total.Add(b.TransactionTax).Add(b.RuralTax)
	}
	b.DiscountRate = c.discountRate(order.Metadata)
	total = total.Mul(decimal.NewFromInt(1).Sub(b.DiscountRate))
	b.Total = total.Round(roundPlaces)
	return b, nil
}

// Estimate prices a prospective order before it exists, using the same
// schedule as a real fill.
func (c *Calculator) Estimate(symbol string, side schema.OrderSide, quantity, price decimal.Decimal) (decimal.Decimal, error) {
	order, err := schema.NewOrder(symbol, side, schema.OrderTypeLimit, quantity, price)
	if err != nil {
		return decimal.Zero, err
	}
	return c.Calculate(order, price, quantity)
}

// TotalCost reports the all-in economics of one execution: buys pay the
// trade amount plus fees, sells receive the trade amount net of fees.
func (c *Calculator) TotalCost(order *schema.Order, fillPrice, fillQuantity decimal.Decimal) (Cost, error) {
	b, err := c.Breakdown(order, fillPrice, fillQuantity)
	if err != nil {
		return Cost{}, err
	}
	amount := fillPrice.Mul(fillQuantity)
	cost := Cost{
		TradeAmount: amount,
		Commission:  b.Total,
		Breakdown:   b,
	}
	if order.Side == schema.SideBuy {
		cost.TotalCost = amount.Add(b.Total)
		cost.NetAmount = amount
	} else {
		cost.TotalCost = amount
		cost.NetAmount = amount.Sub(b.Total)
	}
	return cost, nil
}

// discountRate sums the applicable discounts, capped at the configured
// maximum. Order metadata overrides the calculator-level defaults per flag.
func (c *Calculator) discountRate(meta map[string]any) decimal.Decimal {
	rate := decimal.Zero
	if metaFlag(meta, "vip_customer", c.vip) {
		rate = rate.Add(c.vipDiscount)
	}
	if metaFlag(meta, "online_order", c.online) {
		rate = rate.Add(c.onlineDiscount)
	}
	if metaFlag(meta, "frequent_trader", c.frequent) {
		rate = rate.Add(c.frequentDiscount)
	}
	return decimal.Min(rate, c.maxDiscount)
}

func foreignBreakdown(quantity decimal.Decimal) Breakdown {
	fee := foreignPerShareFee.Mul(quantity)
	fee = decimal.Max(fee, foreignMinFee)
	fee = decimal.Min(fee, foreignMaxFee)
	return Breakdown{Brokerage: fee, Total: fee.Round(roundPlaces)}
}

func checkInputs(order *schema.Order, fillPrice, fillQuantity decimal.Decimal) error {
	if order == nil {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("nil order"))
	}
	if fillPrice.Sign() <= 0 {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("fill price must be positive, got "+fillPrice.String()))
	}
	if fillQuantity.Sign() <= 0 {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("fill quantity must be positive, got "+fillQuantity.String()))
	}
	return nil
}

func metaFlag(meta map[string]any, key string, fallback bool) bool {
	if v, ok := meta[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}
