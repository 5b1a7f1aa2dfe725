package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderBookPayload carries a best bid/ask snapshot.
type OrderBookPayload struct {
	Symbol    string          `json:"symbol"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Timestamp time.Time       `json:"timestamp"`
}

// IndicatorsPayload carries recomputed indicator values for one symbol.
type IndicatorsPayload struct {
	Symbol    string                     `json:"symbol"`
	Values    map[string]decimal.Decimal `json:"values"`
	Timestamp time.Time                  `json:"timestamp"`
}

// TradePayload carries a venue trade print.
type TradePayload struct {
	Symbol    string          `json:"symbol"`
	TradeID   string          `json:"trade_id"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderPlacedPayload announces a broker-acknowledged submission.
type OrderPlacedPayload struct {
	OrderID       string          `json:"order_id"`
	BrokerOrderID string          `json:"broker_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	OrderType     OrderType       `json:"order_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	StrategyName  string          `json:"strategy_name,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OrderFailedPayload reports a terminal submission failure.
type OrderFailedPayload struct {
	OrderID      string    `json:"order_id"`
	Symbol       string    `json:"symbol"`
	Side         OrderSide `json:"side,omitempty"`
	StrategyName string    `json:"strategy_name,omitempty"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

// OrderCancelledPayload reports a cancelled order, including any stranded fills.
type OrderCancelledPayload struct {
	OrderID        string          `json:"order_id"`
	Symbol         string          `json:"symbol"`
	Reason         string          `json:"reason"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ExecutionProgressPayload reports partial or complete execution state.
type ExecutionProgressPayload struct {
	OrderID         string          `json:"order_id"`
	Symbol          string          `json:"symbol"`
	TotalQuantity   decimal.Decimal `json:"total_quantity"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	Remaining       decimal.Decimal `json:"remaining"`
	FillRatio       float64         `json:"fill_ratio"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	FillCount       int             `json:"fill_count"`
	ExecutionTime   time.Duration   `json:"execution_time,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// StaleFillAlertPayload flags partially filled orders with no recent fills.
type StaleFillAlertPayload struct {
	OrderID       string          `json:"order_id"`
	Symbol        string          `json:"symbol"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	SinceLastFill time.Duration   `json:"since_last_fill"`
	Threshold     time.Duration   `json:"threshold"`
	Timestamp     time.Time       `json:"timestamp"`
}

// FillDelayAlertPayload flags fills arriving slower than the configured budget.
type FillDelayAlertPayload struct {
	OrderID   string        `json:"order_id"`
	Symbol    string        `json:"symbol"`
	Delay     time.Duration `json:"delay"`
	Threshold time.Duration `json:"threshold"`
	Timestamp time.Time     `json:"timestamp"`
}

// UnusualPriceAlertPayload flags fills printing away from the last market price.
type UnusualPriceAlertPayload struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	FillPrice   decimal.Decimal `json:"fill_price"`
	MarketPrice decimal.Decimal `json:"market_price"`
	Deviation   float64         `json:"deviation"`
	Threshold   float64         `json:"threshold"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PositionUpdatePayload carries a position snapshot after a fill.
type PositionUpdatePayload struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DailyPnLPayload carries the daily profit-and-loss rollup.
type DailyPnLPayload struct {
	Date            string          `json:"date"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	TradeCount      int64           `json:"trade_count"`
	Timestamp       time.Time       `json:"timestamp"`
}

// RiskAlertPayload reports a soft risk limit violation.
type RiskAlertPayload struct {
	Rule      string            `json:"rule"`
	Severity  string            `json:"severity"`
	Symbol    string            `json:"symbol,omitempty"`
	Message   string            `json:"message"`
	Metrics   map[string]string `json:"metrics,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EmergencyStopPayload reports a hard risk breach halting order flow.
type EmergencyStopPayload struct {
	Reason    string    `json:"reason"`
	Rule      string    `json:"rule,omitempty"`
	Resume    bool      `json:"resume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PositionExitPayload suggests closing a position on a stop or target breach.
type PositionExitPayload struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	MarketPrice  decimal.Decimal `json:"market_price"`
	PnL          decimal.Decimal `json:"pnl"`
	ReturnRate   float64         `json:"return_rate"`
	Timestamp    time.Time       `json:"timestamp"`
}

// StrategyLifecyclePayload reports strategy activation state changes.
type StrategyLifecyclePayload struct {
	Strategy  string         `json:"strategy"`
	Symbols   []string       `json:"symbols,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SystemStatusPayload reports component lifecycle transitions.
type SystemStatusPayload struct {
	Component string            `json:"component"`
	Status    string            `json:"status"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SystemErrorPayload reports a recovered internal failure.
type SystemErrorPayload struct {
	Component string    `json:"component"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatPayload carries liveness probe metadata.
type HeartbeatPayload struct {
	Component string    `json:"component"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}
