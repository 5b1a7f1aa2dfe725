// Package broker defines the brokerage capability the order engine drives.
// Implementations acknowledge orders synchronously and report executions
// asynchronously by publishing ORDER_EXECUTED events carrying Fill payloads.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// OrderResult is the broker's synchronous answer to a place or cancel call.
type OrderResult struct {
	Success       bool              `json:"success"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	Message       string            `json:"message,omitempty"`
	ErrorCode     string            `json:"error_code,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AccountBalance reports the cash and asset totals the broker holds.
type AccountBalance struct {
	AvailableCash decimal.Decimal `json:"available_cash"`
	TotalAssets   decimal.Decimal `json:"total_assets"`
}

// Adapter is the order-side brokerage surface. Calls may fail with
// categorized errors; callers classify them through errs.Classify to decide
// between retry and terminal failure.
type Adapter interface {
	Name() string

	// PlaceOrder transmits a new order. A nil error means the broker accepted
	// it; fills arrive later as ORDER_EXECUTED events.
	PlaceOrder(ctx context.Context, order *schema.Order) (OrderResult, error)

	// CancelOrder cancels the unfilled remainder of an active order.
	CancelOrder(ctx context.Context, orderID string) (OrderResult, error)

	// OrderStatus returns the broker's view of the order, or a not_found
	// error for unknown ids.
	OrderStatus(ctx context.Context, orderID string) (*schema.Order, error)

	// Positions lists the broker-side holdings.
	Positions(ctx context.Context) ([]*schema.Position, error)

	// AccountBalance reports available cash and total asset value.
	AccountBalance(ctx context.Context) (AccountBalance, error)
}
