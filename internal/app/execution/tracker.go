package execution

import (
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// Tracker aggregates the fills of one working order. It exists from the
// broker acknowledgement until the order reaches a terminal state, and it
// is the single source of truth for execution progress events.
type Tracker struct {
	OrderID       string
	Symbol        string
	Side          schema.OrderSide
	TotalQuantity decimal.Decimal
	Filled        decimal.Decimal
	AveragePrice  decimal.Decimal
	Commission    decimal.Decimal
	CreatedAt     time.Time
	LastFillAt    time.Time

	fillIDs map[string]struct{}
}

func newTracker(orderID, symbol string, side schema.OrderSide, quantity decimal.Decimal, at time.Time) *Tracker {
	return &Tracker{
		OrderID:       orderID,
		Symbol:        symbol,
		Side:          side,
		TotalQuantity: quantity,
		CreatedAt:     at,
		fillIDs:       make(map[string]struct{}),
	}
}

// Remaining is the quantity still working at the broker.
func (t *Tracker) Remaining() decimal.Decimal {
	return t.TotalQuantity.Sub(t.Filled)
}

// FillRatio is filled over total in [0,1].
func (t *Tracker) FillRatio() float64 {
	if t.TotalQuantity.Sign() <= 0 {
		return 0
	}
	ratio, _ := t.Filled.Div(t.TotalQuantity).Float64()
	return ratio
}

// FullyFilled reports whether every share has executed.
func (t *Tracker) FullyFilled() bool {
	return t.Filled.GreaterThanOrEqual(t.TotalQuantity)
}

// PartiallyFilled reports whether some but not all quantity executed.
func (t *Tracker) PartiallyFilled() bool {
	return t.Filled.Sign() > 0 && t.Filled.LessThan(t.TotalQuantity)
}

// FillCount is the number of distinct fills absorbed.
func (t *Tracker) FillCount() int { return len(t.fillIDs) }

func (t *Tracker) seen(fillID string) bool {
	_, ok := t.fillIDs[fillID]
	return ok
}

// addFill folds one fill into the running totals. The caller has already
// screened duplicates; anything rejected here is a hard error because the
// order book and the broker disagree about the order.
func (t *Tracker) addFill(fill *schema.Fill, minSize decimal.Decimal, maxFills int) error {
	if maxFills > 0 && len(t.fillIDs) >= maxFills {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("order "+t.OrderID+" exceeded "+strconv.Itoa(maxFills)+" fills"))
	}
	if minSize.Sign() > 0 && fill.Quantity.LessThan(minSize) {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("fill "+fill.ID+" below minimum size "+minSize.String()))
	}
	if t.Filled.Add(fill.Quantity).GreaterThan(t.TotalQuantity) {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("fill "+fill.ID+" exceeds remaining "+t.Remaining().String()+" on order "+t.OrderID))
	}

	if t.Filled.Sign() == 0 {
		t.AveragePrice = fill.Price
	} else {
		notional := t.AveragePrice.Mul(t.Filled).Add(fill.Price.Mul(fill.Quantity))
		t.AveragePrice = notional.Div(t.Filled.Add(fill.Quantity))
	}
	t.Filled = t.Filled.Add(fill.Quantity)
	t.Commission = t.Commission.Add(fill.Commission)
	t.LastFillAt = fill.Timestamp
	t.fillIDs[fill.ID] = struct{}{}
	return nil
}

// Status is the queryable execution state of one order.
type Status struct {
	OrderID         string           `json:"order_id"`
	Symbol          string           `json:"symbol"`
	Side            schema.OrderSide `json:"side"`
	TotalQuantity   decimal.Decimal  `json:"total_quantity"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	Remaining       decimal.Decimal  `json:"remaining_quantity"`
	FillRatio       float64          `json:"fill_ratio"`
	AveragePrice    decimal.Decimal  `json:"average_fill_price"`
	TotalCommission decimal.Decimal  `json:"total_commission"`
	FillCount       int              `json:"fill_count"`
	FullyFilled     bool             `json:"is_fully_filled"`
	PartiallyFilled bool             `json:"is_partially_filled"`
	CreatedAt       time.Time        `json:"created_at"`
	LastFillAt      time.Time        `json:"last_fill_at,omitempty"`
}

func (t *Tracker) status() Status {
	return Status{
		OrderID:         t.OrderID,
		Symbol:          t.Symbol,
		Side:            t.Side,
		TotalQuantity:   t.TotalQuantity,
		FilledQuantity:  t.Filled,
		Remaining:       t.Remaining(),
		FillRatio:       t.FillRatio(),
		AveragePrice:    t.AveragePrice,
		TotalCommission: t.Commission,
		FillCount:       t.FillCount(),
		FullyFilled:     t.FullyFilled(),
		PartiallyFilled: t.PartiallyFilled(),
		CreatedAt:       t.CreatedAt,
		LastFillAt:      t.LastFillAt,
	}
}

// snapshotFields flattens the tracker into the store hash. Fill ids ride
// along as a JSON array so duplicate screening survives a restart.
func (t *Tracker) snapshotFields(now time.Time) map[string]string {
	ids := make([]string, 0, len(t.fillIDs))
	for id := range t.fillIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	encoded, _ := json.Marshal(ids)

	fields := map[string]string{
		"order_id":           t.OrderID,
		"symbol":             t.Symbol,
		"side":               string(t.Side),
		"total_quantity":     t.TotalQuantity.String(),
		"filled_quantity":    t.Filled.String(),
		"average_fill_price": t.AveragePrice.String(),
		"total_commission":   t.Commission.String(),
		"fill_count":         strconv.Itoa(len(t.fillIDs)),
		"fill_ids":           string(encoded),
		"created_at":         t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":         now.UTC().Format(time.RFC3339Nano),
	}
	if !t.LastFillAt.IsZero() {
		fields["last_fill_at"] = t.LastFillAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func parseTracker(fields map[string]string) (*Tracker, error) {
	orderID := strings.TrimSpace(fields["order_id"])
	if orderID == "" {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("snapshot missing order_id"))
	}
	symbol := strings.TrimSpace(fields["symbol"])
	if symbol == "" {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("snapshot missing symbol"))
	}
	total, err := decimal.NewFromString(fields["total_quantity"])
	if err != nil || total.Sign() <= 0 {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("snapshot has bad total_quantity"))
	}

	t := newTracker(orderID, symbol, schema.OrderSide(fields["side"]), total, time.Time{})
	if v, err := decimal.NewFromString(fields["filled_quantity"]); err == nil {
		t.Filled = v
	}
	if v, err := decimal.NewFromString(fields["average_fill_price"]); err == nil {
		t.AveragePrice = v
	}
	if v, err := decimal.NewFromString(fields["total_commission"]); err == nil {
		t.Commission = v
	}
	if v, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		t.CreatedAt = v
	}
	if raw := fields["last_fill_at"]; raw != "" {
		if v, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			t.LastFillAt = v
		}
	}
	if raw := fields["fill_ids"]; raw != "" {
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err == nil {
			for _, id := range ids {
				t.fillIDs[id] = struct{}{}
			}
		}
	}
	return t, nil
}
