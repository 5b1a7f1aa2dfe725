// Package schema defines the canonical event envelope, payload types, and
// trading domain objects shared across the engine.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantbridge/quantbridge/errs"
)

// EventType enumerates the closed set of canonical event categories.
type EventType string

const (
	// EventTypeMarketData identifies incoming candle/tick snapshots.
	EventTypeMarketData EventType = "MARKET_DATA_RECEIVED"
	// EventTypeCandleUpdated identifies finished candle notifications.
	EventTypeCandleUpdated EventType = "CANDLE_UPDATED"
	// EventTypeOrderBookUpdated identifies best bid/ask refreshes.
	EventTypeOrderBookUpdated EventType = "ORDERBOOK_UPDATED"
	// EventTypeIndicatorsUpdated identifies recomputed indicator sets.
	EventTypeIndicatorsUpdated EventType = "INDICATORS_UPDATED"
	// EventTypeTradeExecuted identifies venue trade prints.
	EventTypeTradeExecuted EventType = "TRADE_EXECUTED"

	// EventTypeTradingSignal identifies strategy trade intents.
	EventTypeTradingSignal EventType = "TRADING_SIGNAL"

	// EventTypeOrderPlaced identifies broker-acknowledged submissions.
	EventTypeOrderPlaced EventType = "ORDER_PLACED"
	// EventTypeOrderExecuted identifies fills reported by the broker.
	EventTypeOrderExecuted EventType = "ORDER_EXECUTED"
	// EventTypeOrderFailed identifies submissions rejected terminally.
	EventTypeOrderFailed EventType = "ORDER_FAILED"
	// EventTypeOrderCancelled identifies cancelled orders.
	EventTypeOrderCancelled EventType = "ORDER_CANCELLED"
	// EventTypeOrderPartiallyExecuted identifies partial execution progress.
	EventTypeOrderPartiallyExecuted EventType = "ORDER_PARTIALLY_EXECUTED"
	// EventTypeOrderFullyExecuted identifies completed executions.
	EventTypeOrderFullyExecuted EventType = "ORDER_FULLY_EXECUTED"
	// EventTypePartialFillCancelled identifies cancellations that stranded partial fills.
	EventTypePartialFillCancelled EventType = "PARTIAL_FILL_CANCELLED"

	// EventTypeStaleFillAlert identifies partially filled orders with no recent fills.
	EventTypeStaleFillAlert EventType = "STALE_PARTIAL_FILL_ALERT"
	// EventTypeFillDelayAlert identifies fills arriving slower than the configured budget.
	EventTypeFillDelayAlert EventType = "FILL_DELAY_ALERT"
	// EventTypeUnusualPriceAlert identifies fills printing away from the last market price.
	EventTypeUnusualPriceAlert EventType = "UNUSUAL_PRICE_ALERT"

	// EventTypePositionUpdated identifies position snapshots after fills.
	EventTypePositionUpdated EventType = "POSITION_UPDATED"
	// EventTypeDailyPnLUpdated identifies daily profit-and-loss rollups.
	EventTypeDailyPnLUpdated EventType = "DAILY_PNL_UPDATED"

	// EventTypeRiskAlert identifies soft risk limit violations.
	EventTypeRiskAlert EventType = "RISK_ALERT"
	// EventTypeEmergencyStop identifies hard risk breaches halting trading.
	EventTypeEmergencyStop EventType = "EMERGENCY_STOP"
	// EventTypeStopLossTriggered identifies positions breaching their loss floor.
	EventTypeStopLossTriggered EventType = "STOP_LOSS_TRIGGERED"
	// EventTypeTakeProfitTriggered identifies positions reaching their profit target.
	EventTypeTakeProfitTriggered EventType = "TAKE_PROFIT_TRIGGERED"

	// EventTypeStrategyActivated identifies strategy activations.
	EventTypeStrategyActivated EventType = "STRATEGY_ACTIVATED"
	// EventTypeStrategyDeactivated identifies strategy deactivations.
	EventTypeStrategyDeactivated EventType = "STRATEGY_DEACTIVATED"

	// EventTypeSystemStatus identifies component lifecycle notifications.
	EventTypeSystemStatus EventType = "SYSTEM_STATUS"
	// EventTypeSystemError identifies recovered internal failures.
	EventTypeSystemError EventType = "SYSTEM_ERROR"
	// EventTypeHeartbeat identifies liveness probes.
	EventTypeHeartbeat EventType = "HEARTBEAT"
)

var knownEventTypes = map[EventType]struct{}{
	EventTypeMarketData:             {},
	EventTypeCandleUpdated:          {},
	EventTypeOrderBookUpdated:       {},
	EventTypeIndicatorsUpdated:      {},
	EventTypeTradeExecuted:          {},
	EventTypeTradingSignal:          {},
	EventTypeOrderPlaced:            {},
	EventTypeOrderExecuted:          {},
	EventTypeOrderFailed:            {},
	EventTypeOrderCancelled:         {},
	EventTypeOrderPartiallyExecuted: {},
	EventTypeOrderFullyExecuted:     {},
	EventTypePartialFillCancelled:   {},
	EventTypeStaleFillAlert:         {},
	EventTypeFillDelayAlert:         {},
	EventTypeUnusualPriceAlert:      {},
	EventTypePositionUpdated:        {},
	EventTypeDailyPnLUpdated:        {},
	EventTypeRiskAlert:              {},
	EventTypeEmergencyStop:          {},
	EventTypeStopLossTriggered:      {},
	EventTypeTakeProfitTriggered:    {},
	EventTypeStrategyActivated:      {},
	EventTypeStrategyDeactivated:    {},
	EventTypeSystemStatus:           {},
	EventTypeSystemError:            {},
	EventTypeHeartbeat:              {},
}

// KnownEventType reports whether evt belongs to the canonical set.
func KnownEventType(evt EventType) bool {
	_, ok := knownEventTypes[evt]
	return ok
}

// EventTypes returns the canonical event catalogue.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(knownEventTypes))
	for evt := range knownEventTypes {
		out = append(out, evt)
	}
	return out
}

// Priority orders event delivery when consumers fall behind.
type Priority int

const (
	// PriorityLow marks best-effort telemetry events.
	PriorityLow Priority = 1
	// PriorityNormal marks routine data-plane events.
	PriorityNormal Priority = 2
	// PriorityHigh marks order lifecycle events.
	PriorityHigh Priority = 3
	// PriorityCritical marks risk and emergency events.
	PriorityCritical Priority = 4
)

// Valid reports whether the priority belongs to the known band.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority resolves a textual priority, defaulting to NORMAL for blanks.
func ParsePriority(raw string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "NORMAL":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	default:
		return 0, errs.New("schema/priority", errs.CodeInvalid, errs.WithMessage("unknown priority "+strings.TrimSpace(raw)))
	}
}

// Event is the canonical envelope routed through the bus.
type Event struct {
	ID            string        `json:"event_id"`
	Type          EventType     `json:"event_type"`
	Source        string        `json:"source"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Priority      Priority      `json:"priority"`
	TTL           time.Duration `json:"ttl,omitempty"`
	Payload       any           `json:"payload,omitempty"`
}

// EventOption customizes optional envelope fields at construction.
type EventOption func(*Event)

// WithCorrelationID threads a causal chain identifier through the event.
func WithCorrelationID(id string) EventOption {
	trimmed := strings.TrimSpace(id)
	return func(e *Event) {
		e.CorrelationID = trimmed
	}
}

// WithPriority overrides the default NORMAL priority.
func WithPriority(p Priority) EventOption {
	return func(e *Event) {
		e.Priority = p
	}
}

// WithTTL bounds the event's useful lifetime.
func WithTTL(ttl time.Duration) EventOption {
	return func(e *Event) {
		if ttl > 0 {
			e.TTL = ttl
		}
	}
}

// WithEventID pins the envelope id, overriding the generated one.
func WithEventID(id string) EventOption {
	trimmed := strings.TrimSpace(id)
	return func(e *Event) {
		if trimmed != "" {
			e.ID = trimmed
		}
	}
}

// NewEvent assembles an envelope with a fresh id and timestamp.
func NewEvent(evt EventType, source string, payload any, opts ...EventOption) *Event {
	e := &Event{
		ID:        uuid.NewString(),
		Type:      evt,
		Source:    strings.TrimSpace(source),
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
		Payload:   payload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Validate checks envelope integrity and payload/type agreement.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	if strings.TrimSpace(e.ID) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if !KnownEventType(e.Type) {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("unknown event type "+string(e.Type)))
	}
	if strings.TrimSpace(e.Source) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event source required"))
	}
	if !e.Priority.Valid() {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("priority out of range"))
	}
	if e.TTL < 0 {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("negative ttl"))
	}
	return ValidatePayload(e.Type, e.Payload)
}

// Expired reports whether the event outlived its TTL at the given instant.
// Events without a TTL never expire.
func (e *Event) Expired(now time.Time) bool {
	if e == nil || e.TTL <= 0 || e.Timestamp.IsZero() {
		return false
	}
	return now.Sub(e.Timestamp) > e.TTL
}

// ValidatePayload enforces the payload type bound to each event type.
// A nil payload is only legal for heartbeats.
func ValidatePayload(evt EventType, payload any) error {
	ok := false
	switch evt {
	case EventTypeMarketData, EventTypeCandleUpdated:
		_, ok = payload.(*MarketData)
	case EventTypeOrderBookUpdated:
		_, ok = payload.(*OrderBookPayload)
	case EventTypeIndicatorsUpdated:
		_, ok = payload.(*IndicatorsPayload)
	case EventTypeTradeExecuted:
		_, ok = payload.(*TradePayload)
	case EventTypeTradingSignal:
		_, ok = payload.(*TradingSignal)
	case EventTypeOrderPlaced:
		_, ok = payload.(*OrderPlacedPayload)
	case EventTypeOrderExecuted:
		_, ok = payload.(*Fill)
	case EventTypeOrderFailed:
		_, ok = payload.(*OrderFailedPayload)
	case EventTypeOrderCancelled, EventTypePartialFillCancelled:
		_, ok = payload.(*OrderCancelledPayload)
	case EventTypeOrderPartiallyExecuted, EventTypeOrderFullyExecuted:
		_, ok = payload.(*ExecutionProgressPayload)
	case EventTypeStaleFillAlert:
		_, ok = payload.(*StaleFillAlertPayload)
	case EventTypeFillDelayAlert:
		_, ok = payload.(*FillDelayAlertPayload)
	case EventTypeUnusualPriceAlert:
		_, ok = payload.(*UnusualPriceAlertPayload)
	case EventTypePositionUpdated:
		_, ok = payload.(*PositionUpdatePayload)
	case EventTypeDailyPnLUpdated:
		_, ok = payload.(*DailyPnLPayload)
	case EventTypeRiskAlert:
		_, ok = payload.(*RiskAlertPayload)
	case EventTypeEmergencyStop:
		_, ok = payload.(*EmergencyStopPayload)
	case EventTypeStopLossTriggered, EventTypeTakeProfitTriggered:
		_, ok = payload.(*PositionExitPayload)
	case EventTypeStrategyActivated, EventTypeStrategyDeactivated:
		_, ok = payload.(*StrategyLifecyclePayload)
	case EventTypeSystemStatus:
		_, ok = payload.(*SystemStatusPayload)
	case EventTypeSystemError:
		_, ok = payload.(*SystemErrorPayload)
	case EventTypeHeartbeat:
		if payload == nil {
			return nil
		}
		_, ok = payload.(*HeartbeatPayload)
	default:
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("unknown event type "+string(evt)))
	}
	if !ok {
		return errs.New("schema/event", errs.CodeInvalid,
			errs.WithMessage("payload type mismatch for "+string(evt)))
	}
	return nil
}
