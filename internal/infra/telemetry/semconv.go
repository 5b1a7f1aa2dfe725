package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for engine-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters/histograms with the canonical event classification (e.g. TRADING_SIGNAL, ORDER_EXECUTED).
	AttrEventType = attribute.Key("event.type")
	// AttrSource identifies which component published the signal.
	AttrSource = attribute.Key("source")
	// AttrComponent names the subscribing or emitting engine component.
	AttrComponent = attribute.Key("component")
	// AttrSymbol captures the tradable instrument symbol (e.g. 005930).
	AttrSymbol = attribute.Key("symbol")
	// AttrStrategy labels signal and order telemetry with the originating strategy.
	AttrStrategy = attribute.Key("strategy")
	// AttrOrderSide labels order telemetry with BUY/SELL intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderType distinguishes limit vs market orders in execution metrics.
	AttrOrderType = attribute.Key("order.type")
	// AttrOrderStatus captures the order lifecycle status reported (SUBMITTED, FILLED, REJECTED, ...).
	AttrOrderStatus = attribute.Key("order.status")
	// AttrPriority records the event priority band (LOW..CRITICAL).
	AttrPriority = attribute.Key("priority")
	// AttrOperation differentiates specific operations (e.g. place_order, cancel_order).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrBreakerState labels circuit breaker telemetry (closed, open, half-open).
	AttrBreakerState = attribute.Key("breaker.state")
	// AttrStoreBackend distinguishes state store backends (memory, postgres).
	AttrStoreBackend = attribute.Key("store.backend")
)

// Helper functions for creating common attribute sets

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType, source, symbol string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
	if source != "" {
		attrs = append(attrs, AttrSource.String(source))
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	return attrs
}

// OrderAttributes returns attributes for order-related metrics.
func OrderAttributes(environment, symbol, side, orderType, strategy string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if orderType != "" {
		attrs = append(attrs, AttrOrderType.String(orderType))
	}
	if strategy != "" {
		attrs = append(attrs, AttrStrategy.String(strategy))
	}
	return attrs
}

// StrategyAttributes returns attributes for strategy evaluation metrics.
func StrategyAttributes(environment, strategy, symbol string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategy.String(strategy),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, component, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// StoreAttributes returns attributes for state store operation metrics.
func StoreAttributes(environment, backend, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStoreBackend.String(backend),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
