package statestore

import "time"

// Key prefixes shared by every backend. Centralizing the layout here keeps
// producers and consumers of the same entry in agreement.
const (
	prefixMarketData      = "market_data:"
	prefixIndicators      = "indicators:"
	prefixOrderBook       = "orderbook:"
	prefixPositions       = "positions:"
	prefixFills           = "fills:"
	prefixDailyStats      = "daily_stats:"
	prefixBrokerOrders    = "broker_orders:"
	prefixExecutions      = "executions:"
	prefixStrategyMetrics = "strategy_metrics:"
	prefixStrategySignals = "strategy_signals:"

	// KeyQueuePending holds the hash of queued orders awaiting dispatch.
	KeyQueuePending = "order_queue:pending"
	// KeyQueueProcessing holds the hash of orders handed to workers.
	KeyQueueProcessing = "order_queue:processing"
	// KeyQueueHistory holds the list of completed queue entries.
	KeyQueueHistory = "order_queue:history"
)

// DateLayout formats the day component of date-scoped keys.
const DateLayout = "2006-01-02"

// MarketDataKey addresses the latest candle hash for a symbol.
func MarketDataKey(symbol string) string { return prefixMarketData + symbol }

// IndicatorsKey addresses the indicator document for a symbol.
func IndicatorsKey(symbol string) string { return prefixIndicators + symbol }

// OrderBookKey addresses the best bid/ask hash for a symbol.
func OrderBookKey(symbol string) string { return prefixOrderBook + symbol }

// PositionKey addresses the open position hash for a symbol.
func PositionKey(symbol string) string { return prefixPositions + symbol }

// PositionPrefix scans every open position.
func PositionPrefix() string { return prefixPositions }

// FillsKey addresses the per-symbol fill list for a trading day.
func FillsKey(symbol string, day time.Time) string {
	return prefixFills + symbol + ":" + day.Format(DateLayout)
}

// DailyStatsKey addresses the rollup hash for a trading day.
func DailyStatsKey(day time.Time) string {
	return prefixDailyStats + day.Format(DateLayout)
}

// BrokerOrderKey maps a broker-assigned order id back to the internal id.
func BrokerOrderKey(brokerOrderID string) string { return prefixBrokerOrders + brokerOrderID }

// ExecutionKey addresses the execution tracker snapshot for an order.
func ExecutionKey(orderID string) string { return prefixExecutions + orderID }

// ExecutionPrefix scans every live execution tracker.
func ExecutionPrefix() string { return prefixExecutions }

// StrategyMetricsKey addresses the rolled-up performance document for a strategy.
func StrategyMetricsKey(strategy string) string { return prefixStrategyMetrics + strategy }

// StrategyMetricsPrefix scans every strategy performance document.
func StrategyMetricsPrefix() string { return prefixStrategyMetrics }

// SignalRecordKey addresses one recorded signal.
func SignalRecordKey(signalID string) string { return prefixStrategySignals + signalID }

// SignalHistoryKey addresses the per-strategy list of recorded signal ids.
func SignalHistoryKey(strategy string) string {
	return prefixStrategySignals + strategy + ":history"
}
