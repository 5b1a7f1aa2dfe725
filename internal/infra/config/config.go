// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
)

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

const defaultWorkerCount = 10

// WorkerSetting encapsulates a worker-count option allowing both numeric and
// symbolic values.
type WorkerSetting struct {
	kind  workerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for worker counts.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{kind: workerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = workerUnset
		s.value = 0
		return nil
	}

	lower := strings.ToLower(text)
	switch lower {
	case "auto":
		s.kind = workerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = workerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("workers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	s.kind = workerExplicit
	s.value = val
	return nil
}

// Resolve returns the effective worker count derived from the setting.
func (s WorkerSetting) Resolve() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultWorkerCount
	case workerDefault, workerUnset:
		return defaultWorkerCount
	default:
		return defaultWorkerCount
	}
}

// ExplicitWorkers returns a setting pinned to the given count.
func ExplicitWorkers(count int) WorkerSetting {
	return WorkerSetting{kind: workerExplicit, value: count}
}

// EngineConfig sets order engine limits and submission behaviour.
type EngineConfig struct {
	MaxOrderValue       string   `yaml:"maxOrderValue"`
	MaxPositionCount    int      `yaml:"maxPositionCount"`
	OrderTimeout        Duration `yaml:"orderTimeout"`
	EnablePartialFills  *bool    `yaml:"enablePartialFills"`
	MinOrderQuantity    string   `yaml:"minOrderQuantity"`
	MaxOrderQuantity    string   `yaml:"maxOrderQuantity"`
	CashAllocationRatio float64  `yaml:"cashAllocationRatio"`
	MaxSubmitRetries    int      `yaml:"maxSubmitRetries"`
	SubmitRatePerSec    float64  `yaml:"submitRatePerSec"`
	SubmitBurst         int      `yaml:"submitBurst"`
}

func (c *EngineConfig) applyDefaults() {
	if strings.TrimSpace(c.MaxOrderValue) == "" {
		c.MaxOrderValue = "10000000"
	}
	if c.MaxPositionCount <= 0 {
		c.MaxPositionCount = 10
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = Duration(30 * time.Second)
	}
	if c.EnablePartialFills == nil {
		v := true
		c.EnablePartialFills = &v
	}
	if strings.TrimSpace(c.MinOrderQuantity) == "" {
		c.MinOrderQuantity = "1"
	}
	if strings.TrimSpace(c.MaxOrderQuantity) == "" {
		c.MaxOrderQuantity = "100000"
	}
	if c.CashAllocationRatio <= 0 {
		c.CashAllocationRatio = 0.1
	}
	if c.MaxSubmitRetries <= 0 {
		c.MaxSubmitRetries = 3
	}
	if c.SubmitRatePerSec <= 0 {
		c.SubmitRatePerSec = 5
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 10
	}
}

func (c EngineConfig) validate() error {
	if err := checkDecimal("maxOrderValue", c.MaxOrderValue); err != nil {
		return err
	}
	if err := checkDecimal("minOrderQuantity", c.MinOrderQuantity); err != nil {
		return err
	}
	if err := checkDecimal("maxOrderQuantity", c.MaxOrderQuantity); err != nil {
		return err
	}
	minQty, _ := decimal.NewFromString(c.MinOrderQuantity)
	maxQty, _ := decimal.NewFromString(c.MaxOrderQuantity)
	if minQty.GreaterThan(maxQty) {
		return fmt.Errorf("minOrderQuantity must be <= maxOrderQuantity")
	}
	if c.MaxPositionCount <= 0 {
		return fmt.Errorf("maxPositionCount must be >0")
	}
	if c.CashAllocationRatio <= 0 || c.CashAllocationRatio > 1 {
		return fmt.Errorf("cashAllocationRatio must be in (0,1]")
	}
	return nil
}

// BusConfig sets event bus sizing and delivery policy.
type BusConfig struct {
	MaxWorkers           WorkerSetting `yaml:"maxWorkers"`
	BufferSize           int           `yaml:"bufferSize"`
	HighWaterMark        int           `yaml:"highWaterMark"`
	HandlerTimeout       Duration      `yaml:"handlerTimeout"`
	ShutdownTimeout      Duration      `yaml:"shutdownTimeout"`
	EnableBatching       *bool         `yaml:"enableBatching"`
	BatchSize            int           `yaml:"batchSize"`
	BatchTimeout         Duration      `yaml:"batchTimeout"`
	EnableCircuitBreaker *bool         `yaml:"enableCircuitBreaker"`
	BreakerThreshold     int           `yaml:"breakerThreshold"`
	BreakerCooldown      Duration      `yaml:"breakerCooldown"`
	EnableDeadLetter     *bool         `yaml:"enableDeadLetterQueue"`
	DeadLetterLimit      int           `yaml:"deadLetterLimit"`
}

func (c *BusConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > c.BufferSize {
		c.HighWaterMark = c.BufferSize * 3 / 4
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = Duration(30 * time.Second)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.EnableBatching == nil {
		v := true
		c.EnableBatching = &v
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = Duration(50 * time.Millisecond)
	}
	if c.EnableCircuitBreaker == nil {
		v := true
		c.EnableCircuitBreaker = &v
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = Duration(30 * time.Second)
	}
	if c.EnableDeadLetter == nil {
		v := true
		c.EnableDeadLetter = &v
	}
	if c.DeadLetterLimit <= 0 {
		c.DeadLetterLimit = 256
	}
}

func (c BusConfig) validate() error {
	if c.MaxWorkers.Resolve() <= 0 {
		return fmt.Errorf("maxWorkers must be >0")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("bufferSize must be >0")
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > c.BufferSize {
		return fmt.Errorf("highWaterMark must be in (0,bufferSize]")
	}
	return nil
}

// MemoryBusConfig maps the section onto the bus runtime configuration.
func (c BusConfig) MemoryBusConfig() eventbus.MemoryConfig {
	return eventbus.MemoryConfig{
		MaxWorkers:           c.MaxWorkers.Resolve(),
		BufferSize:           c.BufferSize,
		HighWaterMark:        c.HighWaterMark,
		HandlerTimeout:       c.HandlerTimeout.Std(),
		ShutdownTimeout:      c.ShutdownTimeout.Std(),
		EnableBatching:       boolValue(c.EnableBatching, true),
		BatchSize:            c.BatchSize,
		BatchTimeout:         c.BatchTimeout.Std(),
		EnableCircuitBreaker: boolValue(c.EnableCircuitBreaker, true),
		BreakerThreshold:     c.BreakerThreshold,
		BreakerCooldown:      c.BreakerCooldown.Std(),
		EnableDeadLetter:     boolValue(c.EnableDeadLetter, true),
		DeadLetterLimit:      c.DeadLetterLimit,
	}
}

// QueueConfig sets order queue capacity and eviction behaviour.
type QueueConfig struct {
	MaxQueueSize        int            `yaml:"maxQueueSize"`
	MaxConcurrentOrders int            `yaml:"maxConcurrentOrders"`
	PriorityTimeout     Duration       `yaml:"priorityTimeout"`
	StrategyPriorities  map[string]int `yaml:"strategyPriorities"`
}

func (c *QueueConfig) applyDefaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.MaxConcurrentOrders <= 0 {
		c.MaxConcurrentOrders = 10
	}
	if c.PriorityTimeout <= 0 {
		c.PriorityTimeout = Duration(300 * time.Second)
	}
}

func (c QueueConfig) validate() error {
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("maxQueueSize must be >0")
	}
	if c.MaxConcurrentOrders <= 0 {
		return fmt.Errorf("maxConcurrentOrders must be >0")
	}
	for name := range c.StrategyPriorities {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("strategyPriorities: empty strategy name")
		}
	}
	return nil
}

// CommissionConfig sets the fee schedule. Rates are decimal strings so the
// YAML round-trips without float drift.
type CommissionConfig struct {
	Schedule             string            `yaml:"schedule"`
	BrokerageRate        string            `yaml:"brokerageRate"`
	MinBrokerageFee      string            `yaml:"minBrokerageFee"`
	ExchangeFeeRate      string            `yaml:"exchangeFeeRate"`
	ClearingFeeRate      string            `yaml:"clearingFeeRate"`
	TransactionTaxRate   string            `yaml:"transactionTaxRate"`
	RuralTaxRate         string            `yaml:"ruralTaxRate"`
	VIPDiscountRate      string            `yaml:"vipDiscountRate"`
	OnlineDiscountRate   string            `yaml:"onlineDiscountRate"`
	FrequentDiscountRate string            `yaml:"frequentDiscountRate"`
	MaxDiscountRate      string            `yaml:"maxDiscountRate"`
	IsVIP                bool              `yaml:"isVip"`
	OnlineTrading        *bool             `yaml:"onlineTrading"`
	FrequentTrader       bool              `yaml:"frequentTrader"`
	SpecialRates         map[string]string `yaml:"specialRates"`
}

func (c *CommissionConfig) applyDefaults() {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "equity"
	}
	// ETF trades carry a reduced brokerage schedule.
	brokerage, minFee := "0.00015", "100"
	if strings.EqualFold(strings.TrimSpace(c.Schedule), "etf") {
		brokerage, minFee = "0.00005", "50"
	}
	if strings.TrimSpace(c.BrokerageRate) == "" {
		c.BrokerageRate = brokerage
	}
	if strings.TrimSpace(c.MinBrokerageFee) == "" {
		c.MinBrokerageFee = minFee
	}
	if strings.TrimSpace(c.ExchangeFeeRate) == "" {
		c.ExchangeFeeRate = "0.0000080"
	}
	if strings.TrimSpace(c.ClearingFeeRate) == "" {
		c.ClearingFeeRate = "0.0000154"
	}
	if strings.TrimSpace(c.TransactionTaxRate) == "" {
		c.TransactionTaxRate = "0.0023"
	}
	if strings.TrimSpace(c.RuralTaxRate) == "" {
		c.RuralTaxRate = "0.2"
	}
	if strings.TrimSpace(c.VIPDiscountRate) == "" {
		c.VIPDiscountRate = "0.5"
	}
	if strings.TrimSpace(c.OnlineDiscountRate) == "" {
		c.OnlineDiscountRate = "0.2"
	}
	if strings.TrimSpace(c.FrequentDiscountRate) == "" {
		c.FrequentDiscountRate = "0.1"
	}
	if strings.TrimSpace(c.MaxDiscountRate) == "" {
		c.MaxDiscountRate = "0.8"
	}
	if c.OnlineTrading == nil {
		v := true
		c.OnlineTrading = &v
	}
}

func (c CommissionConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Schedule)) {
	case "equity", "etf", "foreign":
	default:
		return fmt.Errorf("schedule must be one of equity, etf, foreign")
	}
	fields := map[string]string{
		"brokerageRate":        c.BrokerageRate,
		"minBrokerageFee":      c.MinBrokerageFee,
		"exchangeFeeRate":      c.ExchangeFeeRate,
		"clearingFeeRate":      c.ClearingFeeRate,
		"transactionTaxRate":   c.TransactionTaxRate,
		"ruralTaxRate":         c.RuralTaxRate,
		"vipDiscountRate":      c.VIPDiscountRate,
		"onlineDiscountRate":   c.OnlineDiscountRate,
		"frequentDiscountRate": c.FrequentDiscountRate,
		"maxDiscountRate":      c.MaxDiscountRate,
	}
	for name, value := range fields {
		if err := checkDecimal(name, value); err != nil {
			return err
		}
	}
	for symbol, rate := range c.SpecialRates {
		if strings.TrimSpace(symbol) == "" {
			return fmt.Errorf("specialRates: empty symbol")
		}
		if err := checkDecimal("specialRates["+symbol+"]", rate); err != nil {
			return err
		}
	}
	return nil
}

// PositionConfig sets position accounting limits.
type PositionConfig struct {
	EnableShortSelling bool     `yaml:"enableShortSelling"`
	PositionSizeLimit  string   `yaml:"positionSizeLimit"`
	DefaultVolatility  float64  `yaml:"defaultVolatility"`
	SnapshotInterval   Duration `yaml:"snapshotInterval"`
}

func (c *PositionConfig) applyDefaults() {
	if strings.TrimSpace(c.PositionSizeLimit) == "" {
		c.PositionSizeLimit = "100000000"
	}
	if c.DefaultVolatility <= 0 {
		c.DefaultVolatility = 0.02
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = Duration(60 * time.Second)
	}
}

func (c PositionConfig) validate() error {
	if err := checkDecimal("positionSizeLimit", c.PositionSizeLimit); err != nil {
		return err
	}
	if c.DefaultVolatility <= 0 || c.DefaultVolatility >= 1 {
		return fmt.Errorf("defaultVolatility must be in (0,1)")
	}
	return nil
}

// ExecutionConfig sets the fill monitor thresholds.
type ExecutionConfig struct {
	MaxFillDelay          Duration `yaml:"maxFillDelay"`
	MaxPartialFillTime    Duration `yaml:"maxPartialFillTime"`
	UnusualPriceThreshold float64  `yaml:"unusualPriceThreshold"`
	MinFillSize           string   `yaml:"minFillSize"`
	MaxFillsPerOrder      int      `yaml:"maxFillsPerOrder"`
	SweepInterval         Duration `yaml:"sweepInterval"`
}

func (c *ExecutionConfig) applyDefaults() {
	if c.MaxFillDelay <= 0 {
		c.MaxFillDelay = Duration(60 * time.Second)
	}
	if c.MaxPartialFillTime <= 0 {
		c.MaxPartialFillTime = Duration(300 * time.Second)
	}
	if c.UnusualPriceThreshold <= 0 {
		c.UnusualPriceThreshold = 0.05
	}
	if strings.TrimSpace(c.MinFillSize) == "" {
		c.MinFillSize = "1"
	}
	if c.MaxFillsPerOrder <= 0 {
		c.MaxFillsPerOrder = 100
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = Duration(60 * time.Second)
	}
}

func (c ExecutionConfig) validate() error {
	if err := checkDecimal("minFillSize", c.MinFillSize); err != nil {
		return err
	}
	if c.UnusualPriceThreshold <= 0 || c.UnusualPriceThreshold >= 1 {
		return fmt.Errorf("unusualPriceThreshold must be in (0,1)")
	}
	if c.MaxFillsPerOrder <= 0 {
		return fmt.Errorf("maxFillsPerOrder must be >0")
	}
	return nil
}

// PerformanceConfig sets the strategy performance tracker parameters.
type PerformanceConfig struct {
	RiskFreeRate       float64 `yaml:"riskFreeRate"`
	TradingDaysPerYear int     `yaml:"tradingDaysPerYear"`
	HistoryLimit       int     `yaml:"historyLimit"`
}

func (c *PerformanceConfig) applyDefaults() {
	if c.RiskFreeRate <= 0 {
		c.RiskFreeRate = 0.02
	}
	if c.TradingDaysPerYear <= 0 {
		c.TradingDaysPerYear = 252
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
}

func (c PerformanceConfig) validate() error {
	if c.RiskFreeRate < 0 || c.RiskFreeRate >= 1 {
		return fmt.Errorf("riskFreeRate must be in [0,1)")
	}
	if c.TradingDaysPerYear <= 0 {
		return fmt.Errorf("tradingDaysPerYear must be >0")
	}
	return nil
}

// RiskConfig sets portfolio guard limits.
type RiskConfig struct {
	MaxDailyLoss     string   `yaml:"maxDailyLoss"`
	MaxPositionValue string   `yaml:"maxPositionValue"`
	MaxOpenPositions int      `yaml:"maxOpenPositions"`
	OrderRatePerSec  float64  `yaml:"orderRatePerSec"`
	OrderBurst       int      `yaml:"orderBurst"`
	StopLossRatio    float64  `yaml:"stopLossRatio"`
	CheckInterval    Duration `yaml:"checkInterval"`
}

func (c *RiskConfig) applyDefaults() {
	if strings.TrimSpace(c.MaxDailyLoss) == "" {
		c.MaxDailyLoss = "50000000"
	}
	if strings.TrimSpace(c.MaxPositionValue) == "" {
		c.MaxPositionValue = "100000000"
	}
	if c.MaxOpenPositions <= 0 {
		c.MaxOpenPositions = 10
	}
	if c.OrderRatePerSec <= 0 {
		c.OrderRatePerSec = 10
	}
	if c.OrderBurst <= 0 {
		c.OrderBurst = 20
	}
	if c.StopLossRatio <= 0 {
		c.StopLossRatio = 0.05
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = Duration(10 * time.Second)
	}
}

func (c RiskConfig) validate() error {
	if err := checkDecimal("maxDailyLoss", c.MaxDailyLoss); err != nil {
		return err
	}
	if err := checkDecimal("maxPositionValue", c.MaxPositionValue); err != nil {
		return err
	}
	if c.StopLossRatio <= 0 || c.StopLossRatio >= 1 {
		return fmt.Errorf("stopLossRatio must be in (0,1)")
	}
	if c.OrderRatePerSec <= 0 {
		return fmt.Errorf("orderRatePerSec must be >0")
	}
	if c.OrderBurst <= 0 {
		return fmt.Errorf("orderBurst must be >0")
	}
	return nil
}

// JournalConfig tunes the trade journal subscriber. The journal is wired
// only when the storage backend is postgres.
type JournalConfig struct {
	MaxRetries           int      `yaml:"maxRetries"`
	RetryInitialInterval Duration `yaml:"retryInitialInterval"`
	RetryMaxInterval     Duration `yaml:"retryMaxInterval"`
	MetricsFlushInterval Duration `yaml:"metricsFlushInterval"`
}

func (c *JournalConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = Duration(100 * time.Millisecond)
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = Duration(2 * time.Second)
	}
	if c.MetricsFlushInterval <= 0 {
		c.MetricsFlushInterval = Duration(time.Minute)
	}
}

func (c JournalConfig) validate() error {
	if c.RetryMaxInterval < c.RetryInitialInterval {
		return fmt.Errorf("retryMaxInterval must be >= retryInitialInterval")
	}
	return nil
}

// FeedConfig selects and tunes the market data source.
type FeedConfig struct {
	Source        string   `yaml:"source"`
	URL           string   `yaml:"url"`
	File          string   `yaml:"file"`
	Symbols       []string `yaml:"symbols"`
	Interval      Duration `yaml:"interval"`
	PaceWallClock bool     `yaml:"paceWallClock"`
	ReconnectMax  Duration `yaml:"reconnectMax"`
	PingInterval  Duration `yaml:"pingInterval"`
}

func (c *FeedConfig) applyDefaults() {
	if strings.TrimSpace(c.Source) == "" {
		c.Source = "synthetic"
	}
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"005930"}
	}
	if c.Interval <= 0 {
		c.Interval = Duration(time.Second)
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = Duration(time.Minute)
	}
	if c.PingInterval <= 0 {
		c.PingInterval = Duration(30 * time.Second)
	}
}

func (c FeedConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Source)) {
	case "websocket":
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("url required for websocket source")
		}
	case "replay":
		if strings.TrimSpace(c.File) == "" {
			return fmt.Errorf("file required for replay source")
		}
	case "synthetic":
	default:
		return fmt.Errorf("source must be one of websocket, replay, synthetic")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol required")
	}
	return nil
}

// BrokerConfig tunes the paper broker.
type BrokerConfig struct {
	Name         string   `yaml:"name"`
	InitialCash  string   `yaml:"initialCash"`
	Latency      Duration `yaml:"latency"`
	SlippageBps  float64  `yaml:"slippageBps"`
	FillSlices   int      `yaml:"fillSlices"`
	FailureRate  float64  `yaml:"failureRate"`
	FailureClass string   `yaml:"failureClass"`
	RatePerSec   float64  `yaml:"ratePerSec"`
	Burst        int      `yaml:"burst"`
}

func (c *BrokerConfig) applyDefaults() {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "paper"
	}
	if strings.TrimSpace(c.InitialCash) == "" {
		c.InitialCash = "1000000000"
	}
	if c.Latency < 0 {
		c.Latency = 0
	}
	if c.FillSlices <= 0 {
		c.FillSlices = 1
	}
	if strings.TrimSpace(c.FailureClass) == "" {
		c.FailureClass = "network"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.Burst <= 0 {
		c.Burst = 40
	}
}

func (c BrokerConfig) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name required")
	}
	if err := checkDecimal("initialCash", c.InitialCash); err != nil {
		return err
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("failureRate must be in [0,1]")
	}
	if c.SlippageBps < 0 {
		return fmt.Errorf("slippageBps must be >=0")
	}
	return nil
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string   `yaml:"dsn"`
	MaxConns          int32    `yaml:"maxConns"`
	MinConns          int32    `yaml:"minConns"`
	MaxConnLifetime   Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool     `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/quantbridge"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = Duration(30 * time.Minute)
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = Duration(5 * time.Minute)
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = Duration(30 * time.Second)
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// StorageConfig selects the state store backend and Postgres settings.
type StorageConfig struct {
	Backend      string         `yaml:"backend"`
	ReapInterval Duration       `yaml:"reapInterval"`
	Database     DatabaseConfig `yaml:"database"`
}

func (c *StorageConfig) applyDefaults() {
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = "memory"
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = Duration(30 * time.Second)
	}
	c.Database.applyDefaults()
}

func (c StorageConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "memory":
	case "postgres":
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	default:
		return fmt.Errorf("backend must be memory or postgres")
	}
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics *bool  `yaml:"enableMetrics"`
}

func (c *TelemetryConfig) applyDefaults() {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "quantbridge"
	}
	if c.EnableMetrics == nil {
		v := true
		c.EnableMetrics = &v
	}
}

func (c TelemetryConfig) validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("serviceName required")
	}
	return nil
}

// StrategySpec activates one strategy instance with its parameters and
// subscribed symbols. An empty symbol list subscribes the instance to every
// symbol the feed produces.
type StrategySpec struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name"`
	Params  map[string]any `yaml:"params"`
	Symbols []string       `yaml:"symbols"`
	Enabled *bool          `yaml:"enabled"`
}

// InstanceID returns the unique key for this activation.
func (s StrategySpec) InstanceID() string {
	if trimmed := strings.TrimSpace(s.ID); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(s.Name)
}

// IsEnabled reports whether the activation is live; absent means enabled.
func (s StrategySpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (s StrategySpec) clone() StrategySpec {
	dup := s
	dup.Enabled = cloneBool(s.Enabled)
	if len(s.Symbols) > 0 {
		dup.Symbols = append([]string(nil), s.Symbols...)
	}
	if len(s.Params) > 0 {
		dup.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			dup.Params[k] = v
		}
	}
	return dup
}

func (s *StrategySpec) normalize() {
	s.ID = strings.TrimSpace(s.ID)
	s.Name = strings.TrimSpace(s.Name)
	if s.Params == nil {
		s.Params = make(map[string]any)
	}
	if len(s.Symbols) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(s.Symbols))
	out := make([]string, 0, len(s.Symbols))
	for _, symbol := range s.Symbols {
		normalized := strings.ToUpper(strings.TrimSpace(symbol))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	s.Symbols = out
}

// StrategiesConfig defines strategy activation and plug-in discovery.
type StrategiesConfig struct {
	Directory string         `yaml:"directory"`
	Active    []StrategySpec `yaml:"active"`
}

func (c *StrategiesConfig) applyDefaults() {
	dir := strings.TrimSpace(c.Directory)
	if dir == "" {
		dir = "strategies"
	}
	c.Directory = filepath.Clean(dir)
}

func (c StrategiesConfig) validate() error {
	if strings.TrimSpace(c.Directory) == "" {
		return fmt.Errorf("directory required")
	}
	seen := make(map[string]struct{}, len(c.Active))
	for i, spec := range c.Active {
		if strings.TrimSpace(spec.Name) == "" {
			return fmt.Errorf("active[%d]: name required", i)
		}
		key := spec.InstanceID()
		if _, exists := seen[key]; exists {
			return fmt.Errorf("duplicate strategy instance %q", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Engine      EngineConfig      `yaml:"engine"`
	Bus         BusConfig         `yaml:"bus"`
	Queue       QueueConfig       `yaml:"queue"`
	Commission  CommissionConfig  `yaml:"commission"`
	Position    PositionConfig    `yaml:"position"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Performance PerformanceConfig `yaml:"performance"`
	Risk        RiskConfig        `yaml:"risk"`
	Journal     JournalConfig     `yaml:"journal"`
	Feed        FeedConfig        `yaml:"feed"`
	Broker      BrokerConfig      `yaml:"broker"`
	Storage     StorageConfig     `yaml:"storage"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Strategies  StrategiesConfig  `yaml:"strategies"`
}

// DefaultAppConfig returns a configuration with every section at its default.
func DefaultAppConfig() AppConfig {
	var cfg AppConfig
	cfg.Environment = EnvDev
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	c.Engine.applyDefaults()
	c.Bus.applyDefaults()
	c.Queue.applyDefaults()
	c.Commission.applyDefaults()
	c.Position.applyDefaults()
	c.Execution.applyDefaults()
	c.Performance.applyDefaults()
	c.Risk.applyDefaults()
	c.Journal.applyDefaults()
	c.Feed.applyDefaults()
	c.Broker.applyDefaults()
	c.Storage.applyDefaults()
	c.Telemetry.applyDefaults()
	c.Strategies.applyDefaults()
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.applyDefaults()

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Storage.Database.DSN = os.ExpandEnv(strings.TrimSpace(c.Storage.Database.DSN))
	c.Feed.Source = strings.ToLower(strings.TrimSpace(c.Feed.Source))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Commission.Schedule = strings.ToLower(strings.TrimSpace(c.Commission.Schedule))
	c.Broker.Name = strings.ToLower(strings.TrimSpace(c.Broker.Name))

	symbols := make([]string, 0, len(c.Feed.Symbols))
	seen := make(map[string]struct{}, len(c.Feed.Symbols))
	for _, symbol := range c.Feed.Symbols {
		normalized := strings.ToUpper(strings.TrimSpace(symbol))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		symbols = append(symbols, normalized)
	}
	c.Feed.Symbols = symbols

	for i := range c.Strategies.Active {
		c.Strategies.Active[i].normalize()
	}

	priorities := make(map[string]int, len(c.Queue.StrategyPriorities))
	for name, prio := range c.Queue.StrategyPriorities {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return fmt.Errorf("queue strategyPriorities: empty strategy name")
		}
		if _, exists := priorities[trimmed]; exists {
			return fmt.Errorf("queue strategyPriorities: duplicate strategy %q", trimmed)
		}
		priorities[trimmed] = prio
	}
	c.Queue.StrategyPriorities = priorities

	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	sections := []struct {
		name     string
		validate func() error
	}{
		{"engine", c.Engine.validate},
		{"bus", c.Bus.validate},
		{"queue", c.Queue.validate},
		{"commission", c.Commission.validate},
		{"position", c.Position.validate},
		{"execution", c.Execution.validate},
		{"performance", c.Performance.validate},
		{"risk", c.Risk.validate},
		{"journal", c.Journal.validate},
		{"feed", c.Feed.validate},
		{"broker", c.Broker.validate},
		{"storage", c.Storage.validate},
		{"telemetry", c.Telemetry.validate},
		{"strategies", c.Strategies.validate},
	}
	for _, section := range sections {
		if err := section.validate(); err != nil {
			return fmt.Errorf("%s: %w", section.name, err)
		}
	}
	return nil
}

// Clone returns a deep copy safe for independent mutation.
func (c AppConfig) Clone() AppConfig {
	dup := c

	dup.Engine.EnablePartialFills = cloneBool(c.Engine.EnablePartialFills)
	dup.Bus.EnableBatching = cloneBool(c.Bus.EnableBatching)
	dup.Bus.EnableCircuitBreaker = cloneBool(c.Bus.EnableCircuitBreaker)
	dup.Bus.EnableDeadLetter = cloneBool(c.Bus.EnableDeadLetter)
	dup.Commission.OnlineTrading = cloneBool(c.Commission.OnlineTrading)
	dup.Telemetry.EnableMetrics = cloneBool(c.Telemetry.EnableMetrics)

	if len(c.Queue.StrategyPriorities) > 0 {
		dup.Queue.StrategyPriorities = make(map[string]int, len(c.Queue.StrategyPriorities))
		for k, v := range c.Queue.StrategyPriorities {
			dup.Queue.StrategyPriorities[k] = v
		}
	}
	if len(c.Commission.SpecialRates) > 0 {
		dup.Commission.SpecialRates = make(map[string]string, len(c.Commission.SpecialRates))
		for k, v := range c.Commission.SpecialRates {
			dup.Commission.SpecialRates[k] = v
		}
	}
	if len(c.Feed.Symbols) > 0 {
		dup.Feed.Symbols = append([]string(nil), c.Feed.Symbols...)
	}
	if len(c.Strategies.Active) > 0 {
		dup.Strategies.Active = make([]StrategySpec, len(c.Strategies.Active))
		for i, spec := range c.Strategies.Active {
			dup.Strategies.Active[i] = spec.clone()
		}
	}
	return dup
}

func cloneBool(ptr *bool) *bool {
	if ptr == nil {
		return nil
	}
	v := *ptr
	return &v
}

func boolValue(ptr *bool, fallback bool) bool {
	if ptr == nil {
		return fallback
	}
	return *ptr
}

func checkDecimal(name, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s required", name)
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return fmt.Errorf("%s: invalid decimal %q", name, value)
	}
	if parsed.Sign() < 0 {
		return fmt.Errorf("%s must be >=0", name)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
