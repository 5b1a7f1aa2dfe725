package strategy

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

// signalHistoryLimit bounds the in-memory diagnostic ring.
const signalHistoryLimit = 1000

// mockVolume passes the reference strategy's volume filter in smoke runs.
var (
	mockVolume   = decimal.New(50_000_000_000, 0)
	mockSMABias  = decimal.RequireFromString("0.98")
	mockHighBias = decimal.RequireFromString("1.2")
)

// Activation describes one strategy instance to run. ID defaults to Name,
// so two activations of the same strategy need distinct IDs. An empty
// symbol list subscribes the instance to every symbol.
type Activation struct {
	ID      string
	Name    string
	Params  map[string]any
	Symbols []string
}

// SignalRecord is one ring entry kept for diagnostics.
type SignalRecord struct {
	Strategy    string              `json:"strategy"`
	Symbol      string              `json:"symbol"`
	Action      schema.SignalAction `json:"action"`
	Confidence  float64             `json:"confidence"`
	Price       decimal.Decimal     `json:"price"`
	Reason      string              `json:"reason,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// InstanceStatus reports one active strategy.
type InstanceStatus struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Enabled     bool           `json:"enabled"`
	Scripted    bool           `json:"scripted"`
	Symbols     []string       `json:"symbols"`
	Params      map[string]any `json:"parameters"`
	Indicators  []string       `json:"required_indicators"`
	Description string         `json:"description,omitempty"`
	SignalCount int64          `json:"signal_count"`
	LastSignal  time.Time      `json:"last_signal_time"`
	ActivatedAt time.Time      `json:"activated_at"`
}

// EngineStatus reports the engine surface as a whole.
type EngineStatus struct {
	Running        bool           `json:"is_running"`
	ActiveCount    int            `json:"active_strategies"`
	CatalogCount   int            `json:"available_strategies"`
	TotalSignals   int64          `json:"total_signals_generated"`
	LastExecution  time.Time      `json:"last_execution_time"`
	RecentSignals  []SignalRecord `json:"recent_signals"`
	PluginDir      string         `json:"plugin_directory,omitempty"`
	ScriptedLoaded int            `json:"scripted_strategies"`
}

type activeStrategy struct {
	id          string
	name        string
	scripted    bool
	impl        Strategy
	params      map[string]any
	symbols     map[string]struct{}
	enabled     bool
	signalCount int64
	lastSignal  time.Time
	activatedAt time.Time
}

func (a *activeStrategy) wantsSymbol(symbol string) bool {
	if len(a.symbols) == 0 {
		return true
	}
	_, ok := a.symbols[symbol]
	return ok
}

// Engine routes market data to active strategies and publishes their
// signals. One bus subscription feeds it, so dispatch is serial and
// strategies never see concurrent Analyze calls.
type Engine struct {
	bus      eventbus.Bus
	store    statestore.Store
	modules  ModuleSource
	logger   *log.Logger
	clock    func() time.Time
	registry *Registry

	cfg config.StrategiesConfig

	mu          sync.RWMutex
	instances   map[string]*activeStrategy
	ring        []SignalRecord
	totalSigs   int64
	lastRun     time.Time
	scriptCount int

	runCtx  context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	subID   eventbus.SubscriptionID
}

// NewEngine builds the engine. modules may be nil when scripted plug-ins
// are disabled; built-ins are registered through Register.
func NewEngine(cfg config.StrategiesConfig, bus eventbus.Bus, store statestore.Store, modules ModuleSource, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stdout, "strategy ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Engine{
		bus:       bus,
		store:     store,
		modules:   modules,
		logger:    logger,
		clock:     time.Now,
		registry:  NewRegistry(),
		cfg:       cfg,
		instances: make(map[string]*activeStrategy),
	}
}

// Register adds definitions to the engine's registry.
func (e *Engine) Register(defs ...Definition) error {
	for _, def := range defs {
		if err := e.registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Start loads scripted plug-ins, activates the configured strategies, and
// subscribes to market data.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("strategy engine already started"))
	}
	e.runCtx, e.cancel = context.WithCancel(ctx)

	if e.modules != nil {
		if err := e.refreshScripted(e.runCtx); err != nil {
			e.logger.Printf("plug-in scan failed: %v", err)
		}
	}

	for _, spec := range e.cfg.Active {
		if !spec.IsEnabled() {
			continue
		}
		act := Activation{ID: spec.InstanceID(), Name: spec.Name, Params: spec.Params, Symbols: spec.Symbols}
		if err := e.Activate(e.runCtx, act); err != nil {
			e.logger.Printf("activate %s: %v", act.ID, err)
		}
	}

	id, err := e.bus.Subscribe(e.runCtx, eventbus.Subscription{
		EventType: schema.EventTypeMarketData,
		Component: scope,
		Handler:   e.handleMarketData,
	})
	if err != nil {
		e.cancel()
		return err
	}
	e.subID = id

	e.publishStatus(e.runCtx, "started", nil)
	e.logger.Printf("started with %d active strategies, %d in catalog", e.ActiveCount(), e.registry.Len())
	return nil
}

// Close deactivates everything and drops the market-data subscription.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.subID != "" {
		e.bus.Unsubscribe(e.subID)
	}
	ctx := context.Background()
	for _, id := range e.ActiveStrategies() {
		if err := e.Deactivate(ctx, id); err != nil {
			e.logger.Printf("deactivate %s on close: %v", id, err)
		}
	}
	e.publishStatus(ctx, "stopped", nil)
}

// Activate validates parameters against the strategy's schema, builds the
// instance, and assigns its symbol set.
func (e *Engine) Activate(ctx context.Context, act Activation) error {
	id := strings.TrimSpace(act.ID)
	if id == "" {
		id = strings.TrimSpace(act.Name)
	}
	if id == "" {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("activation needs a strategy name"))
	}

	def, ok := e.registry.Lookup(act.Name)
	if !ok {
		return errs.New(scope, errs.CodeNotFound, errs.WithMessage("unknown strategy "+act.Name))
	}
	params, err := ResolveParams(def.Meta.Params, act.Params, e.logger)
	if err != nil {
		return err
	}
	impl, err := def.New(params)
	if err != nil {
		return err
	}

	inst := &activeStrategy{
		id:          id,
		name:        def.Meta.Name,
		scripted:    def.Scripted,
		impl:        impl,
		params:      params,
		symbols:     symbolSet(act.Symbols),
		enabled:     true,
		activatedAt: e.clock(),
	}

	e.mu.Lock()
	if _, exists := e.instances[id]; exists {
		e.mu.Unlock()
		return errs.New(scope, errs.CodeConflict, errs.WithMessage("strategy "+id+" already active"))
	}
	e.instances[id] = inst
	e.mu.Unlock()

	e.publishLifecycle(ctx, schema.EventTypeStrategyActivated, inst, "")
	e.logger.Printf("activated %s (%s) symbols=%s", id, inst.name, describeSymbols(act.Symbols))
	return nil
}

// Deactivate removes the instance and announces it.
func (e *Engine) Deactivate(ctx context.Context, id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if ok {
		delete(e.instances, id)
	}
	e.mu.Unlock()
	if !ok {
		return errs.New(scope, errs.CodeNotFound, errs.WithMessage("strategy "+id+" not active"))
	}
	e.publishLifecycle(ctx, schema.EventTypeStrategyDeactivated, inst, "deactivated")
	e.logger.Printf("deactivated %s", id)
	return nil
}

// UpdateParams revalidates the overrides and applies them atomically. The
// instance absorbs them in place when it can; otherwise it is rebuilt from
// its factory with the merged set.
func (e *Engine) UpdateParams(ctx context.Context, id string, params map[string]any) error {
	e.mu.RLock()
	inst, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return errs.New(scope, errs.CodeNotFound, errs.WithMessage("strategy "+id+" not active"))
	}
	def, ok := e.registry.Lookup(inst.name)
	if !ok {
		return errs.New(scope, errs.CodeNotFound, errs.WithMessage("definition for "+inst.name+" missing"))
	}
	validated, err := ValidateParams(def.Meta.Params, params, e.logger)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	merged := make(map[string]any, len(inst.params)+len(validated))
	for k, v := range inst.params {
		merged[k] = v
	}
	for k, v := range validated {
		merged[k] = v
	}
	if updater, can := inst.impl.(ParamUpdater); can {
		if err := updater.UpdateParams(merged); err != nil {
			return err
		}
	} else {
		rebuilt, err := def.New(merged)
		if err != nil {
			return err
		}
		inst.impl = rebuilt
	}
	inst.params = merged

	e.publishStatus(ctx, "strategy_parameters_updated", map[string]string{"strategy": id})
	e.logger.Printf("updated parameters for %s", id)
	return nil
}

// UpdateSymbols replaces the instance's subscribed-symbol set.
func (e *Engine) UpdateSymbols(_ context.Context, id string, symbols []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return errs.New(scope, errs.CodeNotFound, errs.WithMessage("strategy "+id+" not active"))
	}
	inst.symbols = symbolSet(symbols)
	e.logger.Printf("updated symbols for %s: %s", id, describeSymbols(symbols))
	return nil
}

// Enable resumes dispatch to a paused instance.
func (e *Engine) Enable(id string) error { return e.setEnabled(id, true) }

// Disable pauses dispatch to an instance without discarding its state.
func (e *Engine) Disable(id string) error { return e.setEnabled(id, false) }

func (e *Engine) setEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return errs.New(scope, errs.CodeNotFound, errs.WithMessage("strategy "+id+" not active"))
	}
	inst.enabled = enabled
	return nil
}

// Reload re-scans the plug-in directory and rebuilds active scripted
// instances with their last-known parameters. Instances whose module
// disappeared are deactivated.
func (e *Engine) Reload(ctx context.Context) error {
	if e.modules == nil {
		return errs.New(scope, errs.CodeUnavailable, errs.WithMessage("no plug-in source configured"))
	}
	if err := e.refreshScripted(ctx); err != nil {
		return err
	}

	type rebuild struct {
		inst *activeStrategy
		def  Definition
	}
	var rebuilds []rebuild
	var orphans []string

	e.mu.RLock()
	for id, inst := range e.instances {
		if !inst.scripted {
			continue
		}
		def, ok := e.registry.Lookup(inst.name)
		if !ok || !def.Scripted {
			orphans = append(orphans, id)
			continue
		}
		rebuilds = append(rebuilds, rebuild{inst: inst, def: def})
	}
	e.mu.RUnlock()

	for _, r := range rebuilds {
		impl, err := r.def.New(r.inst.params)
		if err != nil {
			e.logger.Printf("reload %s: rebuild failed, keeping previous instance: %v", r.inst.id, err)
			continue
		}
		e.mu.Lock()
		r.inst.impl = impl
		e.mu.Unlock()
		e.logger.Printf("reloaded %s", r.inst.id)
	}
	for _, id := range orphans {
		e.logger.Printf("reload: module for %s removed, deactivating", id)
		if err := e.Deactivate(ctx, id); err != nil {
			e.logger.Printf("deactivate %s after reload: %v", id, err)
		}
	}
	return nil
}

func (e *Engine) refreshScripted(ctx context.Context) error {
	if err := e.modules.Refresh(ctx); err != nil {
		return err
	}
	defs := e.modules.Definitions()
	for _, err := range e.registry.ReplaceScripted(defs) {
		e.logger.Printf("register scripted strategy: %v", err)
	}
	e.mu.Lock()
	e.scriptCount = len(defs)
	e.mu.Unlock()
	return nil
}

// handleMarketData resolves indicators and fans the candle out to every
// matching instance.
func (e *Engine) handleMarketData(ctx context.Context, evt *schema.Event) error {
	md, ok := evt.Payload.(*schema.MarketData)
	if !ok {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("unexpected market data payload"))
	}
	if err := md.Validate(); err != nil {
		return err
	}
	if len(md.Indicators) == 0 {
		md = md.Clone()
		md.Indicators = e.fetchIndicators(ctx, md.Symbol)
		if len(md.Indicators) == 0 && md.Close.Sign() > 0 {
			md.Indicators = mockIndicators(md.Close)
		}
	}

	e.mu.RLock()
	matched := make([]*activeStrategy, 0, len(e.instances))
	for _, inst := range e.instances {
		if inst.enabled && inst.wantsSymbol(md.Symbol) {
			matched = append(matched, inst)
		}
	}
	e.mu.RUnlock()

	now := e.clock()
	for _, inst := range matched {
		if missing := missingIndicators(inst.impl.RequiredIndicators(), md.Indicators); len(missing) > 0 {
			e.logger.Printf("%s skipped %s: missing indicators %v", inst.id, md.Symbol, missing)
			continue
		}
		signal, err := inst.impl.Analyze(ctx, md)
		if err != nil {
			e.logger.Printf("%s analyze %s: %v", inst.id, md.Symbol, err)
			continue
		}
		if signal == nil || signal.Action == schema.ActionHold {
			continue
		}
		e.publishSignal(ctx, inst, signal, md, now)
	}

	e.mu.Lock()
	e.lastRun = now
	e.mu.Unlock()
	return nil
}

func (e *Engine) publishSignal(ctx context.Context, inst *activeStrategy, signal *schema.TradingSignal, md *schema.MarketData, now time.Time) {
	signal.Strategy = inst.id
	if signal.Symbol == "" {
		signal.Symbol = md.Symbol
	}
	if signal.Timestamp.IsZero() {
		signal.Timestamp = md.Timestamp
	}
	if signal.Price.Sign() == 0 {
		signal.Price = md.Close
	}
	if err := signal.Validate(); err != nil {
		e.logger.Printf("%s produced invalid signal: %v", inst.id, err)
		return
	}

	evt := schema.NewEvent(schema.EventTypeTradingSignal, scope, signal, schema.WithPriority(schema.PriorityHigh))
	if err := e.bus.Publish(ctx, evt); err != nil {
		e.logger.Printf("publish signal from %s: %v", inst.id, err)
		return
	}

	record := SignalRecord{
		Strategy:    inst.id,
		Symbol:      signal.Symbol,
		Action:      signal.Action,
		Confidence:  signal.Confidence,
		Price:       signal.Price,
		Reason:      signal.Reason,
		Timestamp:   signal.Timestamp,
		GeneratedAt: now,
	}
	e.mu.Lock()
	e.ring = append(e.ring, record)
	if len(e.ring) > signalHistoryLimit {
		e.ring = append(e.ring[:0:0], e.ring[len(e.ring)-signalHistoryLimit:]...)
	}
	e.totalSigs++
	inst.signalCount++
	inst.lastSignal = now
	e.mu.Unlock()

	e.logger.Printf("signal %s %s %s confidence=%.2f", inst.id, signal.Action, signal.Symbol, signal.Confidence)
}

// fetchIndicators reads the indicator mirror, coercing numeric strings.
func (e *Engine) fetchIndicators(ctx context.Context, symbol string) map[string]decimal.Decimal {
	fields, err := e.store.HashGetAll(ctx, statestore.IndicatorsKey(symbol))
	if err != nil {
		if !statestore.IsNotFound(err) {
			e.logger.Printf("fetch indicators for %s: %v", symbol, err)
		}
		return nil
	}
	out := make(map[string]decimal.Decimal, len(fields))
	for name, raw := range fields {
		v, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			e.logger.Printf("indicator %s=%q for %s is not numeric", name, raw, symbol)
			continue
		}
		out[name] = v
	}
	return out
}

// mockIndicators synthesizes the smoke-test indicator set from the close
// price: moving averages slightly below the close and a volume that clears
// the reference strategy's filter.
func mockIndicators(close decimal.Decimal) map[string]decimal.Decimal {
	sma := close.Mul(mockSMABias)
	return map[string]decimal.Decimal{
		"sma_3":               sma,
		"sma_5":               sma,
		"sma_20":              close,
		"avg_volume_5d":       mockVolume,
		"price_change_6m_max": close.Mul(mockHighBias),
	}
}

// ActiveStrategies returns the sorted active instance ids.
func (e *Engine) ActiveStrategies() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.instances))
	for id := range e.instances {
		out = append(out, id)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ActiveCount reports how many instances are active.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.instances)
}

// Catalog returns every registered strategy's metadata.
func (e *Engine) Catalog() []Metadata { return e.registry.Catalog() }

// StrategyStatus reports one active instance.
func (e *Engine) StrategyStatus(id string) (InstanceStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[id]
	if !ok {
		return InstanceStatus{}, errs.New(scope, errs.CodeNotFound, errs.WithMessage("strategy "+id+" not active"))
	}
	def, _ := e.registry.Lookup(inst.name)
	return InstanceStatus{
		ID:          inst.id,
		Name:        inst.name,
		Enabled:     inst.enabled,
		Scripted:    inst.scripted,
		Symbols:     sortedSymbols(inst.symbols),
		Params:      cloneParams(inst.params),
		Indicators:  append([]string(nil), inst.impl.RequiredIndicators()...),
		Description: def.Meta.Description,
		SignalCount: inst.signalCount,
		LastSignal:  inst.lastSignal,
		ActivatedAt: inst.activatedAt,
	}, nil
}

// Status reports the engine surface.
func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	recent := make([]SignalRecord, 0, 10)
	if n := len(e.ring); n > 0 {
		start := n - 10
		if start < 0 {
			start = 0
		}
		recent = append(recent, e.ring[start:]...)
	}
	return EngineStatus{
		Running:        e.started.Load(),
		ActiveCount:    len(e.instances),
		CatalogCount:   e.registry.Len(),
		TotalSignals:   e.totalSigs,
		LastExecution:  e.lastRun,
		RecentSignals:  recent,
		PluginDir:      e.cfg.Directory,
		ScriptedLoaded: e.scriptCount,
	}
}

// SignalHistory returns up to limit of the most recent signals, oldest
// first.
func (e *Engine) SignalHistory(limit int) []SignalRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.ring) {
		limit = len(e.ring)
	}
	out := make([]SignalRecord, limit)
	copy(out, e.ring[len(e.ring)-limit:])
	return out
}

func (e *Engine) publishLifecycle(ctx context.Context, evt schema.EventType, inst *activeStrategy, reason string) {
	payload := &schema.StrategyLifecyclePayload{
		Strategy:  inst.id,
		Symbols:   sortedSymbols(inst.symbols),
		Params:    cloneParams(inst.params),
		Reason:    reason,
		Timestamp: e.clock(),
	}
	if err := e.bus.Publish(ctx, schema.NewEvent(evt, scope, payload)); err != nil {
		e.logger.Printf("publish %s for %s: %v", evt, inst.id, err)
	}
}

func (e *Engine) publishStatus(ctx context.Context, status string, details map[string]string) {
	payload := &schema.SystemStatusPayload{
		Component: "strategy_engine",
		Status:    status,
		Details:   details,
		Timestamp: e.clock(),
	}
	if err := e.bus.Publish(ctx, schema.NewEvent(schema.EventTypeSystemStatus, scope, payload)); err != nil {
		e.logger.Printf("publish status %s: %v", status, err)
	}
}

func missingIndicators(required []string, have map[string]decimal.Decimal) []string {
	var missing []string
	for _, name := range required {
		if _, ok := have[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func symbolSet(symbols []string) map[string]struct{} {
	out := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		normalized := strings.ToUpper(strings.TrimSpace(s))
		if normalized != "" {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func sortedSymbols(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func describeSymbols(symbols []string) string {
	if len(symbols) == 0 {
		return "ALL"
	}
	return fmt.Sprintf("%v", symbols)
}
