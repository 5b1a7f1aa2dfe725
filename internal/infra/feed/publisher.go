package feed

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
	"github.com/quantbridge/quantbridge/internal/infra/bus/eventbus"
)

// Publisher mirrors market data into the state store and fans it out on the
// bus. Mirror failures are logged and skipped so a degraded store never
// stalls the feed.
type Publisher struct {
	source string
	bus    eventbus.Bus
	store  statestore.Store
	logger *log.Logger
	clock  func() time.Time
}

// NewPublisher creates a publisher emitting events attributed to source.
func NewPublisher(source string, bus eventbus.Bus, store statestore.Store, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(os.Stdout, "feed ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Publisher{
		source: strings.TrimSpace(source),
		bus:    bus,
		store:  store,
		logger: logger,
		clock:  time.Now,
	}
}

// PublishCandle mirrors the candle and emits MARKET_DATA_RECEIVED, with an
// INDICATORS_UPDATED passthrough when the candle carries indicators.
func (p *Publisher) PublishCandle(ctx context.Context, md *schema.MarketData) error {
	if err := md.Validate(); err != nil {
		return err
	}
	p.mirrorCandle(ctx, md)

	evt := schema.NewEvent(schema.EventTypeMarketData, p.source, md)
	if err := p.bus.Publish(ctx, evt); err != nil {
		return err
	}

	if len(md.Indicators) == 0 {
		return nil
	}
	values := make(map[string]decimal.Decimal, len(md.Indicators))
	for name, v := range md.Indicators {
		values[name] = v
	}
	payload := &schema.IndicatorsPayload{Symbol: md.Symbol, Values: values, Timestamp: md.Timestamp}
	ind := schema.NewEvent(schema.EventTypeIndicatorsUpdated, p.source, payload, schema.WithCorrelationID(evt.ID))
	if err := p.bus.Publish(ctx, ind); err != nil {
		p.logger.Printf("feed/%s: indicators publish failed symbol=%s: %v", p.source, md.Symbol, err)
	}
	return nil
}

// PublishOrderBook mirrors the best bid/ask and emits ORDERBOOK_UPDATED.
func (p *Publisher) PublishOrderBook(ctx context.Context, ob *schema.OrderBookPayload) error {
	if ob == nil || strings.TrimSpace(ob.Symbol) == "" {
		return errs.New("feed/publisher", errs.CodeInvalid, errs.WithMessage("order book symbol required"))
	}
	if ob.Timestamp.IsZero() {
		ob.Timestamp = p.clock().UTC()
	}
	if p.store != nil {
		fields := map[string]string{
			"best_bid":  ob.BestBid.String(),
			"best_ask":  ob.BestAsk.String(),
			"bid_size":  ob.BidSize.String(),
			"ask_size":  ob.AskSize.String(),
			"timestamp": ob.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := p.store.HashSetAll(ctx, statestore.OrderBookKey(ob.Symbol), fields); err != nil {
			p.logger.Printf("feed/%s: order book mirror failed symbol=%s: %v", p.source, ob.Symbol, err)
		}
	}
	return p.bus.Publish(ctx, schema.NewEvent(schema.EventTypeOrderBookUpdated, p.source, ob))
}

func (p *Publisher) mirrorCandle(ctx context.Context, md *schema.MarketData) {
	if p.store == nil {
		return
	}
	fields := map[string]string{
		"symbol":    md.Symbol,
		"interval":  md.Interval,
		"open":      md.Open.String(),
		"high":      md.High.String(),
		"low":       md.Low.String(),
		"close":     md.Close.String(),
		"volume":    md.Volume.String(),
		"timestamp": md.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if err := p.store.HashSetAll(ctx, statestore.MarketDataKey(md.Symbol), fields); err != nil {
		p.logger.Printf("feed/%s: candle mirror failed symbol=%s: %v", p.source, md.Symbol, err)
	}

	if len(md.Indicators) == 0 {
		return
	}
	indicators := make(map[string]string, len(md.Indicators))
	for name, v := range md.Indicators {
		indicators[name] = v.String()
	}
	if err := p.store.HashSetAll(ctx, statestore.IndicatorsKey(md.Symbol), indicators); err != nil {
		p.logger.Printf("feed/%s: indicators mirror failed symbol=%s: %v", p.source, md.Symbol, err)
	}
}
