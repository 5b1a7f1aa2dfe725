package feed

import (
	"context"
	"hash/fnv"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/internal/domain/schema"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

const (
	maWindowShort = 5
	maWindowLong  = 20

	walkVolatility = 0.004
	volumeBase     = 25e9
	volumeSwing    = 30e9
)

var syntheticSpreadRatio = decimal.NewFromFloat(0.001)

// Synthetic generates a seeded random walk per symbol with moving-average
// indicators, for paper trading and smoke tests. The same symbol set always
// produces the same series.
type Synthetic struct {
	symbols  []string
	interval time.Duration
	pub      *Publisher
	logger   *log.Logger
	clock    func() time.Time

	rng    *rand.Rand
	states map[string]*walkState
}

type walkState struct {
	price   decimal.Decimal
	closes  []decimal.Decimal
	volumes []decimal.Decimal
}

// NewSynthetic builds the generator from the feed section.
func NewSynthetic(cfg config.FeedConfig, pub *Publisher, logger *log.Logger) *Synthetic {
	if logger == nil {
		logger = log.New(os.Stdout, "feed/synthetic ", log.LstdFlags|log.Lmicroseconds)
	}
	symbols := append([]string(nil), cfg.Symbols...)
	return &Synthetic{
		symbols:  symbols,
		interval: cfg.Interval.Std(),
		pub:      pub,
		logger:   logger,
		clock:    time.Now,
		rng:      rand.New(rand.NewSource(seedFor(symbols))), // #nosec G404 -- simulation, not credentials.
		states:   make(map[string]*walkState, len(symbols)),
	}
}

// Name identifies the source in events and logs.
func (s *Synthetic) Name() string { return "synthetic" }

// Run emits one candle per symbol every interval until ctx is cancelled. The
// first batch goes out immediately so consumers never wait a full interval
// for data.
func (s *Synthetic) Run(ctx context.Context) error {
	s.step(ctx, s.clock().UTC())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.step(ctx, s.clock().UTC())
		}
	}
}

func (s *Synthetic) step(ctx context.Context, now time.Time) {
	for _, symbol := range s.symbols {
		md, ob := s.generate(symbol, now)
		if err := s.pub.PublishCandle(ctx, md); err != nil {
			s.logger.Printf("feed/synthetic: publish %s: %v", symbol, err)
		}
		if err := s.pub.PublishOrderBook(ctx, ob); err != nil {
			s.logger.Printf("feed/synthetic: order book %s: %v", symbol, err)
		}
	}
}

func (s *Synthetic) generate(symbol string, now time.Time) (*schema.MarketData, *schema.OrderBookPayload) {
	state := s.states[symbol]
	if state == nil {
		state = &walkState{price: startingPrice(symbol)}
		s.states[symbol] = state
	}

	open := state.price
	move := 1 + (s.rng.Float64()-0.5)*2*walkVolatility
	closePx := open.Mul(decimal.NewFromFloat(move)).Round(2)
	if closePx.Sign() <= 0 {
		closePx = open
	}
	wiggle := decimal.NewFromFloat(1 + s.rng.Float64()*walkVolatility)
	high := decimal.Max(open, closePx).Mul(wiggle).Round(2)
	low := decimal.Min(open, closePx).Div(wiggle).Round(2)
	volume := decimal.NewFromFloat(volumeBase + s.rng.Float64()*volumeSwing).Round(0)

	state.price = closePx
	state.closes = appendBounded(state.closes, closePx, maWindowLong)
	state.volumes = appendBounded(state.volumes, volume, maWindowShort)

	indicators := make(map[string]decimal.Decimal, 3)
	if sma, ok := meanTail(state.closes, maWindowShort); ok {
		indicators["sma_5"] = sma
	}
	if sma, ok := meanTail(state.closes, maWindowLong); ok {
		indicators["sma_20"] = sma
	}
	if avg, ok := meanTail(state.volumes, maWindowShort); ok {
		indicators["avg_volume_5d"] = avg
	}
	if len(indicators) == 0 {
		indicators = nil
	}

	md := &schema.MarketData{
		Symbol:     symbol,
		Interval:   "1m",
		Timestamp:  now,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Volume:     volume,
		Indicators: indicators,
	}

	spread := closePx.Mul(syntheticSpreadRatio).Round(2)
	if spread.Sign() <= 0 {
		spread = decimal.New(1, -2)
	}
	ob := &schema.OrderBookPayload{
		Symbol:    symbol,
		BestBid:   closePx.Sub(spread),
		BestAsk:   closePx.Add(spread),
		BidSize:   decimal.NewFromInt(1000 + int64(s.rng.Intn(9000))),
		AskSize:   decimal.NewFromInt(1000 + int64(s.rng.Intn(9000))),
		Timestamp: now,
	}
	return md, ob
}

func appendBounded(values []decimal.Decimal, v decimal.Decimal, capacity int) []decimal.Decimal {
	values = append(values, v)
	if len(values) > capacity {
		values = values[len(values)-capacity:]
	}
	return values
}

func meanTail(values []decimal.Decimal, window int) (decimal.Decimal, bool) {
	if window <= 0 || len(values) < window {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, v := range values[len(values)-window:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(window))).Round(4), true
}

func seedFor(symbols []string) int64 {
	h := fnv.New64a()
	for _, symbol := range symbols {
		_, _ = h.Write([]byte(symbol))
	}
	return int64(h.Sum64())
}

func startingPrice(symbol string) decimal.Decimal {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	base := 20000 + int64(h.Sum64()%160001)
	return decimal.NewFromInt(base - base%100)
}
