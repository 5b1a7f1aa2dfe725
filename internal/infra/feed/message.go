package feed

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

// flexNumber accepts JSON numbers or numeric strings; recorded feeds carry
// both spellings.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*n = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*n = flexNumber(strings.TrimSpace(s))
		return nil
	}
	*n = flexNumber(trimmed)
	return nil
}

// Decimal parses the value, mapping blanks to zero.
func (n flexNumber) Decimal() (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(n))
}

// Int64 parses the value as an integer, tolerating a fractional spelling.
func (n flexNumber) Int64() (int64, error) {
	if n == "" {
		return 0, nil
	}
	if v, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// candleMessage is the wire form of one candle update. Timestamps are epoch
// milliseconds.
type candleMessage struct {
	Symbol     string                `json:"symbol"`
	Interval   string                `json:"interval"`
	Timestamp  flexNumber            `json:"timestamp"`
	Open       flexNumber            `json:"open"`
	High       flexNumber            `json:"high"`
	Low        flexNumber            `json:"low"`
	Close      flexNumber            `json:"close"`
	Volume     flexNumber            `json:"volume"`
	Indicators map[string]flexNumber `json:"indicators,omitempty"`
	BestBid    flexNumber            `json:"best_bid,omitempty"`
	BestAsk    flexNumber            `json:"best_ask,omitempty"`
	BidSize    flexNumber            `json:"bid_size,omitempty"`
	AskSize    flexNumber            `json:"ask_size,omitempty"`
}

func (m candleMessage) toMarketData(fallback time.Time) (*schema.MarketData, error) {
	symbol := strings.ToUpper(strings.TrimSpace(m.Symbol))
	if symbol == "" {
		return nil, errs.New("feed/decode", errs.CodeInvalid, errs.WithMessage("candle symbol required"))
	}

	md := &schema.MarketData{
		Symbol:    symbol,
		Interval:  strings.TrimSpace(m.Interval),
		Timestamp: fallback,
	}
	if md.Interval == "" {
		md.Interval = "1m"
	}
	if ms, err := m.Timestamp.Int64(); err == nil && ms > 0 {
		md.Timestamp = time.UnixMilli(ms).UTC()
	}

	fields := []struct {
		name string
		dst  *decimal.Decimal
		raw  flexNumber
	}{
		{"open", &md.Open, m.Open},
		{"high", &md.High, m.High},
		{"low", &md.Low, m.Low},
		{"close", &md.Close, m.Close},
		{"volume", &md.Volume, m.Volume},
	}
	for _, f := range fields {
		v, err := f.raw.Decimal()
		if err != nil {
			return nil, errs.New("feed/decode", errs.CodeInvalid,
				errs.WithMessage("invalid "+f.name+" for "+symbol), errs.WithCause(err))
		}
		*f.dst = v
	}

	if len(m.Indicators) > 0 {
		md.Indicators = make(map[string]decimal.Decimal, len(m.Indicators))
		for name, raw := range m.Indicators {
			v, err := raw.Decimal()
			if err != nil {
				// Non-numeric indicator values are dropped, not fatal.
				continue
			}
			md.Indicators[name] = v
		}
	}
	return md, nil
}

// orderBook extracts the optional best bid/ask attached to a candle frame.
func (m candleMessage) orderBook(ts time.Time) *schema.OrderBookPayload {
	if m.BestBid == "" && m.BestAsk == "" {
		return nil
	}
	symbol := strings.ToUpper(strings.TrimSpace(m.Symbol))
	if symbol == "" {
		return nil
	}
	bid, err := m.BestBid.Decimal()
	if err != nil {
		return nil
	}
	ask, err := m.BestAsk.Decimal()
	if err != nil {
		return nil
	}
	bidSize, _ := m.BidSize.Decimal()
	askSize, _ := m.AskSize.Decimal()
	return &schema.OrderBookPayload{
		Symbol:    symbol,
		BestBid:   bid,
		BestAsk:   ask,
		BidSize:   bidSize,
		AskSize:   askSize,
		Timestamp: ts,
	}
}
