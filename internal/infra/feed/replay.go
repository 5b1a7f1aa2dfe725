package feed

import (
	"bufio"
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/infra/config"
)

// Replay re-publishes a recorded JSONL candle file in order. Pacing follows
// the recorded timestamp deltas when paceWall is set, otherwise the fixed
// interval; a zero interval replays as fast as the bus accepts.
type Replay struct {
	path     string
	interval time.Duration
	paceWall bool
	pub      *Publisher
	logger   *log.Logger
}

// NewReplay builds the replay source from the feed section.
func NewReplay(cfg config.FeedConfig, pub *Publisher, logger *log.Logger) *Replay {
	if logger == nil {
		logger = log.New(os.Stdout, "feed/replay ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Replay{
		path:     strings.TrimSpace(cfg.File),
		interval: cfg.Interval.Std(),
		paceWall: cfg.PaceWallClock,
		pub:      pub,
		logger:   logger,
	}
}

// Name identifies the source in events and logs.
func (r *Replay) Name() string { return "replay" }

// Run publishes every line of the file and returns nil at end of file.
// Malformed lines are logged and skipped so one bad record cannot abort a
// long replay.
func (r *Replay) Run(ctx context.Context) error {
	file, err := os.Open(r.path)
	if err != nil {
		return errs.New("feed/replay", errs.CodeInvalid,
			errs.WithMessage("open replay file "+r.path), errs.WithCause(err))
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var last time.Time
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		var msg candleMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.logger.Printf("feed/replay: line %d: %v", line, err)
			continue
		}
		md, err := msg.toMarketData(time.Now().UTC())
		if err != nil {
			r.logger.Printf("feed/replay: line %d: %v", line, err)
			continue
		}

		if err := r.pace(ctx, last, md.Timestamp); err != nil {
			return err
		}
		last = md.Timestamp

		if err := r.pub.PublishCandle(ctx, md); err != nil {
			r.logger.Printf("feed/replay: publish %s: %v", md.Symbol, err)
		}
		if ob := msg.orderBook(md.Timestamp); ob != nil {
			if err := r.pub.PublishOrderBook(ctx, ob); err != nil {
				r.logger.Printf("feed/replay: order book %s: %v", md.Symbol, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.New("feed/replay", errs.CodeInternal,
			errs.WithMessage("scan replay file"), errs.WithCause(err))
	}
	return nil
}

func (r *Replay) pace(ctx context.Context, last, next time.Time) error {
	if last.IsZero() {
		return ctx.Err()
	}
	wait := r.interval
	if r.paceWall && next.After(last) {
		wait = next.Sub(last)
	}
	return sleepFor(ctx, wait)
}
