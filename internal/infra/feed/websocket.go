package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/quantbridge/quantbridge/internal/infra/config"
)

// WebSocket streams candle frames from a venue websocket with automatic
// reconnect and keepalive pings.
type WebSocket struct {
	url     string
	symbols []string
	pub     *Publisher
	logger  *log.Logger

	pingInterval time.Duration
	reconnectMax time.Duration
}

type subscribeRequest struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// NewWebSocket builds the websocket source from the feed section.
func NewWebSocket(cfg config.FeedConfig, pub *Publisher, logger *log.Logger) *WebSocket {
	if logger == nil {
		logger = log.New(os.Stdout, "feed/websocket ", log.LstdFlags|log.Lmicroseconds)
	}
	return &WebSocket{
		url:          strings.TrimSpace(cfg.URL),
		symbols:      append([]string(nil), cfg.Symbols...),
		pub:          pub,
		logger:       logger,
		pingInterval: cfg.PingInterval.Std(),
		reconnectMax: cfg.ReconnectMax.Std(),
	}
}

// Name identifies the source in events and logs.
func (w *WebSocket) Name() string { return "websocket" }

// Run dials the venue and pumps frames until ctx is cancelled. Connection
// drops reconnect with exponential backoff capped at reconnectMax, and the
// subscription is replayed after every reconnect.
func (w *WebSocket) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	if w.reconnectMax > 0 {
		backoffCfg.MaxInterval = w.reconnectMax
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.Dial(ctx, w.url, nil)
		if err != nil {
			w.logger.Printf("feed/websocket: dial %s: %v", w.url, err)
			if err := sleepFor(ctx, backoffCfg.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		backoffCfg.Reset()

		if err := w.subscribe(ctx, conn); err != nil {
			w.logger.Printf("feed/websocket: subscribe: %v", err)
		}

		err = w.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.logger.Printf("feed/websocket: read loop: %v", err)
		}

		if err := sleepFor(ctx, backoffCfg.NextBackOff()); err != nil {
			return err
		}
	}
}

func (w *WebSocket) subscribe(ctx context.Context, conn *websocket.Conn) error {
	if len(w.symbols) == 0 {
		return nil
	}
	data, err := json.Marshal(subscribeRequest{Op: "subscribe", Symbols: w.symbols})
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.pingInterval > 0 {
		go w.pingLoop(loopCtx, conn)
	}

	for {
		msgType, data, err := conn.Read(loopCtx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		w.handleFrame(ctx, data)
	}
}

func (w *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Printf("feed/websocket: ping: %v", err)
				}
				return
			}
		}
	}
}

func (w *WebSocket) handleFrame(ctx context.Context, data []byte) {
	var msg candleMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		w.logger.Printf("feed/websocket: decode frame: %v", err)
		return
	}
	if strings.TrimSpace(msg.Symbol) == "" {
		// Control frames and subscribe acks carry no symbol.
		return
	}
	md, err := msg.toMarketData(time.Now().UTC())
	if err != nil {
		w.logger.Printf("feed/websocket: candle %s: %v", msg.Symbol, err)
		return
	}
	if err := w.pub.PublishCandle(ctx, md); err != nil {
		w.logger.Printf("feed/websocket: publish %s: %v", md.Symbol, err)
	}
	if ob := msg.orderBook(md.Timestamp); ob != nil {
		if err := w.pub.PublishOrderBook(ctx, ob); err != nil {
			w.logger.Printf("feed/websocket: order book %s: %v", md.Symbol, err)
		}
	}
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
