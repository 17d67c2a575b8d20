// Package stream implements the two WebSocket feeds the bot consumes:
//
//   - Market feed (public): subscribed by asset (token) ID, delivers
//     price_change events carrying the token's current best bid/ask.
//
//   - User feed (authenticated): subscribed by condition (market) ID,
//     delivers trade (fill) and order lifecycle events.
//
// Both feeds auto-reconnect with exponential backoff (1s up to 60s) and
// re-subscribe to every tracked ID on reconnect. A text "PING" is sent
// every 5 seconds to keep the connection alive; Polymarket's gateway
// closes idle connections otherwise.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lp-rewards-bot/internal/exchangeclient"
	"lp-rewards-bot/pkg/types"
)

const (
	pingInterval     = 5 * time.Second
	readTimeout      = 30 * time.Second
	maxReconnectWait = 60 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 512
	subscribeChunk   = 500
)

// Feed manages a single WebSocket connection (market or user channel).
type Feed struct {
	url         string
	channelType string // "market" or "user"
	auth        *exchangeclient.Auth

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	priceCh chan types.PriceChangeEvent
	tradeCh chan types.TradeEvent
	orderCh chan types.OrderEvent

	logger *slog.Logger
}

// NewMarketFeed creates a feed for the public market channel.
func NewMarketFeed(wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		url:         wsURL,
		channelType: "market",
		subscribed:  make(map[string]bool),
		priceCh:     make(chan types.PriceChangeEvent, eventBufferSize),
		tradeCh:     make(chan types.TradeEvent, eventBufferSize),
		orderCh:     make(chan types.OrderEvent, eventBufferSize),
		logger:      logger.With("component", "stream_market"),
	}
}

// NewUserFeed creates a feed for the authenticated user channel.
func NewUserFeed(wsURL string, auth *exchangeclient.Auth, logger *slog.Logger) *Feed {
	return &Feed{
		url:         wsURL,
		channelType: "user",
		auth:        auth,
		subscribed:  make(map[string]bool),
		priceCh:     make(chan types.PriceChangeEvent, eventBufferSize),
		tradeCh:     make(chan types.TradeEvent, eventBufferSize),
		orderCh:     make(chan types.OrderEvent, eventBufferSize),
		logger:      logger.With("component", "stream_user"),
	}
}

// PriceChanges returns a read-only channel of market price updates.
func (f *Feed) PriceChanges() <-chan types.PriceChangeEvent { return f.priceCh }

// Trades returns a read-only channel of fill events (user channel).
func (f *Feed) Trades() <-chan types.TradeEvent { return f.tradeCh }

// Orders returns a read-only channel of order lifecycle events (user channel).
func (f *Feed) Orders() <-chan types.OrderEvent { return f.orderCh }

// Connected reports whether the underlying socket is currently open.
func (f *Feed) Connected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds asset IDs (market channel) or condition IDs (user
// channel) to the live connection, chunked at 500 per message.
func (f *Feed) Subscribe(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	for i := 0; i < len(ids); i += subscribeChunk {
		end := i + subscribeChunk
		if end > len(ids) {
			end = len(ids)
		}
		if err := f.writeJSON(subscribeChunkMsg(ids[i:end])); err != nil {
			return err
		}
	}
	return nil
}

func subscribeChunkMsg(ids []string) map[string]any {
	return map[string]any{
		"assets_ids": ids,
		"operation":  "subscribe",
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendHandshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	f.logger.Info("stream connected", "channel", f.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

// sendHandshake sends the initial {"assets_ids": [...], "type": "market"}
// (or user-channel equivalent with an auth object) the gateway expects
// before any subscribe/unsubscribe operation.
func (f *Feed) sendHandshake() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if f.channelType == "market" {
		return f.writeJSON(map[string]any{
			"assets_ids": ids,
			"type":       "market",
		})
	}

	apiKey, secret, passphrase := f.auth.WSAuthFields()
	return f.writeJSON(map[string]any{
		"markets": ids,
		"type":    "user",
		"auth": map[string]string{
			"apiKey":     apiKey,
			"secret":     secret,
			"passphrase": passphrase,
		},
	})
}

// wirePriceChange mirrors the market channel's price_change payload: a
// top-level best_bid/best_ask pair used as a fallback when price_changes
// is absent, matching the original ws_monitor.py's two decode paths.
type wirePriceChange struct {
	EventType     string `json:"event_type"`
	AssetID       string `json:"asset_id"`
	BestBid       string `json:"best_bid"`
	BestAsk       string `json:"best_ask"`
	PriceChanges  []struct {
		AssetID string `json:"asset_id"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	} `json:"price_changes"`
}

type wireMakerOrder struct {
	OrderID       string `json:"order_id"`
	AssetID       string `json:"asset_id"`
	Price         string `json:"price"`
	MatchedAmount string `json:"matched_amount"`
}

type wireTrade struct {
	EventType   string           `json:"event_type"`
	Status      string           `json:"status"`
	Side        string           `json:"side"` // taker side
	MakerOrders []wireMakerOrder `json:"maker_orders"`
}

type wireOrder struct {
	EventType   string `json:"event_type"`
	ID          string `json:"id"`
	AssetID     string `json:"asset_id"`
	Type        string `json:"type"`
	SizeMatched string `json:"size_matched"`
}

func (f *Feed) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "price_change":
		var w wirePriceChange
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal price_change", "error", err)
			return
		}
		for _, evt := range decodePriceChange(w) {
			select {
			case f.priceCh <- evt:
			default:
				f.logger.Warn("price channel full, dropping event", "asset", evt.AssetID)
			}
		}

	case "trade":
		var w wireTrade
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal trade", "error", err)
			return
		}
		if w.Status != "MATCHED" {
			return
		}
		evt := decodeTrade(w)
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event")
		}

	case "order":
		var w wireOrder
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal order", "error", err)
			return
		}
		evt := decodeOrder(w)
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn("order channel full, dropping event", "id", evt.OrderID)
		}

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		f.logger.Debug("ignoring informational event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown stream event type", "type", envelope.EventType)
	}
}

func decodePriceChange(w wirePriceChange) []types.PriceChangeEvent {
	if len(w.PriceChanges) == 0 {
		return []types.PriceChangeEvent{{
			AssetID: w.AssetID,
			BestBid: parseFloatSafe(w.BestBid),
			BestAsk: parseFloatSafe(w.BestAsk),
		}}
	}
	out := make([]types.PriceChangeEvent, 0, len(w.PriceChanges))
	for _, pc := range w.PriceChanges {
		out = append(out, types.PriceChangeEvent{
			AssetID: pc.AssetID,
			BestBid: parseFloatSafe(pc.BestBid),
			BestAsk: parseFloatSafe(pc.BestAsk),
		})
	}
	return out
}

// decodeTrade collapses the maker_orders[] array into our normalized
// shape; maker side is never trusted from the wire directly —
// internal/supervisor's aggregateFills infers it as the opposite of the
// taker's reported side.
func decodeTrade(w wireTrade) types.TradeEvent {
	makers := make([]types.MakerOrderFill, 0, len(w.MakerOrders))
	for _, m := range w.MakerOrders {
		makers = append(makers, types.MakerOrderFill{
			OrderID:       m.OrderID,
			AssetID:       m.AssetID,
			Price:         parseFloatSafe(m.Price),
			MatchedAmount: parseFloatSafe(m.MatchedAmount),
		})
	}
	return types.TradeEvent{
		Status:      w.Status,
		TakerSide:   w.Side,
		MakerOrders: makers,
	}
}

func decodeOrder(w wireOrder) types.OrderEvent {
	return types.OrderEvent{
		OrderID:     w.ID,
		AssetID:     w.AssetID,
		Type:        w.Type,
		SizeMatched: parseFloatSafe(w.SizeMatched),
	}
}

func parseFloatSafe(s string) float64 {
	if s == "" {
		return 0
	}
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	if err != nil {
		return 0
	}
	return f
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
