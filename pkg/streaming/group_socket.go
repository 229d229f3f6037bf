package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polymarket/subscriptions-core/internal/coreerrors"
	"github.com/polymarket/subscriptions-core/internal/logger"
)

// GroupSocket drives one market group's connection lifecycle: dialing,
// subscribing, decoding inbound frames into typed batches, keeping the
// connection alive with jittered pings, and reporting terminal state back
// to the registry by group id rather than by holding a pointer back to the
// group itself.
type GroupSocket struct {
	groupID  string
	registry *MarketRegistry
	dialer   Dialer
	limiter  *RateLimiter
	cache    *OrderBookCache
	handlers MarketHandlers
	log      logger.Logger

	mu         sync.Mutex
	conn       Conn
	closeOnce  sync.Once
	keepaliveT *time.Timer
}

// NewGroupSocket constructs a socket for groupID. Connect must be called to
// actually open it.
func NewGroupSocket(groupID string, registry *MarketRegistry, dialer Dialer, limiter *RateLimiter, cache *OrderBookCache, handlers MarketHandlers, log logger.Logger) *GroupSocket {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &GroupSocket{groupID: groupID, registry: registry, dialer: dialer, limiter: limiter, cache: cache, handlers: handlers, log: log}
}

func (s *GroupSocket) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connect dials a fresh transport, subscribes to the group's current asset
// ids, and wires up its handlers. It is a no-op (transitioning straight to
// CLEANUP) if the group has been emptied before the dial was scheduled.
func (s *GroupSocket) Connect(ctx context.Context) error {
	ids, ok := s.registry.AssetIDs(s.groupID)
	if !ok || len(ids) == 0 {
		s.registry.SetStatus(s.groupID, StatusCleanup)
		return nil
	}

	conn, err := Schedule(ctx, s.limiter, 0, func() (Conn, error) {
		return s.dialer.Dial(ctx, MarketURL)
	})
	if err != nil {
		s.registry.SetStatus(s.groupID, StatusDead)
		s.emitError(err)
		return err
	}
	s.attach(conn)
	return nil
}

func (s *GroupSocket) attach(conn Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		old.SetHandlers(nil, nil, nil)
	}

	w := conn
	conn.SetHandlers(
		func(data []byte) { s.handleMessage(w, data) },
		func(code int, reason string) { s.handleClose(w, code, reason) },
		func(err error) { s.handleError(w, err) },
	)

	ids, ok := s.registry.AssetIDs(s.groupID)
	if !ok || len(ids) == 0 || w != s.currentConn() || w.State() != ConnOpen {
		return
	}
	frame, _ := json.Marshal(struct {
		Type    string   `json:"type"`
		Assets  []string `json:"assets_ids"`
	}{Type: "market", Assets: ids})
	if err := w.WriteText(frame); err != nil {
		s.registry.SetStatus(s.groupID, StatusDead)
		s.emitError(err)
		return
	}

	s.registry.SetStatus(s.groupID, StatusAlive)
	if s.handlers.OnWSOpen != nil {
		s.handlers.OnWSOpen(s.groupID, ids)
	}
	s.startKeepalive(w)
}

func (s *GroupSocket) startKeepalive(w Conn) {
	period := keepaliveInterval()
	s.mu.Lock()
	if s.keepaliveT != nil {
		s.keepaliveT.Stop()
	}
	s.keepaliveT = time.AfterFunc(period, func() { s.keepaliveTick(w) })
	s.mu.Unlock()
}

func (s *GroupSocket) keepaliveTick(w Conn) {
	if ids, ok := s.registry.AssetIDs(s.groupID); !ok || len(ids) == 0 {
		s.registry.SetStatus(s.groupID, StatusCleanup)
		return
	}
	if w != s.currentConn() {
		return
	}
	if w.State() != ConnOpen {
		return
	}
	if err := w.WritePing(); err != nil {
		s.handleError(w, err)
		return
	}
	s.startKeepalive(w)
}

func (s *GroupSocket) handleClose(w Conn, code int, reason string) {
	if w != s.currentConn() {
		return
	}
	s.stopKeepalive()
	s.registry.SetStatus(s.groupID, StatusDead)
	if s.handlers.OnWSClose != nil {
		s.handlers.OnWSClose(s.groupID, code, reason)
	}
}

func (s *GroupSocket) handleError(w Conn, err error) {
	if w != s.currentConn() {
		return
	}
	logger.LogCoreError(s.log, "group "+s.groupID, err)
	s.stopKeepalive()
	s.registry.SetStatus(s.groupID, StatusDead)
	s.emitError(err)
}

func (s *GroupSocket) emitError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *GroupSocket) stopKeepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepaliveT != nil {
		s.keepaliveT.Stop()
		s.keepaliveT = nil
	}
}

// Close shuts down the socket's current transport exactly once, regardless
// of how many retired groups or cleanup ticks reference it.
func (s *GroupSocket) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.stopKeepalive()
		conn := s.currentConn()
		if conn != nil {
			conn.Close(code, reason)
		}
	})
}

type wireEnvelope struct {
	EventType string `json:"event_type"`
}

type wireBook struct {
	AssetID string      `json:"asset_id"`
	Bids    []wireLevel `json:"bids"`
	Asks    []wireLevel `json:"asks"`
}

type wirePriceChangeItem struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Side    string `json:"side"`
	Size    string `json:"size"`
}

type wirePriceChange struct {
	PriceChanges []wirePriceChangeItem `json:"price_changes"`
}

type wireTickSizeChange struct {
	AssetID         string `json:"asset_id"`
	Market          string `json:"market"`
	TickSize        string `json:"tick_size"`
	MinimumTickSize string `json:"minimum_tick_size"`
	Timestamp       string `json:"timestamp"`
}

type wireLastTradePrice struct {
	AssetID    string `json:"asset_id"`
	Market     string `json:"market"`
	Price      string `json:"price"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	FeeRateBps string `json:"fee_rate_bps"`
	Timestamp  string `json:"timestamp"`
}

type wireBestBidAsk struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Spread    string `json:"spread"`
	Timestamp string `json:"timestamp"`
}

func parseDecimalLevels(levels []wireLevel) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		price, err1 := decimal.NewFromString(l.Price)
		size, err2 := decimal.NewFromString(l.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out
}

// handleMessage decodes one inbound text frame into typed event batches and
// dispatches each non-empty batch to its handler, then derives and
// dispatches the displayed-price update for every asset the frame touched.
func (s *GroupSocket) handleMessage(w Conn, raw []byte) {
	if w != s.currentConn() {
		return
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return
	}
	if string(trimmed) == `"PONG"` || string(trimmed) == "PONG" {
		return
	}

	var elements []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			s.emitError(coreerrors.ErrMalformedFrame)
			return
		}
	} else {
		elements = []json.RawMessage{trimmed}
	}

	var (
		bookBatch        []BookEvent
		priceChangeBatch []PriceChangeEvent
		tickSizeBatch    []TickSizeChangeEvent
		lastTradeBatch   []LastTradePriceEvent
		bestBidAskBatch  []BestBidAskEvent
		touched          = make(map[string]struct{})
	)

	for _, el := range elements {
		var env wireEnvelope
		if err := json.Unmarshal(el, &env); err != nil {
			s.emitError(coreerrors.ErrMalformedFrame)
			continue
		}
		switch env.EventType {
		case "book":
			var wb wireBook
			if json.Unmarshal(el, &wb) != nil {
				continue
			}
			bids := parseDecimalLevels(wb.Bids)
			asks := parseDecimalLevels(wb.Asks)
			s.cache.ApplyBook(wb.AssetID, bids, asks)
			bookBatch = append(bookBatch, BookEvent{AssetID: wb.AssetID, Bids: bids, Asks: asks})
			touched[wb.AssetID] = struct{}{}

		case "price_change":
			var wp wirePriceChange
			if json.Unmarshal(el, &wp) != nil {
				continue
			}
			changes := make([]PriceLevelChange, 0, len(wp.PriceChanges))
			for _, item := range wp.PriceChanges {
				price, err1 := decimal.NewFromString(item.Price)
				size, err2 := decimal.NewFromString(item.Size)
				if err1 != nil || err2 != nil {
					continue
				}
				changes = append(changes, PriceLevelChange{AssetID: item.AssetID, Price: price, Side: item.Side, Size: size})
				touched[item.AssetID] = struct{}{}
			}
			if len(changes) > 0 {
				s.cache.ApplyPriceChange(changes)
				priceChangeBatch = append(priceChangeBatch, PriceChangeEvent{Changes: changes})
			}

		case "tick_size_change":
			var wt wireTickSizeChange
			if json.Unmarshal(el, &wt) != nil {
				continue
			}
			tickSizeBatch = append(tickSizeBatch, TickSizeChangeEvent{
				AssetID: wt.AssetID, Market: wt.Market, TickSize: wt.TickSize,
				MinimumTickSize: wt.MinimumTickSize, Timestamp: wt.Timestamp,
			})

		case "last_trade_price":
			var wl wireLastTradePrice
			if json.Unmarshal(el, &wl) != nil {
				continue
			}
			price, err := decimal.NewFromString(wl.Price)
			if err != nil {
				continue
			}
			s.cache.ApplyLastTradePrice(wl.AssetID, price)
			lastTradeBatch = append(lastTradeBatch, LastTradePriceEvent{
				AssetID: wl.AssetID, Market: wl.Market, Price: price, Side: wl.Side,
				Size: wl.Size, FeeRateBps: wl.FeeRateBps, Timestamp: wl.Timestamp,
			})
			touched[wl.AssetID] = struct{}{}

		case "best_bid_ask":
			var wb wireBestBidAsk
			if json.Unmarshal(el, &wb) != nil {
				continue
			}
			bestBidAskBatch = append(bestBidAskBatch, BestBidAskEvent{
				AssetID: wb.AssetID, Market: wb.Market, BestBid: wb.BestBid,
				BestAsk: wb.BestAsk, Spread: wb.Spread, Timestamp: wb.Timestamp,
			})

		default:
			s.log.Debug("group %s: unrecognized market event_type %q", s.groupID, env.EventType)
		}
	}

	if len(bookBatch) > 0 && s.handlers.OnBook != nil {
		s.handlers.OnBook(bookBatch)
	}
	if len(priceChangeBatch) > 0 && s.handlers.OnPriceChange != nil {
		s.handlers.OnPriceChange(priceChangeBatch)
	}
	if len(tickSizeBatch) > 0 && s.handlers.OnTickSizeChange != nil {
		s.handlers.OnTickSizeChange(tickSizeBatch)
	}
	if len(lastTradeBatch) > 0 && s.handlers.OnLastTradePrice != nil {
		s.handlers.OnLastTradePrice(lastTradeBatch)
	}
	if len(bestBidAskBatch) > 0 && s.handlers.OnBestBidAsk != nil {
		s.handlers.OnBestBidAsk(bestBidAskBatch)
	}

	if len(touched) > 0 && s.handlers.OnPolymarketPriceUpdate != nil {
		derived := make([]DisplayedPriceEvent, 0, len(touched))
		for assetID := range touched {
			if ev, ok := s.cache.DerivePrice(assetID); ok {
				derived = append(derived, ev)
			}
		}
		if len(derived) > 0 {
			s.handlers.OnPolymarketPriceUpdate(derived)
		}
	}
}
