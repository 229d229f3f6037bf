// Package streaming implements the subscription and connection manager for
// Polymarket's market and user WebSocket channels: a group-based
// multiplexer over a dynamic set of asset ids and authenticated users, with
// automatic reconnection, a derived displayed-price cache, and a strict
// event-filtering guarantee for unsubscribed assets.
package streaming

import (
	"github.com/shopspring/decimal"
)

// Channel distinguishes the two upstream endpoints.
type Channel string

const (
	ChannelMarket Channel = "market"
	ChannelUser   Channel = "user"
)

const (
	// MarketURL is the fixed public market-data endpoint.
	MarketURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	// UserURL is the fixed authenticated user-event endpoint.
	UserURL = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
)

// GroupStatus is the lifecycle state of a market or user group.
type GroupStatus int

const (
	StatusPending GroupStatus = iota
	StatusAlive
	StatusDead
	StatusCleanup
)

func (s GroupStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusAlive:
		return "ALIVE"
	case StatusDead:
		return "DEAD"
	case StatusCleanup:
		return "CLEANUP"
	default:
		return "UNKNOWN"
	}
}

// Auth carries the credentials of one authenticated user. Key also serves
// as the user's identity (apiKey) throughout the public surface.
type Auth struct {
	Key        string
	Secret     string
	Passphrase string
}

// wireLevel is the wire representation of a single price level: both price
// and size arrive as JSON strings and are parsed once into Level.
type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Level is one price/size pair of an order book side, stored as an exact
// decimal so it preserves equality with the upstream's string representation.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookEvent is the decoded "book" (full snapshot) market event.
type BookEvent struct {
	AssetID string
	Bids    []Level
	Asks    []Level
}

// PriceLevelChange is a single incremental level update from a price_change
// frame. Size zero means the level is removed.
type PriceLevelChange struct {
	AssetID string
	Price   decimal.Decimal
	Side    string // "BUY" or "SELL"
	Size    decimal.Decimal
}

// PriceChangeEvent is the decoded "price_change" market event: one frame
// element can carry changes for several assets.
type PriceChangeEvent struct {
	Changes []PriceLevelChange
}

// AssetIDs returns the distinct asset ids touched by this price change.
func (e PriceChangeEvent) AssetIDs() []string {
	seen := make(map[string]struct{}, len(e.Changes))
	out := make([]string, 0, len(e.Changes))
	for _, c := range e.Changes {
		if _, ok := seen[c.AssetID]; ok {
			continue
		}
		seen[c.AssetID] = struct{}{}
		out = append(out, c.AssetID)
	}
	return out
}

// TickSizeChangeEvent is the decoded "tick_size_change" market event.
type TickSizeChangeEvent struct {
	AssetID         string
	Market          string
	TickSize        string
	MinimumTickSize string
	Timestamp       string
}

// LastTradePriceEvent is the decoded "last_trade_price" market event.
type LastTradePriceEvent struct {
	AssetID    string
	Market     string
	Price      decimal.Decimal
	Side       string
	Size       string
	FeeRateBps string
	Timestamp  string
}

// BestBidAskEvent is the decoded "best_bid_ask" market event. It is not
// part of the cache's fusion logic; it is forwarded verbatim.
type BestBidAskEvent struct {
	AssetID   string
	Market    string
	BestBid   string
	BestAsk   string
	Spread    string
	Timestamp string
}

// DisplayedPriceEvent is the synthetic "polymarket_price_update" event
// derived by the Order-Book Cache from the midpoint-or-last-trade rule.
type DisplayedPriceEvent struct {
	AssetID        string
	Price          decimal.Decimal
	Bids           []Level
	Asks           []Level
	LastTradePrice *decimal.Decimal
}

// TradeEvent is the decoded "trade" user-channel event.
type TradeEvent struct {
	ID        string
	AssetID   string
	Market    string
	Price     string
	Size      string
	Side      string
	Status    string
	Timestamp int64
}

// OrderEvent is the decoded "order" user-channel event.
type OrderEvent struct {
	OrderID   string
	ClientID  string
	AssetID   string
	Side      string
	Price     string
	Size      string
	Filled    string
	Status    string
	Timestamp int64
}

// MarketHandlers is the optional callback surface for the market channel.
// Each field may be left nil; nil handlers simply drop the corresponding
// batch. Every callback receives a single inbound frame's worth of events,
// in arrival order.
type MarketHandlers struct {
	OnBook                  func(batch []BookEvent)
	OnPriceChange           func(batch []PriceChangeEvent)
	OnTickSizeChange        func(batch []TickSizeChangeEvent)
	OnLastTradePrice        func(batch []LastTradePriceEvent)
	OnPolymarketPriceUpdate func(batch []DisplayedPriceEvent)
	OnBestBidAsk            func(batch []BestBidAskEvent)
	OnWSOpen                func(groupID string, assetIDs []string)
	OnWSClose               func(groupID string, code int, reason string)
	OnError                 func(err error)
}

// UserHandlers is the optional callback surface for one authenticated
// user's event stream. Every callback carries the apiKey identifying the
// user, since the user channel has no notion of a group id externally.
type UserHandlers struct {
	OnTrade   func(apiKey string, batch []TradeEvent)
	OnOrder   func(apiKey string, batch []OrderEvent)
	OnWSOpen  func(apiKey string)
	OnWSClose func(apiKey string, code int, reason string)
	OnError   func(apiKey string, err error)
}
