package clobws

import "github.com/polymarket/subscriptions-core/pkg/streaming"

// EventType identifies one kind of event a subscription can receive.
type EventType string

const (
	Book           EventType = "book"
	PriceChange    EventType = "price_change"
	TickSizeChange EventType = "tick_size_change"
	LastTradePrice EventType = "last_trade_price"
	DisplayedPrice EventType = "displayed_price"
	BestBidAsk     EventType = "best_bid_ask"
	Trade          EventType = "trade"
	Order          EventType = "order"
)

// Channel identifies which underlying socket type a subscription rides on.
type Channel string

const (
	ChannelMarket Channel = "market"
	ChannelUser   Channel = "user"
)

// Event payloads are the same decimal-typed structs the subscription core
// decodes off the wire; this package only adds the fan-out/demux layer on
// top, so there is no separate wire representation to keep in sync here.
type (
	BookEvent           = streaming.BookEvent
	PriceChangeEvent    = streaming.PriceChangeEvent
	TickSizeChangeEvent = streaming.TickSizeChangeEvent
	LastTradePriceEvent = streaming.LastTradePriceEvent
	DisplayedPriceEvent = streaming.DisplayedPriceEvent
	BestBidAskEvent     = streaming.BestBidAskEvent
	TradeEvent          = streaming.TradeEvent
	OrderEvent          = streaming.OrderEvent
	Auth                = streaming.Auth
)
