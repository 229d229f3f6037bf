package clobws

// Client is a typed-channel facade over the subscription core's
// callback-based Manager: each Subscribe call hands back a Stream that
// only ever carries events for the assets (or user) it asked for, backed
// by a single shared Manager connection underneath.
type Client interface {
	SubscribeBook(assetIDs []string) (*Stream[BookEvent], error)
	SubscribePriceChange(assetIDs []string) (*Stream[PriceChangeEvent], error)
	SubscribeTickSizeChange(assetIDs []string) (*Stream[TickSizeChangeEvent], error)
	SubscribeLastTradePrice(assetIDs []string) (*Stream[LastTradePriceEvent], error)
	SubscribeDisplayedPrice(assetIDs []string) (*Stream[DisplayedPriceEvent], error)
	SubscribeBestBidAsk(assetIDs []string) (*Stream[BestBidAskEvent], error)

	SubscribeUserTrades(auth Auth) (*Stream[TradeEvent], error)
	SubscribeUserOrders(auth Auth) (*Stream[OrderEvent], error)

	// Unsubscribe ends one stream by the id embedded in its Stream.Close,
	// so callers normally just call Stream.Close instead of this directly.
	Unsubscribe(id string) error
	Close() error
}
