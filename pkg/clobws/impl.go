package clobws

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/polymarket/subscriptions-core/pkg/streaming"
)

var errUnknownSubscription = errors.New("clobws: unknown subscription id")

// clientImpl is a single shared streaming.Manager plus one fan-out table
// per event type. Every Subscribe call adds a filtered entry to the
// relevant table and widens the Manager's underlying subscription set;
// Unsubscribe narrows it back once no other entry still needs an asset.
type clientImpl struct {
	mgr *streaming.Manager

	mu         sync.RWMutex
	assetRefs  map[string]int
	apiKeyRefs map[string]int
	cleanup    map[string]func()

	bookSubs           map[string]*subscriptionEntry[BookEvent]
	priceChangeSubs    map[string]*subscriptionEntry[PriceChangeEvent]
	tickSizeSubs       map[string]*subscriptionEntry[TickSizeChangeEvent]
	lastTradeSubs      map[string]*subscriptionEntry[LastTradePriceEvent]
	displayedPriceSubs map[string]*subscriptionEntry[DisplayedPriceEvent]
	bestBidAskSubs     map[string]*subscriptionEntry[BestBidAskEvent]
	tradeSubs          map[string]*subscriptionEntry[TradeEvent]
	orderSubs          map[string]*subscriptionEntry[OrderEvent]

	closeOnce sync.Once
}

// NewClient builds a Client on top of a fresh streaming.Manager. Options
// are the same streaming.Option values accepted by streaming.NewManager
// (WithDialer, WithLogger, WithConfig), so callers configure the
// underlying connection exactly as they would the core Manager.
func NewClient(opts ...streaming.Option) (Client, error) {
	c := &clientImpl{
		assetRefs:          make(map[string]int),
		apiKeyRefs:         make(map[string]int),
		cleanup:            make(map[string]func()),
		bookSubs:           make(map[string]*subscriptionEntry[BookEvent]),
		priceChangeSubs:    make(map[string]*subscriptionEntry[PriceChangeEvent]),
		tickSizeSubs:       make(map[string]*subscriptionEntry[TickSizeChangeEvent]),
		lastTradeSubs:      make(map[string]*subscriptionEntry[LastTradePriceEvent]),
		displayedPriceSubs: make(map[string]*subscriptionEntry[DisplayedPriceEvent]),
		bestBidAskSubs:     make(map[string]*subscriptionEntry[BestBidAskEvent]),
		tradeSubs:          make(map[string]*subscriptionEntry[TradeEvent]),
		orderSubs:          make(map[string]*subscriptionEntry[OrderEvent]),
	}

	mgr, err := streaming.NewManager(streaming.MarketHandlers{
		OnBook:                  c.dispatchBook,
		OnPriceChange:           c.dispatchPriceChange,
		OnTickSizeChange:        c.dispatchTickSize,
		OnLastTradePrice:        c.dispatchLastTrade,
		OnPolymarketPriceUpdate: c.dispatchDisplayedPrice,
		OnBestBidAsk:            c.dispatchBestBidAsk,
		OnError:                 c.broadcastError,
	}, opts...)
	if err != nil {
		return nil, err
	}
	c.mgr = mgr
	mgr.SetUserHandlers(streaming.UserHandlers{
		OnTrade: c.dispatchTrade,
		OnOrder: c.dispatchOrder,
	})
	return c, nil
}

func fanOutByAsset[T any](subs map[string]*subscriptionEntry[T], assetID string, evt T) {
	for _, sub := range subs {
		if sub.matchesAsset(assetID) {
			sub.trySend(evt)
		}
	}
}

func fanOutByAPIKey[T any](subs map[string]*subscriptionEntry[T], apiKey string, evt T) {
	for _, sub := range subs {
		if sub.matchesAPIKey(apiKey) {
			sub.trySend(evt)
		}
	}
}

func (c *clientImpl) dispatchBook(batch []BookEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, evt := range batch {
		fanOutByAsset(c.bookSubs, evt.AssetID, evt)
	}
}

func (c *clientImpl) dispatchPriceChange(batch []PriceChangeEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, evt := range batch {
		for _, sub := range c.priceChangeSubs {
			for _, assetID := range evt.AssetIDs() {
				if sub.matchesAsset(assetID) {
					sub.trySend(evt)
					break
				}
			}
		}
	}
}

func (c *clientImpl) dispatchTickSize(batch []TickSizeChangeEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, evt := range batch {
		fanOutByAsset(c.tickSizeSubs, evt.AssetID, evt)
	}
}

func (c *clientImpl) dispatchLastTrade(batch []LastTradePriceEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, evt := range batch {
		fanOutByAsset(c.lastTradeSubs, evt.AssetID, evt)
	}
}

func (c *clientImpl) dispatchDisplayedPrice(batch []DisplayedPriceEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, evt := range batch {
		fanOutByAsset(c.displayedPriceSubs, evt.AssetID, evt)
	}
}

func (c *clientImpl) dispatchBestBidAsk(batch []BestBidAskEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, evt := range batch {
		fanOutByAsset(c.bestBidAskSubs, evt.AssetID, evt)
	}
}

func (c *clientImpl) dispatchTrade(apiKey string, batch []TradeEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, evt := range batch {
		fanOutByAPIKey(c.tradeSubs, apiKey, evt)
	}
}

func (c *clientImpl) dispatchOrder(apiKey string, batch []OrderEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, evt := range batch {
		fanOutByAPIKey(c.orderSubs, apiKey, evt)
	}
}

// broadcastError fans a market-channel connection-level error out to every
// open market subscription's error channel, since it isn't scoped to one
// asset. Trade and order subscriptions are not notified.
func (c *clientImpl) broadcastError(err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	notify := func(errCh chan error) {
		select {
		case errCh <- err:
		default:
		}
	}
	for _, s := range c.bookSubs {
		notify(s.errCh)
	}
	for _, s := range c.priceChangeSubs {
		notify(s.errCh)
	}
	for _, s := range c.tickSizeSubs {
		notify(s.errCh)
	}
	for _, s := range c.lastTradeSubs {
		notify(s.errCh)
	}
	for _, s := range c.displayedPriceSubs {
		notify(s.errCh)
	}
	for _, s := range c.bestBidAskSubs {
		notify(s.errCh)
	}
}

func newStream[T any](entry *subscriptionEntry[T], closeF func() error) *Stream[T] {
	return &Stream[T]{C: entry.ch, Err: entry.errCh, closeF: closeF}
}

func (c *clientImpl) addAssetRefs(assetIDs []string) {
	for _, id := range assetIDs {
		c.assetRefs[id]++
	}
	c.mgr.AddSubscriptions(assetIDs)
}

func (c *clientImpl) dropAssetRefs(assetIDs []string) {
	var toRemove []string
	for _, id := range assetIDs {
		c.assetRefs[id]--
		if c.assetRefs[id] <= 0 {
			delete(c.assetRefs, id)
			toRemove = append(toRemove, id)
		}
	}
	if len(toRemove) > 0 {
		c.mgr.RemoveSubscriptions(toRemove)
	}
}

func subscribeMarket[T any](c *clientImpl, subs map[string]*subscriptionEntry[T], channel Channel, event EventType, assetIDs []string) *Stream[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	entry := &subscriptionEntry[T]{
		id:      id,
		channel: channel,
		event:   event,
		assets:  makeIDSet(assetIDs),
		ch:      make(chan T, defaultStreamBuffer),
		errCh:   make(chan error, defaultStreamBuffer),
	}
	subs[id] = entry
	c.addAssetRefs(assetIDs)
	c.cleanup[id] = func() {
		delete(subs, id)
		c.dropAssetRefs(assetIDs)
		entry.close()
	}
	return newStream(entry, func() error { return c.Unsubscribe(id) })
}

func (c *clientImpl) SubscribeBook(assetIDs []string) (*Stream[BookEvent], error) {
	return subscribeMarket(c, c.bookSubs, ChannelMarket, Book, assetIDs), nil
}

func (c *clientImpl) SubscribePriceChange(assetIDs []string) (*Stream[PriceChangeEvent], error) {
	return subscribeMarket(c, c.priceChangeSubs, ChannelMarket, PriceChange, assetIDs), nil
}

func (c *clientImpl) SubscribeTickSizeChange(assetIDs []string) (*Stream[TickSizeChangeEvent], error) {
	return subscribeMarket(c, c.tickSizeSubs, ChannelMarket, TickSizeChange, assetIDs), nil
}

func (c *clientImpl) SubscribeLastTradePrice(assetIDs []string) (*Stream[LastTradePriceEvent], error) {
	return subscribeMarket(c, c.lastTradeSubs, ChannelMarket, LastTradePrice, assetIDs), nil
}

func (c *clientImpl) SubscribeDisplayedPrice(assetIDs []string) (*Stream[DisplayedPriceEvent], error) {
	return subscribeMarket(c, c.displayedPriceSubs, ChannelMarket, DisplayedPrice, assetIDs), nil
}

func (c *clientImpl) SubscribeBestBidAsk(assetIDs []string) (*Stream[BestBidAskEvent], error) {
	return subscribeMarket(c, c.bestBidAskSubs, ChannelMarket, BestBidAsk, assetIDs), nil
}

func subscribeUser[T any](c *clientImpl, subs map[string]*subscriptionEntry[T], event EventType, auth Auth) *Stream[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	entry := &subscriptionEntry[T]{
		id:      id,
		channel: ChannelUser,
		event:   event,
		apiKey:  auth.Key,
		ch:      make(chan T, defaultStreamBuffer),
		errCh:   make(chan error, defaultStreamBuffer),
	}
	subs[id] = entry

	c.apiKeyRefs[auth.Key]++
	if c.apiKeyRefs[auth.Key] == 1 {
		c.mgr.ConnectUserSocket(auth)
	}

	c.cleanup[id] = func() {
		delete(subs, id)
		c.apiKeyRefs[auth.Key]--
		if c.apiKeyRefs[auth.Key] <= 0 {
			delete(c.apiKeyRefs, auth.Key)
			c.mgr.DisconnectUserSocket(auth.Key)
		}
		entry.close()
	}
	return newStream(entry, func() error { return c.Unsubscribe(id) })
}

func (c *clientImpl) SubscribeUserTrades(auth Auth) (*Stream[TradeEvent], error) {
	return subscribeUser(c, c.tradeSubs, Trade, auth), nil
}

func (c *clientImpl) SubscribeUserOrders(auth Auth) (*Stream[OrderEvent], error) {
	return subscribeUser(c, c.orderSubs, Order, auth), nil
}

func (c *clientImpl) Unsubscribe(id string) error {
	c.mu.Lock()
	fn, ok := c.cleanup[id]
	if ok {
		delete(c.cleanup, id)
	}
	c.mu.Unlock()
	if !ok {
		return errUnknownSubscription
	}
	fn()
	return nil
}

func (c *clientImpl) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		fns := make([]func(), 0, len(c.cleanup))
		for _, fn := range c.cleanup {
			fns = append(fns, fn)
		}
		c.cleanup = make(map[string]func())
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		c.mgr.Stop()
	})
	return nil
}
