package streaming

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// maxDisplaySpread is the largest bid/ask spread for which the displayed
// price is the midpoint rather than the last traded price.
var maxDisplaySpread = decimal.NewFromFloat(0.10)

// bookEntry is the cache's per-asset order book state. Bids are kept sorted
// highest first, asks lowest first, so the best of each side is always
// index 0.
type bookEntry struct {
	bids           []Level
	asks           []Level
	lastTradePrice *decimal.Decimal
}

// OrderBookCache tracks the current order book and last traded price of
// every subscribed asset, and derives the single "displayed price" that
// fuses them.
type OrderBookCache struct {
	mu      sync.Mutex
	entries map[string]*bookEntry
}

// NewOrderBookCache returns an empty cache.
func NewOrderBookCache() *OrderBookCache {
	return &OrderBookCache{entries: make(map[string]*bookEntry)}
}

func (c *OrderBookCache) entry(assetID string) *bookEntry {
	e, ok := c.entries[assetID]
	if !ok {
		e = &bookEntry{}
		c.entries[assetID] = e
	}
	return e
}

// ApplyBook replaces the full book for one asset with a fresh snapshot.
// Levels are copied and sorted; size-zero levels are dropped.
func (c *OrderBookCache) ApplyBook(assetID string, bids, asks []Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(assetID)
	e.bids = sortedNonZero(bids, true)
	e.asks = sortedNonZero(asks, false)
}

// ApplyPriceChange applies a batch of incremental level updates to the
// asset's cached book. A size of zero removes the level; otherwise the
// level at that price is replaced (or inserted, keeping side order).
func (c *OrderBookCache) ApplyPriceChange(changes []PriceLevelChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range changes {
		e := c.entry(ch.AssetID)
		switch ch.Side {
		case "BUY":
			e.bids = applyLevel(e.bids, ch.Price, ch.Size, true)
		case "SELL":
			e.asks = applyLevel(e.asks, ch.Price, ch.Size, false)
		}
	}
}

// ApplyLastTradePrice records the most recent traded price for an asset.
func (c *OrderBookCache) ApplyLastTradePrice(assetID string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(assetID)
	p := price
	e.lastTradePrice = &p
}

// DerivePrice computes the displayed price for an asset: the bid/ask
// midpoint when both sides exist and the spread is at most 0.10, otherwise
// the last traded price if known. It reports false when neither source is
// available.
func (c *OrderBookCache) DerivePrice(assetID string) (DisplayedPriceEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[assetID]
	if !ok {
		return DisplayedPriceEvent{}, false
	}

	event := DisplayedPriceEvent{
		AssetID:        assetID,
		Bids:           append([]Level(nil), e.bids...),
		Asks:           append([]Level(nil), e.asks...),
		LastTradePrice: e.lastTradePrice,
	}

	if len(e.bids) > 0 && len(e.asks) > 0 {
		spread := e.asks[0].Price.Sub(e.bids[0].Price)
		if spread.LessThanOrEqual(maxDisplaySpread) {
			event.Price = e.bids[0].Price.Add(e.asks[0].Price).Div(decimal.NewFromInt(2))
			return event, true
		}
	}
	if e.lastTradePrice != nil {
		event.Price = *e.lastTradePrice
		return event, true
	}
	return DisplayedPriceEvent{}, false
}

// DropAssets discards all cached state for the given asset ids, called when
// an asset has no remaining subscribers anywhere.
func (c *OrderBookCache) DropAssets(assetIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range assetIDs {
		delete(c.entries, id)
	}
}

// Clear discards all cached state.
func (c *OrderBookCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*bookEntry)
}

func sortedNonZero(levels []Level, descending bool) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Size.IsZero() {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// applyLevel inserts, replaces, or removes a single price level while
// keeping the slice sorted (bids descending, asks ascending).
func applyLevel(levels []Level, price, size decimal.Decimal, descending bool) []Level {
	idx := -1
	for i, l := range levels {
		if l.Price.Equal(price) {
			idx = i
			break
		}
	}
	if size.IsZero() {
		if idx >= 0 {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}
	if idx >= 0 {
		levels[idx].Size = size
		return levels
	}
	levels = append(levels, Level{Price: price, Size: size})
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}
