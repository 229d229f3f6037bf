package streaming

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/polymarket/subscriptions-core/internal/coreerrors"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func newTestManager(t *testing.T, handlers MarketHandlers, dialer Dialer, cfg ManagerConfig) *Manager {
	t.Helper()
	m, err := NewManager(handlers, WithDialer(dialer), WithConfig(cfg))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

// E1: a fresh subscribe below capacity opens exactly one group with one
// connect attempt.
func TestManager_E1_FreshSubscribeOpensOneGroup(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, MarketHandlers{}, dialer, ManagerConfig{MaxAssetsPerGroup: 100, ReconnectAndCleanupInterval: time.Hour, RateLimiterCapacity: 5})

	m.AddSubscriptions([]string{"a", "b"})

	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })
	if m.marketRegistry.GroupCount() != 1 {
		t.Fatalf("expected exactly one group, got %d", m.marketRegistry.GroupCount())
	}
}

// E2: with capacity 2, a second subscribe that doesn't fit opens a second,
// independent group without touching the first.
func TestManager_E2_CapacityExhaustedOpensSecondGroup(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, MarketHandlers{}, dialer, ManagerConfig{MaxAssetsPerGroup: 2, ReconnectAndCleanupInterval: time.Hour, RateLimiterCapacity: 5})

	m.AddSubscriptions([]string{"a", "b"})
	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })

	m.AddSubscriptions([]string{"c"})
	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 2 })

	if m.marketRegistry.GroupCount() != 2 {
		t.Fatalf("expected two independent groups, got %d", m.marketRegistry.GroupCount())
	}
}

// E3: with capacity 3, a second subscribe that fits alongside the first
// group grows it by replacement instead of opening an independent group:
// the first group is marked CLEANUP, a new PENDING group {a,b,c} is
// created, and a cleanup tick reaps the retired group once it's drained.
func TestManager_E3_GrowByReplacementOnRegroup(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, MarketHandlers{}, dialer, ManagerConfig{MaxAssetsPerGroup: 3, ReconnectAndCleanupInterval: time.Hour, RateLimiterCapacity: 5})

	m.AddSubscriptions([]string{"a", "b"})
	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })

	before := m.marketRegistry.GroupIDs()
	if len(before) != 1 {
		t.Fatalf("expected exactly one group before growth, got %d", len(before))
	}
	oldGroupID := before[0]

	m.AddSubscriptions([]string{"c"})
	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 2 })

	if m.marketRegistry.GroupCount() != 2 {
		t.Fatalf("expected the retired group and its replacement both tracked, got %d", m.marketRegistry.GroupCount())
	}

	var newGroupID string
	for _, id := range m.marketRegistry.GroupIDs() {
		if id != oldGroupID {
			newGroupID = id
		}
	}
	if newGroupID == "" {
		t.Fatal("expected a new replacement group distinct from the retired one")
	}

	ids, ok := m.marketRegistry.AssetIDs(newGroupID)
	if !ok || len(ids) != 3 {
		t.Fatalf("expected the replacement group to hold {a,b,c}, got %v", ids)
	}

	oldIDs, oldOK := m.marketRegistry.AssetIDs(oldGroupID)
	if !oldOK || len(oldIDs) != 0 {
		t.Fatalf("expected the retired group to be emptied but still tracked, got %v", oldIDs)
	}

	toReconnect := m.marketRegistry.GetGroupsToReconnectAndCleanup()
	if len(toReconnect) != 0 {
		t.Fatalf("expected no reconnects from the cleanup tick, got %v", toReconnect)
	}
	if m.marketRegistry.GroupCount() != 1 {
		t.Fatalf("expected the retired group to be reaped after the cleanup tick, got %d", m.marketRegistry.GroupCount())
	}
}

// E4: an inbound book event fires onBook once and derives the midpoint
// displayed price.
func TestManager_E4_BookEventDerivesMidpoint(t *testing.T) {
	dialer := newFakeDialer()
	conn := newFakeConn()
	dialer.enqueue(conn)

	var mu sync.Mutex
	var bookBatches [][]BookEvent
	var derivedBatches [][]DisplayedPriceEvent

	handlers := MarketHandlers{
		OnBook: func(batch []BookEvent) {
			mu.Lock()
			bookBatches = append(bookBatches, batch)
			mu.Unlock()
		},
		OnPolymarketPriceUpdate: func(batch []DisplayedPriceEvent) {
			mu.Lock()
			derivedBatches = append(derivedBatches, batch)
			mu.Unlock()
		},
	}

	m := newTestManager(t, handlers, dialer, ManagerConfig{MaxAssetsPerGroup: 100, ReconnectAndCleanupInterval: time.Hour, RateLimiterCapacity: 5})
	m.AddSubscriptions([]string{"a", "b"})
	waitFor(t, time.Second, func() bool { return len(conn.sentFrames()) == 1 })

	conn.deliver([]byte(`{"event_type":"book","asset_id":"a","bids":[{"price":"0.50","size":"10"}],"asks":[{"price":"0.55","size":"10"}]}`))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bookBatches) == 1 && len(derivedBatches) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(bookBatches[0]) != 1 || bookBatches[0][0].AssetID != "a" {
		t.Fatalf("unexpected book batch: %+v", bookBatches[0])
	}
	if !derivedBatches[0][0].Price.Equal(d("0.525")) {
		t.Fatalf("expected derived price 0.525, got %s", derivedBatches[0][0].Price)
	}
}

// E5: connecting a user socket before setUserHandlers surfaces the
// misuse error through the market onError, not a panic or a silent drop.
func TestManager_E5_ConnectUserSocketWithoutHandlers(t *testing.T) {
	dialer := newFakeDialer()
	var mu sync.Mutex
	var gotErr error
	handlers := MarketHandlers{OnError: func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	}}
	m := newTestManager(t, handlers, dialer, ManagerConfig{MaxAssetsPerGroup: 100, ReconnectAndCleanupInterval: time.Hour, RateLimiterCapacity: 5})

	m.ConnectUserSocket(Auth{Key: "user1"})

	mu.Lock()
	defer mu.Unlock()
	if gotErr != coreerrors.ErrMissingUserHandlers {
		t.Fatalf("expected ErrMissingUserHandlers, got %v", gotErr)
	}
	if m.userRegistry.GroupCount() != 0 {
		t.Fatalf("expected no user group to be created, got %d", m.userRegistry.GroupCount())
	}
}

// E6: disconnecting one user's socket doesn't affect another connected
// user's event delivery.
func TestManager_E6_DisconnectOneUserLeavesOthersConnected(t *testing.T) {
	dialer := newFakeDialer()
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer.enqueue(conn1)
	dialer.enqueue(conn2)

	var mu sync.Mutex
	trades := map[string]int{}
	handlers := MarketHandlers{}
	m := newTestManager(t, handlers, dialer, ManagerConfig{MaxAssetsPerGroup: 100, ReconnectAndCleanupInterval: time.Hour, RateLimiterCapacity: 5})
	m.SetUserHandlers(UserHandlers{
		OnTrade: func(apiKey string, batch []TradeEvent) {
			mu.Lock()
			trades[apiKey] += len(batch)
			mu.Unlock()
		},
	})

	m.ConnectUserSocket(Auth{Key: "user1"})
	waitFor(t, time.Second, func() bool { return len(conn1.sentFrames()) == 1 })
	m.ConnectUserSocket(Auth{Key: "user2"})
	waitFor(t, time.Second, func() bool { return m.userRegistry.GroupCount() == 2 })
	waitFor(t, time.Second, func() bool { return len(conn1.sentFrames()) == 1 && len(conn2.sentFrames()) == 1 })

	m.DisconnectUserSocket("user1")
	waitFor(t, time.Second, func() bool { return conn1.State() == ConnClosed })

	conn1.deliver([]byte(`{"event_type":"trade","asset_id":"a","id":"t1"}`))
	conn2.deliver([]byte(`{"event_type":"trade","asset_id":"a","id":"t2"}`))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return trades["user2"] == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if trades["user1"] != 0 {
		t.Fatalf("expected disconnected user1 to receive no further trades, got %d", trades["user1"])
	}
	if m.userRegistry.GroupCount() != 1 {
		t.Fatalf("expected only user2's group to remain, got %d", m.userRegistry.GroupCount())
	}
}

// Filter correctness (property 4): an event for an asset that was
// unsubscribed before the frame arrived must not reach the handler.
func TestManager_FilterCorrectness_UnsubscribedAssetDropped(t *testing.T) {
	dialer := newFakeDialer()
	conn := newFakeConn()
	dialer.enqueue(conn)

	var mu sync.Mutex
	var calls int
	handlers := MarketHandlers{OnBook: func(batch []BookEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	}}
	m := newTestManager(t, handlers, dialer, ManagerConfig{MaxAssetsPerGroup: 100, ReconnectAndCleanupInterval: time.Hour, RateLimiterCapacity: 5})
	m.AddSubscriptions([]string{"a"})
	waitFor(t, time.Second, func() bool { return len(conn.sentFrames()) == 1 })

	m.RemoveSubscriptions([]string{"a"})
	conn.deliver([]byte(`{"event_type":"book","asset_id":"a","bids":[],"asks":[]}`))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected the event for an unsubscribed asset to be filtered, got %d calls", calls)
	}
}

func TestManager_ClearState_ClosesEverything(t *testing.T) {
	dialer := newFakeDialer()
	conn := newFakeConn()
	dialer.enqueue(conn)

	m := newTestManager(t, MarketHandlers{}, dialer, ManagerConfig{MaxAssetsPerGroup: 100, ReconnectAndCleanupInterval: time.Hour, RateLimiterCapacity: 5})
	m.AddSubscriptions([]string{"a"})
	waitFor(t, time.Second, func() bool { return len(conn.sentFrames()) == 1 })

	m.ClearState()
	if m.marketRegistry.GroupCount() != 0 {
		t.Fatalf("expected ClearState to remove all groups, got %d", m.marketRegistry.GroupCount())
	}
	if conn.State() != ConnClosed {
		t.Fatal("expected ClearState to close the open socket")
	}
}

// No-loss-on-regroup (property 3): while an ALIVE group is being grown by
// replacement, a frame arriving on the old, now-CLEANUP group's socket for
// an asset the replacement group also covers must still reach the handler.
// The old socket is kept open (not closed) until the next cleanup tick
// specifically to make this safe.
func TestManager_NoLossOnRegroup_OldSocketFrameStillDelivered(t *testing.T) {
	dialer := newFakeDialer()
	oldConn := newFakeConn()
	newConn := newFakeConn()
	dialer.enqueue(oldConn)
	dialer.enqueue(newConn)

	var mu sync.Mutex
	var bookBatches [][]BookEvent
	handlers := MarketHandlers{OnBook: func(batch []BookEvent) {
		mu.Lock()
		bookBatches = append(bookBatches, batch)
		mu.Unlock()
	}}

	m := newTestManager(t, handlers, dialer, ManagerConfig{MaxAssetsPerGroup: 3, ReconnectAndCleanupInterval: time.Hour, RateLimiterCapacity: 5})

	m.AddSubscriptions([]string{"a", "b"})
	waitFor(t, time.Second, func() bool { return len(oldConn.sentFrames()) == 1 })
	if ids := m.marketRegistry.GroupIDs(); len(ids) != 1 {
		t.Fatalf("expected exactly one group before growth, got %d", len(ids))
	}

	m.AddSubscriptions([]string{"c"})
	waitFor(t, time.Second, func() bool { return len(newConn.sentFrames()) == 1 })

	if m.marketRegistry.GroupCount() != 2 {
		t.Fatalf("expected the old group to still be tracked (as CLEANUP) alongside the replacement, got %d", m.marketRegistry.GroupCount())
	}

	// a frame lands on the retiring socket before the next cleanup tick.
	oldConn.deliver([]byte(`{"event_type":"book","asset_id":"a","bids":[],"asks":[]}`))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bookBatches) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(bookBatches[0]) != 1 || bookBatches[0][0].AssetID != "a" {
		t.Fatalf("expected the retiring socket's in-flight event for asset a to still be delivered, got %+v", bookBatches)
	}
}

func TestManager_ReconnectTick_RetriesDeadGroup(t *testing.T) {
	dialer := newFakeDialer()
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer.enqueue(conn1)
	dialer.enqueue(conn2)

	m := newTestManager(t, MarketHandlers{}, dialer, ManagerConfig{MaxAssetsPerGroup: 100, ReconnectAndCleanupInterval: 30 * time.Millisecond, RateLimiterCapacity: 5})
	m.AddSubscriptions([]string{"a"})
	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })

	conn1.remoteClose(1001, "going away")
	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 2 })
}

// After enough consecutive dial failures against the market endpoint, the
// manager's circuit breaker trips and reports ErrCircuitOpen on every
// subsequent reconnect attempt instead of dialing again.
func TestManager_CircuitBreaker_TripsAfterRepeatedDialFailures(t *testing.T) {
	dialer := newFakeDialer()
	dialErr := errors.New("connection refused")
	dialer.failNext(dialErr)
	dialer.failNext(dialErr)
	dialer.failNext(dialErr)
	dialer.failNext(dialErr)
	dialer.failNext(dialErr)

	var mu sync.Mutex
	var gotErrs []error
	m := newTestManager(t, MarketHandlers{
		OnError: func(err error) {
			mu.Lock()
			gotErrs = append(gotErrs, err)
			mu.Unlock()
		},
	}, dialer, ManagerConfig{
		MaxAssetsPerGroup:           100,
		ReconnectAndCleanupInterval: 10 * time.Millisecond,
		RateLimiterCapacity:         5,
		CircuitBreakerMaxFailures:   2,
		CircuitBreakerResetTimeout:  time.Hour,
	})

	m.AddSubscriptions([]string{"a"})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range gotErrs {
			if errors.Is(e, coreerrors.ErrCircuitOpen) {
				return true
			}
		}
		return false
	})
}
