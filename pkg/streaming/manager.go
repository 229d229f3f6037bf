package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/polymarket/subscriptions-core/internal/coreerrors"
	"github.com/polymarket/subscriptions-core/internal/logger"
)

// ManagerConfig controls the manager's capacity and timing behavior.
// Callers almost always want DefaultManagerConfig, adjusted via options.
type ManagerConfig struct {
	// MaxAssetsPerGroup bounds how many asset ids one market group
	// multiplexes onto a single socket before a new group is opened.
	MaxAssetsPerGroup int
	// ReconnectAndCleanupInterval is the period of the background tick
	// that reconnects PENDING/DEAD groups and reaps retired ones.
	ReconnectAndCleanupInterval time.Duration
	// RateLimiterCapacity is the burst size and the per-second refill rate
	// of the token bucket that every dial on both channels goes through.
	// It limits how often dials start; it does not cap how many dials are
	// in flight at once.
	RateLimiterCapacity int
	// CircuitBreakerMaxFailures is how many consecutive dial failures
	// against one channel's endpoint trip that channel's circuit breaker.
	CircuitBreakerMaxFailures int
	// CircuitBreakerResetTimeout is how long a tripped breaker blocks
	// further dials before allowing a single probe attempt.
	CircuitBreakerResetTimeout time.Duration
}

// DefaultManagerConfig returns the manager's out-of-the-box tuning.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxAssetsPerGroup:           100,
		ReconnectAndCleanupInterval: 10 * time.Second,
		RateLimiterCapacity:         5,
		CircuitBreakerMaxFailures:   5,
		CircuitBreakerResetTimeout:  30 * time.Second,
	}
}

func (c ManagerConfig) validate() error {
	if c.MaxAssetsPerGroup <= 0 || c.ReconnectAndCleanupInterval <= 0 || c.RateLimiterCapacity <= 0 {
		return coreerrors.ErrInvalidConfig
	}
	return nil
}

// Option configures a Manager at construction time.
type Option func(*managerOptions)

type managerOptions struct {
	config ManagerConfig
	dialer Dialer
	logger logger.Logger
}

// WithConfig overrides the manager's default tuning.
func WithConfig(cfg ManagerConfig) Option {
	return func(o *managerOptions) { o.config = cfg }
}

// WithDialer overrides the transport dialer, primarily for tests.
func WithDialer(d Dialer) Option {
	return func(o *managerOptions) { o.dialer = d }
}

// WithLogger overrides the manager's logger.
func WithLogger(l logger.Logger) Option {
	return func(o *managerOptions) { o.logger = l }
}

// Manager is the top-level subscription and connection manager: it owns
// the market and user registries, the shared order-book cache, the shared
// rate limiter, and the periodic tick that reconnects and cleans up
// groups. A Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	config ManagerConfig
	log    logger.Logger

	marketDialer Dialer
	userDialer   Dialer

	marketRegistry *MarketRegistry
	userRegistry   *UserRegistry
	cache          *OrderBookCache
	limiter        *RateLimiter

	marketHandlers MarketHandlers
	wrappedMarket  MarketHandlers

	userMu       sync.Mutex
	userHandlers *UserHandlers

	tickerStop chan struct{}
	tickerDone chan struct{}
}

// NewManager builds a manager wired to the given market handlers and
// starts its background reconnect/cleanup loop. User handlers are attached
// separately via SetUserHandlers before the first ConnectUserSocket.
func NewManager(handlers MarketHandlers, opts ...Option) (*Manager, error) {
	o := managerOptions{config: DefaultManagerConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.config.validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = logger.GetDefault()
	}
	if o.dialer == nil {
		o.dialer = NewGorillaDialer(10 * time.Second)
	}

	limiter := NewRateLimiter(o.config.RateLimiterCapacity)
	limiter.Start()

	m := &Manager{
		config: o.config,
		log:    o.logger,
		marketDialer: newCircuitBreakerDialer(o.dialer,
			newDialCircuitBreaker(o.config.CircuitBreakerMaxFailures, o.config.CircuitBreakerResetTimeout)),
		userDialer: newCircuitBreakerDialer(o.dialer,
			newDialCircuitBreaker(o.config.CircuitBreakerMaxFailures, o.config.CircuitBreakerResetTimeout)),
		marketRegistry: NewMarketRegistry(o.logger),
		userRegistry:   NewUserRegistry(),
		cache:          NewOrderBookCache(),
		limiter:        limiter,
		marketHandlers: handlers,
		tickerStop:     make(chan struct{}),
		tickerDone:     make(chan struct{}),
	}
	m.wrappedMarket = m.wrapMarketHandlers(handlers)

	go m.runTicker()
	return m, nil
}

// wrapMarketHandlers applies the event-filtering guarantee: once an asset
// id has been fully unsubscribed, no further event referencing it reaches
// the caller's handlers, even if a frame referencing it was already
// in flight on a retiring socket.
func (m *Manager) wrapMarketHandlers(real MarketHandlers) MarketHandlers {
	return MarketHandlers{
		OnBook: func(batch []BookEvent) {
			if real.OnBook == nil {
				return
			}
			filtered := batch[:0:0]
			for _, e := range batch {
				if m.marketRegistry.HasAsset(e.AssetID) {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) > 0 {
				real.OnBook(filtered)
			}
		},
		OnPriceChange: func(batch []PriceChangeEvent) {
			if real.OnPriceChange == nil {
				return
			}
			filtered := batch[:0:0]
			for _, e := range batch {
				changes := e.Changes[:0:0]
				for _, c := range e.Changes {
					if m.marketRegistry.HasAsset(c.AssetID) {
						changes = append(changes, c)
					}
				}
				if len(changes) > 0 {
					filtered = append(filtered, PriceChangeEvent{Changes: changes})
				}
			}
			if len(filtered) > 0 {
				real.OnPriceChange(filtered)
			}
		},
		OnTickSizeChange: func(batch []TickSizeChangeEvent) {
			if real.OnTickSizeChange == nil {
				return
			}
			filtered := batch[:0:0]
			for _, e := range batch {
				if m.marketRegistry.HasAsset(e.AssetID) {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) > 0 {
				real.OnTickSizeChange(filtered)
			}
		},
		OnLastTradePrice: func(batch []LastTradePriceEvent) {
			if real.OnLastTradePrice == nil {
				return
			}
			filtered := batch[:0:0]
			for _, e := range batch {
				if m.marketRegistry.HasAsset(e.AssetID) {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) > 0 {
				real.OnLastTradePrice(filtered)
			}
		},
		OnPolymarketPriceUpdate: func(batch []DisplayedPriceEvent) {
			if real.OnPolymarketPriceUpdate == nil {
				return
			}
			filtered := batch[:0:0]
			for _, e := range batch {
				if m.marketRegistry.HasAsset(e.AssetID) {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) > 0 {
				real.OnPolymarketPriceUpdate(filtered)
			}
		},
		OnBestBidAsk: func(batch []BestBidAskEvent) {
			if real.OnBestBidAsk == nil {
				return
			}
			filtered := batch[:0:0]
			for _, e := range batch {
				if m.marketRegistry.HasAsset(e.AssetID) {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) > 0 {
				real.OnBestBidAsk(filtered)
			}
		},
		OnWSOpen:  real.OnWSOpen,
		OnWSClose: real.OnWSClose,
		OnError:   real.OnError,
	}
}

// AddSubscriptions subscribes to the given asset ids on the market
// channel. It returns immediately; connection and any resulting errors are
// reported asynchronously through the market handlers.
func (m *Manager) AddSubscriptions(assetIDs []string) {
	toConnect := m.marketRegistry.AddAssets(assetIDs, m.config.MaxAssetsPerGroup)
	for _, groupID := range toConnect {
		go m.connectMarketGroup(groupID)
	}
}

// RemoveSubscriptions unsubscribes the given asset ids. Their cached book
// state is dropped immediately; a non-PENDING socket left with zero asset
// ids is closed on the next reconnect/cleanup tick. An emptied PENDING group
// is not closed by the tick; it stays until its connect attempt moves it
// out of PENDING.
func (m *Manager) RemoveSubscriptions(assetIDs []string) {
	m.marketRegistry.RemoveAssets(assetIDs, m.cache)
}

// SetUserHandlers installs the callback surface used by user-channel
// connections opened or reopened after the call. It may be called again to
// replace the handlers; a socket that is already connected keeps the
// handlers it was created with until its next reconnect, and in-flight
// batches already dispatched to the old handlers are not retried against
// the new ones.
func (m *Manager) SetUserHandlers(h UserHandlers) {
	m.userMu.Lock()
	m.userHandlers = &h
	m.userMu.Unlock()
}

func (m *Manager) getUserHandlers() *UserHandlers {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	return m.userHandlers
}

// ConnectUserSocket opens (or, if already open, no-ops on) the user
// channel for auth.Key. Calling it before SetUserHandlers surfaces
// coreerrors.ErrMissingUserHandlers through the market handlers' OnError,
// since there is no user OnError to deliver it to yet.
func (m *Manager) ConnectUserSocket(auth Auth) {
	h := m.getUserHandlers()
	if h == nil {
		if m.marketHandlers.OnError != nil {
			m.marketHandlers.OnError(coreerrors.ErrMissingUserHandlers)
		}
		return
	}
	groupID := m.userRegistry.AddUserSubscription(auth)
	if groupID == "" {
		return
	}
	go m.connectUserGroup(groupID, auth.Key, auth, *h)
}

// DisconnectUserSocket closes and forgets the user channel for apiKey. It
// is a no-op if no such channel is open.
func (m *Manager) DisconnectUserSocket(apiKey string) {
	socket, found := m.userRegistry.RemoveUserSubscription(apiKey)
	if !found {
		return
	}
	if socket != nil {
		socket.Close(1000, "disconnected")
	}
}

// ClearState closes every market and user socket and discards all cached
// book state. It is meant for test teardown and full-restart scenarios.
func (m *Manager) ClearState() {
	m.marketRegistry.Clear()
	m.userRegistry.Clear()
	m.cache.Clear()
}

// Stop halts the background reconnect/cleanup loop and the rate limiter.
// It does not close existing sockets; call ClearState first if a full
// shutdown is wanted.
func (m *Manager) Stop() {
	close(m.tickerStop)
	<-m.tickerDone
	m.limiter.Stop()
}

func (m *Manager) runTicker() {
	defer close(m.tickerDone)
	ticker := time.NewTicker(m.config.ReconnectAndCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.tickerStop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	for _, groupID := range m.marketRegistry.GetGroupsToReconnectAndCleanup() {
		go m.connectMarketGroup(groupID)
	}
	h := m.getUserHandlers()
	if h == nil {
		return
	}
	for _, groupID := range m.userRegistry.GetGroupsToReconnectAndCleanup() {
		apiKey, auth, ok := m.userRegistry.Snapshot(groupID)
		if !ok {
			continue
		}
		go m.connectUserGroup(groupID, apiKey, auth, *h)
	}
}

func (m *Manager) connectMarketGroup(groupID string) {
	socket := NewGroupSocket(groupID, m.marketRegistry, m.marketDialer, m.limiter, m.cache, m.wrappedMarket, m.log)
	m.marketRegistry.SetSocket(groupID, socket)
	_ = socket.Connect(context.Background())
}

func (m *Manager) connectUserGroup(groupID, apiKey string, auth Auth, handlers UserHandlers) {
	socket := NewUserSocket(groupID, apiKey, auth, m.userRegistry, m.userDialer, m.limiter, handlers, m.log)
	m.userRegistry.SetSocket(groupID, socket)
	_ = socket.Connect(context.Background())
}
