package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/polymarket/subscriptions-core/internal/coreerrors"
	"github.com/polymarket/subscriptions-core/internal/logger"
)

// UserSocket drives one authenticated user's connection lifecycle. It
// mirrors GroupSocket but has no capacity or regrouping concerns: one
// apiKey maps to exactly one socket for its entire lifetime.
type UserSocket struct {
	groupID  string
	apiKey   string
	auth     Auth
	registry *UserRegistry
	dialer   Dialer
	limiter  *RateLimiter
	handlers UserHandlers
	log      logger.Logger

	mu         sync.Mutex
	conn       Conn
	closeOnce  sync.Once
	keepaliveT *time.Timer
}

// NewUserSocket constructs a socket for a user group. Connect must be
// called to actually open it.
func NewUserSocket(groupID, apiKey string, auth Auth, registry *UserRegistry, dialer Dialer, limiter *RateLimiter, handlers UserHandlers, log logger.Logger) *UserSocket {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &UserSocket{groupID: groupID, apiKey: apiKey, auth: auth, registry: registry, dialer: dialer, limiter: limiter, handlers: handlers, log: log}
}

func (s *UserSocket) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connect dials a fresh transport and sends the authenticated subscribe
// frame for this user.
func (s *UserSocket) Connect(ctx context.Context) error {
	conn, err := Schedule(ctx, s.limiter, 0, func() (Conn, error) {
		return s.dialer.Dial(ctx, UserURL)
	})
	if err != nil {
		s.registry.SetStatus(s.groupID, StatusDead)
		s.emitError(err)
		return err
	}
	s.attach(conn)
	return nil
}

func (s *UserSocket) attach(conn Conn) {
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

	if w != s.currentConn() || w.State() != ConnOpen {
		return
	}
	frame, _ := json.Marshal(struct {
		Markets []string `json:"markets"`
		Type    string   `json:"type"`
		Auth    struct {
			APIKey     string `json:"apiKey"`
			Secret     string `json:"secret"`
			Passphrase string `json:"passphrase"`
		} `json:"auth"`
	}{
		Markets: []string{},
		Type:    "user",
		Auth: struct {
			APIKey     string `json:"apiKey"`
			Secret     string `json:"secret"`
			Passphrase string `json:"passphrase"`
		}{APIKey: s.auth.Key, Secret: s.auth.Secret, Passphrase: s.auth.Passphrase},
	})
	if err := w.WriteText(frame); err != nil {
		s.registry.SetStatus(s.groupID, StatusDead)
		s.emitError(err)
		return
	}

	s.registry.SetStatus(s.groupID, StatusAlive)
	if s.handlers.OnWSOpen != nil {
		s.handlers.OnWSOpen(s.apiKey)
	}
	s.startKeepalive(w)
}

func (s *UserSocket) startKeepalive(w Conn) {
	period := keepaliveInterval()
	s.mu.Lock()
	if s.keepaliveT != nil {
		s.keepaliveT.Stop()
	}
	s.keepaliveT = time.AfterFunc(period, func() { s.keepaliveTick(w) })
	s.mu.Unlock()
}

func (s *UserSocket) keepaliveTick(w Conn) {
	if w != s.currentConn() || w.State() != ConnOpen {
		return
	}
	if err := w.WritePing(); err != nil {
		s.handleError(w, err)
		return
	}
	s.startKeepalive(w)
}

func (s *UserSocket) handleClose(w Conn, code int, reason string) {
	if w != s.currentConn() {
		return
	}
	s.stopKeepalive()
	s.registry.SetStatus(s.groupID, StatusDead)
	if s.handlers.OnWSClose != nil {
		s.handlers.OnWSClose(s.apiKey, code, reason)
	}
}

func (s *UserSocket) handleError(w Conn, err error) {
	if w != s.currentConn() {
		return
	}
	logger.LogCoreError(s.log, "user "+s.apiKey, err)
	s.stopKeepalive()
	s.registry.SetStatus(s.groupID, StatusDead)
	s.emitError(err)
}

func (s *UserSocket) emitError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(s.apiKey, err)
	}
}

func (s *UserSocket) stopKeepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepaliveT != nil {
		s.keepaliveT.Stop()
		s.keepaliveT = nil
	}
}

// Close shuts down the socket's current transport exactly once.
func (s *UserSocket) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.stopKeepalive()
		conn := s.currentConn()
		if conn != nil {
			conn.Close(code, reason)
		}
	})
}

type wireTrade struct {
	ID        string `json:"id"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type wireOrder struct {
	OrderID   string `json:"order_id"`
	ClientID  string `json:"client_order_id"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Filled    string `json:"size_matched"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// handleMessage decodes one inbound text frame into trade/order batches and
// dispatches each non-empty batch to its handler.
func (s *UserSocket) handleMessage(w Conn, raw []byte) {
	if w != s.currentConn() || w.State() != ConnOpen {
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

	var tradeBatch []TradeEvent
	var orderBatch []OrderEvent

	for _, el := range elements {
		var env wireEnvelope
		if err := json.Unmarshal(el, &env); err != nil {
			s.emitError(coreerrors.ErrMalformedFrame)
			continue
		}
		switch env.EventType {
		case "trade":
			var wt wireTrade
			if json.Unmarshal(el, &wt) != nil {
				continue
			}
			tradeBatch = append(tradeBatch, TradeEvent{
				ID: wt.ID, AssetID: wt.AssetID, Market: wt.Market, Price: wt.Price,
				Size: wt.Size, Side: wt.Side, Status: wt.Status, Timestamp: wt.Timestamp,
			})
		case "order":
			var wo wireOrder
			if json.Unmarshal(el, &wo) != nil {
				continue
			}
			orderBatch = append(orderBatch, OrderEvent{
				OrderID: wo.OrderID, ClientID: wo.ClientID, AssetID: wo.AssetID, Side: wo.Side,
				Price: wo.Price, Size: wo.Size, Filled: wo.Filled, Status: wo.Status, Timestamp: wo.Timestamp,
			})
		default:
			s.log.Debug("user %s: unrecognized user event_type %q", s.apiKey, env.EventType)
		}
	}

	if len(tradeBatch) > 0 && s.handlers.OnTrade != nil {
		s.handlers.OnTrade(s.apiKey, tradeBatch)
	}
	if len(orderBatch) > 0 && s.handlers.OnOrder != nil {
		s.handlers.OnOrder(s.apiKey, orderBatch)
	}
}
