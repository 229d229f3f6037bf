// Command streamer is a thin demo CLI around the subscription manager: it
// subscribes to a fixed set of assets (and, optionally, one authenticated
// user's fills/orders) and logs every event to stdout until interrupted.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/polymarket/subscriptions-core/internal/logger"
	"github.com/polymarket/subscriptions-core/pkg/streamconfig"
	"github.com/polymarket/subscriptions-core/pkg/streaming"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file (optional)")
		assetsFlag  = flag.StringSlice("assets", nil, "comma-separated asset ids to subscribe to")
		logLevel    = flag.String("log-level", "", "override the configured log level (debug|info|warn|error|none)")
		userKey     = flag.String("user-api-key", "", "authenticated user api key (enables the user channel)")
		userSecret  = flag.String("user-secret", "", "authenticated user secret")
		userPass    = flag.String("user-passphrase", "", "authenticated user passphrase")
	)
	flag.Parse()

	cfg, err := streamconfig.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config: %v", err)
		os.Exit(1)
	}

	log := logger.NewStandardLogger(parseLevel(cfg.Logging.Level), os.Stdout)

	handlers := streaming.MarketHandlers{
		OnBook: func(batch []streaming.BookEvent) {
			for _, evt := range batch {
				log.Info("book asset=%s bids=%d asks=%d", evt.AssetID, len(evt.Bids), len(evt.Asks))
			}
		},
		OnPriceChange: func(batch []streaming.PriceChangeEvent) {
			for _, evt := range batch {
				log.Info("price_change assets=%s", strings.Join(evt.AssetIDs(), ","))
			}
		},
		OnTickSizeChange: func(batch []streaming.TickSizeChangeEvent) {
			for _, evt := range batch {
				log.Info("tick_size_change asset=%s tick_size=%s", evt.AssetID, evt.TickSize)
			}
		},
		OnLastTradePrice: func(batch []streaming.LastTradePriceEvent) {
			for _, evt := range batch {
				log.Info("last_trade_price asset=%s price=%s", evt.AssetID, evt.Price)
			}
		},
		OnPolymarketPriceUpdate: func(batch []streaming.DisplayedPriceEvent) {
			for _, evt := range batch {
				log.Info("displayed_price asset=%s price=%s", evt.AssetID, evt.Price)
			}
		},
		OnBestBidAsk: func(batch []streaming.BestBidAskEvent) {
			for _, evt := range batch {
				log.Info("best_bid_ask asset=%s bid=%s ask=%s", evt.AssetID, evt.BestBid, evt.BestAsk)
			}
		},
		OnWSOpen: func(groupID string, assetIDs []string) {
			log.Info("group %s open with %d assets", groupID, len(assetIDs))
		},
		OnWSClose: func(groupID string, code int, reason string) {
			log.Warn("group %s closed code=%d reason=%s", groupID, code, reason)
		},
		OnError: func(err error) {
			log.Error("market error: %v", err)
		},
	}

	mgr, err := streaming.NewManager(handlers,
		streaming.WithConfig(cfg.ManagerConfig()),
		streaming.WithLogger(log),
	)
	if err != nil {
		log.Error("failed to start manager: %v", err)
		os.Exit(1)
	}
	defer mgr.Stop()

	if *userKey != "" {
		cfg.User.Key = *userKey
	}
	if *userSecret != "" {
		cfg.User.Secret = *userSecret
	}
	if *userPass != "" {
		cfg.User.Passphrase = *userPass
	}
	if cfg.User.Key != "" {
		mgr.SetUserHandlers(streaming.UserHandlers{
			OnTrade: func(apiKey string, batch []streaming.TradeEvent) {
				for _, evt := range batch {
					log.Info("trade user=%s asset=%s price=%s size=%s", apiKey, evt.AssetID, evt.Price, evt.Size)
				}
			},
			OnOrder: func(apiKey string, batch []streaming.OrderEvent) {
				for _, evt := range batch {
					log.Info("order user=%s asset=%s status=%s", apiKey, evt.AssetID, evt.Status)
				}
			},
			OnWSOpen: func(apiKey string) { log.Info("user %s channel open", apiKey) },
			OnWSClose: func(apiKey string, code int, reason string) {
				log.Warn("user %s channel closed code=%d reason=%s", apiKey, code, reason)
			},
			OnError: func(apiKey string, err error) { log.Error("user %s error: %v", apiKey, err) },
		})
		mgr.ConnectUserSocket(streaming.Auth{Key: cfg.User.Key, Secret: cfg.User.Secret, Passphrase: cfg.User.Passphrase})
	}

	assets := dedupeNonEmpty(*assetsFlag)
	if len(assets) > 0 {
		mgr.AddSubscriptions(assets)
	} else {
		log.Warn("no --assets given; connect a user channel or send SIGINT to exit")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal %s, shutting down", sig)
}

func parseLevel(level string) logger.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	case "none":
		return logger.LevelNone
	default:
		return logger.LevelInfo
	}
}

func dedupeNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
