package app

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"torn-market-watcher/internal/alerting"
	"torn-market-watcher/internal/config"
	"torn-market-watcher/internal/feed"
	"torn-market-watcher/internal/keypool"
	"torn-market-watcher/internal/ratelimit"
	"torn-market-watcher/internal/settings"
	"torn-market-watcher/internal/storage"
	"torn-market-watcher/internal/upstream"
)

// Settings keys operators can change at runtime to retune request ceilings.
const (
	settingMarketLimit = "rate_limit.market"
	settingBazaarLimit = "rate_limit.bazaar"
)

// freshSettings adapts the cache for pollers that must observe writes made
// by other processes, bypassing the memoized value on every read.
type freshSettings struct {
	cache *settings.Cache
}

func (f freshSettings) Get(ctx context.Context, key, defaultValue string) string {
	return f.cache.GetFresh(ctx, key, defaultValue)
}

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newKeyPool(store *storage.Store) *keypool.Pool {
	return keypool.New(store, keypool.Options{
		EncryptionKey:   a.Config.KeyPool.EncryptionKey,
		RefreshInterval: a.Config.KeyPool.RefreshInterval,
	}, a.Logger)
}

func (a *App) newLimiter(counter ratelimit.Counter) *ratelimit.Limiter {
	limiter := ratelimit.New(counter, "tornwatcher:rate", a.Config.Limiter.Window, a.Logger)
	limiter.SetLimit(ratelimit.GroupMarket, a.Config.Limiter.MarketLimit)
	limiter.SetLimit(ratelimit.GroupBazaar, a.Config.Limiter.BazaarLimit)
	return limiter
}

func (a *App) newEngine(store *storage.Store, cache *settings.Cache) (*alerting.Engine, error) {
	deps := alerting.Deps{
		Alerts:   store,
		States:   store,
		AuditLog: store,
		Settings: cache,
		Webhook:  alerting.NewWebhookNotifier(a.Config.Alerting.WebhookTimeout, a.Logger),
	}

	if token := a.Config.Alerting.DiscordBotToken; token != "" {
		dm, err := alerting.NewDiscordNotifier(token, a.Logger)
		if err != nil {
			return nil, err
		}
		deps.DM = dm
	} else {
		a.Logger.Warn().Msg("alerting.discord_bot_token not configured; direct messages disabled")
	}

	return alerting.NewEngine(deps, a.Logger), nil
}

// Run executes the long-running watcher service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to run the watcher")
	}
	defer closeStore()

	counter, err := ratelimit.NewRedisCounter(a.Config.Redis.URL)
	if err != nil {
		return err
	}
	defer counter.Close()

	cache := settings.NewCache(store, a.Logger)
	pool := a.newKeyPool(store)
	limiter := a.newLimiter(counter)

	engine, err := a.newEngine(store, cache)
	if err != nil {
		return err
	}

	subscriber := feed.New(feed.Options{
		URL:            a.Config.Feed.URL,
		Token:          a.Config.Feed.Token,
		ReconnectDelay: a.Config.Feed.ReconnectDelay,
		PingInterval:   a.Config.Feed.PingInterval,
		ResyncInterval: a.Config.Feed.ResyncInterval,
	}, store, store, store, engine, a.Logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		limiter.RunCeilingSync(ctx, a.Config.Limiter.CeilingSyncInterval, freshSettings{cache}, map[string]string{
			ratelimit.GroupMarket: settingMarketLimit,
			ratelimit.GroupBazaar: settingBazaarLimit,
		})
	}()

	a.Logger.Info().Msg("starting watcher service")
	subscriber.Run(ctx)
	wg.Wait()

	a.Logger.Info().Msg("watcher service stopped")
	return nil
}

func (a *App) newUpstreamClient(pool *keypool.Pool, limiter *ratelimit.Limiter) *upstream.Client {
	return upstream.NewClient(upstream.Options{
		BaseURL:   a.Config.Upstream.BaseURL,
		Timeout:   a.Config.Upstream.RequestTimeout,
		UserAgent: a.Config.Upstream.UserAgent,
	}, pool, limiter, a.Logger)
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	ItemID    int64
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// FetchOptions configure the on-demand market probe.
type FetchOptions struct {
	ItemID   int64
	SellerID int64
}
