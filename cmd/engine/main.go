package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/margin-engine/internal/account"
	"github.com/atmx/margin-engine/internal/api"
	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/history"
	"github.com/atmx/margin-engine/internal/pool"
	"github.com/atmx/margin-engine/internal/pricefeed"
	"github.com/atmx/margin-engine/internal/protocol"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fatal := func(msg string, err error) {
		slog.Error(msg, "err", err)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	// --- Initialize history ---
	var hist history.History
	var memHist *history.MemoryHistory
	var cached *history.CachedHistory

	if cfg.Postgres.URL != "" {
		pgPool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			fatal("database connection failed", err)
		}
		cleanup = append(cleanup, pgPool.Close)
		hist = history.NewPostgresHistory(pgPool)
		slog.Info("connected to venue indexer database")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				fatal("invalid redis url", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			cached = history.NewCachedHistory(hist, rdb, cfg.Redis.CacheTTL)
			hist = cached
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		slog.Warn("no database configured, using in-memory history (fills kept for this process only)")
		memHist = history.NewMemoryHistory()
		hist = memHist
	}

	// --- Venue connection ---
	signer, err := protocol.KeySignerFromHex(cfg.Account.PrivateKey)
	if err != nil {
		fatal("invalid private key", err)
	}

	tr, err := protocol.Dial(ctx, cfg.Venue, protocol.WithLogger(logger.With("component", "transport")))
	if err != nil {
		fatal("venue connection failed", err)
	}
	cleanup = append(cleanup, func() { tr.Close() })
	tr.OnReconnect(func() { slog.Info("venue reconnected, subscriptions replayed") })
	adapter := protocol.NewAdapter(tr, cfg.Chain.Scope())

	// --- Price feed ---
	prices, err := pricefeed.Dial(ctx, cfg.PriceFeed, pricefeed.WithLogger(logger.With("component", "pricefeed")))
	if err != nil {
		fatal("price feed connection failed", err)
	}
	cleanup = append(cleanup, func() { prices.Close() })

	// --- Liquidity pool ---
	lp, err := pool.Load(ctx, adapter, cfg.Account.LiquidityPoolID, prices)
	if err != nil {
		fatal("liquidity pool load failed", err)
	}
	if err := lp.Watch(ctx); err != nil {
		fatal("liquidity pool subscription failed", err)
	}
	cleanup = append(cleanup, lp.Unwatch)

	// --- Trade account ---
	acct, err := loadAccount(ctx, cfg, adapter, lp, signer, hist, memHist)
	if err != nil {
		fatal("trade account load failed", err)
	}
	if err := acct.Watch(ctx); err != nil {
		fatal("trade account subscription failed", err)
	}
	cleanup = append(cleanup, acct.Unwatch)
	if cached != nil {
		acct.OnUpdate(func(a *account.Account) { cached.Invalidate(context.Background(), a.ID()) })
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- API service ---
	svc := api.NewService(acct, hist, wsHub)
	stopBroadcasts, err := svc.StartBroadcasts(prices)
	if err != nil {
		fatal("price subscription failed", err)
	}
	cleanup = append(cleanup, stopBroadcasts)

	// --- Server ---
	port := strconv.Itoa(cfg.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      api.NewRouter(svc, wsHub),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("margin-engine listening", "port", port, "account_id", acct.ID(), "lp_id", lp.ID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down margin-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("margin-engine stopped")
}

// loadAccount rehydrates the configured account, or opens a new one when
// no id is configured. An account the history does not know yet starts
// empty and is filled in by the venue's tradeAccount publications.
func loadAccount(ctx context.Context, cfg *config.Config, adapter *protocol.Adapter, lp *pool.Pool,
	signer protocol.Signer, hist history.History, memHist *history.MemoryHistory) (*account.Account, error) {

	opts := []account.Option{account.WithLogger(slog.Default().With("component", "account"))}
	if memHist != nil {
		opts = append(opts, account.WithFillSink(memHist))
	}
	token := common.HexToAddress(cfg.Account.EquityToken)

	if cfg.Account.ID == 0 {
		return account.Open(ctx, adapter, lp, signer, token, opts...)
	}

	acct, err := account.FromID(ctx, cfg.Account.ID, adapter, lp, signer, hist, opts...)
	if errors.Is(err, history.ErrNotFound) {
		slog.Warn("account not in history, waiting for venue publication", "account_id", cfg.Account.ID)
		return account.New(cfg.Account.ID, token, lp, adapter, signer, opts...), nil
	}
	return acct, err
}
