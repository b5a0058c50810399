package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"depthbook/internal/api/rest"
	"depthbook/internal/cache"
	"depthbook/internal/checkpoint"
	"depthbook/internal/config"
	"depthbook/internal/exchange/binance"
	"depthbook/internal/exchange/bitfinex"
	"depthbook/internal/exchange/bitmex"
	"depthbook/internal/exchange/bybit"
	"depthbook/internal/exchange/common"
	"depthbook/internal/feed"
	"depthbook/internal/infra/health"
	"depthbook/internal/infra/http/middleware"
	"depthbook/internal/infra/log"
	"depthbook/internal/infra/metrics"
	"depthbook/internal/infra/runner"
	"depthbook/internal/infra/version"
	"depthbook/internal/market"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	logger := log.NewLogger(cfg)
	registry := metrics.Init(logger)
	books := market.NewRegistry(cfg.Books.DefaultDepth, log.Component(logger, "market"))

	var store *checkpoint.Store
	if cfg.Storage.Dir != "" {
		s, err := checkpoint.Open(cfg.Storage.Dir)
		if err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.Storage.Dir).Msg("open checkpoint store")
		}
		defer func() { _ = s.Close() }()
		store = s
		recs, err := store.All()
		if err != nil {
			logger.Error().Err(err).Msg("checkpoint restore failed")
		}
		for _, rec := range recs {
			books.Restore(rec)
		}
		logger.Info().Int("books", len(recs)).Msg("books restored from checkpoint")
	}

	var published *cache.RedisCache
	if cfg.Cache.Addr != "" {
		published = cache.NewRedisCache(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
		defer func() { _ = published.Close() }()
		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		if err := published.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Cache.Addr).Msg("redis unreachable, will keep retrying on publish")
		}
		cancelPing()
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           buildHandler(cfg, logger, registry, books),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	feeds := cfg.EnabledFeeds()
	logger.Info().Str("addr", cfg.Server.Addr).Int("feeds", len(feeds)).Msg("depthbook started")

	g := &runner.Group{}
	var done []<-chan error
	for _, f := range feeds {
		dec, err := decoderFor(f)
		if err != nil {
			logger.Error().Err(err).Msg("feed skipped")
			continue
		}
		client := feed.New(f, dec, books, log.Component(logger, "feed"))
		done = append(done, g.Go(ctx, client.Run))
	}

	interval := time.Duration(cfg.Books.CheckpointIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	done = append(done, g.Go(ctx, func(ctx context.Context) error {
		return runner.Every(ctx, ticker.C, func(ctx context.Context) {
			persist(ctx, books, store, published, logger)
		})
	}))

	health.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case s := <-sigCh:
		logger.Info().Str("signal", s.String()).Msg("shutdown signal received")
	case err := <-runner.FirstError(done...):
		logger.Error().Err(err).Msg("worker error")
	}

	health.SetReady(false)
	cancel()
	g.Wait()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

// buildHandler wires the public book API, probes and the admin-gated
// metrics and pprof endpoints behind request id and access logging.
func buildHandler(cfg config.Config, logger log.Logger, registry *prometheus.Registry, books *market.Registry) http.Handler {
	mux := http.NewServeMux()
	adminCIDRs, invalid := middleware.ParseCIDRs(cfg.Server.AdminAllowCIDRs)
	if len(invalid) > 0 {
		logger.Warn().Strs("cidrs", invalid).Msg("ignoring invalid admin CIDRs")
	}
	mux.Handle("/metrics", middleware.AdminGate(adminCIDRs, metrics.Handler(registry)))
	mux.HandleFunc("/healthz", health.Healthz)
	mux.HandleFunc("/readyz", health.Readyz)
	mux.HandleFunc("/version", version.Handler)
	api := rest.New(books, cfg.Books.ViewLimit, log.Component(logger, "rest")).Handler()
	mux.Handle("/books", api)
	mux.Handle("/books/", api)
	if cfg.Server.Pprof {
		mux.Handle("/debug/pprof/", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Index)))
		mux.Handle("/debug/pprof/cmdline", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Profile)))
		mux.Handle("/debug/pprof/symbol", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Symbol)))
		mux.Handle("/debug/pprof/trace", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Trace)))
	}
	return middleware.RequestID(middleware.Logger(logger)(mux))
}

func decoderFor(f config.Feed) (common.Decoder, error) {
	switch f.Exchange {
	case "binance":
		return binance.New(f), nil
	case "bybit":
		return bybit.New(f), nil
	case "bitfinex":
		return bitfinex.New(f), nil
	case "bitmex":
		return bitmex.New(f), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", f.Exchange)
	}
}

// persist checkpoints every book and publishes it to the cache.
func persist(ctx context.Context, books *market.Registry, store *checkpoint.Store, published *cache.RedisCache, logger log.Logger) {
	start := time.Now()
	books.ReportStaleness()
	recs := books.Records()
	if store != nil {
		if err := store.SaveAll(recs); err != nil {
			metrics.CheckpointErrorsTotal.Inc()
			logger.Error().Err(err).Msg("checkpoint failed")
		}
	}
	if published != nil {
		pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := published.SetBooks(pubCtx, recs); err != nil {
			metrics.CheckpointErrorsTotal.Inc()
			logger.Warn().Err(err).Msg("cache publish failed")
		}
	}
	metrics.CheckpointLatencyMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
}
