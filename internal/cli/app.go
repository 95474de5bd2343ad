package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/cache"
	cacheredis "github.com/ineyio/creditledger/cache/redis"
	"github.com/ineyio/creditledger/meter"
	"github.com/ineyio/creditledger/policy"
	"github.com/ineyio/creditledger/store/postgres"
	"github.com/ineyio/creditledger/store/sqlite"
)

// app holds everything a command needs for one invocation.
type app struct {
	ledger   *creditledger.Ledger
	logger   *slog.Logger
	cache    cache.Backend
	cacheTTL time.Duration
	closers  []func()
}

func openApp(ctx context.Context, o *rootOptions) (*app, error) {
	logger, err := newLogger(o.logFormat, o.logLevel)
	if err != nil {
		return nil, err
	}

	cfg := creditledger.DefaultConfig()
	if o.configPath != "" {
		if cfg, err = creditledger.LoadConfig(o.configPath); err != nil {
			return nil, err
		}
	}

	pol, err := policyByName(o.policy)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger, cacheTTL: o.cacheTTL}
	store, err := a.openStore(ctx, o.driver, o.dsn)
	if err != nil {
		a.Close()
		return nil, err
	}

	meters := fanout{meter.NewLogMeter(logger)}
	if o.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		meters = append(meters, meter.NewPromMeter(reg))
		a.serveMetrics(o.metricsAddr, reg)
	}

	if o.cacheTTL > 0 {
		if err := a.openCache(ctx, o.redisAddr); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.ledger, err = creditledger.New(store,
		creditledger.WithConfig(cfg),
		creditledger.WithPolicy(pol),
		creditledger.WithMeter(meters),
		creditledger.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) openStore(ctx context.Context, driver, dsn string) (creditledger.Store, error) {
	switch driver {
	case "sqlite":
		s, err := sqlite.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		s := postgres.New(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown driver %q (want sqlite or postgres)", driver)
	}
}

func (a *app) openCache(ctx context.Context, redisAddr string) error {
	if redisAddr == "" {
		a.cache = cache.NewMemory()
		return nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	a.closers = append(a.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", redisAddr, err)
	}
	a.cache = cacheredis.New(client)
	return nil
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics listener stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)

	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}

// balanceReader returns GetBalance, cached when a cache is configured.
func (a *app) balanceReader() cache.Func[string, creditledger.Balance] {
	var fn cache.Func[string, creditledger.Balance] = a.ledger.GetBalance
	if a.cache == nil {
		return fn
	}
	return cache.Wrap(a.cache, a.cacheTTL, func(ws string) string { return "balance:" + ws }, fn,
		cache.WithLogger(a.logger))
}

// breakdownReader returns GetCreditBreakdown, cached when a cache is configured.
func (a *app) breakdownReader() cache.Func[string, []creditledger.AllocationBreakdown] {
	var fn cache.Func[string, []creditledger.AllocationBreakdown] = a.ledger.GetCreditBreakdown
	if a.cache == nil {
		return fn
	}
	return cache.Wrap(a.cache, a.cacheTTL, func(ws string) string { return "breakdown:" + ws }, fn,
		cache.WithLogger(a.logger))
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}

func policyByName(name string) (creditledger.ConsumptionPolicy, error) {
	switch name {
	case "expiry", "":
		return &policy.ExpiryFirstPolicy{}, nil
	case "created":
		return &policy.CreatedFirstPolicy{}, nil
	case "bonus-first":
		return policy.NewBonusFirstPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown policy %q (want expiry, created or bonus-first)", name)
	}
}

// fanout forwards events to several meters.
type fanout []creditledger.Meter

func (f fanout) OnOperation(e creditledger.OperationEvent) {
	for _, m := range f {
		m.OnOperation(e)
	}
}

func (f fanout) OnExpired(e creditledger.ExpiredEvent) {
	for _, m := range f {
		m.OnExpired(e)
	}
}
