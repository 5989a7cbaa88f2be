package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/guarzo/civictrack/common"
	"github.com/guarzo/civictrack/internal/config"
	"github.com/guarzo/civictrack/internal/logger"
	"github.com/guarzo/civictrack/modules/accounts"
	"github.com/guarzo/civictrack/modules/credstore"
	"github.com/guarzo/civictrack/modules/reports"
	"github.com/guarzo/civictrack/modules/session"
)

// app holds everything a command needs. It is filled in by init once the
// config path flag has been parsed.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	store      common.CredentialStore
	httpClient common.HttpClient
	client     session.Client
	reports    reports.Service
	accounts   accounts.Service
	registry   *prometheus.Registry

	closers []func() error
}

func (a *app) init(ctx context.Context, configPath string, stderr io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger.New(cfg.Env, cfg.LogLevel, stderr)

	if a.store, err = a.openStore(ctx); err != nil {
		return err
	}

	a.httpClient = common.NewHttpClient(cfg.API.UserAgent, nil, cfg.API.Timeout)
	a.closers = append(a.closers, func() error {
		a.httpClient.CloseIdleConnections()
		return nil
	})

	a.registry = prometheus.NewRegistry()
	opts := []session.Option{
		session.WithRefreshPath(cfg.API.RefreshPath),
		session.WithLogger(a.log),
		session.WithMetrics(session.NewMetrics(a.registry)),
		session.WithSessionExpiredHandler(func(ctx context.Context) {
			a.log.WarnContext(ctx, "stored session cleared")
		}),
	}
	if !cfg.Session.DisablePreCheck {
		opts = append(opts, session.WithExpiryPreCheck(cfg.Session.Leeway))
	}
	a.client = session.New(cfg.API.BaseURL, a.httpClient, a.store, opts...)
	a.reports = reports.NewService(a.client, a.httpClient, cfg.Reports)
	a.accounts = accounts.NewService(a.client, cfg.Accounts)

	a.log.DebugContext(ctx, "client ready",
		slog.String("base_url", cfg.API.BaseURL),
		slog.String("store", cfg.Store.Kind))
	return nil
}

func (a *app) openStore(ctx context.Context) (common.CredentialStore, error) {
	sc := a.cfg.Store
	switch sc.Kind {
	case config.StoreMemory:
		return credstore.NewMemoryStore(), nil

	case config.StoreBolt:
		if err := os.MkdirAll(filepath.Dir(sc.BoltPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		store, err := credstore.NewBoltStore(sc.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", sc.RedisAddr, err)
		}
		return credstore.NewRedisStore(rdb, sc.RedisPrefix), nil
	}
	return nil, fmt.Errorf("unknown store %q", sc.Kind)
}

// close releases resources in reverse order and writes the metrics file
// when one is configured.
func (a *app) close() error {
	var firstErr error
	if a.cfg != nil && a.cfg.Metrics.TextfilePath != "" && a.registry != nil {
		if err := prometheus.WriteToTextfile(a.cfg.Metrics.TextfilePath, a.registry); err != nil {
			firstErr = fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
