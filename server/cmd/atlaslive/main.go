package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"culinary-atlas/server/internal/api"
	"culinary-atlas/server/internal/config"
	"culinary-atlas/server/internal/logging"
	"culinary-atlas/server/internal/metrics"
	"culinary-atlas/server/internal/mutation"
	"culinary-atlas/server/internal/notifications"
	"culinary-atlas/server/internal/querycache"
	"culinary-atlas/server/internal/realtime"
	"culinary-atlas/server/internal/restapi"
	"culinary-atlas/server/internal/session"

	"go.uber.org/zap"
)

func main() {
	// 参数用 flag，部署相关地址与 token 用环境变量：
	// - ATLAS_API_BASE_URL / ATLAS_WS_URL：后端地址
	// - ATLAS_TOKEN：可选，启动即登录
	configPath := flag.String("config", "server/configs/atlaslive.yaml", "config file path (empty for defaults)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("atlaslive exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var persister session.Persister
	if cfg.Session.StateFile != "" {
		persister = &session.FilePersister{Path: cfg.Session.StateFile}
	}
	sessions := session.NewTokenStore(persister, logging.Component(logger, "session"))
	if sessions.Language() == "" && cfg.Session.Language != "" {
		sessions.SetLanguage(cfg.Session.Language)
	}

	registry := realtime.NewRegistry(logging.Component(logger, "registry"), m)
	manager := realtime.NewManager(realtime.ManagerConfigFrom(cfg.Realtime), registry, nil, logging.Component(logger, "realtime"), m)

	client := restapi.NewClient(cfg.API, sessions, logging.Component(logger, "restapi"))

	store, closeStore, err := newCacheStore(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	cache := querycache.New(store, querycache.Options{
		StaleTime: cfg.Cache.StaleTime,
		Logger:    logging.Component(logger, "querycache"),
		Metrics:   m,
	})

	runner := mutation.NewRunner(cache, mutation.DefaultGraph(), nil, logging.Component(logger, "mutation"), m)
	set := mutation.NewSet(client)

	feed := notifications.NewFeed(manager, client, cache, runner, set, logging.Component(logger, "notifications"))
	feed.Start()
	defer feed.Close()

	binder := realtime.NewBinder(sessions, manager, logging.Component(logger, "binder"))
	binder.Start()
	defer binder.Close()

	if token := config.InitialToken(); token != "" {
		sessions.SetToken(token)
	}

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Sessions:  sessions,
		Realtime:  manager,
		Client:    client,
		Cache:     cache,
		Runner:    runner,
		Mutations: set,
		Feed:      feed,
		Metrics:   m,
		Logger:    logging.Component(logger, "api"),
	})

	httpServer := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     server.Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// 不设置 http.Server.WriteTimeout：/live 是长连接，单帧写超时由 outbox 负责
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("atlaslive listening", zap.String("addr", cfg.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newCacheStore(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (querycache.Store, func(), error) {
	if cfg.Backend != "redis" {
		return querycache.NewMemoryStore(), func() {}, nil
	}
	store, err := querycache.NewRedisStore(ctx, cfg.Redis, logging.Component(logger, "redis"))
	if err != nil {
		return nil, nil, fmt.Errorf("init redis cache: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
