package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"

	"pantrypro/internal/cache"
	"pantrypro/internal/config"
	"pantrypro/internal/favorites"
	"pantrypro/internal/fetch"
	"pantrypro/internal/kv"
	"pantrypro/internal/mealdb"
	"pantrypro/internal/server"
	"pantrypro/internal/strategy"
	"pantrypro/internal/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("PANTRY_CONFIG", ""), "path to pantrypro.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("pantrypro stopped")
	}
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.Logging.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func run(cfg config.Config) error {
	db, err := kv.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	upstream := fetch.NewHTTPFetcher(cfg.ScopeURL, cfg.OriginURL, cfg.FetchTimeout)
	mgr, err := cache.NewManager(cache.NewLevelStorage(db), upstream, cache.Options{
		Prefix:   cfg.Cache.Prefix,
		Version:  cfg.Cache.Version,
		Scope:    cfg.ScopeURL,
		RAMMax:   cfg.RAMMax,
		MaxEntry: cfg.MaxEntry,
	})
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	rules := strategy.NewRules(cfg.ScopeURL)
	rules.APIPrefix = cfg.Cache.APIPrefix
	w, err := worker.New(mgr, upstream, worker.Options{
		Rules:             rules,
		Manifest:          cfg.Cache.Manifest,
		OfflinePath:       cfg.Cache.Offline,
		RevalidateTimeout: cfg.RevalidateTimeout,
		MaxBackground:     cfg.Cache.MaxBackground,
		StatsEvery:        cfg.StatsEvery,
	})
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	defer w.Close()

	store, closeStore, err := openFavorites(cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	details, err := detailSource(cfg, w)
	if err != nil {
		return err
	}
	favs := favorites.NewService(store, details)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := favs.Load(ctx); err != nil {
		return fmt.Errorf("load favorites: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           server.New(w, favs),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", addr).
			Str("scope", cfg.Server.Scope).
			Str("origin", cfg.Server.Origin).
			Str("cache", mgr.Name()).
			Msg("pantrypro listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	go lifecycle(ctx, w, cfg.InstallRetry)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// lifecycle installs then activates the worker. A failed install leaves it
// passing requests through and is retried until it sticks.
func lifecycle(ctx context.Context, w *worker.Worker, retry time.Duration) {
	t := time.NewTicker(retry)
	defer t.Stop()
	for {
		err := w.OnInstall(ctx)
		if err == nil {
			break
		}
		log.Warn().Err(err).Dur("retry_in", retry).Msg("install failed")
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
	if err := w.OnActivate(ctx); err != nil {
		log.Error().Err(err).Msg("activate failed")
	}
}

func openFavorites(cfg config.Config, db *leveldb.DB) (favorites.Store, func(), error) {
	if cfg.Favorites.Backend != config.BackendSQLite {
		return favorites.NewLevelStore(db), func() {}, nil
	}
	gdb, err := favorites.OpenSQLite(cfg.Favorites.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	store, err := favorites.NewSQLStore(gdb)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return store, closer, nil
}

func detailSource(cfg config.Config, w *worker.Worker) (favorites.DetailFetcher, error) {
	if cfg.Favorites.Details == config.DetailsMealDB {
		c, err := mealdb.New(cfg.MealDB.BaseURL,
			mealdb.WithAPIKey(cfg.MealDB.APIKey),
			mealdb.WithCache(cfg.MealDBTTL, nil),
			mealdb.WithRateLimit(cfg.MealDB.RPS, mealdb.DefaultBurst),
		)
		if err != nil {
			return nil, fmt.Errorf("init mealdb client: %w", err)
		}
		return c, nil
	}
	return favorites.OriginDetails{Client: w, Path: cfg.Favorites.DetailPath}, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
