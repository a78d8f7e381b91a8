package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"offerwatch/internal/api"
	"offerwatch/internal/bot"
	"offerwatch/internal/config"
	"offerwatch/internal/fetcher"
	"offerwatch/internal/ingest"
	"offerwatch/internal/metrics"
	"offerwatch/internal/notify"
	"offerwatch/internal/quota"
	"offerwatch/internal/scheduler"
	"offerwatch/internal/service"
	"offerwatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Error("open database", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	ledger := quota.New(store, nil)

	b, err := bot.New(cfg.TelegramBotToken, store, ledger, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	dispatcher := notify.NewDispatcher(store, b, rec, log)
	engine := ingest.New(store, ledger, dispatcher, rec, log)
	svc := service.New(store, ledger, b, cfg.MaxURLsPerTarget, log)
	svc.SetBotUsername(b.Username())

	sched := scheduler.New(store, ledger, fetcher.New(fetcher.NewSafeClient(cfg.FetchTimeout)), engine, rec, log)
	sched.SetTickInterval(cfg.PollInterval)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(svc, engine, rec, reg, api.Options{APIKey: cfg.APIKey, RequestTimeout: 30 * time.Second}, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting offerwatch", "http_addr", cfg.HTTPAddr, "database", cfg.DatabaseDriver)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		b.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	wg.Wait()

	log.Info("offerwatch stopped")
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.DatabaseDriver == config.DriverPostgres {
		return storage.NewPostgres(ctx, storage.PostgresConfig{DSN: cfg.DatabaseDSN})
	}
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	return storage.NewSQLite(cfg.DatabasePath)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
