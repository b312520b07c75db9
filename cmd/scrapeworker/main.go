// Package main wires together the scrape pipeline worker binary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/placeharvest/pipeline/internal/api"
	"github.com/placeharvest/pipeline/internal/breaker"
	"github.com/placeharvest/pipeline/internal/browser"
	"github.com/placeharvest/pipeline/internal/clock/system"
	"github.com/placeharvest/pipeline/internal/config"
	"github.com/placeharvest/pipeline/internal/extract"
	"github.com/placeharvest/pipeline/internal/hash/sha256"
	"github.com/placeharvest/pipeline/internal/id/uuid"
	"github.com/placeharvest/pipeline/internal/logging"
	"github.com/placeharvest/pipeline/internal/merge"
	memorypublisher "github.com/placeharvest/pipeline/internal/publisher/memory"
	pubsubpublisher "github.com/placeharvest/pipeline/internal/publisher/pubsub"
	"github.com/placeharvest/pipeline/internal/scrape"
	"github.com/placeharvest/pipeline/internal/storage/gcs"
	"github.com/placeharvest/pipeline/internal/storage/local"
	memorystorage "github.com/placeharvest/pipeline/internal/storage/memory"
	"github.com/placeharvest/pipeline/internal/storage/postgres"
	"github.com/placeharvest/pipeline/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.NewUUIDGenerator()
	hasher := sha256.New()

	var (
		taskStore    scrape.TaskStore
		breakerStore scrape.BreakerStore
	)
	if cfg.DB.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
		if err != nil {
			logger.Fatal("parse postgres dsn", zap.Error(err))
		}
		if cfg.DB.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.DB.MaxConns)
		}
		if cfg.DB.MinConns > 0 {
			poolCfg.MinConns = int32(cfg.DB.MinConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer pool.Close()

		taskStore, err = postgres.NewTaskStoreWithPool(pool, cfg.DB.TaskTable)
		if err != nil {
			logger.Fatal("init task store", zap.Error(err))
		}
		breakerStore, err = postgres.NewBreakerStoreWithPool(pool, cfg.DB.BreakerTable)
		if err != nil {
			logger.Fatal("init breaker store", zap.Error(err))
		}
	} else {
		logger.Warn("db.dsn is empty, using in-memory stores")
		taskStore = memorystorage.NewTaskStore()
		breakerStore = memorystorage.NewBreakerStore()
	}

	var blobStore scrape.BlobStore
	switch {
	case cfg.Storage.GCSBucket != "":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("create gcs client", zap.Error(err))
		}
		defer client.Close() //nolint:errcheck // best-effort teardown
		blobStore, err = gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			logger.Fatal("init gcs blob store", zap.Error(err))
		}
	case cfg.Storage.LocalDir != "":
		blobStore, err = local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			logger.Fatal("init local blob store", zap.Error(err))
		}
	default:
		blobStore = memorystorage.NewBlobStore()
	}

	var publisher scrape.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("create pubsub client", zap.Error(err))
		}
		pub := pubsubpublisher.New(client)
		defer pub.Close()
		publisher = pub
	} else {
		publisher = memorypublisher.New()
	}

	brk := breaker.New(breakerStore, clock, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownMinutes) * time.Minute,
	}, logger.Named("breaker"))

	cookies, err := loadCookies(cfg.Browser.CookiesFile)
	if err != nil {
		logger.Fatal("load cookies", zap.Error(err))
	}
	sessions := browser.NewManager(browser.Config{
		UserAgent:  cfg.Browser.UserAgent,
		Proxy:      cfg.Browser.Proxy,
		Cookies:    cookies,
		NavTimeout: cfg.NavTimeout(),
	}, clock, idGen, logger.Named("browser"))
	registry := browser.NewRegistry(logger.Named("registry"))

	var probe *extract.Probe
	if cfg.Extract.ProbeEnabled {
		probe = extract.NewProbe(extract.ProbeConfig{
			UserAgent: cfg.Browser.UserAgent,
		}, logger.Named("probe"))
	}
	extractor := extract.NewListing(extract.Config{
		APIURLPattern: cfg.Extract.APIURLPattern,
		NavTimeout:    cfg.NavTimeout(),
		SettleDelay:   time.Duration(cfg.Browser.SettleDelayMillis) * time.Millisecond,
		MinQuality:    cfg.Extract.MinQuality,
	}, probe, logger.Named("extract"))

	w := worker.New(
		taskStore,
		brk,
		sessions,
		registry,
		extractor,
		merge.NewValidator(nil),
		blobStore,
		publisher,
		hasher,
		clock,
		scrape.NewBackoff(
			time.Duration(cfg.Worker.RetryBaseSeconds)*time.Second,
			time.Duration(cfg.Worker.RetryMaxMinutes)*time.Minute,
		),
		worker.Config{
			APIName:      cfg.Worker.APIName,
			CaptchaTTL:   cfg.CaptchaTTL(),
			PollInterval: cfg.PollInterval(),
			Topic:        cfg.PubSub.TopicName,
			BlobPrefix:   cfg.Storage.Prefix,
			ContentType:  cfg.Storage.ContentType,
		},
		logger.Named("worker"),
	)

	apiServer := api.NewServer(taskStore, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("worker started", zap.String("api", cfg.Worker.APIName))
		w.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// Parked sessions do not survive the process; close them cleanly so no
	// browser processes outlive the worker.
	for _, session := range registry.Drain() {
		sessions.Close(session)
	}
	logger.Info("shutdown complete")
}

// loadCookies reads an optional JSON file of cookies to seed each browser
// session with (typically a warmed-up session cookie for the listing site).
func loadCookies(path string) ([]browser.Cookie, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read cookies file: %w", err)
	}
	var cookies []browser.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("parse cookies file: %w", err)
	}
	return cookies, nil
}
