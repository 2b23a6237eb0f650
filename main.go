package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"docqueue/api"
	"docqueue/auth"
	"docqueue/blob"
	"docqueue/config"
	"docqueue/converter"
	"docqueue/log"
	"docqueue/notify"
	"docqueue/queue"
	"docqueue/store"
	"docqueue/worker"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		panic(err)
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger := log.InitLog(level)
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	if envErr != nil {
		zap.S().Debugw("no .env file loaded", "error", envErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	deps, closeAll, err := setup(ctx, cfg, &wg)
	if err != nil {
		zap.S().Fatalw("failed to start", "error", err)
	}
	defer closeAll()

	pool := worker.NewPool(deps.Dispatcher, deps.Blobs, deps.Converters, deps.Registry, worker.Options{
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		ConvertTimeout:    cfg.Queue.ConvertTimeout,
	})
	pool.Start(ctx, cfg.WorkerCount, &wg)

	server := api.NewServer(cfg.ServerAddr, deps)

	go func() {
		zap.S().Infow("starting server", "addr", cfg.ServerAddr, "workers", cfg.WorkerCount,
			"store", cfg.StoreType, "queue", cfg.QueueType, "blob", cfg.BlobType)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Fatalw("http server error", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zap.S().Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnw("http server shutdown error", "error", err)
	}
	cancel()

	wg.Wait()
	zap.S().Info("all workers stopped")
}

// setup builds the backends selected by cfg. Background loops it starts are
// tracked by wg and stop with ctx; the returned func releases connections and
// must run after wg is done.
func setup(ctx context.Context, cfg *config.Config, wg *sync.WaitGroup) (api.Deps, func(), error) {
	deps := api.Deps{
		MaxUploadSize: cfg.UploadMaxSize,
		CORSOrigins:   cfg.CORSOrigins,
	}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	hub := notify.NewHub()
	deps.Events = hub

	var publisher notify.Publisher = hub
	deps.Backlog = queue.NewMemoryBacklog()
	deps.Registry = queue.NewMemoryRegistry()
	if cfg.QueueType == config.QueueRedis {
		client, err := queue.NewRedisClient(ctx, queue.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return deps, closeAll, err
		}
		closers = append(closers, func() { _ = client.Close() })
		deps.Backlog = queue.NewRedisBacklog(client)
		deps.Registry = queue.NewRedisRegistry(client)
		publisher = startBridge(ctx, client, hub, wg)
	}

	switch cfg.StoreType {
	case config.StorePostgres:
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return deps, closeAll, err
		}
		closers = append(closers, pg.Close)
		if err := store.Migrate(ctx, pg.Pool()); err != nil {
			return deps, closeAll, err
		}
		deps.Store = pg
	default:
		deps.Store = store.NewMemory()
	}

	switch cfg.BlobType {
	case config.BlobMinio:
		m, err := blob.NewMinio(ctx,
			blob.WithEndpoint(cfg.Minio.Endpoint),
			blob.WithBucket(cfg.Minio.Bucket),
			blob.WithAccessKey(cfg.Minio.AccessKey),
			blob.WithSecretKey(cfg.Minio.SecretKey),
			blob.WithSSL(cfg.Minio.UseSSL),
		)
		if err != nil {
			return deps, closeAll, err
		}
		deps.Blobs = m
	default:
		deps.Blobs = blob.NewMemory()
	}

	converters := converter.NewRegistry(cfg.Converter.Default)
	converters.Register("libreoffice", converter.NewLibreOffice(
		cfg.Converter.SofficePath, cfg.Converter.PdfToTextPath, cfg.Converter.WorkDir))
	if cfg.Converter.RemoteURL != "" {
		converters.Register("remote", converter.NewRemote(cfg.Converter.RemoteURL, cfg.Converter.RemoteTimeout))
	}
	if !converters.Has(cfg.Converter.Default) {
		return deps, closeAll, fmt.Errorf("default converter %q is not configured", cfg.Converter.Default)
	}
	deps.Converters = converters

	authn, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return deps, closeAll, err
	}
	deps.Auth = authn

	d := queue.NewDispatcher(deps.Store, deps.Backlog, queue.Options{
		LeaseTimeout:  cfg.Queue.LeaseTimeout,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		PollInterval:  cfg.Queue.PollInterval,
		SweepInterval: cfg.Queue.SweepInterval,
		RetryBackoff:  cfg.Queue.RetryBackoff,
		Notifier:      publisher,
	})
	deps.Dispatcher = d

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()

	return deps, closeAll, nil
}

func startBridge(ctx context.Context, client *redis.Client, hub *notify.Hub, wg *sync.WaitGroup) notify.Publisher {
	bridge := notify.NewRedisBridge(client, hub)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bridge.Run(ctx); err != nil {
			zap.S().Named("notify").Errorw("event bridge stopped", "error", err)
		}
	}()
	return bridge
}
