// Command refresher is the background worker half of the Detach
// capability's durable path (§4.9, §4.8): a periodic scanner finds
// artifacts due for a TTL extension and publishes durable refresh tasks,
// while a consumer loop drains both refresh and fallback-population tasks
// off the queue. Splitting scan (producer) from consume (worker) lets
// several replicas share the work through the queue rather than each
// replica scanning and refreshing the same keys redundantly.
//
// Grounded on the teacher's cmd/worker/main.go: signal handling, a
// WaitGroup tracking in-flight tasks, and a bounded-shutdown window that
// lets in-flight work finish before the process exits.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erfianugrah/videoproxy/internal/config"
	"github.com/erfianugrah/videoproxy/internal/kv"
	"github.com/erfianugrah/videoproxy/internal/originstore"
	"github.com/erfianugrah/videoproxy/internal/tasks"
	"github.com/erfianugrah/videoproxy/internal/ttlrefresh"
)

// scanInterval is how often the scanner walks the artifacts namespace
// looking for entries due for a TTL refresh.
const scanInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis")

	originClient, err := originstore.NewClient(ctx, originstore.ClientConfig{
		Endpoint:  cfg.Origin.Endpoint,
		AccessKey: cfg.Origin.AccessKey,
		SecretKey: cfg.Origin.SecretKey,
		Bucket:    cfg.Origin.Bucket,
		UseSSL:    cfg.Origin.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to origin store: %w", err)
	}
	logger.Info("connected to origin store")

	queueClient, err := tasks.NewClient(ctx, tasks.DefaultClientConfig(cfg.RabbitMQ.URL()))
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer queueClient.Close()
	logger.Info("connected to RabbitMQ")

	store := kv.NewRedisStore(redisClient, cfg.Redis.MaxValueBytes)
	refresher := ttlrefresh.New(store, cfg.Refresher.MaxRetries, cfg.Refresher.BaseBackoff, func(error) bool { return false })
	w := &worker{store: store, origin: originClient, refresher: refresher, queue: queueClient, logger: logger}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting refresh scanner", slog.Duration("interval", scanInterval))
		w.runScanner(ctx, scanInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting task consumer")
		if err := queueClient.Consume(ctx, w.handleTask); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		return err
	case sig := <-quit:
		logger.Info("shutting down refresher", slog.String("signal", sig.String()))
		cancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all in-flight tasks completed")
	case <-time.After(cfg.Refresher.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded, some tasks may not have completed")
	}

	logger.Info("refresher stopped")
	return nil
}

type worker struct {
	store     kv.Store
	origin    originstore.Store
	refresher *ttlrefresh.Refresher
	queue     *tasks.Client
	logger    *slog.Logger
}

// runScanner walks the artifacts namespace on a fixed interval, publishing
// a durable refresh task for every entry ShouldRefresh reports due.
func (w *worker) runScanner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanOnce(ctx)
		}
	}
}

func (w *worker) scanOnce(ctx context.Context) {
	keys, err := w.store.List(ctx, kv.NamespaceArtifacts, "")
	if err != nil {
		w.logger.Error("scan: failed to list artifacts", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	for _, key := range keys {
		entry, err := w.store.Get(ctx, kv.NamespaceArtifacts, key)
		if err != nil || entry == nil {
			continue
		}
		ttl := time.Duration(entry.Metadata.TTLSeconds) * time.Second
		if !ttlrefresh.ShouldRefresh(entry.Metadata.CreatedAt, entry.Metadata.ExpiresAt, now, ttl) {
			continue
		}

		task := tasks.Task{
			Kind:      tasks.KindRefresh,
			BaseKey:   key,
			CreatedAt: now,
		}
		if err := w.queue.Publish(ctx, task); err != nil {
			w.logger.Error("scan: failed to publish refresh task",
				slog.String("base_key", key), slog.String("error", err.Error()))
		}
	}
}

// handleTask dispatches one durable task by kind.
func (w *worker) handleTask(task tasks.Task) error {
	ctx := context.Background()
	switch task.Kind {
	case tasks.KindRefresh:
		return w.handleRefresh(ctx, task)
	case tasks.KindFallbackPopulate:
		return w.handleFallbackPopulate(ctx, task)
	default:
		w.logger.Warn("unknown task kind, dropping", slog.String("kind", string(task.Kind)))
		return nil
	}
}

func (w *worker) handleRefresh(ctx context.Context, task tasks.Task) error {
	entry, err := w.store.Get(ctx, kv.NamespaceArtifacts, task.BaseKey)
	if err != nil {
		return fmt.Errorf("refresh: get entry: %w", err)
	}
	if entry == nil {
		return nil // evicted since the scan published this task
	}
	ttl := time.Duration(entry.Metadata.TTLSeconds) * time.Second
	if err := w.refresher.Refresh(ctx, kv.NamespaceArtifacts, task.BaseKey, ttl); err != nil {
		w.logger.Error("refresh failed", slog.String("base_key", task.BaseKey), slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (w *worker) handleFallbackPopulate(ctx context.Context, task tasks.Task) error {
	reader, err := w.origin.Fetch(ctx, task.Path)
	if err != nil {
		return fmt.Errorf("fallback populate: origin fetch: %w", err)
	}
	defer reader.Close()

	existing, err := w.store.Get(ctx, kv.NamespaceFallback, task.BaseKey)
	if err != nil {
		return fmt.Errorf("fallback populate: get existing: %w", err)
	}
	contentType := ""
	if existing != nil {
		contentType = existing.Metadata.ContentType
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("fallback populate: read body: %w", err)
	}

	meta := kv.Metadata{
		ContentType:   contentType,
		ContentLength: int64(len(body)),
		CreatedAt:     time.Now(),
		TTLSeconds:    int((time.Hour).Seconds()),
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	return w.store.Put(ctx, kv.NamespaceFallback, task.BaseKey, body, meta, time.Hour)
}
