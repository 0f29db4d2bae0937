package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erfianugrah/videoproxy/internal/cachekey"
	"github.com/erfianugrah/videoproxy/internal/config"
	"github.com/erfianugrah/videoproxy/internal/derivative"
	"github.com/erfianugrah/videoproxy/internal/fallback"
	"github.com/erfianugrah/videoproxy/internal/httpapi"
	"github.com/erfianugrah/videoproxy/internal/httpapi/handler"
	"github.com/erfianugrah/videoproxy/internal/kv"
	"github.com/erfianugrah/videoproxy/internal/orchestrator"
	"github.com/erfianugrah/videoproxy/internal/originstore"
	"github.com/erfianugrah/videoproxy/internal/router"
	"github.com/erfianugrah/videoproxy/internal/signer"
	"github.com/erfianugrah/videoproxy/internal/tasks"
	"github.com/erfianugrah/videoproxy/internal/ttlrefresh"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ruleset, err := config.LoadRuleset(cfg.Ruleset.Path)
	if err != nil {
		return fmt.Errorf("failed to load ruleset: %w", err)
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
	versions := cachekey.NewManager(store)
	detacher := tasks.NewPool(16)
	fb := fallback.New(originClient, store, detacher, cfg.Server.WriteTimeout)
	refresher := ttlrefresh.New(store, cfg.Refresher.MaxRetries, cfg.Refresher.BaseBackoff, isRedisRateLimited)
	fetcher := newHTTPUpstreamFetcher(cfg.Transform.Timeout)
	sgnr := signer.New(originClient)

	rules := router.NewRuleset(ruleset.Patterns)
	resolver := derivative.NewResolver(ruleset.Derivative)

	orch := orchestrator.New(rules, resolver, versions, store, fb, refresher, fetcher, sgnr, originClient, orchestrator.Config{
		MediaHost:  cfg.Transform.MediaHost,
		DefaultTTL: time.Hour,
	})

	deps := map[string]handler.Pinger{
		"redis":  store,
		"origin": originClient,
		"queue":  queueClient,
	}

	r := httpapi.NewRouter(orch, logger, detacher, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// isRedisRateLimited never classifies a go-redis error as rate-limited:
// Redis itself has no rate-limit response, so TTL refresh errors against
// it are never retried (§4.9's "any other error: do not retry").
func isRedisRateLimited(error) bool {
	return false
}
