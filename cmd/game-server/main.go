package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"storyforge/internal/ai/registry"
	"storyforge/internal/catalog"
	"storyforge/internal/config"
	"storyforge/internal/credentials"
	"storyforge/internal/logging"
	"storyforge/internal/media"
	"storyforge/internal/orchestrator"
	"storyforge/internal/ratelimit"
	"storyforge/internal/store"
	"storyforge/internal/stream"
	httptransport "storyforge/internal/transport/http"
)

const streamBuffer = 64

func main() {
	cfg, err := config.LoadApp()
	if err != nil {
		panic(err)
	}
	logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := catalog.Default()
	if cfg.Server.CatalogPath != "" {
		cat, err = catalog.Load(cfg.Server.CatalogPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Server.CatalogPath).Msg("load catalog failed")
		}
	}

	st, err := store.Open(ctx, cfg.Server.DBDriver, cfg.Server.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()

	var mediaStore orchestrator.MediaStore
	if ms, err := media.New(ctx, cfg.Media); err != nil {
		log.Fatal().Err(err).Msg("media store init failed")
	} else if ms != nil {
		mediaStore = ms
		log.Info().Str("bucket", cfg.Media.Bucket).Msg("media store ready")
	} else {
		log.Warn().Msg("no media endpoint configured, generated media will not be persisted")
	}

	var limiter *ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis ping failed")
		}
		limiter = ratelimit.New(rdb, cfg.Redis.TurnsPerMinute)
	}

	providers := registry.Build(registry.Config{
		OpenAIBaseURL:  cfg.Server.OpenAIBaseURL,
		MistralBaseURL: cfg.Server.MistralBaseURL,
		EnableMock:     cfg.Server.EnableMockAI,
	}, cat, log.Logger)
	log.Info().Strs("platforms", providers.PlatformIDs()).Msg("providers ready")

	streams := stream.NewRegistry(streamBuffer)
	orch := orchestrator.New(orchestrator.Config{
		Store:     st,
		Resolver:  credentials.NewResolver(st, cat),
		Providers: providers,
		Streams:   streams,
		Media:     mediaStore,
		Logger:    log.Logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           httptransport.NewRouter(cfg.Server, orch, st, streams, limiter),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errs := make(chan error, 1)
	go func() { errs <- server.ListenAndServe() }()
	log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("http listening")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errs:
		log.Fatal().Err(err).Msg("server stopped")
	}

	grace := time.Duration(cfg.Server.ShutdownGraceSecs) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	// In-flight media pipelines finish before streams are torn down so
	// connected clients see their final chunks.
	orch.Wait()
	if n := streams.Len(); n > 0 {
		log.Info().Int("streams", n).Msg("closing undrained streams")
	}
	streams.Shutdown()
	log.Info().Msg("shutdown complete")
}
