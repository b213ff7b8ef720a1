// Package main assembles the skygent process-singleton service bundle:
// the store-root-scoped identity resolver, image cache, lineage store, and
// filter library that every store/sync/derive operation depends on. CLI
// subcommand wiring and argument parsing are out of scope for this
// repository (see spec.md's Non-goals) — this binary demonstrates service
// construction and graceful shutdown only, the way the teacher's
// cmd/correlator/main.go demonstrates its HTTP server's.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skygent-io/skygent/internal/config"
	"github.com/skygent-io/skygent/internal/filterlib"
	"github.com/skygent-io/skygent/internal/identity"
	"github.com/skygent-io/skygent/internal/imagecache"
	"github.com/skygent-io/skygent/internal/lineage"
)

const (
	version = "0.1.0-dev"
	name    = "skygent"
)

const shutdownTimeout = 10 * time.Second

// services bundles every process-singleton, store-root-scoped component.
// A future CLI's store/sync/derive subcommands would each take this bundle
// plus a resolved per-store post.StoreName.
type services struct {
	identityStore *identity.Store
	resolver      *identity.Resolver
	images        *imagecache.Cache
	lineage       *lineage.Store
	filters       *filterlib.Library
}

func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	identityStore, err := identity.Open(ctx, cfg.StoreRoot)
	if err != nil {
		return nil, err
	}

	resolver := identity.New(identityStore, identity.NewBskyProfileSource(""), identity.Config{
		L2Capacity: cfg.ProfileCacheCapacity,
		L2TTL:      cfg.ProfileCacheTTL,
		MaxBatch:   cfg.ProfileBatchSize,
		Strict:     cfg.IdentityStrict,
	}, logger.With(slog.String("component", "identity")))

	images := imagecache.New(cfg.StoreRoot+"/images", imagecache.Config{
		MaxBytes:         cfg.ImageFetchMaxBytes,
		CacheTTL:         cfg.ImageCacheTTL,
		FailureTTL:       cfg.ImageFailureTTL,
		FetchConcurrency: cfg.ImageFetchConcurrency,
	}, logger.With(slog.String("component", "imagecache")))

	if cfg.ImageCacheEnabled {
		images.StartTTLSweep(cfg.ImageCacheTTL)
	}

	lin := lineage.New(cfg.StoreRoot, logger.With(slog.String("component", "lineage")))
	lin.StartSweep(time.Hour)

	filters := filterlib.New(cfg.StoreRoot)

	return &services{
		identityStore: identityStore,
		resolver:      resolver,
		images:        images,
		lineage:       lin,
		filters:       filters,
	}, nil
}

func (s *services) Close() {
	_ = s.resolver.Close()
	_ = s.images.Close()
	_ = s.lineage.Close()
	_ = s.identityStore.Close()
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("SKYGENT_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("starting skygent services",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("store_root", cfg.StoreRoot),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build services", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("skygent services ready")

	<-ctx.Done()

	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("skygent services stopped")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, exiting anyway")
	}
}
