package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamerlzl/markdown-qa/internal/async"
	"github.com/dreamerlzl/markdown-qa/internal/chat"
	"github.com/dreamerlzl/markdown-qa/internal/chunk"
	"github.com/dreamerlzl/markdown-qa/internal/config"
	"github.com/dreamerlzl/markdown-qa/internal/embed"
	"github.com/dreamerlzl/markdown-qa/internal/index"
	"github.com/dreamerlzl/markdown-qa/internal/query"
	"github.com/dreamerlzl/markdown-qa/internal/server"
	"github.com/dreamerlzl/markdown-qa/internal/watcher"
)

func newServeCmd() *cobra.Command {
	var flags config.Flags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Index the configured directories and serve queries over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVar(&flags.Port, "port", 0, "WebSocket listen port")
	cmd.Flags().StringVar(&flags.Directories, "directories", "", "Comma-separated list of directories to index")
	cmd.Flags().IntVar(&flags.ReloadInterval, "reload-interval", 0, "Seconds between incremental reloads")
	cmd.Flags().StringVar(&flags.IndexName, "index-name", "", "Name of the index to serve")

	return cmd
}

// loadConfig resolves the configuration with CLI flags on top, then
// validates it.
func loadConfig(flags config.Flags) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyFlags(flags)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogging(cfg.Server.LogLevel)
	return cfg, nil
}

// buildComponents wires the splitter, embedder, chat backend, and index
// manager from a configuration snapshot.
func buildComponents(cfg *config.Config) (*index.Manager, *embed.Cache, chat.Streamer, embed.Embedder, error) {
	cacheDir := config.DefaultCacheDir()

	embCache, err := embed.OpenCache(filepath.Join(cacheDir, "embeddings.cache"))
	if err != nil {
		slog.Warn("embedding cache unreadable, starting empty", slog.String("error", err.Error()))
		embCache = embed.NewCache(filepath.Join(cacheDir, "embeddings.cache"))
	}

	backend, err := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Model:   cfg.API.EmbeddingModel,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	embedder := embed.NewCachedEmbedder(backend, embCache)

	streamer, err := chat.NewOpenAIStreamer(chat.Config{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Model:   cfg.API.LLMModel,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	splitter := chunk.NewSplitter(chunk.Options{})
	manager := index.NewManager(cacheDir, splitter, embedder, embCache)

	return manager, embCache, streamer, embedder, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cacheDir := config.DefaultCacheDir()
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	// A lockfile rejects a second server instance over the same cache.
	lock := flock.New(filepath.Join(cacheDir, "mdqa.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another mdqa server is already using %s", cacheDir)
	}
	defer func() { _ = lock.Unlock() }()

	manager, embCache, streamer, embedder, err := buildComponents(cfg)
	if err != nil {
		return err
	}

	// The initial build runs in the background so status queries answer
	// "indexing" instead of blocking the socket.
	indexer := async.NewBackgroundIndexer(func(ctx context.Context) error {
		return manager.LoadOrBuild(ctx, cfg)
	})
	indexer.Start(ctx)
	go func() {
		if err := indexer.Wait(); err != nil && ctx.Err() == nil {
			slog.Error("initial index build failed", slog.String("error", err.Error()))
		}
	}()

	pipeline := query.New(manager,
		embed.NewQueryEmbedder(embedder, embed.DefaultQueryCacheSize),
		streamer,
		query.Options{TopK: cfg.Server.TopK, MaxDistance: cfg.Server.MaxDistance},
	)

	srv := server.New(pipeline, manager, cfg.Server.IndexName)
	reloader := watcher.NewReloader(manager, cfg, effectiveConfigPath())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := reloader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
	})

	err = g.Wait()
	indexer.Stop()

	if saveErr := embCache.Save(); saveErr != nil {
		slog.Warn("failed to persist embedding cache on shutdown", slog.String("error", saveErr.Error()))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// effectiveConfigPath returns the config file path the reloader should watch.
func effectiveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}
