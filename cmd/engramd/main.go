// Command engramd runs the Engram memory daemon: an HTTP API over the
// forgetting long-term memory store, plus a one-shot maintenance mode.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/recallstack/engram/internal/api"
	"github.com/recallstack/engram/internal/config"
	"github.com/recallstack/engram/internal/embedding"
	"github.com/recallstack/engram/internal/engine"
	"github.com/recallstack/engram/internal/storage"
	"github.com/recallstack/engram/internal/storage/postgres"
	"github.com/recallstack/engram/internal/storage/sqlite"
)

var version = "dev"

func main() {
	// A missing .env file is fine; explicit environment always wins anyway.
	_ = godotenv.Load()

	var configPath string

	root := &cobra.Command{
		Use:          "engramd",
		Short:        "Engram: a forgetting long-term memory store for AI agents",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic maintenance loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	maintainCmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run one decay persistence and pruning pass, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintain(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the engramd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("engramd %s\n", version)
		},
	}

	root.AddCommand(serveCmd, maintainCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	eng, cleanup, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(cfg, eng)
	return srv.Run(ctx)
}

func runMaintain(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	eng, cleanup, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := eng.RunMaintenance(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("persisted decay on %d entries, pruned %d\n", result.Persisted, result.Pruned)
	return nil
}

// buildEngine assembles the storage backend and the embedding pipeline from
// configuration and verifies the stored embedding dimension.
func buildEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	provider, providerCleanup, err := buildProvider(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	ctx := context.Background()
	if err := store.EnsureDimension(ctx, provider.Dimension(), cfg.Embedding.Repair); err != nil {
		providerCleanup()
		store.Close()
		return nil, nil, fmt.Errorf("embedding dimension check failed (set ENGRAM_EMBEDDING_REPAIR=true to wipe stale vectors): %w", err)
	}

	eng := engine.New(store, provider)
	cleanup := func() {
		providerCleanup()
		if err := eng.Close(); err != nil {
			log.Printf("ERROR: closing store: %v", err)
		}
	}
	return eng, cleanup, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.New(cfg.Storage.PostgresURL)
	case "sqlite":
		return sqlite.New(cfg.Storage.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}

// buildProvider layers the embedding pipeline: base provider, circuit
// breaker, then cache. The hash provider needs neither.
func buildProvider(cfg *config.Config) (embedding.Provider, func(), error) {
	noop := func() {}

	switch cfg.Embedding.Provider {
	case "hash":
		return embedding.NewHashProvider(cfg.Embedding.Dimension), noop, nil

	case "openai":
		base, err := embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:            cfg.Embedding.OpenAIAPIKey,
			BaseURL:           cfg.Embedding.OpenAIBaseURL,
			Model:             cfg.Embedding.Model,
			Dimension:         cfg.Embedding.Dimension,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		})
		if err != nil {
			return nil, nil, err
		}

		cached, err := embedding.NewCachedProvider(
			embedding.NewBreakerProvider(base), int64(cfg.Embedding.CacheSize))
		if err != nil {
			return nil, nil, err
		}
		return cached, cached.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
}
