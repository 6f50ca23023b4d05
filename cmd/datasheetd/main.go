// Datasheetd answers questions about electronic components from a local
// corpus of datasheet text files.
//
// The daemon builds a persistent vector index over the corpus, serves
// retrieval-augmented answers over HTTP and learns from every served
// interaction.
//
// Usage:
//
//	# Start the daemon with defaults
//	datasheetd
//
//	# Use a config file
//	datasheetd --config /etc/datasheetd/config.yaml
//
//	# Rebuild the index from the corpus and exit
//	datasheetd rebuild
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ohmlabs/datasheetd/internal/cache"
	"github.com/ohmlabs/datasheetd/internal/config"
	"github.com/ohmlabs/datasheetd/internal/corpus"
	"github.com/ohmlabs/datasheetd/internal/embeddings"
	"github.com/ohmlabs/datasheetd/internal/engine"
	"github.com/ohmlabs/datasheetd/internal/index"
	"github.com/ohmlabs/datasheetd/internal/learner"
	"github.com/ohmlabs/datasheetd/internal/logging"
	"github.com/ohmlabs/datasheetd/internal/retriever"
	"github.com/ohmlabs/datasheetd/internal/server"
	"github.com/ohmlabs/datasheetd/internal/synthesizer"
	"github.com/ohmlabs/datasheetd/internal/vectorstore"
	"github.com/ohmlabs/datasheetd/internal/watcher"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "datasheetd",
	Short: "Datasheet question-answering daemon",
	Long: `datasheetd indexes a directory of component datasheets and answers
questions about them over HTTP, learning from every served answer.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(versionCmd)
}

// rebuildCmd rebuilds the index from the corpus directories and exits.
var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the vector index from the corpus and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		manager, provider, err := initIndex(cfg, logger)
		if err != nil {
			return err
		}
		defer provider.Close()

		if err := manager.Rebuild(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Index rebuilt: %d nodes\n", manager.NodeCount())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("datasheetd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization order matters: the index must be loadable (or buildable)
// before the HTTP server accepts queries, while the cache is optional and
// degrades to disabled when unreachable.
func run(ctx context.Context) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting datasheetd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("datasheet_dir", cfg.Corpus.DatasheetDir),
		zap.String("index_path", cfg.Index.Path))

	manager, provider, err := initIndex(cfg, logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	if err := manager.LoadOrBuild(ctx); err != nil {
		return fmt.Errorf("preparing index: %w", err)
	}
	logger.Info("index ready", zap.Int("nodes", manager.NodeCount()))

	qcache := initCache(ctx, cfg, logger)
	defer func() { _ = qcache.Close() }()

	synth, err := synthesizer.NewOllama(synthesizer.Config{
		BaseURL:     cfg.Synthesizer.BaseURL,
		Model:       cfg.Synthesizer.Model,
		Temperature: cfg.Synthesizer.Temperature,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating synthesizer: %w", err)
	}

	eng := engine.New(engine.Config{
		TopK:              cfg.Retrieval.TopK,
		Alpha:             cfg.Retrieval.Alpha,
		CacheTTL:          time.Duration(cfg.Cache.TTL),
		GenerationTimeout: time.Duration(cfg.Synthesizer.Timeout),
	},
		retriever.New(manager, logger),
		synth,
		qcache,
		learner.New(manager, cfg.Corpus.LearnedDir, logger),
		manager,
		logger,
	)

	srv, err := server.NewServer(eng, logger, &server.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Version:   version,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if cfg.Corpus.Watch {
		w, err := watcher.New(cfg.Corpus.DatasheetDir, corpus.NewLoader(logger), manager, logger)
		if err != nil {
			return fmt.Errorf("creating corpus watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("starting corpus watcher: %w", err)
		}
		defer w.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, logger, nil
}

// initIndex creates the embedding provider, snapshotter and index manager.
func initIndex(cfg *config.Config, logger *zap.Logger) (*index.Manager, embeddings.Provider, error) {
	provider, err := embeddings.NewProvider(embeddings.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey.Value(),
		CacheDir: cfg.Embedding.CacheDir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	snapshots, err := vectorstore.NewSnapshotter(cfg.Index.Path, logger)
	if err != nil {
		provider.Close()
		return nil, nil, fmt.Errorf("creating snapshotter: %w", err)
	}

	manager, err := index.NewManager(index.Config{
		DatasheetDir: cfg.Corpus.DatasheetDir,
		LearnedDir:   cfg.Corpus.LearnedDir,
		ChunkSize:    cfg.Corpus.ChunkSize,
		ChunkOverlap: cfg.Corpus.ChunkOverlap,
	}, provider, snapshots, logger)
	if err != nil {
		provider.Close()
		return nil, nil, fmt.Errorf("creating index manager: %w", err)
	}
	return manager, provider, nil
}

// initCache connects to Redis when caching is enabled, degrading to the
// disabled cache when the backend is unreachable at startup.
func initCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) cache.Cache {
	if !cfg.Cache.Enabled {
		return cache.NewNoop()
	}
	r, err := cache.NewRedis(ctx, cfg.Cache.Addr, cfg.Cache.DB, logger)
	if err != nil {
		logger.Warn("query cache unavailable, continuing without it",
			zap.String("addr", cfg.Cache.Addr),
			zap.Error(err))
		return cache.NewNoop()
	}
	return r
}
