package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/lmassist/internal/config"
	"github.com/fyrsmithlabs/lmassist/internal/embeddings"
	"github.com/fyrsmithlabs/lmassist/internal/generator"
	"github.com/fyrsmithlabs/lmassist/internal/httpapi"
	"github.com/fyrsmithlabs/lmassist/internal/hub"
	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/internal/logging"
	"github.com/fyrsmithlabs/lmassist/internal/relay"
	"github.com/fyrsmithlabs/lmassist/internal/remotesync"
	"github.com/fyrsmithlabs/lmassist/internal/retrieval"
	"github.com/fyrsmithlabs/lmassist/internal/session"
	"github.com/fyrsmithlabs/lmassist/internal/vectorstore"
)

// serve wires the full daemon and blocks until SIGINT/SIGTERM.
func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	var level zapcore.Level
	if err := level.Set(logLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger, err := logging.NewLogger(&logging.Config{
		Level:  level,
		Format: logFormat,
		Fields: map[string]string{"service": "lmassist"},
	})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logging.Sync(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Knowledge store
	store, err := knowledge.NewStore(cfg.KnowledgeDir(), logger)
	if err != nil {
		return fmt.Errorf("opening knowledge store: %w", err)
	}

	// Embeddings and vector store
	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	defer provider.Close()

	vectors, err := vectorstore.NewStore(vectorstore.Config{Path: cfg.VectorDir()}, provider, logger)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer vectors.Close()
	indexer := vectorstore.NewIndexer(vectors, logger)

	// Session cache, warmed in the background and kept fresh by fsnotify
	cost := session.NewCostCalculator(cfg.CostRates)
	parser := session.NewParser(cost, logger)
	cache := session.NewCache(parser, cfg.Session.CacheSize, logger)
	bus := session.NewBus()

	warmer := session.NewWarmer(cfg.SessionRoot, cache, cfg.Session.WarmWindow.Duration(), logger)
	go warmer.Warm(ctx)

	watcher := session.NewWatcher(cfg.SessionRoot, cache, bus, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("session watcher stopped", zap.Error(err))
		}
	}()

	// Retrieval and generation
	engine := retrieval.NewEngine(vectors, store, logger)
	suggester := retrieval.NewSuggester(engine, vectors, store, cache, cfg.SessionRoot, retrieval.SuggestOptions{
		InjectKnowledge:  cfg.Suggest.InjectKnowledge,
		InjectMilestones: cfg.Suggest.InjectMilestones,
		KnowledgeCount:   cfg.Suggest.KnowledgeCount,
		MilestoneCount:   cfg.Suggest.MilestoneCount,
	}, logger)
	gen := generator.New(generator.Config{
		MinResultLength: cfg.Generator.MinResultLength,
		JunkPatterns:    cfg.Generator.JunkPatterns,
	}, cache, store, indexer, cfg.SessionRoot, logger)

	// Hub channel, relay, and remote sync (only when a hub is configured)
	var syncer httpapi.SyncRunner
	if cfg.Hub.URL != "" {
		identity, err := hub.LoadIdentity(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("loading machine identity: %w", err)
		}
		logger.Info("hub configured",
			zap.String("machineId", identity.MachineID),
			zap.String("hubUrl", cfg.Hub.URL),
		)

		handler := relay.NewHandler(relay.Config{
			LocalBaseURL: fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		}, logger)
		client, err := hub.NewClient(hub.ClientConfig{
			URL:    cfg.Hub.URL,
			APIKey: cfg.Hub.APIKey.Value(),
		}, identity, handler, logger)
		if err != nil {
			return fmt.Errorf("creating hub client: %w", err)
		}
		go func() {
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("hub channel stopped", zap.Error(err))
			}
		}()

		directory, err := hub.NewDirectory(hub.ClientConfig{
			URL:    cfg.Hub.URL,
			APIKey: cfg.Hub.APIKey.Value(),
		}, cfg.Hub.Timeout.Duration(), logger)
		if err != nil {
			return fmt.Errorf("creating hub directory: %w", err)
		}
		syncer = remotesync.NewSyncer(store, indexer, directory, identity, cfg.DataDir, logger)
	}

	// HTTP server
	server, err := httpapi.NewServer(httpapi.Deps{
		Store:     store,
		Engine:    engine,
		Suggester: suggester,
		Generator: gen,
		Indexer:   indexer,
		Syncer:    syncer,
	}, logger, &httpapi.Config{Host: "localhost", Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
