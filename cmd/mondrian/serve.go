package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Shaydu/mondrian/internal/advisor"
	"github.com/Shaydu/mondrian/internal/api"
	"github.com/Shaydu/mondrian/internal/config"
	"github.com/Shaydu/mondrian/internal/embedding"
	"github.com/Shaydu/mondrian/internal/engine"
	"github.com/Shaydu/mondrian/internal/events"
	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/metrics"
	"github.com/Shaydu/mondrian/internal/model"
	"github.com/Shaydu/mondrian/internal/retrieval"
	"github.com/Shaydu/mondrian/internal/store"
	"github.com/Shaydu/mondrian/internal/strategy"
	"github.com/Shaydu/mondrian/internal/supervisor"
)

var standalone bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Mondrian server",
	Long: `Starts the full analysis stack: HTTP API, job engine, strategy
dispatcher, retrieval engine, and the supervisor that manages the model
and embedding child services.

With --standalone no child processes are spawned; the model and embedding
endpoints named in the config are assumed to be running already.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&standalone, "standalone", false, "Do not spawn child services")
}

func runServe(cmd *cobra.Command, args []string) error {
	// A .env beside the binary is a convenience for API keys; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if standalone {
		cfg.Supervisor.Children = nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(logging.Options{
		Dir:        cfg.Logging.Dir,
		Level:      cfg.Logging.Level,
		Enabled:    cfg.Logging.Enabled,
		JSONFormat: cfg.Logging.Format == "json",
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return fmt.Errorf("failed to initialize file logging: %w", err)
	}
	defer logging.CloseAll()
	if err := logging.InitAudit(); err != nil {
		logger.Warn("audit log unavailable", zap.Error(err))
	}
	defer logging.CloseAudit()

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog := advisor.NewCatalog(cfg.Advisors.Dir, st)
	if err := catalog.Load(ctx); err != nil {
		return fmt.Errorf("failed to load advisors from %s: %w", cfg.Advisors.Dir, err)
	}
	if cfg.Advisors.Watch {
		watcher, err := advisor.NewWatcher(catalog)
		if err != nil {
			logger.Warn("advisor hot reload disabled", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	// A broken embedding engine only loses the visual similarity path.
	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:   cfg.Retrieval.Embedding.Provider,
		BaseURL:    cfg.Retrieval.Embedding.BaseURL,
		APIKey:     cfg.Retrieval.Embedding.APIKey,
		Model:      cfg.Retrieval.Embedding.Model,
		Dimensions: cfg.Retrieval.Embedding.Dimensions,
		Timeout:    cfg.Retrieval.Embedding.Timeout,
	})
	if err != nil {
		logger.Warn("embedding engine unavailable, visual similarity disabled", zap.Error(err))
		embedder = nil
	}

	retrOpts := []retrieval.Option{}
	if embedder != nil {
		retrOpts = append(retrOpts, retrieval.WithEmbedder(embedder))
	}
	retr := retrieval.New(st, retrieval.Config{
		KSigma:             cfg.Retrieval.KSigma,
		SigmaFloor:         cfg.Retrieval.SigmaFloor,
		MaxRepresentatives: cfg.Retrieval.MaxRepresentatives,
		VisualTopK:         cfg.Retrieval.VisualTopK,
	}, retrOpts...)

	runner, err := model.NewRunner(model.Config{
		Provider:    cfg.Model.Provider,
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		Handle:      cfg.Model.Handle,
		CallTimeout: cfg.Model.CallTimeout,
		MaxRetries:  cfg.Model.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to build model runner: %w", err)
	}
	adapters := model.NewAdapterCache(cfg.Model.Handle, cfg.Model.AdapterDir)

	m := metrics.New()
	bus := events.NewBus(events.WithBufferSize(cfg.Engine.SubscriberBuffer))
	defer bus.CancelAll()

	disp := strategy.NewDispatcher(st, retr, runner, adapters, m)
	eng := engine.New(st, catalog, disp, bus, m, cfg.Engine)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job engine: %w", err)
	}

	reaper := supervisor.NewReaper(st, eng, cfg.Supervisor)
	sup, err := supervisor.New(cfg.Supervisor, m, supervisor.WithReaper(reaper))
	if err != nil {
		return fmt.Errorf("invalid supervisor configuration: %w", err)
	}
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start child services: %w", err)
	}

	srv := api.New(cfg.Server, eng, st, catalog, bus, sup, m, Version, cfg.Model.Provider)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("mondrian serving",
		zap.String("addr", httpSrv.Addr),
		zap.String("db", cfg.Store.Path),
		zap.Int("advisors", len(catalog.List())),
		zap.Bool("standalone", standalone))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		if err := eng.Close(shutdownCtx); err != nil {
			logger.Warn("engine drain incomplete", zap.Error(err))
		}
		if err := sup.Shutdown(shutdownCtx); err != nil {
			logger.Warn("supervisor shutdown incomplete", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}
