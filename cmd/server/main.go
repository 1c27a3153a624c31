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
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/DoyleJ11/nhie-backend/internal/catalog"
	"github.com/DoyleJ11/nhie-backend/internal/config"
	"github.com/DoyleJ11/nhie-backend/internal/engine"
	"github.com/DoyleJ11/nhie-backend/internal/httpapi"
	"github.com/DoyleJ11/nhie-backend/internal/hub"
	"github.com/DoyleJ11/nhie-backend/internal/logging"
	"github.com/DoyleJ11/nhie-backend/internal/presence"
	"github.com/DoyleJ11/nhie-backend/internal/rewrite"
	"github.com/DoyleJ11/nhie-backend/internal/selector"
	"github.com/DoyleJ11/nhie-backend/internal/store"
	"github.com/DoyleJ11/nhie-backend/internal/store/memstore"
	"github.com/DoyleJ11/nhie-backend/internal/store/postgres"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nhie-server",
		Short:        "Never Have I Ever game server",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var addr, storeKind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("store") {
				cfg.Store = storeKind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address (overrides HTTP_ADDR)")
	cmd.Flags().StringVar(&storeKind, "store", config.StorePostgres, "store backend: postgres or memory (overrides STORE)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the game and question tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			st, err := postgres.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(ctx); err != nil {
				return err
			}

			db, err := catalog.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer closeGorm(db, logger)
			if err := catalog.NewGorm(db).Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

type backend struct {
	store   store.Store
	catalog selector.ContentStore
	close   func()
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, error) {
	if cfg.Store == config.StoreMemory {
		prompts, err := loadPrompts(cfg.CatalogFile)
		if err != nil {
			return backend{}, err
		}
		if len(prompts) == 0 {
			logger.Warn("empty question catalog; every round will use an emergency prompt")
		}
		return backend{store: memstore.New(), catalog: catalog.NewMemory(prompts), close: func() {}}, nil
	}

	st, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return backend{}, err
	}
	db, err := catalog.Open(cfg.DatabaseURL)
	if err != nil {
		st.Close()
		return backend{}, err
	}
	return backend{
		store:   st,
		catalog: catalog.NewGorm(db),
		close: func() {
			closeGorm(db, logger)
			st.Close()
		},
	}, nil
}

func loadPrompts(path string) ([]catalog.Prompt, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog file: %w", err)
	}
	defer f.Close()
	return catalog.LoadJSON(f)
}

func closeGorm(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		logger.Warn("close catalog db", zap.Error(err))
	}
}

func serve(parent context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	h := hub.NewHub(ctx, logger, hub.WithRoomIdle(cfg.RoomIdle))
	sel := selector.New(be.catalog, selector.Config{
		BatchLimit:   cfg.CandidateLimit,
		OverrideSeed: cfg.DebugSeed,
	}, logger)

	var opts []engine.Option
	if cfg.RewriteEnabled {
		rw := rewrite.NewOpenAI(rewrite.Config{
			APIKey:  cfg.OpenAIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.RewriteModel,
		})
		opts = append(opts, engine.WithRewriter(rw, cfg.RewriteTimeout))
	}
	eng := engine.New(be.store, sel, h, logger, opts...)

	pres := presence.New(ctx, be.store, h, cfg.HostGrace, logger)
	defer pres.Close()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Engine:         eng,
			Presence:       pres,
			Hub:            h,
			Logger:         logger,
			OriginPatterns: cfg.OriginPatterns,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		select {
		case h.Inbox() <- hub.ShutdownHub{}:
		case <-h.Done():
		}
		return err
	})
	return g.Wait()
}
