package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opsdash/opsdash/internal/config"
	"github.com/opsdash/opsdash/internal/domain/labtemplate"
	"github.com/opsdash/opsdash/internal/platform/auth"
	"github.com/opsdash/opsdash/internal/platform/db"
	"github.com/opsdash/opsdash/internal/platform/middleware"
	"github.com/opsdash/opsdash/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "opsdash-server",
		Short:        "Operations dashboard API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(out)
	}
	return logger.Level(cfg.ZerologLevel()).With().Timestamp().Str("service", "opsdash").Logger()
}

// backend is the template data source chosen by DATA_SOURCE.
type backend struct {
	name   string
	repo   labtemplate.TemplateRepository
	pinger db.Pinger
	close  func()
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func memoryBackend(items []labtemplate.Template) *backend {
	return &backend{
		name:   config.DataSourceMemory,
		repo:   labtemplate.NewMemoryRepo(items),
		pinger: pingFunc(func(context.Context) error { return nil }),
		close:  func() {},
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.DataSource {
	case config.DataSourcePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.DBSchema,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		return &backend{
			name:   config.DataSourcePostgres,
			repo:   labtemplate.NewTemplateRepoPG(pool),
			pinger: pool,
			close:  pool.Close,
		}, nil

	case config.DataSourceSQLite:
		repo, err := labtemplate.NewTemplateRepoSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite catalogue")
		return &backend{
			name:   config.DataSourceSQLite,
			repo:   repo,
			pinger: repo,
			close: func() {
				if err := repo.Close(); err != nil {
					logger.Warn().Err(err).Msg("failed to close sqlite catalogue")
				}
			},
		}, nil

	case config.DataSourceMemory:
		items := labtemplate.SeedCatalog()
		if cfg.CatalogFile != "" {
			var err error
			if items, err = labtemplate.LoadCatalogFile(cfg.CatalogFile); err != nil {
				return nil, err
			}
		}
		logger.Info().Int("templates", len(items)).Str("catalog_file", cfg.CatalogFile).Msg("serving in-memory catalogue")
		return memoryBackend(items), nil
	}
	return nil, fmt.Errorf("unknown data source %q", cfg.DataSource)
}

func newStore(cfg *config.Config, logger zerolog.Logger, repo labtemplate.TemplateRepository) *labtemplate.Store {
	return labtemplate.NewStore(repo,
		labtemplate.WithCache(labtemplate.NewCache(cfg.CacheTTL)),
		labtemplate.WithLogger(logger),
		labtemplate.WithFetchTimeout(cfg.FetchTimeout),
	)
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(cfg.DefaultTenant)
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

// newServer builds the HTTP surface: health, metrics, the websocket feed
// and the template API under /api/v1.
func newServer(cfg *config.Config, logger zerolog.Logger, be *backend, store *labtemplate.Store, hub *websocket.Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(be.name, be.pinger))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e)

	apiV1 := e.Group("/api/v1", authMiddleware(cfg))
	labtemplate.NewHandler(store, be.repo).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("data_source", cfg.DataSource).Msg("failed to open data source")
	}
	defer be.close()

	store := newStore(cfg, logger, be.repo)
	hub := websocket.NewHub(logger)
	detach := labtemplate.NewBroadcaster(hub, logger).Attach(store)

	store.LoadAll(ctx)
	if st := store.State(); st.Error != "" {
		// The server still starts; POST /reload retries.
		logger.Error().Str("error", st.Error).Msg("initial catalogue load failed")
	} else {
		logger.Info().Int("templates", len(st.Templates)).Msg("catalogue loaded")
	}

	e := newServer(cfg, logger, be, store, hub)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("data_source", be.name).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	store.Wait()
	detach()
	hub.Close()
	logger.Info().Msg("server stopped")
	return nil
}
