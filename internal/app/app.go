package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/httplog/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vadimbarashkov/shortlink-registry/internal/config"
	"github.com/vadimbarashkov/shortlink-registry/internal/identity"
	"github.com/vadimbarashkov/shortlink-registry/internal/kv"
	"github.com/vadimbarashkov/shortlink-registry/internal/kv/memory"
	kvpostgres "github.com/vadimbarashkov/shortlink-registry/internal/kv/postgres"
	kvredis "github.com/vadimbarashkov/shortlink-registry/internal/kv/redis"
	"github.com/vadimbarashkov/shortlink-registry/internal/service"

	myhttp "github.com/vadimbarashkov/shortlink-registry/internal/api/http"
)

func Run(ctx context.Context, cfg *config.Config) error {
	const op = "app.Run"

	logger := httplog.NewLogger("shortlink-registry", httplog.Options{
		JSON:     cfg.Env == config.EnvProd,
		LogLevel: slog.LevelInfo,
		Concise:  cfg.Env != config.EnvProd,
	})

	g, ctx := errgroup.WithContext(ctx)

	store, err := setupStore(ctx, g, cfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	g.Go(func() error {
		<-ctx.Done()
		return store.Close()
	})

	svc := service.NewShortLinkService(store)
	sessions := identity.NewSessions(store)

	r := myhttp.NewRouter(logger, svc, sessions)

	server := &http.Server{
		Addr:           cfg.HTTPServer.Addr(),
		Handler:        r,
		ReadTimeout:    cfg.HTTPServer.ReadTimeout,
		WriteTimeout:   cfg.HTTPServer.WriteTimeout,
		IdleTimeout:    cfg.HTTPServer.IdleTimeout,
		MaxHeaderBytes: cfg.HTTPServer.MaxHeaderBytes,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g.Go(func() error {
		var err error

		switch cfg.Env {
		case config.EnvProd:
			err = server.ListenAndServeTLS(cfg.HTTPServer.CertFile, cfg.HTTPServer.KeyFile)
		default:
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s: server error occurred: %w", op, err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("%s: failed to shutdown server: %w", op, err)
		}

		return nil
	})

	return g.Wait()
}

// setupStore builds the configured storage backend and starts its
// notification listener, if it has one, on the errgroup.
func setupStore(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	const op = "app.setupStore"

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := kvpostgres.Connect(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		db.SetConnMaxIdleTime(cfg.Postgres.ConnMaxIdleTime)
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)

		if err := kvpostgres.RunMigrations(cfg.Postgres.MigrationsPath, cfg.Postgres.DSN()); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		store := kvpostgres.New(db, cfg.Postgres.DSN(), logger)
		g.Go(func() error {
			return store.Listen(ctx)
		})

		return store, nil

	case config.BackendRedis:
		client, err := kvredis.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		store := kvredis.New(client)
		g.Go(func() error {
			return store.Listen(ctx)
		})

		return store, nil

	default:
		return memory.New(), nil
	}
}
