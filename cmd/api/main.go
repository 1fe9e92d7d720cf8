package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"catalog/api/internal/app"
	"catalog/api/internal/blob"
	"catalog/api/internal/catalog"
	"catalog/api/internal/config"
	"catalog/api/internal/logging"
	"catalog/api/internal/session"
	"catalog/api/internal/store"
)

var (
	cfg config.Config
	log *zap.Logger

	rootCmd = &cobra.Command{
		Use:           "catalog-api",
		Short:         "Access-controlled document catalog API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			if log, err = logging.New(cfg.Env, cfg.LogLevel); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
)

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd, healthCmd, tokenCmd)
	rootCmd.RunE = runServe
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	deps := app.Deps{Store: dataStore, Log: log}

	if cfg.MinIO.Endpoint != "" {
		blobs, err := blob.NewMinIO(ctx, blob.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("connect minio: %w", err)
		}
		deps.Blobs = blobs
	} else {
		log.Info("attachments disabled, no MinIO endpoint configured")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		roles, err := session.NewRedisStore(cfg.RedisURL)
		switch {
		case err == nil:
			defer roles.Close()
			deps.Roles = roles
		case cfg.Production():
			return fmt.Errorf("connect redis: %w", err)
		default:
			log.Warn("redis unavailable, roles come from tokens only", zap.Error(err))
		}
	}

	if cfg.TranslationsFile != "" {
		tr, err := loadTranslations(cfg.TranslationsFile, cfg.Locale)
		if err != nil {
			return err
		}
		deps.Translator = tr
	}

	service := app.New(cfg, deps)
	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("catalog API listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

// openStore builds the configured catalog store. The returned func releases it.
func openStore(ctx context.Context) (store.Store, func(), error) {
	switch cfg.Store {
	case "memory":
		log.Warn("using the in-memory store, data is lost on exit")
		mem := store.NewMemory(store.WithCompoundIndex(store.OrderUpdatedAt))
		return mem, mem.Close, nil
	default:
		pool, err := store.Open(ctx, cfg.DatabaseURL, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if _, err := store.ApplyMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		pg := store.NewPostgres(pool, log)
		return pg, pg.Close, nil
	}
}

func loadTranslations(path, locale string) (catalog.Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open translations: %w", err)
	}
	defer f.Close()
	dict, err := catalog.LoadDictionary(f, locale)
	if err != nil {
		return nil, fmt.Errorf("load translations %s: %w", path, err)
	}
	log.Info("translations loaded", zap.String("locale", locale), zap.Int("keys", len(dict)))
	return dict, nil
}
