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

	"go.uber.org/zap"

	"github.com/AY-49047/yumemi-test/internal/cms"
	"github.com/AY-49047/yumemi-test/internal/config"
	"github.com/AY-49047/yumemi-test/internal/handlers"
	"github.com/AY-49047/yumemi-test/internal/i18n"
	"github.com/AY-49047/yumemi-test/internal/observability"
	"github.com/AY-49047/yumemi-test/internal/population"
	"github.com/AY-49047/yumemi-test/internal/resas"
)

var supportedLocales = []string{"ja", "en"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", invalid.Fields())
		} else {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		}
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("web")
	ctx := observability.WithLogger(context.Background(), logger)
	logger.Info("configuration loaded",
		zap.String("api_base_url", cfg.API.BaseURL),
		zap.String("api_key", cfg.API.RedactedKey()),
		zap.Duration("fetch_wait", cfg.Fetch.Wait),
		zap.Bool("dev_mode", cfg.DevMode),
	)

	client, err := resas.NewClient(cfg.API.BaseURL, cfg.API.Key, resas.WithTimeout(cfg.API.Timeout))
	if err != nil {
		logger.Fatal("failed to initialise population api client", zap.Error(err))
	}

	messages, err := i18n.Load(cfg.Paths.Locales, cfg.Locale, supportedLocales)
	if err != nil {
		logger.Fatal("failed to load locales", zap.Error(err))
	}
	content := cms.NewStore(cfg.Paths.Content, cfg.Locale)
	if cfg.DevMode {
		content.SetCacheDuration(0)
	}

	// The directory is loaded once; a failure is shown to every visitor and
	// the server keeps serving the rest of the page.
	directory := population.NewDirectory(client)
	loadCtx, cancelLoad := context.WithTimeout(ctx, cfg.API.Timeout)
	_, _ = directory.Load(loadCtx)
	cancelLoad()

	cache := population.NewCache(client,
		population.WithFetchTimeout(cfg.API.Timeout),
		population.WithConcurrency(cfg.Fetch.Concurrency),
		population.WithLogger(logger.Named("cache")),
	)

	h, err := handlers.New(handlers.Config{
		Directory:      directory,
		Cache:          cache,
		Messages:       messages,
		Content:        content,
		TemplatesDir:   cfg.Paths.Templates,
		PublicDir:      cfg.Paths.Public,
		DevMode:        cfg.DevMode,
		FetchWait:      cfg.Fetch.Wait,
		RequestTimeout: cfg.Server.WriteTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("failed to initialise handlers", zap.Error(err))
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("population chart listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	cache.Wait()
}
