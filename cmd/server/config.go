package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/config"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/MegaGrindStone/streamchat/internal/session"
	"golang.org/x/sync/errgroup"
)

const (
	appDirName = "streamchat"

	errLoggerKey = "err"

	historyTimeout = 10 * time.Second
)

func defaultConfigDir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, appDirName), nil
}

func defaultConfigPath() (string, error) {
	dir, err := defaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// newDispatcher wires every backend: the proxy for custom endpoints and one direct adapter per
// provider, with Gemini serving providers that have none.
func newDispatcher(st config.Settings, logger *slog.Logger) (services.Dispatcher, error) {
	// Streams are bounded by cancellation, not by a client timeout.
	client := &http.Client{}

	host := st.OllamaHost
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	ollama, err := services.NewOllama(host, client, logger)
	if err != nil {
		return services.Dispatcher{}, fmt.Errorf("failed to create ollama backend: %w", err)
	}

	gemini := services.NewGemini(client, logger)
	direct := services.NewDirectRouter(gemini).
		Register(models.ProviderGoogle, gemini).
		Register(models.ProviderOpenAI, services.NewOpenAI("", client, logger)).
		Register(models.ProviderAnthropic, services.NewAnthropic("", 0, client, logger)).
		Register(models.ProviderOpenRouter, services.NewOpenRouter("", client, logger)).
		Register(models.ProviderOllama, ollama)

	return services.Dispatcher{
		Proxy:  services.NewProxy(client, logger),
		Direct: direct,
	}, nil
}

func newHistoryClient(st config.Settings, logger *slog.Logger) (services.HistoryClient, bool) {
	if st.HistoryURL == "" {
		return services.HistoryClient{}, false
	}
	return services.NewHistoryClient(st.HistoryURL, &http.Client{Timeout: historyTimeout}, logger), true
}

// newSessionStore creates the session store, mirrored to the history server when one is configured,
// and merges the remote history into it. An unreachable history server is not fatal.
func newSessionStore(ctx context.Context, st config.Settings, logger *slog.Logger) *session.Store {
	var remote session.Remote
	if client, ok := newHistoryClient(st, logger); ok {
		remote = client
	}
	store := session.NewStore(remote, logger)

	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()
	if err := store.Refresh(ctx); err != nil {
		logger.Warn("History unavailable, starting with local sessions only",
			slog.String(errLoggerKey, err.Error()))
	}
	return store
}

// runServer serves until ctx is done or an interrupt or terminate signal arrives, then shuts the
// server down gracefully.
func runServer(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
		return nil
	})
	return g.Wait()
}
