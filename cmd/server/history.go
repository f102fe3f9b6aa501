package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/spf13/cobra"
)

type historyStore interface {
	handlers.HistoryStore
	io.Closer
}

func newHistoryCmd(a *app) *cobra.Command {
	var driver, addr, dbPath string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Serve the session history store",
		Long: `Serve the history API chat clients mirror their sessions to:

  GET    /api/history        every session, in insertion order
  POST   /api/history        create or replace a session by id
  DELETE /api/history/{id}   remove a session`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serveHistory(cmd.Context(), driver, addr, dbPath)
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "bolt", "Storage driver: bolt or sqlite")
	cmd.Flags().StringVar(&addr, "addr", ":8000", "Address to listen on")
	cmd.Flags().StringVar(&dbPath, "db", "", "Database file (default <user config dir>/streamchat/history.<driver>)")
	return cmd
}

func openHistoryStore(driver, path string) (historyStore, error) {
	if path == "" {
		dir, err := defaultConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "history."+driver)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating database directory: %w", err)
	}

	var (
		store historyStore
		err   error
	)
	switch driver {
	case "bolt":
		store, err = services.NewBoltDB(path)
	case "sqlite":
		store, err = services.NewSQLite(path)
	default:
		return nil, fmt.Errorf("unknown history driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (a *app) serveHistory(ctx context.Context, driver, addr, dbPath string) error {
	store, err := openHistoryStore(driver, dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Error("Failed to close history store", slog.String(errLoggerKey, err.Error()))
		}
	}()

	h := handlers.NewHistory(store, a.logger)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/history", h.HandleList)
	mux.HandleFunc("POST /api/history", h.HandleSave)
	mux.HandleFunc("DELETE /api/history/{id}", h.HandleDelete)

	srv := &http.Server{
		Addr:              addr,
		Handler:           allowCORS(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.logger.Info("History store opened", slog.String("driver", driver))
	return runServer(ctx, srv, a.logger)
}

// allowCORS lets browser clients served from another origin reach the history API.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
