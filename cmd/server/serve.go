package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/generation"
	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/spf13/cobra"
)

const uploadTimeout = 2 * time.Minute

func newServeCmd(a *app) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat UI API",
		Long: `Serve the chat UI API over HTTP. Every publication of a response is pushed to
connected browsers on /sse, and sessions are mirrored to the configured history server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), port)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "Port to listen on (default from configuration)")
	return cmd
}

func (a *app) serve(ctx context.Context, port string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	st := cfg.Settings()
	if port == "" {
		port = st.Port
	}

	dispatcher, err := newDispatcher(st, a.logger)
	if err != nil {
		return err
	}

	store := newSessionStore(ctx, st, a.logger)
	defer store.Close()

	var uploader handlers.Uploader
	if st.UploadURL != "" {
		uploader = services.NewUploader(st.UploadURL, &http.Client{Timeout: uploadTimeout}, a.logger)
	}

	m := handlers.NewMain(cfg, store, uploader, a.logger)
	ctrl := generation.NewController(cfg, dispatcher, store, m.PublishMessage, a.logger)
	m.SetGenerator(ctrl)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/models", m.HandleModels)
	mux.HandleFunc("/api/settings", m.HandleSettings)
	mux.HandleFunc("GET /api/sessions", m.HandleSessions)
	mux.HandleFunc("POST /api/sessions", m.HandleNewChat)
	mux.HandleFunc("GET /api/sessions/{id}", m.HandleSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", m.HandleDeleteSession)
	mux.HandleFunc("POST /api/chat", m.HandleChat)
	mux.HandleFunc("POST /api/chat/stop", m.HandleStop)
	mux.HandleFunc("POST /api/messages/{id}/edit", m.HandleEdit)
	mux.HandleFunc("POST /api/upload", m.HandleUpload)
	mux.HandleFunc("GET /sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if ctrl.Stop() {
			a.logger.Info("Live generation stopped for shutdown")
		}
		if err := m.Shutdown(context.Background()); err != nil {
			a.logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	return runServer(ctx, srv, a.logger)
}
