package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/streamchat/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// app carries what every command shares: flags of the root command, the logger and the lazily opened
// configuration.
type app struct {
	configPath string
	debug      bool

	logger *slog.Logger
	cfg    *config.Store
}

// Later files do not override earlier ones, and neither overrides the real environment.
var envFiles = []string{".env.local", ".env"}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "streamchat",
		Short: "Streaming chat client with mirrored session history",
		Long: `streamchat streams model responses into chat sessions and mirrors every
session to a history server on a best-effort basis.

  streamchat serve                 # UI API with server-sent events
  streamchat history               # history store server
  streamchat ask "Hello"           # one turn from the terminal
  streamchat sessions list         # sessions held by the history server`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.logger = newLogger(cmd.ErrOrStderr(), a.debug)
			loadEnv(a.logger)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"Path to the configuration file (default <user config dir>/streamchat/config.yaml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(a),
		newHistoryCmd(a),
		newAskCmd(a),
		newSessionsCmd(a),
	)
	return root
}

func loadEnv(logger *slog.Logger) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("Failed to load env file", slog.String("file", f), slog.String(errLoggerKey, err.Error()))
			}
			continue
		}
		logger.Debug("Env file loaded", slog.String("file", f))
	}
}

// config opens the configuration file on first use.
func (a *app) config() (*config.Store, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	path := a.configPath
	if path == "" {
		var err error
		path, err = defaultConfigPath()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Open(path)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Configuration loaded", slog.String("path", path))
	a.cfg = cfg
	return cfg, nil
}
