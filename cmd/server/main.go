package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"drsamy.app/chat/internal/api"
	"drsamy.app/chat/internal/config"
	"drsamy.app/chat/internal/core"
	"drsamy.app/chat/internal/logging"
	"drsamy.app/chat/internal/store"
)

func main() {
	v := config.NewViper()
	rootCmd := newRootCmd(v)
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dr-samy",
		Short:         "Dr. Samy medical chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(v)
			logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringP("port", "p", "", "HTTP port to listen on (HTTP_PORT)")
	flags.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	flags.String("log-format", "", "json or text (LOG_FORMAT)")
	flags.String("store", "", "sqlite or file (STORE_BACKEND)")
	flags.String("db", "", "SQLite database path (DATABASE_URL)")
	flags.String("data-dir", "", "directory for the file store (DATA_DIR)")

	for key, flag := range map[string]string{
		"HTTP_PORT":     "port",
		"LOG_LEVEL":     "log-level",
		"LOG_FORMAT":    "log-format",
		"STORE_BACKEND": "store",
		"DATABASE_URL":  "db",
		"DATA_DIR":      "data-dir",
	} {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(flag)))
	}
	return cmd
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendSQLite:
		return store.NewSQLiteStore(cfg.DatabaseURL)
	case config.StoreBackendFile:
		return store.NewFileStore(cfg.DataDir)
	default:
		return nil, errors.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func run(cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to initialize store")
	}
	defer st.Close()
	log.Info().Str("backend", cfg.StoreBackend).Msg("Store ready")

	llmService, err := core.NewLLMService(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiTitleModel)
	if err != nil {
		return errors.Wrap(err, "failed to initialize assistant")
	}
	defer llmService.Close()

	chatService := core.NewChatService(context.Background(), st, llmService)
	defer chatService.Close()

	apiHandler := api.NewAPIHandler(chatService, cfg.AllowedOrigins)
	router := api.NewRouter(apiHandler, log.Logger, cfg.AllowedOrigins)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second, // a reply and a title call, each bounded by the assistant timeout
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Msg("Starting server. Press Ctrl+C to quit.")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return errors.Wrapf(err, "could not listen on %s", serverAddr)
	case <-quit:
	}
	log.Info().Msg("Shutting down server...")

	// gives in-flight sends time to get their reply and persist it
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}
	log.Info().Msg("Server exiting gracefully")
	return nil
}
