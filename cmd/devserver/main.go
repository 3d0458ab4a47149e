package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/backend/api"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/backend/db"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/backend/websocket"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/config"
)

var rootCmd = &cobra.Command{
	Use:          "devserver",
	Short:        "Local stand-in for the chat backend",
	SilenceUsage: true,
	RunE:         runServer,
}

var (
	flagAddr     string
	flagLoadTest bool
	flagPretty   bool
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagAddr, "addr", "", "listen address (env SERVER_ADDRESS)")
	flags.BoolVar(&flagLoadTest, "loadtest", false, "use a separate database under ./loadtest")
	flags.BoolVar(&flagPretty, "pretty", true, "human readable console logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("devserver failed")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnvFile(); err != nil {
		return err
	}
	cfg := config.LoadServer()
	if flagAddr != "" {
		cfg.ServerAddress = flagAddr
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().Msg("Starting server...")

	if flagLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		loadTestDir := filepath.Join(cwd, "loadtest")
		if err := os.MkdirAll(loadTestDir, 0755); err != nil {
			return err
		}
		loadTestPath := filepath.Join(loadTestDir, "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Info().Str("path", loadTestPath).Msg("Using load testing database")
	}

	dbPath, err := cfg.CleanDatabasePath()
	if err != nil {
		return err
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return err
		}
	}
	database, err := db.NewDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info().Str("path", dbPath).Msg("Database connection established")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(database, logger)
	go hub.Run(ctx)

	handlers := api.NewHandlers(database, hub, cfg.JWTSecret, cfg.TokenTTL, logger)
	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ServerAddress).Msg("Server starting (clients need --socket-protocol json)")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Server shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(sctx)
}

func setupLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if flagPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(lvl).With().Timestamp().Str("service", "devserver").Logger()
}
