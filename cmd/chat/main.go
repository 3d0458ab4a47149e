package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/apiclient"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/auth"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/config"
)

var cfg *config.Client

var logger = zerolog.Nop()

var rootCmd = &cobra.Command{
	Use:           "chat",
	Short:         "Terminal client for the secure chat backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

func init() {
	if err := config.LoadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: reading .env: %v\n", err)
	}
	cfg = config.LoadClient()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "backend base URL (env CHAT_API_URL)")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the token store and log file (env CHAT_DATA_DIR)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error (env LOG_LEVEL)")
	flags.StringVar(&cfg.SocketEvent, "socket-event", cfg.SocketEvent, "socket event carrying incoming messages (env CHAT_SOCKET_EVENT)")
	flags.StringVar(&cfg.SocketProtocol, "socket-protocol", cfg.SocketProtocol, "socket framing: socketio, or json for the dev server (env CHAT_SOCKET_PROTOCOL)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", cfg.LogLevel)
		}
		zerolog.SetGlobalLevel(level)
		logger = newLogger(os.Stderr)
		return nil
	}

	rootCmd.AddCommand(
		loginCmd,
		signupCmd,
		googleCmd,
		logoutCmd,
		whoamiCmd,
		conversationsCmd,
		usersCmd,
		runCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", describe(err))
		logger.Debug().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// describe turns an error into the line printed for the user.
func describe(err error) string {
	switch {
	case errors.Is(err, auth.ErrNotLoggedIn):
		return "not logged in"
	case errors.Is(err, apiclient.ErrNetwork):
		return apiclient.MsgNetwork
	}
	var se *apiclient.ServerError
	if errors.As(err, &se) {
		return apiclient.UserMessage(err)
	}
	return err.Error()
}

func openStore() (*auth.Store, error) {
	return auth.Open(cfg.TokenPath())
}

// authedClient returns an API client carrying the stored token.
func authedClient(store *auth.Store) (*apiclient.Client, error) {
	token, err := store.Token()
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.APIURL, apiclient.WithToken(token)), nil
}
