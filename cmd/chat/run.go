package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/apiclient"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/auth"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/chat"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/socket"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open the chat interface (default)",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	token, err := store.Token()
	if err != nil {
		return err
	}
	userID, err := auth.UserIDFromToken(token)
	if err != nil {
		return errors.Wrap(err, "reading stored token")
	}

	// The terminal belongs to the interface; logs go to a file.
	logFile, err := openLogFile(cfg.LogPath())
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger = newLogger(logFile)
	log := logger.With().Str("user_id", userID).Logger()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	protocol, err := socket.ParseProtocol(cfg.SocketProtocol)
	if err != nil {
		return err
	}
	endpoint, err := socket.Endpoint(protocol, cfg.APIURL, userID)
	if err != nil {
		return err
	}
	sock, err := socket.Dial(ctx, socket.Config{URL: endpoint, Token: token, Protocol: protocol, Logger: log})
	if err != nil {
		return errors.Wrap(err, "connecting to chat server")
	}
	defer sock.Close()

	svc := chat.NewService(chat.Config{
		Backend:   apiclient.New(cfg.APIURL, apiclient.WithToken(token)),
		Transport: sock,
		Tokens:    store,
		Logger:    log,
		Event:     cfg.SocketEvent,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return ui.Run(gctx, svc)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Err(err).Msg("chat closed")
	return err
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "opening log file")
	}
	return f, nil
}
