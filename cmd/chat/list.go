package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/chat"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/ui"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := loadService(cmd)
		if err != nil {
			return err
		}

		convs := svc.State().Conversations()
		if len(convs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations yet.")
			return nil
		}
		now := time.Now()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, c := range convs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.User.Name, ui.FormatTimestamp(c.LastMessageAt, now), c.LastMessage)
		}
		return w.Flush()
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users you have no conversation with yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := loadService(cmd)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, u := range svc.State().DiscoverableUsers() {
			fmt.Fprintf(w, "%s\t%s\n", u.Name, u.Email)
		}
		return w.Flush()
	},
}

// loadService runs the initial load without opening the socket.
func loadService(cmd *cobra.Command) (*chat.Service, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	defer store.Close()

	api, err := authedClient(store)
	if err != nil {
		return nil, err
	}
	svc := chat.NewService(chat.Config{Backend: api, Logger: logger})
	if err := svc.Bootstrap(cmd.Context()); err != nil {
		return nil, err
	}
	return svc, nil
}
