package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/apiclient"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/chat"
)

var (
	flagEmail      string
	flagName       string
	flagCredential string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with email and password",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, err := promptIfEmpty(cmd, flagEmail, "Email: ")
		if err != nil {
			return err
		}
		password, err := readPassword(cmd, "Password: ")
		if err != nil {
			return err
		}
		token, err := apiclient.New(cfg.APIURL).Login(cmd.Context(), email, password)
		if err != nil {
			return err
		}
		return saveToken(cmd, token)
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := promptIfEmpty(cmd, flagName, "Name: ")
		if err != nil {
			return err
		}
		email, err := promptIfEmpty(cmd, flagEmail, "Email: ")
		if err != nil {
			return err
		}
		password, err := readPassword(cmd, "Password: ")
		if err != nil {
			return err
		}
		if err := apiclient.New(cfg.APIURL).Signup(cmd.Context(), name, email, password); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signup successful. Please login to continue.")
		return nil
	},
}

var googleCmd = &cobra.Command{
	Use:   "google",
	Short: "Log in with a Google ID token credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagCredential == "" {
			return errors.New("--credential is required")
		}
		token, err := apiclient.New(cfg.APIURL).Google(cmd.Context(), flagCredential)
		if err != nil {
			return err
		}
		return saveToken(cmd, token)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		svc := chat.NewService(chat.Config{Tokens: store, Logger: logger})
		if err := svc.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logout successful.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		api, err := authedClient(store)
		if err != nil {
			return err
		}
		me, err := api.Me(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\n", me.Name, me.Email)
		logger.Debug().Str("user_id", me.ID).Msg("resolved current user")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&flagEmail, "email", "", "account email")
	signupCmd.Flags().StringVar(&flagEmail, "email", "", "account email")
	signupCmd.Flags().StringVar(&flagName, "name", "", "display name")
	googleCmd.Flags().StringVar(&flagCredential, "credential", "", "Google ID token")
}

func saveToken(cmd *cobra.Command, token string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(token); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Login successful.")
	return nil
}

var stdin = bufio.NewReader(os.Stdin)

func promptIfEmpty(cmd *cobra.Command, value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", errors.Wrap(err, "reading input")
	}
	value = strings.TrimSpace(line)
	if value == "" {
		return "", errors.Errorf("%s is required", strings.TrimSuffix(strings.TrimSpace(prompt), ":"))
	}
	return value, nil
}

// readPassword reads without echo from a terminal, or a plain line when
// stdin is piped.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptIfEmpty(cmd, "", prompt)
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", errors.Wrap(err, "reading password")
	}
	if len(b) == 0 {
		return "", errors.New("Password is required")
	}
	return string(b), nil
}
