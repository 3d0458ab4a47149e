package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/apiclient"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/auth"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/models"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/socket"
)

const (
	password = "testpass123"
	// maxRate keeps the per-user tick interval well above zero.
	maxRate = 1000
)

var (
	flagBaseURL  string
	flagUsers    int
	flagRate     int
	flagDuration time.Duration
	flagParallel int
)

var rootCmd = &cobra.Command{
	Use:          "loadtest",
	Short:        "Drive the dev server with simulated chat users",
	SilenceUsage: true,
	RunE:         runLoadTest,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagBaseURL, "base-url", "http://localhost:3000", "backend base URL")
	flags.IntVar(&flagUsers, "users", 200, "number of simulated users")
	flags.IntVar(&flagRate, "rate", 1, "operations per second per user")
	flags.DurationVar(&flagDuration, "duration", 60*time.Second, "simulation time")
	flags.IntVar(&flagParallel, "parallel", 50, "concurrent signups")
}

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("load test failed")
		stop()
		os.Exit(1)
	}
}

type simUser struct {
	models.User
	api  *apiclient.Client
	sock *socket.Client
}

func runLoadTest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := validateFlags(flagUsers, flagRate, flagParallel); err != nil {
		return err
	}

	log.Info().
		Int("users", flagUsers).
		Int("rate", flagRate).
		Dur("duration", flagDuration).
		Msg("Starting load test")
	log.Info().Msg("Start the server with: go run ./cmd/devserver --loadtest")

	run := uuid.NewString()[:8]
	users := make([]*simUser, flagUsers)
	var failed atomic.Int64

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flagParallel)
	for i := range users {
		i := i
		g.Go(func() error {
			u, err := registerUser(gctx, run, i)
			if err != nil {
				if n := failed.Add(1); n <= 10 {
					log.Warn().Err(err).Int("user", i).Msg("registration failed")
				}
				return nil
			}
			users[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	registered := users[:0]
	for _, u := range users {
		if u != nil {
			registered = append(registered, u)
		}
	}
	elapsed := time.Since(started)
	log.Info().
		Int("registered", len(registered)).
		Int64("failed", failed.Load()).
		Dur("elapsed", elapsed).
		Float64("users_per_sec", float64(len(registered))/elapsed.Seconds()).
		Msg("User registration completed")

	if len(registered) < flagUsers/2 || len(registered) < 2 {
		return errors.New("too many registration failures, aborting load test")
	}
	defer func() {
		for _, u := range registered {
			u.sock.Close()
		}
	}()

	stats := &Stats{}
	simCtx, cancel := context.WithTimeout(ctx, flagDuration)
	defer cancel()

	start := time.Now()
	sim, simCtx := errgroup.WithContext(simCtx)
	for _, u := range registered {
		u := u
		sim.Go(func() error {
			simulateUser(simCtx, u, registered, stats)
			return nil
		})
	}
	_ = sim.Wait()

	printReport(stats.Report(time.Since(start)), time.Since(start))
	return nil
}

func validateFlags(users, rate, parallel int) error {
	switch {
	case users < 2:
		return errors.New("need at least 2 users")
	case rate < 1 || rate > maxRate:
		return errors.Errorf("rate must be between 1 and %d operations per second", maxRate)
	case parallel < 1:
		return errors.New("parallel must be at least 1")
	}
	return nil
}

func registerUser(ctx context.Context, run string, i int) (*simUser, error) {
	api := apiclient.New(flagBaseURL)
	email := fmt.Sprintf("loadtest_%s_%d@example.com", run, i)
	if err := api.Signup(ctx, fmt.Sprintf("Load Test %d", i), email, password); err != nil {
		return nil, errors.Wrap(err, "signup")
	}
	token, err := api.Login(ctx, email, password)
	if err != nil {
		return nil, errors.Wrap(err, "login")
	}
	api.SetToken(token)

	userID, err := auth.UserIDFromToken(token)
	if err != nil {
		return nil, err
	}
	endpoint, err := socket.EndpointURL(flagBaseURL, userID)
	if err != nil {
		return nil, err
	}
	sock, err := socket.Dial(ctx, socket.Config{URL: endpoint, Token: token, Logger: zerolog.Nop()})
	if err != nil {
		return nil, err
	}
	go drain(sock)

	return &simUser{
		User: models.User{ID: userID, Email: email},
		api:  api,
		sock: sock,
	}, nil
}

func drain(sock *socket.Client) {
	for range sock.Events() {
	}
}

// simulateUser alternates randomly between sending a message to a random
// peer over the socket and reading the history of one of its conversations.
func simulateUser(ctx context.Context, u *simUser, peers []*simUser, stats *Stats) {
	ticker := time.NewTicker(time.Second / time.Duration(flagRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if rand.Float32() < 0.5 {
			peer := peers[rand.Intn(len(peers))]
			if peer.ID == u.ID {
				continue
			}
			payload := models.SendMessagePayload{
				Message:    fmt.Sprintf("Test message from %s at %s", u.ID, time.Now().Format(time.RFC3339)),
				SenderID:   u.ID,
				ReceiverID: peer.ID,
			}
			start := time.Now()
			if err := u.sock.Emit(ctx, models.EventSendMessage, payload); err != nil {
				if ctx.Err() == nil {
					stats.record(opSend, 0, err)
					log.Debug().Err(err).Msg("send failed")
				}
				continue
			}
			stats.record(opSend, time.Since(start), nil)
			continue
		}

		start := time.Now()
		convs, err := u.api.Conversations(ctx)
		if err == nil && len(convs) > 0 {
			_, err = u.api.Messages(ctx, convs[rand.Intn(len(convs))].ID)
		}
		if err != nil {
			if ctx.Err() == nil {
				stats.record(opRead, 0, err)
				log.Debug().Err(err).Msg("read failed")
			}
			continue
		}
		stats.record(opRead, time.Since(start), nil)
	}
}

func printReport(r Report, elapsed time.Duration) {
	for _, o := range r.Ops {
		log.Info().
			Str("op", o.Op).
			Int64("ok", o.OK).
			Int64("failed", o.Failed).
			Dur("avg", o.Avg).
			Dur("min", o.Min).
			Dur("max", o.Max).
			Dur("p50", o.P50).
			Dur("p99", o.P99).
			Msg("Operation latency")
	}
	log.Info().
		Int64("total", r.Total).
		Int64("failed", r.Failed).
		Float64("rps", r.RequestsPerSecond).
		Dur("duration", elapsed).
		Msg("Load Test Results")
}
