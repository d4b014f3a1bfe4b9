package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aklimov/mailrelay/internal/api"
	"github.com/aklimov/mailrelay/internal/notify"
	"github.com/aklimov/mailrelay/internal/relay"
	"github.com/aklimov/mailrelay/internal/scheduler"
	"github.com/aklimov/mailrelay/internal/store"
	"github.com/aklimov/mailrelay/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay daemon",
	Long: `Run mailrelay as a long-running daemon.

The daemon runs in the foreground and performs:
  - HTTP server receiving Pub/Sub push notifications on /email-notify
  - History reconciliation and Telegram forwarding for each notification
  - Scheduled watch subscription renewal (cron format, see [watch] schedule)
  - Operational endpoints: /renew-watch, /stop-watch, /watch-status, /emails

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	if err := s.InitSchema(); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, err := newGmailClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	consumer := notify.NewMulti(
		notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			notify.WithTelegramLogger(logger)),
		notify.NewEmailLogger(s, logger),
	)

	reconciler := relay.New(client, s, consumer,
		relay.WithLogger(logger),
		relay.WithLabelFilter(cfg.Watch.LabelIDs),
		relay.WithFetchConcurrency(cfg.Gmail.FetchConcurrency),
	)

	watcher := watch.New(client,
		watch.TopicName(cfg.PubSub.Project, cfg.PubSub.Topic),
		watch.WithLogger(logger),
		watch.WithLabelIDs(cfg.Watch.LabelIDs),
		watch.WithLabelNames(cfg.Watch.LabelNames),
	)

	sched := scheduler.New(func(ctx context.Context) error {
		_, err := watcher.Renew(ctx)
		return err
	}).WithLogger(logger)

	if cfg.Watch.Schedule != "" {
		if err := sched.Schedule(cfg.Watch.Schedule); err != nil {
			return fmt.Errorf("schedule watch renewal: %w", err)
		}
	}
	sched.Start()

	var verifier api.PushVerifier
	if cfg.PubSub.PushAudience != "" {
		verifier = api.NewOIDCVerifier(cfg.PubSub.PushAudience, cfg.PubSub.PushServiceAccount)
	}

	apiServer := api.NewServer(cfg, reconciler, watcher, s, verifier, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Printf("mailrelay daemon started\n")
	fmt.Printf("  Account:     %s\n", cfg.Account.Email)
	fmt.Printf("  HTTP server: http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.Port)))
	fmt.Printf("  Topic:       %s\n", watch.TopicName(cfg.PubSub.Project, cfg.PubSub.Topic))
	if status := sched.Status(); status.Schedule != "" {
		fmt.Printf("  Next renewal: %s\n", status.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		fmt.Println("\nShutting down...")
	case err := <-serverErr:
		logger.Error("HTTP server error", "error", err)
		cancel()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	schedCtx := sched.Stop()
	select {
	case <-schedCtx.Done():
		fmt.Println("Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Println("Shutdown timed out after 30 seconds.")
	}

	return nil
}
