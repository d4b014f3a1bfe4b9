package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aklimov/mailrelay/internal/auth"
	"github.com/aklimov/mailrelay/internal/config"
	"github.com/aklimov/mailrelay/internal/gmail"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailrelay",
	Short: "Gmail push notification relay",
	Long: `mailrelay receives Gmail push notifications via Pub/Sub, reconciles
the mailbox history to find new messages, and forwards them to Telegram
while keeping a local delivery log.

It also manages the Gmail watch subscription that keeps the
notifications flowing.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Data.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.Data.DataDir, err)
		}
		return nil
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// newAuthProvider builds the credential provider selected in config.
func newAuthProvider() (auth.Provider, error) {
	raw, err := cfg.CredentialJSON()
	if err != nil {
		return nil, err
	}
	keyJSON, err := auth.DecodeKeyMaterial(string(raw))
	if err != nil {
		return nil, err
	}

	switch cfg.Account.CredentialType {
	case "service_account":
		return auth.NewServiceAccount(keyJSON), nil
	case "workspace":
		return auth.NewDelegated(keyJSON, cfg.Account.Subject), nil
	case "oauth":
		return auth.NewUserToken(keyJSON), nil
	default:
		return nil, fmt.Errorf("unknown credential type %q", cfg.Account.CredentialType)
	}
}

// newGmailClient builds an authenticated, rate-limited API client.
func newGmailClient(ctx context.Context) (*gmail.Client, error) {
	provider, err := newAuthProvider()
	if err != nil {
		return nil, fmt.Errorf("build credentials: %w", err)
	}
	tokenSource, err := provider.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("token source: %w", err)
	}

	return gmail.NewClient(tokenSource,
		gmail.WithLogger(logger),
		gmail.WithRateLimiter(gmail.NewRateLimiter(cfg.Gmail.RateLimitQPS)),
	), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.mailrelay/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
