// Package config handles loading and managing mailrelay configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// AccountConfig describes the watched Gmail account and its credentials.
type AccountConfig struct {
	Email string `toml:"email"` // Gmail address being watched

	// CredentialType selects how API tokens are minted: "service_account",
	// "workspace" (service account with domain-wide delegation), or "oauth"
	// (stored user authorization).
	CredentialType string `toml:"credential_type"`

	// CredentialsFile is the path to the key or token JSON. The
	// GMAIL_CREDENTIALS environment variable overrides it and may carry
	// the JSON inline, raw or base64-encoded.
	CredentialsFile string `toml:"credentials_file"`

	// Subject is the mailbox to impersonate for workspace delegation.
	// Defaults to Email.
	Subject string `toml:"subject"`
}

// PubSubConfig identifies the topic Gmail publishes notifications to.
type PubSubConfig struct {
	Project string `toml:"project"` // Google Cloud project ID
	Topic   string `toml:"topic"`   // Pub/Sub topic name (short form)

	// PushAudience is the OIDC audience expected on push request tokens,
	// typically the public URL of the /email-notify endpoint. Empty
	// disables push authentication.
	PushAudience string `toml:"push_audience"`

	// PushServiceAccount restricts accepted push tokens to this service
	// account email. Empty accepts any subject with a valid token.
	PushServiceAccount string `toml:"push_service_account"`
}

// WatchConfig controls the watch subscription filter and renewal cadence.
type WatchConfig struct {
	LabelIDs   []string `toml:"label_ids"`   // explicit label IDs for the filter
	LabelNames []string `toml:"label_names"` // label display names, resolved at renewal
	Schedule   string   `toml:"schedule"`    // cron expression for automatic renewal
}

// TelegramConfig holds the notification channel settings. The bot token can
// come from the TELEGRAM_BOT_TOKEN environment variable instead.
type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	BindAddr string `toml:"bind_addr"` // listen address (default: 0.0.0.0)
	Port     int    `toml:"port"`      // HTTP server port (default: 8080)
	APIKey   string `toml:"api_key"`   // key for the operational endpoints
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// GmailConfig holds API client tuning.
type GmailConfig struct {
	RateLimitQPS float64 `toml:"rate_limit_qps"`

	// FetchConcurrency bounds parallel message fetches per reconciliation.
	FetchConcurrency int `toml:"fetch_concurrency"`
}

// Config represents the mailrelay configuration.
type Config struct {
	Account  AccountConfig  `toml:"account"`
	PubSub   PubSubConfig   `toml:"pubsub"`
	Watch    WatchConfig    `toml:"watch"`
	Telegram TelegramConfig `toml:"telegram"`
	Server   ServerConfig   `toml:"server"`
	Data     DataConfig     `toml:"data"`
	Gmail    GmailConfig    `toml:"gmail"`

	// Computed home directory (not from config file)
	HomeDir string `toml:"-"`
}

// DefaultHome returns the default mailrelay home directory.
// Respects the MAILRELAY_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILRELAY_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailrelay"
	}
	return filepath.Join(home, ".mailrelay")
}

// Load reads the configuration from the specified file. If path is empty,
// the default location (~/.mailrelay/config.toml) is used. A missing file
// yields the defaults; secrets may still arrive via environment variables.
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		Account: AccountConfig{
			CredentialType: "service_account",
		},
		Watch: WatchConfig{
			Schedule: "0 3 * * *",
		},
		Server: ServerConfig{
			BindAddr: "0.0.0.0",
			Port:     8080,
		},
		Data: DataConfig{
			DataDir: homeDir,
		},
		Gmail: GmailConfig{
			RateLimitQPS:     5,
			FetchConcurrency: 4,
		},
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	cfg.Account.CredentialsFile = expandPath(cfg.Account.CredentialsFile)
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)

	applyEnvOverrides(cfg)

	if cfg.Account.Subject == "" {
		cfg.Account.Subject = cfg.Account.Email
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets live outside the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("MAILRELAY_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
}

// Validate checks that the settings required for serving are present.
func (c *Config) Validate() error {
	if c.Account.Email == "" {
		return fmt.Errorf("account.email is required")
	}
	switch c.Account.CredentialType {
	case "service_account", "workspace", "oauth":
	default:
		return fmt.Errorf("account.credential_type must be service_account, workspace, or oauth, got %q",
			c.Account.CredentialType)
	}
	if c.PubSub.Project == "" || c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.project and pubsub.topic are required")
	}
	if c.Telegram.BotToken == "" || c.Telegram.ChatID == "" {
		return fmt.Errorf("telegram bot_token and chat_id are required (config or TELEGRAM_* env)")
	}
	return nil
}

// CredentialJSON loads the credential material, preferring the
// GMAIL_CREDENTIALS environment variable over the configured file.
func (c *Config) CredentialJSON() ([]byte, error) {
	if v := os.Getenv("GMAIL_CREDENTIALS"); v != "" {
		return []byte(v), nil
	}
	if c.Account.CredentialsFile == "" {
		return nil, fmt.Errorf("no credentials: set account.credentials_file or GMAIL_CREDENTIALS")
	}
	data, err := os.ReadFile(c.Account.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return data, nil
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.DataDir, "mailrelay.db")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
