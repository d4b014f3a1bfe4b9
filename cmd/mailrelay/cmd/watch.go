package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aklimov/mailrelay/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage the Gmail watch subscription",
}

var watchRenewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Re-register the push notification subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		client, err := newGmailClient(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		manager := watch.New(client,
			watch.TopicName(cfg.PubSub.Project, cfg.PubSub.Topic),
			watch.WithLogger(logger),
			watch.WithLabelIDs(cfg.Watch.LabelIDs),
			watch.WithLabelNames(cfg.Watch.LabelNames),
		)

		sub, err := manager.Renew(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Watch subscription renewed\n")
		fmt.Printf("  History ID: %d\n", sub.HistoryID)
		fmt.Printf("  Expires:    %s\n", sub.Expiration.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}

var watchStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel the push notification subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newGmailClient(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		manager := watch.New(client, "")
		if err := manager.Stop(cmd.Context()); err != nil {
			return err
		}

		fmt.Println("Watch subscription stopped")
		return nil
	},
}

var watchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the watched mailbox profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newGmailClient(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		manager := watch.New(client, "")
		status, err := manager.Current(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Mailbox:    %s\n", status.EmailAddress)
		fmt.Printf("Messages:   %d\n", status.MessagesTotal)
		fmt.Printf("Threads:    %d\n", status.ThreadsTotal)
		fmt.Printf("History ID: %d\n", status.HistoryID)
		return nil
	},
}

func init() {
	watchCmd.AddCommand(watchRenewCmd)
	watchCmd.AddCommand(watchStopCmd)
	watchCmd.AddCommand(watchStatusCmd)
	rootCmd.AddCommand(watchCmd)
}
