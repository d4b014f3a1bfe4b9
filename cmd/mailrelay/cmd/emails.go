package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aklimov/mailrelay/internal/store"
)

var emailsLimit int

var emailsCmd = &cobra.Command{
	Use:   "emails",
	Short: "List recently relayed emails from the local log",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		if err := s.InitSchema(); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}

		records, err := s.RecentEmails(cfg.Account.Email, emailsLimit)
		if err != nil {
			return fmt.Errorf("list emails: %w", err)
		}

		if len(records) == 0 {
			fmt.Println("No relayed emails logged yet.")
			return nil
		}

		for _, rec := range records {
			fmt.Printf("%s  %-30s  %s\n",
				rec.CreatedAt.Local().Format("2006-01-02 15:04"),
				truncate(rec.Sender, 30),
				truncate(rec.Subject, 60))
		}
		fmt.Printf("\n%d email(s)\n", len(records))
		return nil
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func init() {
	emailsCmd.Flags().IntVar(&emailsLimit, "limit", 20, "maximum number of emails to show")
	rootCmd.AddCommand(emailsCmd)
}
