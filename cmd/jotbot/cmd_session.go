package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/jotbot/internal/store/sqlite"
	"github.com/user/jotbot/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect brain dump sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list <user-key>",
	Short: "List a user's brain dump sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, err := sqlite.Open(filepath.Join(cfg.DataDir, "jotbot.db"))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		list, err := store.ListSessions(context.Background(), types.UserKey(args[0]))
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTAGS\tMESSAGES\tSTARTED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.ID,
				s.Status,
				strings.Join(s.Tags, ","),
				s.MessageCount,
				s.StartedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}
