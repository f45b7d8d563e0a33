package main

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"sgkoffline/internal/queue"
)

func init() {
	queueListCmd.Flags().Bool("all", false, "include synced submissions")
	queuePurgeCmd.Flags().Duration("older-than", 7*24*time.Hour, "purge synced submissions older than this")
	queueCmd.AddCommand(queueListCmd, queueReplayCmd, queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay pending form submissions",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending submissions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/__offline/pending"
		if all, _ := cmd.Flags().GetBool("all"); all {
			path += "?all=1"
		}
		var resp struct {
			Count       int                `json:"count"`
			Submissions []queue.Submission `json:"submissions"`
		}
		if err := callControl(cmd.Context(), http.MethodGet, path, &resp); err != nil {
			return err
		}
		if resp.Count == 0 {
			fmt.Println("No submissions.")
			return nil
		}
		for _, s := range resp.Submissions {
			state := "pending"
			switch {
			case s.Rejected:
				state = fmt.Sprintf("rejected (%d)", s.LastStatus)
			case s.Synced:
				state = "synced"
			}
			fmt.Printf("#%-5d %-6s %-30s attempts=%d %s  %s\n",
				s.ID, s.Method, s.Endpoint, s.Attempts, state, s.CreatedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay pending submissions now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var rep queue.Report
		if err := callControl(cmd.Context(), http.MethodPost, "/__offline/replay", &rep); err != nil {
			return err
		}
		if rep.Skipped {
			fmt.Println("Replay skipped: offline or already running.")
			return nil
		}
		fmt.Printf("Replayed %d: %d synced, %d rejected, %d failed\n", rep.Total, rep.Succeeded, rep.Rejected, rep.Failed)
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete synced submissions kept for auditing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, _ := cmd.Flags().GetDuration("older-than")
		var resp map[string]int
		if err := callControl(cmd.Context(), http.MethodPost, "/__offline/purge?olderThan="+url.QueryEscape(d.String()), &resp); err != nil {
			return err
		}
		fmt.Printf("Purged %d submission(s)\n", resp["purged"])
		return nil
	},
}
