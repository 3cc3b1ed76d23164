package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the translation queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue row counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var releaseMinutes int

var queueReleaseCmd = &cobra.Command{
	Use:   "release-stale",
	Short: "Return jobs stuck in processing to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stale := time.Duration(releaseMinutes) * time.Minute
		if stale <= 0 {
			stale = cfg.Queue.StaleAfter
		}
		n, err := a.queue.ReleaseStale(cmd.Context(), stale)
		if err != nil {
			return err
		}
		fmt.Printf("released %d job(s)\n", n)
		return nil
	},
}

func init() {
	queueReleaseCmd.Flags().IntVar(&releaseMinutes, "minutes", 0, "staleness window in minutes (default queue.stale_after)")
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueReleaseCmd)
}
