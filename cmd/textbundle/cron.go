package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/dasmlab/textbundle/pkg/queue"
)

var cronFlags struct {
	maxSecs   int
	batchSize int
	token     string
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Production queue runner for a cron schedule",
	Long: `cron drains the queue until it is idle or --max-secs have passed. When
--token is given it must be a valid single-use continuation token; the
token is spent even if the run fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if cronFlags.token != "" {
			ok, err := a.tokens.Authorize(cmd.Context(), cronFlags.token)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("cron token is invalid or already used")
			}
		}

		tr, err := a.translator()
		if err != nil {
			return err
		}
		p, err := a.processor(tr, queue.Scope{}, cronFlags.batchSize)
		if err != nil {
			return err
		}
		total := p.Run(cmd.Context(), a.runOptions(cronFlags.maxSecs, true))
		logger.WithFields(total.Fields()).Info("Cron run finished")
		return nil
	},
}

func init() {
	f := cronCmd.Flags()
	f.IntVar(&cronFlags.maxSecs, "max-secs", 50, "upper bound on the run time")
	f.IntVar(&cronFlags.batchSize, "batch-size", 0, "jobs per tick (default queue.batch_size)")
	f.StringVar(&cronFlags.token, "token", "", "single-use continuation token")
}
