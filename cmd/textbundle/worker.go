package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dasmlab/textbundle/pkg/queue"
)

var workerFlags struct {
	scope     queue.Scope
	seconds   int
	batch     int
	untilIdle bool
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Drain the queue for a while, preferring jobs of one scope",
	Long: `worker claims queue batches for --seconds, preferring jobs that match the
given scope. It is what the bundle assembler spawns after serving an
incomplete bundle, but it can also be run by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		tr, err := a.translator()
		if err != nil {
			return err
		}
		p, err := a.processor(tr, workerFlags.scope, workerFlags.batch)
		if err != nil {
			return err
		}
		total := p.Run(cmd.Context(), a.runOptions(workerFlags.seconds, workerFlags.untilIdle))
		logger.WithFields(total.Fields()).WithFields(logrus.Fields{
			"worker": p.WorkerID(),
		}).Info("Worker finished")
		return nil
	},
}

func init() {
	f := workerCmd.Flags()
	f.StringVar(&workerFlags.scope.TargetLang, "lang", "", "preferred target language (Google code)")
	f.StringVar(&workerFlags.scope.ClientCode, "client", "", "preferred client code")
	f.StringVar(&workerFlags.scope.ResourceType, "type", "", "preferred resource type")
	f.StringVar(&workerFlags.scope.Subject, "subject", "", "preferred resource subject")
	f.StringVar(&workerFlags.scope.Variant, "variant", "", "preferred resource variant")
	f.IntVar(&workerFlags.seconds, "seconds", 20, "how long to run")
	f.IntVar(&workerFlags.batch, "batch", 0, "jobs per tick (default queue.batch_size)")
	f.BoolVar(&workerFlags.untilIdle, "until-idle", false, "stop at the first idle tick")
}
