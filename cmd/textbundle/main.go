// Command textbundle serves localized text bundles and drains the machine
// translation queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dasmlab/textbundle/pkg/config"
	"github.com/dasmlab/textbundle/pkg/logging"
)

var (
	// configFile is set by the --config flag.
	configFile string
	// logLevel overrides log.level when set.
	logLevel string

	cfg    *config.Config
	logger *logrus.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "textbundle",
	Short: "Localized text bundles backed by a translation catalog and queue",
	Long: `textbundle assembles localized text bundles from templates and a
content-addressed translation catalog. Missing translations are queued and
filled in by queue workers that call a machine translation engine.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./configs/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(assembleCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(probeCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	cfg = c
	logger = logging.New(c.Log.Level, c.Log.Format)
	return nil
}

// baseArgs are the flags a spawned worker needs to find the same config.
func baseArgs() []string {
	if configFile == "" {
		return nil
	}
	return []string{"--config", configFile}
}
