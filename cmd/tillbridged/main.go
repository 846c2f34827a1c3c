// tillbridged is the server side of the till replication bridge: it accepts
// long-lived sessions from point-of-sale terminals, authorises them against
// the tenant directory, and materialises their change streams into the
// central reporting store.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tillbridge/tillbridge/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "tillbridged",
	Short: "Replication bridge between store tills and the reporting database",
	Long: `tillbridged ingests row deltas, schema changes and bulk CSV bootstraps
from connected point-of-sale terminals and applies them to the central
reporting store, one physical database per licensed (store, app) pair.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the resolved configuration.
func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, _ := config.ParseLevel(cfg.LogLevel)
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
