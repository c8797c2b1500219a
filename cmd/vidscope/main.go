// vidscope is a video upload and object detection service.
//
// It reads configuration from vidscope.json in the working directory
// (overridable with VIDSCOPE_* environment variables), connects to
// PostgreSQL and serves the HTTP API. Analyses left unfinished by a
// previous run are queued again on startup.
//
// Usage:
//
//	./vidscope serve                 # start the API server
//	./vidscope setup-db              # create the schema and seed plans
//	./vidscope plans                 # print the tier table
//	./vidscope token <user> [email]  # issue a test access token
package main

import (
	"fmt"
	"os"

	"github.com/cyclopcam/logs"
	"github.com/spf13/cobra"
)

func main() {
	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := rootCommand(logger).Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// rootCommand assembles the CLI.
func rootCommand(logger logs.Log) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "vidscope",
		Short:         "Video upload and analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "vidscope.json", "Path to the configuration file")

	root.AddCommand(
		serveCommand(logger, &configPath),
		setupDBCommand(logger, &configPath),
		plansCommand(),
		tokenCommand(&configPath),
	)
	return root
}
