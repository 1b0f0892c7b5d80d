package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// Global flags shared by every command that opens the factory.
var (
	configPath  string
	dataDirFlag string
	logLevel    string
	testMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "factory",
	Short: "coursefactory: a course and knowledge-base generation pipeline",
	Long: `coursefactory turns a subject domain into a packaged video course, and a set
of documents into a searchable knowledge base, by driving each job through a
graph of stages backed by external generation services with fallbacks.

All state is stored in ~/.factory/ (JSON for jobs and artifacts, SQLite for
the event log and the work queue). Workers lease jobs from the queue; the
same operations are available one step at a time from this CLI.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to factory.yaml (default: ./factory.yaml, then ~/.factory/config.yaml)")
	pf.StringVar(&dataDirFlag, "data-dir", "", "override factory.data_dir")
	pf.StringVar(&logLevel, "log-level", "", "override factory.log_level (debug, info, warn, error)")
	pf.BoolVar(&testMode, "test-mode", false, "use mock adapters for every external service")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(failCmd)
	rootCmd.AddCommand(artifactsCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
