package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is stamped at build time via -ldflags.
var Version = "1.2.0-dev"

var (
	// Global flags
	configPath string
	serverURL  string
	verbose    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mondrian",
	Short: "Mondrian - AI photo critique orchestrator",
	Long: `Mondrian analyzes photographs through the eyes of master photographers.

The serve command runs the full stack: HTTP front end, job engine, strategy
dispatcher, dimensional-distribution retrieval, and the child-process
supervisor. The remaining commands are clients of a running server or
read-only views over the local database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The dashboard owns the terminal; skip process logging there.
		if cmd.Name() == "top" {
			return nil
		}
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Mondrian version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mondrian %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mondrian.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:5000", "Base URL of a running Mondrian server")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(advisorsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
