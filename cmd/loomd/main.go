// loomd is the workspace daemon: it owns the SQLite store and exposes
// the branchable-conversation API over HTTP.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/loomlabs/loom/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "loomd",
	Short: "Branchable conversation workspace daemon",
	Long: `loomd serves a provenance workspace: append-only conversation
history on git-like refs, per-ref leases, canvas artefacts, and
streaming LLM turns.

Configuration comes from .loom/config.yaml (searched upward from the
working directory), ~/.config/loom/config.yaml, or LOOM_* environment
variables. Flags override both.

Examples:
  loomd serve                        # serve on the configured address
  loomd serve --db ./loom.db         # explicit database path
  LOOM_LISTEN=:8080 loomd serve      # env override
  loomd config                       # print the effective configuration`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		bindFlags(cmd)
		setupLogging()
		return nil
	},
	SilenceUsage: true,
}

// bindFlags copies explicitly-set flags over the viper values, so flag
// precedence beats config file and environment.
func bindFlags(cmd *cobra.Command) {
	for _, key := range []string{"db", "listen", "log-file"} {
		if flag := cmd.Flags().Lookup(key); flag != nil && flag.Changed {
			config.Set(key, flag.Value.String())
		}
	}
}

// setupLogging routes the standard logger through lumberjack when a log
// file is configured; otherwise logs stay on stderr.
func setupLogging() {
	logFile := config.GetString("log-file")
	if logFile == "" {
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    config.GetInt("log-max-size-mb"),
		MaxBackups: config.GetInt("log-max-backups"),
		Compress:   true,
	})
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "database file path")
	rootCmd.PersistentFlags().String("listen", "", "listen address (host:port)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (rotated); empty logs to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
