// Package cli implements the mcpd command-line interface using cobra,
// grounded on Tutu-Engine-tutuengine's internal/cli package layout: a rootCmd
// and its one `run` subcommand sharing flags bound directly onto package vars
// in init(), Execute
// returning a process exit code instead of calling os.Exit itself.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/valknarthing/universal-mcp/internal/config"
)

const (
	exitOK            = 0
	exitConfigError   = 64
	exitSocketInUse   = 73
	exitInternalError = 70
)

var (
	flagSocket       string
	flagCacheTTL     string
	flagCacheSize    int64
	flagIdleShutdown string
	flagConfigPath   string
	flagServerSpecs  string
	flagLogLevel     string
)

func init() {
	def := config.Default()
	rootCmd.Flags().StringVar(&flagSocket, "socket", "", "unix socket path (default: "+def.SocketPath+")")
	rootCmd.Flags().StringVar(&flagCacheTTL, "cache-ttl", "", "default response cache TTL, e.g. \"5m\"")
	rootCmd.Flags().Int64Var(&flagCacheSize, "cache-size", 0, "response cache size bound in bytes")
	rootCmd.Flags().StringVar(&flagIdleShutdown, "idle-shutdown", "", "daemon self-terminates after this much system-wide idle time")
	rootCmd.Flags().StringVar(&flagConfigPath, "config", "", "daemon YAML config file")
	rootCmd.Flags().StringVar(&flagServerSpecs, "servers", "", "path to the mcp.json-shaped server table (required)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log verbosity (debug|info|warn|error)")

	runCmd.Flags().AddFlagSet(rootCmd.Flags())
	rootCmd.AddCommand(runCmd)
}

// runCmd is the daemon's one subcommand; it shares the root command's flags
// and action, so `mcpd run ...` and `mcpd ...` behave the same.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var rootCmd = &cobra.Command{
	Use:           "mcpd",
	Short:         "mcpd multiplexes LSP/agent clients onto a shared pool of MCP servers",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

// Execute runs the root command and returns the process exit code named by
// spec.md §6.4 — the caller (main) is responsible for os.Exit.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mcpd:", err)
		if ce, ok := err.(*exitError); ok {
			return ce.code
		}
		return exitInternalError
	}
	return exitOK
}

// exitError carries a specific process exit code through cobra's plain
// error-returning RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func newExitError(code int, err error) error { return &exitError{code: code, err: err} }
