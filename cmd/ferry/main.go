// Command ferry runs the LLM gateway: a websocket control plane in
// front of model providers, a workspace tool registry, and pooled
// external tool servers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time metadata, injected via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ferry",
		Short: "Ferry - LLM gateway with tool execution and human-in-the-loop approvals",
		Long: `Ferry routes chat turns to LLM providers over a websocket protocol,
executes workspace and external tools on the model's behalf, and gates
risky tool calls behind human approval.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRoutesCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
