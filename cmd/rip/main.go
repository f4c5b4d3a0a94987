// Command rip is the local agent session runtime's CLI: it boots the
// authority daemon (serve), watches a session's live frame stream (attach),
// and posts input to a session (send).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rip",
		Short: "rip runs and attaches to local agent sessions",
	}

	globals := pflag.NewFlagSet("global", pflag.ContinueOnError)
	dataDir := globals.String("data-dir", "", "override RIP_DATA_DIR for this invocation")
	workspaceRoot := globals.String("workspace-root", "", "override RIP_WORKSPACE_ROOT for this invocation")
	rootCmd.PersistentFlags().AddFlagSet(globals)
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if *dataDir != "" {
			os.Setenv("RIP_DATA_DIR", *dataDir)
		}
		if *workspaceRoot != "" {
			os.Setenv("RIP_WORKSPACE_ROOT", *workspaceRoot)
		}
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(attachCommand())
	rootCmd.AddCommand(sendCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
