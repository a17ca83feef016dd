// Command loom is the session daemon: it boots hypervisor sessions on
// request, exposes the REST and console-streaming API, and records session
// and snapshot history.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - VM session and snapshot orchestrator",
	Long: `Loom boots throwaway VM sessions on copy-on-write disk layers, drives
snapshots through the hypervisor monitor, and exposes the whole lifecycle
over a REST API with live serial console streaming.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
