// Command callstats aggregates a phone system's call event feed into running
// call statistics.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "callstats",
		Short: "Running statistics for a telephony call event feed",
		Long: `callstats consumes "callId,PHASE,callingParty,receivingParty" records and
tracks active and completed calls, time per phase, and time per party.

Commands:
  serve     Ingest a live feed, serve queries over HTTP, publish to MQTT
  replay    Apply a capture file and print the resulting statistics`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newReplayCommand())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "callstats %s\n", version)
		},
	}
}
