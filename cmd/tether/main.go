package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/outofforest/logger"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const mainloopTimeout = 10 * time.Millisecond

func main() {
	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Peer-to-peer device messaging transport",
		Long: `tether moves named device messages between peers over a reliable stream
and an unreliable datagram channel, records sessions to logs and replays them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		recordCmd(),
		replayCmd(),
		tapCmd(),
		versionCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx = logger.WithLogger(ctx, logger.New(logger.DefaultConfig))

	if err := rootCmd.ExecuteContext(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		cancel()
		os.Exit(1)
	}
}
