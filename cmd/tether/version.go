package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/outofforest/tether/wire"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Protocol:   %d.%d\n", wire.MajorVersion, wire.MinorVersion)
			fmt.Printf("Go version: %s\n", runtime.Version())
		},
	}
}
