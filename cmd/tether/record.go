package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/tether"
)

func recordCmd() *cobra.Command {
	config := tether.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "record <device@host[:port]> <file>",
		Short: "Record messages received from a server",
		Args:  cobra.ExactArgs(2),
		Example: `  tether record Tracker0@localhost session.log
  tether record Tracker0@tracking.lab:3883 session.log --disable-udp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Log.InFile = args[1]
			return runRecord(cmd.Context(), args[0], config)
		},
	}

	addConnectionFlags(cmd, &config)
	cmd.Flags().DurationVar(&config.ReconnectInterval, "reconnect-interval", config.ReconnectInterval,
		"Delay between connection attempts, 0 disables reconnecting")

	return cmd
}

func runRecord(ctx context.Context, name string, config tether.Config) error {
	loc, err := tether.ParseName(name)
	if err != nil {
		return err
	}
	if loc.File != "" {
		return errors.Errorf("%q is not a live location", name)
	}

	conn, err := tether.NewClient(ctx, loc.Address, config)
	if err != nil {
		return err
	}
	defer conn.Close()

	log := logger.Get(ctx)
	var received uint64
	if _, err := conn.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		received++
		return nil
	}); err != nil {
		return err
	}

	log.Info("Recording", zap.String("server", loc.Address), zap.String("file", config.Log.InFile))
	err = tether.Run(ctx, conn, mainloopTimeout)
	log.Info("Recording finished", zap.Uint64("messages", received))

	if ctx.Err() != nil {
		return nil
	}
	return err
}
