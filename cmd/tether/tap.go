package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/outofforest/parallel"
	"github.com/outofforest/tether/tap"
)

func tapCmd() *cobra.Command {
	config := tap.ClientConfig{
		MaxMessageSize: tap.DefaultServerConfig().MaxMessageSize,
		Decimation:     1,
		QueueSize:      1024,
		RetryInterval:  time.Second,
	}

	cmd := &cobra.Command{
		Use:     "tap <address>",
		Short:   "Subscribe to the traffic shadowed by a server",
		Args:    cobra.ExactArgs(1),
		Example: `  tether tap localhost:3884 --decimation=10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Server = args[0]
			return runTap(cmd.Context(), config)
		},
	}

	hostname, _ := os.Hostname()
	cmd.Flags().StringVar(&config.Name, "name", hostname, "Name announced to the server")
	cmd.Flags().Uint64Var(&config.Decimation, "decimation", config.Decimation, "Receive every n-th message")

	return cmd
}

func runTap(ctx context.Context, config tap.ClientConfig) error {
	client, recvCh, err := tap.NewClient(config)
	if err != nil {
		return err
	}

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("client", parallel.Fail, client.Run)
		spawn("printer", parallel.Fail, func(ctx context.Context) error {
			for rec := range recvCh {
				fmt.Printf("%d %s %s %s %s\n", rec.Sequence, rec.Time.Format(time.RFC3339Nano), rec.Sender,
					rec.Type, hex.EncodeToString(rec.Payload))
			}
			return errors.WithStack(ctx.Err())
		})

		return nil
	})

	if ctx.Err() != nil {
		return nil
	}
	return err
}
