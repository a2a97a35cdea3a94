package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/outofforest/tether"
)

func replayCmd() *cobra.Command {
	config := tether.DefaultFileConfig()
	var (
		from time.Duration
		loop bool
	)

	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Replay a log and print its messages",
		Args:  cobra.ExactArgs(1),
		Example: `  tether replay session.log
  tether replay session.log --rate=4 --from=10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), args[0], config, from, loop)
		},
	}

	cmd.Flags().Float64Var(&config.Rate, "rate", config.Rate, "Replay rate, 1 is real time")
	cmd.Flags().BoolVar(&config.Preload, "preload", config.Preload, "Read the whole log up front")
	cmd.Flags().BoolVar(&config.Accumulate, "accumulate", config.Accumulate, "Keep played entries in memory")
	cmd.Flags().DurationVar(&from, "from", 0, "Jump this far into the log before playing")
	cmd.Flags().BoolVar(&loop, "loop", false, "Start over at the end of the log")

	return cmd
}

func runReplay(ctx context.Context, path string, config tether.FileConfig, from time.Duration, loop bool) error {
	conn, err := tether.OpenFile(ctx, path, config)
	if err != nil {
		return err
	}
	defer conn.Close()

	length, err := conn.Length()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s starting at %s\n", path, length, conn.StartTime().Format(time.RFC3339Nano))

	if _, err := conn.RegisterHandler(tether.AnyType, tether.AnySender, func(msg tether.Message) error {
		typeName, _ := conn.TypeName(msg.Type)
		senderName, _ := conn.SenderName(msg.Sender)
		fmt.Printf("%s %s %s %s\n", msg.Time.Format(time.RFC3339Nano), senderName, typeName,
			hex.EncodeToString(msg.Payload))
		return nil
	}); err != nil {
		return err
	}

	if from > 0 {
		if err := conn.JumpToElapsed(from); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if conn.EOF() {
			if !loop {
				return nil
			}
			if err := conn.Reset(); err != nil {
				return err
			}
		}
		if err := conn.Mainloop(mainloopTimeout); err != nil {
			return errors.Wrapf(err, "replaying %s", path)
		}
	}
}
