package tether

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Run calls Mainloop of conn until ctx is canceled or Mainloop fails. Mainloop has to be called
// from one goroutine, so conn must not be used concurrently by anything else.
func Run(ctx context.Context, conn Conn, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		default:
		}

		if err := conn.Mainloop(timeout); err != nil {
			return err
		}
	}
}
