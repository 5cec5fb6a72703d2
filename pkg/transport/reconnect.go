package transport

import (
	"context"
	"time"
)

// RetryConnect calls dial until it succeeds, ctx ends or dial fails with a
// credential error. Every failure is passed to onError after
// classification; attempts are spaced by a fixed delay.
func RetryConnect(ctx context.Context, delay time.Duration, dial func(context.Context) error, onError func(error)) error {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	for {
		err := dial(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = ClassifyConnectError(err)
		if onError != nil {
			onError(err)
		}
		if IsAuthError(err) {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
