package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chaos-io/scenepipe/predict"
	"github.com/chaos-io/scenepipe/util"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")

	errStillPending = errors.New("predictions still pending")
)

type Poller struct {
	client   predict.Client
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(client predict.Client, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{client: client, interval: interval, logger: logger}
}

// Wait blocks until no handle is starting or processing.
//
// It waits on the first handle only, since jobs submitted together tend to
// finish together, then re-polls every handle at a fixed interval. Failed and
// canceled are terminal like succeeded. Refresh errors are logged and retried
// on the next cycle. Only ctx ends the wait early.
func (p *Poller) Wait(ctx context.Context, handles []*predict.Prediction) error {
	if len(handles) == 0 {
		return fmt.Errorf("wait for predictions: no handles: %w", ErrInvalidArgument)
	}
	for _, h := range handles {
		if h == nil {
			return fmt.Errorf("wait for predictions: nil handle: %w", ErrInvalidArgument)
		}
	}
	defer util.Trace(p.logger, "waited for predictions")()

	if err := p.client.Wait(ctx, handles[0]); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("wait on first prediction failed", "id", handles[0].ID, "error", err)
	}

	cycle := func() error {
		pending := 0
		for _, h := range handles {
			if err := p.client.Reload(ctx, h); err != nil {
				p.logger.Warn("refresh failed, retrying next cycle", "id", h.ID, "error", err)
				pending++
				continue
			}
			if !h.Status.Terminal() {
				pending++
			}
		}
		if pending > 0 {
			p.logger.Debug("predictions pending", "pending", pending, "total", len(handles))
			return errStillPending
		}
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(p.interval), ctx)
	if err := backoff.Retry(cycle, b); err != nil {
		return err
	}
	return nil
}
