package pipeline

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// NewCron returns a scheduler that skips a run while the previous one is still
// going, so two runs never write the same directories at once.
func NewCron(logger *slog.Logger) *cron.Cron {
	if logger == nil {
		logger = slog.Default()
	}
	l := cronLogger{logger: logger}
	return cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// Schedule registers p.Run(ctx, opts) on the cron expression expr, e.g. "@every 10m" or "0 * * * *".
func Schedule(ctx context.Context, c *cron.Cron, expr string, p *Pipeline, opts Options) (cron.EntryID, error) {
	return c.AddFunc(expr, func() {
		if err := p.Run(ctx, opts); err != nil {
			p.logger.Error("scheduled run failed", "error", err)
			return
		}
		p.logger.Info("scheduled run finished")
	})
}
