package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/chaos-io/scenepipe/predict"
)

// Processor produces outputs for a set of missing filenames. Errors other
// than ctx cancellation are per-file and are expected to be logged, not
// returned.
type Processor interface {
	Process(ctx context.Context, ids []string) error
}

// JobRunner is the submit / poll / fetch capability of a remote stage.
type JobRunner interface {
	Submit(ctx context.Context, ids []string) JobMap
	Wait(ctx context.Context, jobs JobMap) error
	Reconcile(ctx context.Context, ids []string, jobs JobMap) []string
}

type RemoteRunner struct {
	submitter  *Submitter
	poller     *Poller
	reconciler *Reconciler
	logger     *slog.Logger
}

func NewRemoteRunner(client predict.Client, stage Stage, pollInterval time.Duration, logger *slog.Logger) *RemoteRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteRunner{
		submitter:  NewSubmitter(client, stage, logger),
		poller:     NewPoller(client, pollInterval, logger),
		reconciler: NewReconciler(client, stage, logger),
		logger:     logger,
	}
}

func (r *RemoteRunner) Submit(ctx context.Context, ids []string) JobMap {
	return r.submitter.Submit(ctx, ids)
}

func (r *RemoteRunner) Wait(ctx context.Context, jobs JobMap) error {
	return r.poller.Wait(ctx, jobs.Handles())
}

func (r *RemoteRunner) Reconcile(ctx context.Context, ids []string, jobs JobMap) []string {
	return r.reconciler.Reconcile(ctx, ids, jobs)
}

// Process runs one submit, wait, reconcile pass over ids.
func (r *RemoteRunner) Process(ctx context.Context, ids []string) error {
	jobs := r.Submit(ctx, ids)
	if len(jobs.Handles()) == 0 {
		r.logger.Warn("no predictions submitted", "requested", len(ids))
		return ctx.Err()
	}

	if err := r.Wait(ctx, jobs); err != nil {
		return err
	}
	r.logger.Info("predictions complete, fetching results")

	written := r.Reconcile(ctx, ids, jobs)
	r.logger.Info("reconciled", "written", len(written), "requested", len(ids))
	return nil
}
