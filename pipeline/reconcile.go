package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/chaos-io/scenepipe/predict"
	"github.com/chaos-io/scenepipe/util"
)

type Reconciler struct {
	client predict.Client
	stage  Stage
	logger *slog.Logger
}

func NewReconciler(client predict.Client, stage Stage, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{client: client, stage: stage, logger: logger}
}

// Reconcile writes the outputs of every succeeded job among ids and returns
// the ids it wrote. Missing or unsubmitted jobs are skipped, failed jobs are
// logged, and a fetch or write error only costs that one file.
func (r *Reconciler) Reconcile(ctx context.Context, ids []string, jobs JobMap) []string {
	var written []string
	for _, id := range ids {
		job, ok := jobs[id]
		if !ok {
			r.logger.Debug("no job for file", "stage", r.stage.Name(), "file", id)
			continue
		}
		if !job.OK() {
			// already logged by the submitter
			continue
		}

		p := job.Prediction
		switch {
		case p.Status == predict.StatusSucceeded:
		case p.Status.Terminal():
			r.logger.Error("prediction failed", "stage", r.stage.Name(), "file", id, "id", p.ID, "status", p.Status, "error", p.Error)
			continue
		default:
			r.logger.Warn("prediction not finished, skipping", "stage", r.stage.Name(), "file", id, "id", p.ID, "status", p.Status)
			continue
		}

		if err := r.write(ctx, id, p); err != nil {
			r.logger.Error("writing output failed", "stage", r.stage.Name(), "file", id, "id", p.ID, "output", []string(p.Output), "error", err)
			continue
		}
		r.logger.Info("output written", "stage", r.stage.Name(), "file", id)
		written = append(written, id)
	}
	return written
}

func (r *Reconciler) write(ctx context.Context, id string, p *predict.Prediction) error {
	if len(p.Output) == 0 {
		return errNoOutput
	}

	images := make([]image.Image, 0, len(p.Output))
	for _, u := range p.Output {
		data, err := r.client.Fetch(ctx, u)
		if err != nil {
			return err
		}
		img, err := util.DecodeImage(data)
		if err != nil {
			return fmt.Errorf("%s: %w", u, err)
		}
		images = append(images, img)
	}
	return r.stage.Write(id, images)
}
