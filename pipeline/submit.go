package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaos-io/scenepipe/predict"
)

type Submitter struct {
	client predict.Client
	stage  Stage
	logger *slog.Logger
}

func NewSubmitter(client predict.Client, stage Stage, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{client: client, stage: stage, logger: logger}
}

// Submit makes exactly one submission attempt per filename. A failure is
// logged and recorded as NotSubmitted; it never stops the rest of the batch.
// Every requested filename ends up in the returned map.
func (s *Submitter) Submit(ctx context.Context, ids []string) JobMap {
	jobs := make(JobMap, len(ids))
	for _, id := range ids {
		if _, seen := jobs[id]; seen {
			continue
		}
		jobs[id] = s.submit(ctx, id)
	}
	return jobs
}

func (s *Submitter) submit(ctx context.Context, id string) Job {
	input, err := s.stage.Input(id)
	if err != nil {
		err = fmt.Errorf("build %s input for %s: %w", s.stage.Name(), id, err)
		s.logger.Error("submission failed", "stage", s.stage.Name(), "file", id, "error", err)
		return NotSubmitted(err)
	}

	p, err := s.client.Create(ctx, s.stage.Version(), input)
	if err != nil {
		s.logger.Error("submission failed", "stage", s.stage.Name(), "file", id, "error", err)
		return NotSubmitted(err)
	}

	s.logger.Info("prediction triggered", "stage", s.stage.Name(), "file", id, "id", p.ID)
	return Submitted(p)
}
