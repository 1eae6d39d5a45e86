package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chaos-io/scenepipe/util"
)

var (
	ErrIterationLimit = errors.New("convergence iteration limit reached")

	// ErrAbandoned means the loop converged only by giving up on some files.
	ErrAbandoned = errors.New("files abandoned after repeated failures")
)

// Snapshot lists the image filenames present right now. It is called afresh
// on every iteration.
type Snapshot func() (map[string]struct{}, error)

func DirSnapshot(dir string) Snapshot {
	return func() (map[string]struct{}, error) {
		return util.ListImages(dir)
	}
}

// Intersect keeps the names present in both snapshots.
func Intersect(a, b Snapshot) Snapshot {
	return func() (map[string]struct{}, error) {
		left, err := a()
		if err != nil {
			return nil, err
		}
		right, err := b()
		if err != nil {
			return nil, err
		}
		both := make(map[string]struct{})
		for name := range left {
			if _, ok := right[name]; ok {
				both[name] = struct{}{}
			}
		}
		return both, nil
	}
}

// Fixed always reports names, for single-file runs.
func Fixed(names ...string) Snapshot {
	return func() (map[string]struct{}, error) {
		set := make(map[string]struct{}, len(names))
		for _, n := range names {
			set[n] = struct{}{}
		}
		return set, nil
	}
}

// BatchConverger is the scan / diff / loop capability.
type BatchConverger interface {
	Missing() ([]string, error)
	Converge(ctx context.Context) (*Report, error)
}

type Report struct {
	Iterations int
	// Missing is what was still missing when the loop stopped.
	Missing []string
	// Abandoned were dropped after MaxAttempts failed attempts.
	Abandoned []string
}

// ConvergeOptions bounds the loop. Zero MaxIterations or MaxAttempts means
// no bound; a nil Backoff means no delay between iterations.
type ConvergeOptions struct {
	MaxIterations int
	MaxAttempts   int
	Backoff       backoff.BackOff
}

// BackoffFor returns the inter-iteration backoff for an initial delay, or nil
// when initial is zero.
func BackoffFor(initial, maxInterval time.Duration) backoff.BackOff {
	if initial <= 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type Converger struct {
	name     string
	expected Snapshot
	produced Snapshot
	proc     Processor
	opts     ConvergeOptions
	logger   *slog.Logger

	attempts  map[string]int
	abandoned map[string]struct{}
}

func NewConverger(name string, expected, produced Snapshot, proc Processor, opts ConvergeOptions, logger *slog.Logger) *Converger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converger{
		name:      name,
		expected:  expected,
		produced:  produced,
		proc:      proc,
		opts:      opts,
		logger:    logger,
		attempts:  make(map[string]int),
		abandoned: make(map[string]struct{}),
	}
}

// Missing is expected minus produced minus abandoned, sorted.
func (c *Converger) Missing() ([]string, error) {
	expected, err := c.expected()
	if err != nil {
		return nil, fmt.Errorf("snapshot expected: %w", err)
	}
	produced, err := c.produced()
	if err != nil {
		return nil, fmt.Errorf("snapshot produced: %w", err)
	}

	missing := make(map[string]struct{})
	for name := range expected {
		if _, ok := produced[name]; ok {
			continue
		}
		if _, ok := c.abandoned[name]; ok {
			continue
		}
		missing[name] = struct{}{}
	}
	return util.SortedNames(missing), nil
}

// Converge processes the missing set until it is empty. It returns
// ErrIterationLimit when MaxIterations passes run without converging; the
// report then holds what is still missing.
func (c *Converger) Converge(ctx context.Context) (*Report, error) {
	c.attempts = make(map[string]int)
	c.abandoned = make(map[string]struct{})
	if c.opts.Backoff != nil {
		c.opts.Backoff.Reset()
	}

	report := &Report{}
	for {
		missing, err := c.Missing()
		if err != nil {
			return report, fmt.Errorf("%s: %w", c.name, err)
		}
		missing = c.abandon(missing)
		report.Missing = missing
		report.Abandoned = util.SortedNames(c.abandoned)

		if len(missing) == 0 {
			c.logger.Info("converged", "stage", c.name, "iterations", report.Iterations, "abandoned", len(report.Abandoned))
			return report, nil
		}
		if c.opts.MaxIterations > 0 && report.Iterations >= c.opts.MaxIterations {
			c.logger.Error("not converged", "stage", c.name, "iterations", report.Iterations, "missing", missing)
			return report, ErrIterationLimit
		}
		if report.Iterations > 0 {
			if err := c.pause(ctx); err != nil {
				return report, err
			}
		}

		report.Iterations++
		c.logger.Info("processing missing files", "stage", c.name, "iteration", report.Iterations, "missing", len(missing))
		if err := c.proc.Process(ctx, missing); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			c.logger.Error("iteration failed", "stage", c.name, "iteration", report.Iterations, "error", err)
		}
		for _, id := range missing {
			c.attempts[id]++
		}
	}
}

// abandon moves files that used up their attempts into the failure bucket.
func (c *Converger) abandon(missing []string) []string {
	if c.opts.MaxAttempts <= 0 {
		return missing
	}
	kept := missing[:0]
	for _, id := range missing {
		if c.attempts[id] >= c.opts.MaxAttempts {
			c.logger.Error("giving up on file", "stage", c.name, "file", id, "attempts", c.attempts[id])
			c.abandoned[id] = struct{}{}
			continue
		}
		kept = append(kept, id)
	}
	return kept
}

func (c *Converger) pause(ctx context.Context) error {
	if c.opts.Backoff == nil {
		return ctx.Err()
	}
	d := c.opts.Backoff.NextBackOff()
	if d == backoff.Stop {
		return ErrIterationLimit
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
