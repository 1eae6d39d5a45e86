package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/chaos-io/scenepipe/config"
	"github.com/chaos-io/scenepipe/imaging/rembg"
	"github.com/chaos-io/scenepipe/predict"
)

// Pipeline composes the converger with a local or remote processor per stage.
type Pipeline struct {
	cfg     config.Config
	client  predict.Client
	remover rembg.Remover
	logger  *slog.Logger
}

func New(cfg config.Config, client predict.Client, remover rembg.Remover, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, client: client, remover: remover, logger: logger}
}

// Options selects the stages of one run.
type Options struct {
	// Mask is config.MaskGenLocal or config.MaskGenReplicate. Empty falls back
	// to mask.generator, and mask generation is skipped when that is empty too.
	Mask       string
	Inpainting bool
}

func (p *Pipeline) convergeOptions() ConvergeOptions {
	c := p.cfg.Converge
	return ConvergeOptions{
		MaxIterations: c.MaxIterations,
		MaxAttempts:   c.MaxAttempts,
		Backoff:       BackoffFor(c.Backoff, c.MaxBackoff),
	}
}

// MaskConverger builds the mask stage. In batch mode every image of the input
// directory is expected; otherwise the input path names a single file.
func (p *Pipeline) MaskConverger(gen string) (*Converger, error) {
	paths := p.cfg.Paths
	inputDir := paths.Input
	expected := DirSnapshot(paths.Input)
	if !paths.Batch {
		inputDir = filepath.Dir(paths.Input)
		expected = Fixed(filepath.Base(paths.Input))
	}

	var proc Processor
	switch gen {
	case config.MaskGenLocal:
		if p.remover == nil {
			return nil, errors.New("local mask generation needs a background remover")
		}
		proc = NewLocalMaskGen(p.remover, inputDir, paths.NoBG, paths.Mask, p.cfg.Mask.Threshold, p.logger)
	case config.MaskGenReplicate:
		stage := NewMaskStage(inputDir, paths.Mask, paths.NoBG, p.cfg.Mask)
		proc = NewRemoteRunner(p.client, stage, p.cfg.Poll.Interval, p.logger)
	default:
		return nil, fmt.Errorf("unknown mask generator %q", gen)
	}

	return NewConverger("mask-"+gen, expected, DirSnapshot(paths.Mask), proc, p.convergeOptions(), p.logger), nil
}

// InpaintConverger expects an output for every image that has a mask. In
// single-file mode it still covers the whole directory of the input file.
func (p *Pipeline) InpaintConverger() *Converger {
	paths := p.cfg.Paths
	imageDir := paths.Input
	if !paths.Batch {
		imageDir = filepath.Dir(paths.Input)
	}
	stage := NewInpaintStage(imageDir, paths.Mask, paths.Output, p.cfg.Inpaint)
	expected := Intersect(DirSnapshot(imageDir), DirSnapshot(paths.Mask))
	runner := NewRemoteRunner(p.client, stage, p.cfg.Poll.Interval, p.logger)
	return NewConverger("inpaint", expected, DirSnapshot(paths.Output), runner, p.convergeOptions(), p.logger)
}

// Run executes the selected stages in order. A stage that does not converge
// is reported but does not stop the next one.
func (p *Pipeline) Run(ctx context.Context, opts Options) error {
	var errs []error

	if opts.Mask == "" {
		opts.Mask = p.cfg.Mask.Generator
	}
	if opts.Mask != "" {
		c, err := p.MaskConverger(opts.Mask)
		if err != nil {
			return err
		}
		if err := p.report(ctx, c); err != nil {
			errs = append(errs, err)
		}
	} else {
		p.logger.Warn("mask generator not set, not generating masks")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if opts.Inpainting {
		if err := p.report(ctx, p.InpaintConverger()); err != nil {
			errs = append(errs, err)
		}
	} else {
		p.logger.Warn("inpainting not enabled, not running inpainting")
	}

	return errors.Join(errs...)
}

// report turns the outcome of one stage into an error. Abandoned files fail
// the stage even though the loop itself converged.
func (p *Pipeline) report(ctx context.Context, c *Converger) error {
	report, err := c.Converge(ctx)
	if err != nil {
		return fmt.Errorf("%s after %d iterations, missing %v: %w", c.name, report.Iterations, report.Missing, err)
	}
	if len(report.Abandoned) > 0 {
		p.logger.Error("files abandoned", "stage", c.name, "files", report.Abandoned)
		return fmt.Errorf("%s: %v: %w", c.name, report.Abandoned, ErrAbandoned)
	}
	return nil
}
