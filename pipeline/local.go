package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/chaos-io/scenepipe/imaging"
	"github.com/chaos-io/scenepipe/imaging/rembg"
	"github.com/chaos-io/scenepipe/util"
)

// LocalMaskGen removes the background with a Remover and thresholds the
// result into a binary mask, without going through the prediction provider.
type LocalMaskGen struct {
	remover   rembg.Remover
	inputDir  string
	noBGDir   string
	maskDir   string
	threshold uint8
	logger    *slog.Logger
}

func NewLocalMaskGen(remover rembg.Remover, inputDir, noBGDir, maskDir string, threshold uint8, logger *slog.Logger) *LocalMaskGen {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalMaskGen{
		remover:   remover,
		inputDir:  inputDir,
		noBGDir:   noBGDir,
		maskDir:   maskDir,
		threshold: threshold,
		logger:    logger,
	}
}

func (g *LocalMaskGen) Process(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.process(ctx, id); err != nil {
			g.logger.Error("local mask failed", "file", id, "error", err)
			continue
		}
		g.logger.Info("mask written", "file", id, "path", filepath.Join(g.maskDir, id))
	}
	return nil
}

func (g *LocalMaskGen) process(ctx context.Context, id string) error {
	img, err := util.OpenImage(filepath.Join(g.inputDir, id))
	if err != nil {
		return err
	}

	g.logger.Debug("removing background", "file", id)
	noBG, err := g.remover.Remove(ctx, img)
	if err != nil {
		return err
	}
	if err := util.SaveImage(filepath.Join(g.noBGDir, id), noBG); err != nil {
		return err
	}
	return util.SaveImage(filepath.Join(g.maskDir, id), imaging.BinaryMask(noBG, g.threshold))
}
