// Package service holds the single-shot operations behind the HTTP API and
// the overlay/generate CLI modes. Unlike the pipeline they act on one
// request's images and never scan directories.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/chaos-io/scenepipe/config"
	"github.com/chaos-io/scenepipe/imaging"
	"github.com/chaos-io/scenepipe/imaging/rembg"
	"github.com/chaos-io/scenepipe/predict"
	"github.com/chaos-io/scenepipe/util"
)

var (
	ErrNoOutput = errors.New("no output from model")
	ErrNotFound = errors.New("image not found")
)

type Service struct {
	cfg     config.Config
	client  predict.Client
	remover rembg.Remover
	store   Store
	logger  *slog.Logger
}

func New(cfg config.Config, client predict.Client, remover rembg.Remover, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, client: client, remover: remover, store: store, logger: logger}
}

// MaskResult holds the stored paths of one mask request. Segmented is the
// subject cut out with a transparent background; it is only produced by the
// mask model, the local remover already returns a cutout as NoBG.
type MaskResult struct {
	Mask      string
	NoBG      string
	Segmented string
}

// Paths lists the stored images, mask first.
func (r *MaskResult) Paths() []string {
	paths := []string{r.Mask, r.NoBG}
	if r.Segmented != "" {
		paths = append(paths, r.Segmented)
	}
	return paths
}

// CreateBinaryMask builds a background mask (white background, black subject)
// for one image with the local remover or the mask model.
func (s *Service) CreateBinaryMask(ctx context.Context, data []byte, gen string) (*MaskResult, error) {
	img, err := util.DecodeImage(data)
	if err != nil {
		return nil, err
	}

	var mask, noBG, segmented image.Image
	switch gen {
	case config.MaskGenLocal:
		if s.remover == nil {
			return nil, errors.New("no background remover configured")
		}
		cut, err := s.remover.Remove(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("remove background: %w", err)
		}
		noBG, mask = cut, imaging.BinaryMask(cut, s.cfg.Mask.Threshold)
	case config.MaskGenReplicate:
		encoded, err := util.EncodePNG(imaging.Fit(img, s.cfg.Mask.MaxSide))
		if err != nil {
			return nil, err
		}
		p, err := s.predict(ctx, s.cfg.Mask.Model.Version, map[string]any{
			"input_image":         util.DataURI(encoded),
			"num_inference_steps": s.cfg.Mask.NumInferenceSteps,
		})
		if err != nil {
			return nil, err
		}
		out, err := s.fetchImage(ctx, p.Output[0])
		if err != nil {
			return nil, err
		}
		inverted := imaging.Invert(out)
		mask, noBG = inverted, imaging.SubtractBackground(img, inverted, 0)
		segmented = imaging.Segment(img, out)
	default:
		return nil, fmt.Errorf("unknown mask generator %q", gen)
	}

	res := &MaskResult{}
	if res.NoBG, err = s.store.Save(noBG); err != nil {
		return nil, err
	}
	if segmented != nil {
		if res.Segmented, err = s.store.Save(segmented); err != nil {
			return nil, err
		}
	}
	if res.Mask, err = s.store.Save(mask); err != nil {
		return nil, err
	}
	s.logger.Info("binary mask created", "generator", gen, "mask", res.Mask, "no_bg", res.NoBG)
	return res, nil
}

// Inpaint repaints the white area of mask and returns the output URLs. An
// empty prompt falls back to the default prompt, n < 1 to the configured
// number of outputs.
func (s *Service) Inpaint(ctx context.Context, img, mask []byte, prompt string, n int) ([]string, error) {
	cfg := s.cfg.Inpaint
	if strings.TrimSpace(prompt) == "" {
		prompt = cfg.DefaultPrompt
	}
	if n < 1 {
		n = cfg.NumOutputs
	}

	p, err := s.predict(ctx, cfg.Model.Version, map[string]any{
		"prompt":              prompt,
		"image":               util.DataURI(img),
		"mask":                util.DataURI(mask),
		"prompt_strength":     cfg.PromptStrength,
		"num_outputs":         n,
		"num_inference_steps": cfg.NumInferenceSteps,
		"guidance_scale":      cfg.GuidanceScale,
	})
	if err != nil {
		return nil, err
	}
	return p.Output, nil
}

// GenerateScenes asks the scene model for n backgrounds and returns their
// URLs. Without a pinned version the model's latest one is used.
func (s *Service) GenerateScenes(ctx context.Context, prompt string, n int) ([]string, error) {
	cfg := s.cfg.Scene
	if strings.TrimSpace(prompt) == "" {
		prompt = cfg.Prompt
	}
	if n < 1 {
		n = cfg.NumOutputs
	}

	version := cfg.Model.Version
	if version == "" {
		v, err := s.client.LatestVersion(ctx, cfg.Model.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve scene model: %w", err)
		}
		version = v
	}

	s.logger.Info("generating scenes", "num_outputs", n, "prompt", prompt)
	p, err := s.predict(ctx, version, map[string]any{
		"prompt":              prompt,
		"width":               cfg.Width,
		"height":              cfg.Height,
		"prompt_strength":     cfg.PromptStrength,
		"num_outputs":         n,
		"num_inference_steps": cfg.NumInferenceSteps,
		"guidance_scale":      cfg.GuidanceScale,
		"scheduler":           cfg.Scheduler,
	})
	if err != nil {
		return nil, err
	}
	return p.Output, nil
}

// SaveScenes downloads generated scenes into the scenes directory.
func (s *Service) SaveScenes(ctx context.Context, urls []string) ([]string, error) {
	store := NewDirStore(s.cfg.Paths.Scenes)
	paths := make([]string, 0, len(urls))
	for _, u := range urls {
		img, err := s.fetchImage(ctx, u)
		if err != nil {
			return paths, err
		}
		path, err := store.Save(img)
		if err != nil {
			return paths, err
		}
		s.logger.Info("scene written", "path", path)
		paths = append(paths, path)
	}
	return paths, nil
}

// Overlay pastes foreground over background at (x, y) and stores the result.
func (s *Service) Overlay(background, foreground []byte, x, y int) (string, error) {
	bg, err := util.DecodeImage(background)
	if err != nil {
		return "", fmt.Errorf("background: %w", err)
	}
	fg, err := util.DecodeImage(foreground)
	if err != nil {
		return "", fmt.Errorf("foreground: %w", err)
	}
	return s.store.Save(imaging.Overlay(bg, fg, x, y))
}

// OverlayFiles is Overlay for images on disk, writing to outputPath.
func (s *Service) OverlayFiles(backgroundPath, foregroundPath, outputPath string, x, y int) error {
	for _, p := range []string{backgroundPath, foregroundPath} {
		if !util.FileExists(p) {
			return fmt.Errorf("%s: %w", p, ErrNotFound)
		}
	}
	bg, err := util.OpenImage(backgroundPath)
	if err != nil {
		return err
	}
	fg, err := util.OpenImage(foregroundPath)
	if err != nil {
		return err
	}

	s.logger.Info("overlaying image", "foreground", foregroundPath, "background", backgroundPath, "x", x, "y", y)
	if err := util.SaveImage(outputPath, imaging.Overlay(bg, fg, x, y)); err != nil {
		return err
	}
	s.logger.Info("overlaid image written", "path", outputPath)
	return nil
}

// predict submits one prediction and waits for it. Anything but a succeeded
// prediction with output is an error.
func (s *Service) predict(ctx context.Context, version string, input map[string]any) (*predict.Prediction, error) {
	p, err := s.client.Create(ctx, version, input)
	if err != nil {
		return nil, err
	}

	done := util.Trace(s.logger, "waited for prediction")
	err = s.client.Wait(ctx, p)
	done()
	if err != nil {
		return nil, err
	}

	if p.Status != predict.StatusSucceeded {
		return nil, fmt.Errorf("prediction %s %s: %s", p.ID, p.Status, p.Error)
	}
	if len(p.Output) == 0 {
		return nil, ErrNoOutput
	}
	return p, nil
}

func (s *Service) fetchImage(ctx context.Context, url string) (image.Image, error) {
	data, err := s.client.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	img, err := util.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	return img, nil
}
