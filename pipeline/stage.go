package pipeline

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/chaos-io/scenepipe/config"
	"github.com/chaos-io/scenepipe/imaging"
	"github.com/chaos-io/scenepipe/util"
)

var errNoOutput = errors.New("prediction has no output")

// Stage is the artifact-specific part of a remote step: what to submit for a
// filename and how to turn the returned images into output files.
type Stage interface {
	Name() string
	Version() string
	Input(id string) (map[string]any, error)
	Write(id string, outputs []image.Image) error
}

// MaskStage segments the subject of each input image. The model returns a
// white-subject mask; it is inverted so that white marks the background to
// repaint, and the background is subtracted from the original.
type MaskStage struct {
	InputDir string
	MaskDir  string
	NoBGDir  string
	cfg      config.MaskConfig
}

func NewMaskStage(inputDir, maskDir, noBGDir string, cfg config.MaskConfig) *MaskStage {
	return &MaskStage{InputDir: inputDir, MaskDir: maskDir, NoBGDir: noBGDir, cfg: cfg}
}

func (s *MaskStage) Name() string    { return "mask" }
func (s *MaskStage) Version() string { return s.cfg.Model.Version }

func (s *MaskStage) Input(id string) (map[string]any, error) {
	uri, err := imageURI(filepath.Join(s.InputDir, id), s.cfg.MaxSide)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"input_image":         uri,
		"num_inference_steps": s.cfg.NumInferenceSteps,
	}, nil
}

// Write stores the no-background image first and the mask last: the mask's
// existence is what marks the file as done.
func (s *MaskStage) Write(id string, outputs []image.Image) error {
	if len(outputs) == 0 {
		return errNoOutput
	}
	mask := imaging.Invert(outputs[0])

	original, err := util.OpenImage(filepath.Join(s.InputDir, id))
	if err != nil {
		return err
	}
	if err := util.SaveImage(filepath.Join(s.NoBGDir, id), imaging.SubtractBackground(original, mask, 0)); err != nil {
		return err
	}
	return util.SaveImage(filepath.Join(s.MaskDir, id), mask)
}

// InpaintStage repaints the masked background of each image from a prompt.
type InpaintStage struct {
	ImageDir  string
	MaskDir   string
	OutputDir string
	cfg       config.InpaintConfig
}

func NewInpaintStage(imageDir, maskDir, outputDir string, cfg config.InpaintConfig) *InpaintStage {
	return &InpaintStage{ImageDir: imageDir, MaskDir: maskDir, OutputDir: outputDir, cfg: cfg}
}

func (s *InpaintStage) Name() string    { return "inpaint" }
func (s *InpaintStage) Version() string { return s.cfg.Model.Version }

func (s *InpaintStage) Input(id string) (map[string]any, error) {
	img, err := util.FileDataURI(filepath.Join(s.ImageDir, id))
	if err != nil {
		return nil, err
	}
	mask, err := util.FileDataURI(filepath.Join(s.MaskDir, id))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"prompt":              s.cfg.Prompt(id),
		"image":               img,
		"mask":                mask,
		"prompt_strength":     s.cfg.PromptStrength,
		"num_outputs":         s.cfg.NumOutputs,
		"num_inference_steps": s.cfg.NumInferenceSteps,
		"guidance_scale":      s.cfg.GuidanceScale,
	}, nil
}

// Write stores output i under OutputName(id, i). Extra outputs go first so the
// file named id, which marks completion, lands last.
func (s *InpaintStage) Write(id string, outputs []image.Image) error {
	if len(outputs) == 0 {
		return errNoOutput
	}
	for i := len(outputs) - 1; i >= 0; i-- {
		if err := util.SaveImage(filepath.Join(s.OutputDir, OutputName(id, i)), outputs[i]); err != nil {
			return err
		}
	}
	return nil
}

// OutputName is id for the first output and "<stem>-<i><ext>" for the rest,
// so re-running a batch overwrites instead of piling up files.
func OutputName(id string, i int) string {
	if i == 0 {
		return id
	}
	ext := filepath.Ext(id)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(id, ext), i, ext)
}

// imageURI returns the file as a data URI, downscaled to maxSide when larger.
func imageURI(path string, maxSide int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if maxSide <= 0 {
		return util.DataURI(data), nil
	}

	img, err := util.DecodeImage(data)
	if err != nil {
		return "", err
	}
	fitted := imaging.Fit(img, maxSide)
	if fitted == img {
		return util.DataURI(data), nil
	}
	encoded, err := util.EncodePNG(fitted)
	if err != nil {
		return "", err
	}
	return util.DataURI(encoded), nil
}
