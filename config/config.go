// Package config holds the explicit configuration every pipeline component is
// constructed from. Values come from defaults, then an optional YAML file, then
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvAPIToken overrides replicate.api_token.
	EnvAPIToken = "REPLICATE_API_TOKEN"

	defaultPrompt = "The snow-capped peaks of the Rocky Mountains rise majestically above a valley blanketed in powdery snow with a frozen river glinting in the sunshine, photorealistic, 8k, high resolution"
	defaultScene  = "A peaceful lake nestled in a valley surrounded by the towering snowing mountains of the Alps, a mist is rising from the water with a golden sunrise illuminating the sky, photorealistic, 8k"
)

// Mask generator names accepted by Mask.Generator.
const (
	MaskGenLocal     = "local"
	MaskGenReplicate = "replicate"
)

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Schedule  string          `yaml:"schedule"`
	Replicate ReplicateConfig `yaml:"replicate"`
	Paths     PathsConfig     `yaml:"paths"`
	Poll      PollConfig      `yaml:"poll"`
	Converge  ConvergeConfig  `yaml:"converge"`
	Mask      MaskConfig      `yaml:"mask"`
	Inpaint   InpaintConfig   `yaml:"inpaint"`
	Scene     SceneConfig     `yaml:"scene"`
	RemBG     RemBGConfig     `yaml:"rembg"`
	Server    ServerConfig    `yaml:"server"`
}

type ReplicateConfig struct {
	APIToken string        `yaml:"api_token"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PathsConfig names the working directories. Batch mode treats Input as a
// directory; single-file mode treats it as the path of one image.
type PathsConfig struct {
	Input   string `yaml:"input"`
	NoBG    string `yaml:"no_bg"`
	Mask    string `yaml:"mask"`
	Output  string `yaml:"output"`
	Scenes  string `yaml:"scenes"`
	Uploads string `yaml:"uploads"`
	Batch   bool   `yaml:"batch"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ConvergeConfig bounds the convergence loop. Zero values keep the loop
// unbounded.
type ConvergeConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       time.Duration `yaml:"backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

type ModelConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// MaskConfig configures mask generation. An empty Generator skips masks in
// pipeline runs unless -mask names one.
type MaskConfig struct {
	Generator         string      `yaml:"generator"`
	Model             ModelConfig `yaml:"model"`
	NumInferenceSteps int         `yaml:"num_inference_steps"`
	Threshold         uint8       `yaml:"threshold"`
	MaxSide           int         `yaml:"max_side"`
}

type InpaintConfig struct {
	Model             ModelConfig       `yaml:"model"`
	PromptStrength    float64           `yaml:"prompt_strength"`
	NumOutputs        int               `yaml:"num_outputs"`
	NumInferenceSteps int               `yaml:"num_inference_steps"`
	GuidanceScale     float64           `yaml:"guidance_scale"`
	DefaultPrompt     string            `yaml:"default_prompt"`
	Prompts           map[string]string `yaml:"prompts"`
}

// Prompt returns the prompt configured for filename, or the default one.
func (c InpaintConfig) Prompt(filename string) string {
	if p, ok := c.Prompts[filename]; ok && p != "" {
		return p
	}
	return c.DefaultPrompt
}

type SceneConfig struct {
	Model             ModelConfig `yaml:"model"`
	Prompt            string      `yaml:"prompt"`
	Width             int         `yaml:"width"`
	Height            int         `yaml:"height"`
	PromptStrength    float64     `yaml:"prompt_strength"`
	NumOutputs        int         `yaml:"num_outputs"`
	NumInferenceSteps int         `yaml:"num_inference_steps"`
	GuidanceScale     float64     `yaml:"guidance_scale"`
	Scheduler         string      `yaml:"scheduler"`
}

type RemBGConfig struct {
	Provider     string        `yaml:"provider"`
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		Replicate: ReplicateConfig{
			BaseURL: "https://api.replicate.com/v1",
			Timeout: 30 * time.Second,
		},
		Paths: PathsConfig{
			Input:   "background-images",
			NoBG:    "no-bg-images",
			Mask:    "mask-images",
			Output:  "output-images",
			Scenes:  "scenes",
			Uploads: "uploads",
			Batch:   true,
		},
		Poll:     PollConfig{Interval: time.Second},
		Converge: ConvergeConfig{
			MaxIterations: 10,
			MaxAttempts:   3,
			Backoff:       5 * time.Second,
			MaxBackoff:    time.Minute,
		},
		Mask: MaskConfig{
			Model: ModelConfig{
				Name:    "arielreplicate/dichotomous_image_segmentation",
				Version: "69bd4043d3ff604dcf5abeb27e10d959d520f323cf990a188f072c578348c7fd",
			},
			NumInferenceSteps: 25,
			Threshold:         5,
			MaxSide:           1024,
		},
		Inpaint: InpaintConfig{
			Model: ModelConfig{
				Name:    "stability-ai/stable-diffusion-inpainting",
				Version: "e5a34f913de0adc560d20e002c45ad43a80031b62caacc3d84010c6b6a64870c",
			},
			PromptStrength:    0.8,
			NumOutputs:        1,
			NumInferenceSteps: 25,
			GuidanceScale:     7.5,
			DefaultPrompt:     defaultPrompt,
		},
		Scene: SceneConfig{
			Model:             ModelConfig{Name: "stability-ai/stable-diffusion"},
			Prompt:            defaultScene,
			Width:             768,
			Height:            768,
			PromptStrength:    0.8,
			NumOutputs:        3,
			NumInferenceSteps: 50,
			GuidanceScale:     7.5,
			Scheduler:         "K_EULER",
		},
		RemBG: RemBGConfig{
			Provider:     "alpha",
			BaseURL:      "http://127.0.0.1:8188",
			PollInterval: time.Second,
			MaxWait:      5 * time.Minute,
		},
		Server: ServerConfig{Addr: ":8000"},
	}
}

// Load reads path on top of Default. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if token := strings.TrimSpace(os.Getenv(EnvAPIToken)); token != "" {
		cfg.Replicate.APIToken = token
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Replicate.BaseURL == "" {
		errs = append(errs, errors.New("replicate.base_url is required"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Converge.MaxIterations < 0 || c.Converge.MaxAttempts < 0 {
		errs = append(errs, errors.New("converge limits must not be negative"))
	}
	if c.Converge.Backoff < 0 || c.Converge.MaxBackoff < 0 {
		errs = append(errs, errors.New("converge backoff must not be negative"))
	}
	switch c.Mask.Generator {
	case "", MaskGenLocal, MaskGenReplicate:
	default:
		errs = append(errs, fmt.Errorf("mask.generator %q must be %q or %q", c.Mask.Generator, MaskGenLocal, MaskGenReplicate))
	}
	switch c.RemBG.Provider {
	case "alpha", "birefnet":
	default:
		errs = append(errs, fmt.Errorf("rembg.provider %q must be alpha or birefnet", c.RemBG.Provider))
	}
	if c.Inpaint.NumOutputs < 1 {
		errs = append(errs, errors.New("inpaint.num_outputs must be at least 1"))
	}
	for _, p := range []struct{ name, value string }{
		{"paths.input", c.Paths.Input},
		{"paths.no_bg", c.Paths.NoBG},
		{"paths.mask", c.Paths.Mask},
		{"paths.output", c.Paths.Output},
	} {
		if p.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", p.name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// EnsureDirs creates the working directories that must exist before the
// first directory snapshot.
func (c Config) EnsureDirs() error {
	dirs := []string{c.Paths.NoBG, c.Paths.Mask, c.Paths.Output, c.Paths.Scenes, c.Paths.Uploads}
	if c.Paths.Batch {
		dirs = append(dirs, c.Paths.Input)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}
