package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaos-io/scenepipe/config"
	"github.com/chaos-io/scenepipe/imaging/rembg"
	"github.com/chaos-io/scenepipe/pipeline"
	"github.com/chaos-io/scenepipe/predict"
	"github.com/chaos-io/scenepipe/server"
	"github.com/chaos-io/scenepipe/service"
)

type options struct {
	configPath string

	mask       string
	batch      bool
	singleFile bool
	inputPath  string
	noBGPath   string
	maskPath   string

	inpainting bool

	overlay        bool
	generate       bool
	noGenerate     bool
	prompt         string
	numOutputs     int
	xPos, yPos     int
	backgroundPath string
	foregroundPath string
	outputPath     string

	serve    bool
	schedule string
}

func parseFlags() (*options, map[string]bool) {
	o := &options{}
	flag.StringVar(&o.configPath, "config", "", "path to a YAML config file")

	flag.StringVar(&o.mask, "mask", "", "[mask] `local` or `replicate` mask generator, overrides mask.generator")
	flag.BoolVar(&o.batch, "batch", true, "[mask] run against every image in the input directory")
	flag.BoolVar(&o.singleFile, "single-file", false, "[mask] run against the single image at -input-path")
	flag.StringVar(&o.inputPath, "input-path", "", "[mask] path to input image(s)")
	flag.StringVar(&o.noBGPath, "no-bg-path", "", "[mask] path to no background image(s)")
	flag.StringVar(&o.maskPath, "mask-path", "", "[mask] path to mask image(s)")

	flag.BoolVar(&o.inpainting, "inpainting", false, "[inpainting] run inpainting over every masked image")

	flag.BoolVar(&o.overlay, "overlay", false, "[overlay] run the overlay module")
	flag.BoolVar(&o.generate, "generate", true, "[overlay] generate background scenes")
	flag.BoolVar(&o.noGenerate, "no-generate", false, "[overlay] skip background scene generation")
	flag.StringVar(&o.prompt, "prompt", "River in a valley surrounded by mountains", "[overlay] prompt for scene generation")
	flag.IntVar(&o.numOutputs, "num-outputs", 3, "[overlay] number of generated scenes")
	flag.IntVar(&o.xPos, "x-pos", 0, "[overlay] x coordinate of the foreground")
	flag.IntVar(&o.yPos, "y-pos", 0, "[overlay] y coordinate of the foreground")
	flag.StringVar(&o.backgroundPath, "background-path", "", "[overlay] background image")
	flag.StringVar(&o.foregroundPath, "foreground-path", "", "[overlay] foreground image")
	flag.StringVar(&o.outputPath, "output-path", "", "[overlay] output image")

	flag.BoolVar(&o.serve, "serve", false, "serve the HTTP API")
	flag.StringVar(&o.schedule, "schedule", "", "run the pipeline on a cron expression, e.g. \"@every 30m\"")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set
}

// apply lets flags that were given on the command line win over the config.
func (o *options) apply(cfg *config.Config, set map[string]bool) {
	if o.singleFile {
		cfg.Paths.Batch = false
	} else if set["batch"] {
		cfg.Paths.Batch = o.batch
	}
	if o.inputPath != "" {
		cfg.Paths.Input = o.inputPath
	}
	if o.noBGPath != "" {
		cfg.Paths.NoBG = o.noBGPath
	}
	if o.maskPath != "" {
		cfg.Paths.Mask = o.maskPath
	}
	if o.schedule != "" {
		cfg.Schedule = o.schedule
	}
	if set["mask"] {
		cfg.Mask.Generator = strings.ToLower(o.mask)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newRemover(cfg config.RemBGConfig, logger *slog.Logger) rembg.Remover {
	if cfg.Provider == "birefnet" {
		return rembg.NewBiRefNetRemBG(cfg.BaseURL, cfg.PollInterval, cfg.MaxWait, logger)
	}
	return rembg.NewAlphaRemBG()
}

func main() {
	opts, set := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	opts.apply(&cfg, set)

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(opts, cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(opts *options, cfg config.Config, logger *slog.Logger) error {
	if cfg.Replicate.APIToken == "" {
		logger.Warn("no API token set, provider requests will be rejected", "env", config.EnvAPIToken)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := predict.NewReplicate(cfg.Replicate.BaseURL, cfg.Replicate.APIToken,
		predict.WithPollInterval(cfg.Poll.Interval),
		predict.WithRequestTimeout(cfg.Replicate.Timeout),
		predict.WithLogger(logger),
	)
	remover := newRemover(cfg.RemBG, logger)
	svc := service.New(cfg, client, remover, service.NewDirStore(cfg.Paths.Uploads), logger)

	if opts.serve {
		return server.New(svc, logger).Run(ctx, cfg.Server.Addr)
	}

	switch cfg.Mask.Generator {
	case "", config.MaskGenLocal, config.MaskGenReplicate:
	default:
		logger.Warn("mask generator must be local or replicate, not generating masks", "mask", cfg.Mask.Generator)
		cfg.Mask.Generator = ""
	}
	p := pipeline.New(cfg, client, remover, logger)
	runOpts := pipeline.Options{Inpainting: opts.inpainting}

	if cfg.Schedule != "" {
		c := pipeline.NewCron(logger)
		if _, err := pipeline.Schedule(ctx, c, cfg.Schedule, p, runOpts); err != nil {
			return fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
		}
		logger.Info("pipeline scheduled", "schedule", cfg.Schedule)
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	}

	var errs []error
	if err := p.Run(ctx, runOpts); err != nil {
		errs = append(errs, err)
	}
	if opts.overlay {
		if err := runOverlay(ctx, opts, svc, logger); err != nil {
			errs = append(errs, err)
		}
	} else {
		logger.Warn("overlay not enabled, not running overlay module")
	}
	return errors.Join(errs...)
}

func runOverlay(ctx context.Context, opts *options, svc *service.Service, logger *slog.Logger) error {
	if opts.generate && !opts.noGenerate {
		urls, err := svc.GenerateScenes(ctx, opts.prompt, opts.numOutputs)
		if err != nil {
			return fmt.Errorf("generate scenes: %w", err)
		}
		if _, err := svc.SaveScenes(ctx, urls); err != nil {
			return fmt.Errorf("save scenes: %w", err)
		}
	}

	if opts.backgroundPath == "" || opts.foregroundPath == "" || opts.outputPath == "" {
		logger.Warn("need -background-path, -foreground-path and -output-path to overlay images")
		return nil
	}
	return svc.OverlayFiles(opts.backgroundPath, opts.foregroundPath, opts.outputPath, opts.xPos, opts.yPos)
}
