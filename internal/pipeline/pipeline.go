// Package pipeline turns a portrait request into a fantasized image using
// injected describe/transform capabilities.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"dnd-ai-helper/internal/fantasy"
	"dnd-ai-helper/internal/imagecodec"
)

type Options struct {
	Mode        Mode
	Describer   Describer
	Transformer Transformer
	// Params applies to image-to-image only; zero fields take the defaults.
	Params  Params
	Cache   CaptionCache
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

type Generator struct {
	mode        Mode
	describer   Describer
	transformer Transformer
	params      Params
	cache       CaptionCache
	limiter     *rate.Limiter
	logger      *slog.Logger
}

func New(opts Options) (*Generator, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeDirect
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if opts.Transformer == nil {
		return nil, errors.New("pipeline: transformer is required")
	}
	if mode == ModeCaptioned && opts.Describer == nil {
		return nil, errors.New("pipeline: captioned mode requires a describer")
	}

	params := opts.Params
	if params.Strength <= 0 {
		params.Strength = DefaultStrength
	}
	if params.GuidanceScale <= 0 {
		params.GuidanceScale = DefaultGuidanceScale
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Generator{
		mode:        mode,
		describer:   opts.Describer,
		transformer: opts.Transformer,
		params:      params,
		cache:       opts.Cache,
		limiter:     opts.Limiter,
		logger:      logger,
	}, nil
}

func (g *Generator) Mode() Mode { return g.mode }

// Generate never returns an error: every failure, including a panic inside
// a backend, is reported through Result.
func (g *Generator) Generate(ctx context.Context, req Request) (res Result) {
	logger := g.logger.With("race", req.Race, "region", req.Region, "mode", string(g.mode))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("internal error: %v", r)
			logger.Error("generation panicked", "err", err)
			res = failure(err)
		}
	}()

	out, err := g.run(ctx, req, logger)
	if err != nil {
		logger.Warn("generation failed", "kind", string(Classify(err)), "err", err)
		return failure(err)
	}
	return out
}

// Regenerate feeds a previously produced image back through Generate.
func (g *Generator) Regenerate(ctx context.Context, image, race, region string) Result {
	return g.Generate(ctx, Request{Image: image, Race: race, Region: region})
}

func (g *Generator) run(ctx context.Context, req Request, logger *slog.Logger) (Result, error) {
	payload, err := imagecodec.Decode(req.Image)
	if err != nil {
		return Result{}, err
	}
	src := Image{Data: payload.Data, MimeType: payload.MimeType}
	bare := payload.Bare
	logger.Debug("image decoded", "bytes", len(src.Data), "mime", src.MimeType)

	prompt := fantasy.BuildPrompt(req.Race, req.Region)
	description := ""
	if g.mode == ModeCaptioned {
		description, err = g.describe(ctx, src, logger)
		if err != nil {
			return Result{}, err
		}
		prompt = fantasy.BuildCaptionedPrompt(req.Race, req.Region, description)
	}

	treq := TransformRequest{Prompt: prompt}
	if g.mode == ModeImageToImage {
		params := g.params
		treq.Source = &src
		treq.Params = &params
	}

	out, err := g.transform(ctx, treq)
	if err != nil {
		return Result{}, err
	}
	logger.Debug("image transformed", "bytes", len(out.Data), "mime", out.MimeType)

	mimeType := imagecodec.CleanMIME(out.MimeType)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = imagecodec.DetectMIME(out.Data)
	}
	// answer in the same text form the request used
	encoded := imagecodec.Payload{Data: out.Data, MimeType: mimeType, Bare: bare}.Text()

	return success(encoded, prompt, description), nil
}

func (g *Generator) describe(ctx context.Context, src Image, logger *slog.Logger) (string, error) {
	key := captionKey(src.Data)
	if g.cache != nil {
		if desc, ok := g.cache.Get(key); ok {
			logger.Debug("caption cache hit", "description", desc)
			return desc, nil
		}
	}

	if err := g.wait(ctx); err != nil {
		return "", &RemoteError{Op: OpDescribe, Err: err}
	}
	desc, err := g.describer.Describe(ctx, src)
	if err != nil {
		return "", &RemoteError{Op: OpDescribe, Err: err}
	}

	desc = strings.TrimSpace(desc)
	if desc == "" {
		logger.Debug("empty caption, using default subject")
		return fantasy.DefaultSubject, nil
	}
	if g.cache != nil {
		g.cache.Set(key, desc)
	}
	logger.Debug("image described", "description", desc)
	return desc, nil
}

func (g *Generator) transform(ctx context.Context, req TransformRequest) (Image, error) {
	if err := g.wait(ctx); err != nil {
		return Image{}, &RemoteError{Op: OpTransform, Err: err}
	}
	out, err := g.transformer.Transform(ctx, req)
	if err != nil {
		return Image{}, &RemoteError{Op: OpTransform, Err: err}
	}
	if len(out.Data) == 0 {
		return Image{}, &RemoteError{Op: OpTransform, Err: errEmptyImage}
	}
	return out, nil
}

func (g *Generator) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}
