// Package provider assembles a pipeline.Generator from configuration.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"dnd-ai-helper/internal/config"
	"dnd-ai-helper/internal/gemini"
	"dnd-ai-helper/internal/huggingface"
	"dnd-ai-helper/internal/openai"
	"dnd-ai-helper/internal/pipeline"
)

type Options struct {
	Config     config.Config
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Build wires the configured backends into a Generator.
func Build(ctx context.Context, opts Options) (*pipeline.Generator, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mode, err := pipeline.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	if mode == pipeline.ModeImageToImage && cfg.Provider == config.ProviderOpenAI {
		return nil, fmt.Errorf("provider %s does not support %s mode", cfg.Provider, mode)
	}

	transformer, err := newTransformer(ctx, cfg.Provider, opts.Config, opts.HTTPClient, logger)
	if err != nil {
		return nil, err
	}

	var (
		describer pipeline.Describer
		cache     pipeline.CaptionCache
	)
	if mode == pipeline.ModeCaptioned {
		describer, err = newDescriber(ctx, cfg.CaptionProvider, opts.Config, opts.HTTPClient, logger)
		if err != nil {
			return nil, err
		}
		if cfg.CaptionCacheTTL > 0 {
			cache = pipeline.NewCaptionCache(cfg.CaptionCacheTTL, cfg.CaptionCacheTTL)
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RateLimitInterval), cfg.RateLimitBurst)
	}

	logger.Info("generator ready",
		"provider", cfg.Provider,
		"caption_provider", cfg.CaptionProvider,
		"mode", string(mode),
		"rate_limited", limiter != nil,
	)

	return pipeline.New(pipeline.Options{
		Mode:        mode,
		Describer:   describer,
		Transformer: transformer,
		Params: pipeline.Params{
			Strength:      cfg.Strength,
			GuidanceScale: cfg.GuidanceScale,
		},
		Cache:   cache,
		Limiter: limiter,
		Logger:  logger,
	})
}

type backend interface {
	pipeline.Describer
	pipeline.Transformer
}

func newTransformer(ctx context.Context, name string, cfg config.Config, httpClient *http.Client, logger *slog.Logger) (pipeline.Transformer, error) {
	return newBackend(ctx, name, cfg, httpClient, logger)
}

func newDescriber(ctx context.Context, name string, cfg config.Config, httpClient *http.Client, logger *slog.Logger) (pipeline.Describer, error) {
	return newBackend(ctx, name, cfg, httpClient, logger)
}

func newBackend(ctx context.Context, name string, cfg config.Config, httpClient *http.Client, logger *slog.Logger) (backend, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger = logger.With("backend", name)

	switch name {
	case config.ProviderHuggingFace:
		return huggingface.New(huggingface.Options{
			Token:             cfg.HFToken,
			BaseURL:           cfg.HFBaseURL,
			TextToImageModel:  cfg.HFTextToImageModel,
			ImageToImageModel: cfg.HFImageToImageModel,
			CaptionModel:      cfg.HFCaptionModel,
			HTTPClient:        httpClient,
			Logger:            logger,
		}), nil
	case config.ProviderGemini:
		c, err := gemini.New(ctx, gemini.Options{
			APIKey:       cfg.GeminiAPIKey,
			ImageModel:   cfg.GeminiImageModel,
			CaptionModel: cfg.GeminiCaptionModel,
			HTTPClient:   httpClient,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderOpenAI:
		c, err := openai.New(openai.Options{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			ImageModel:   cfg.OpenAIImageModel,
			CaptionModel: cfg.OpenAICaptionModel,
			HTTPClient:   httpClient,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}
