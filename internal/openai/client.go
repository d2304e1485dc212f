// Package openai backs the pipeline with OpenAI image generation and a
// vision chat model for captioning.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"dnd-ai-helper/internal/imagecodec"
	"dnd-ai-helper/internal/pipeline"
)

const (
	DefaultImageModel   = goopenai.CreateImageModelDallE3
	DefaultCaptionModel = "gpt-4o-mini"
)

// ErrImageInputUnsupported is returned for image-to-image requests; only
// text-to-image generation is wired for this backend.
var ErrImageInputUnsupported = errors.New("openai backend does not accept a source image")

const captionInstruction = `Describe the person in this photo in one short phrase for an illustrator ` +
	`(apparent age, gender presentation, hair, expression). Reply with the phrase only.`

type Options struct {
	APIKey       string
	BaseURL      string
	ImageModel   string
	CaptionModel string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

type Client struct {
	api          *goopenai.Client
	imageModel   string
	captionModel string
	logger       *slog.Logger
}

var (
	_ pipeline.Describer   = (*Client)(nil)
	_ pipeline.Transformer = (*Client)(nil)
)

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is empty")
	}

	cfg := goopenai.DefaultConfig(strings.TrimSpace(opts.APIKey))
	if baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	imageModel := strings.TrimSpace(opts.ImageModel)
	if imageModel == "" {
		imageModel = DefaultImageModel
	}
	captionModel := strings.TrimSpace(opts.CaptionModel)
	if captionModel == "" {
		captionModel = DefaultCaptionModel
	}

	return &Client{
		api:          goopenai.NewClientWithConfig(cfg),
		imageModel:   imageModel,
		captionModel: captionModel,
		logger:       logger,
	}, nil
}

func (c *Client) Describe(ctx context.Context, img pipeline.Image) (string, error) {
	mimeType := imagecodec.CleanMIME(img.MimeType)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = imagecodec.DetectMIME(img.Data)
	}

	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.captionModel,
		Messages: []goopenai.ChatCompletionMessage{{
			Role: goopenai.ChatMessageRoleUser,
			MultiContent: []goopenai.ChatMessagePart{
				{Type: goopenai.ChatMessagePartTypeText, Text: captionInstruction},
				{
					Type: goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{
						URL:    imagecodec.Encode(imagecodec.Payload{Data: img.Data, MimeType: mimeType}),
						Detail: goopenai.ImageURLDetailLow,
					},
				},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("openai caption: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) Transform(ctx context.Context, req pipeline.TransformRequest) (pipeline.Image, error) {
	if req.Source != nil {
		return pipeline.Image{}, ErrImageInputUnsupported
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return pipeline.Image{}, errors.New("prompt is empty")
	}

	resp, err := c.api.CreateImage(ctx, goopenai.ImageRequest{
		Prompt:         prompt,
		Model:          c.imageModel,
		N:              1,
		Size:           goopenai.CreateImageSize1024x1024,
		ResponseFormat: goopenai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("openai image: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return pipeline.Image{}, errors.New("openai returned no image data")
	}
	if revised := resp.Data[0].RevisedPrompt; revised != "" {
		c.logger.Debug("openai revised prompt", "prompt", revised)
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("decode image: %w", err)
	}
	return pipeline.Image{Data: data, MimeType: imagecodec.DetectMIME(data)}, nil
}
