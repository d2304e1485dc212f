// Package gemini backs the pipeline with Gemini models through the genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"dnd-ai-helper/internal/imagecodec"
	"dnd-ai-helper/internal/pipeline"
)

const (
	DefaultImageModel   = "gemini-2.5-flash-image"
	DefaultCaptionModel = "gemini-2.5-flash"
)

const captionInstruction = `Describe the person in this photo in one short phrase for an illustrator:
apparent age, gender presentation, hair, facial hair and expression.
Reply with the phrase only, starting with "a" or "an".`

const imageInstruction = "Return the result as an image (inlineData). Do not reply with text only."

type Options struct {
	APIKey       string
	ImageModel   string
	CaptionModel string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// contentGenerator is the slice of *genai.Models the client needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	models       contentGenerator
	imageModel   string
	captionModel string
	logger       *slog.Logger
}

var (
	_ pipeline.Describer   = (*Client)(nil)
	_ pipeline.Transformer = (*Client)(nil)
)

func New(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     strings.TrimSpace(opts.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newClient(gc.Models, opts), nil
}

func newClient(models contentGenerator, opts Options) *Client {
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
		models:       models,
		imageModel:   imageModel,
		captionModel: captionModel,
		logger:       logger,
	}
}

func (c *Client) Describe(ctx context.Context, img pipeline.Image) (string, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(captionInstruction),
		genai.NewPartFromBytes(img.Data, mimeOf(img)),
	}

	temperature := float32(0.2)
	resp, err := c.models.GenerateContent(ctx, c.captionModel,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{Temperature: &temperature},
	)
	if err != nil {
		return "", fmt.Errorf("gemini caption: %w", err)
	}

	text, _ := extractParts(resp)
	return strings.Trim(strings.TrimSpace(text), `"`), nil
}

// Transform sends the prompt, plus the source photo for image-to-image.
// Gemini has no strength/guidance knobs, so Params are not forwarded.
func (c *Client) Transform(ctx context.Context, req pipeline.TransformRequest) (pipeline.Image, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return pipeline.Image{}, errors.New("prompt is empty")
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt + "\n\n" + imageInstruction)}
	if req.Source != nil {
		parts = append(parts, genai.NewPartFromBytes(req.Source.Data, mimeOf(*req.Source)))
	}
	if req.Params != nil {
		c.logger.Debug("gemini ignores image-to-image params", "strength", req.Params.Strength, "guidance_scale", req.Params.GuidanceScale)
	}

	resp, err := c.models.GenerateContent(ctx, c.imageModel,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{ResponseModalities: []string{"IMAGE", "TEXT"}},
	)
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("gemini generate: %w", err)
	}

	return parseImage(resp)
}

func parseImage(resp *genai.GenerateContentResponse) (pipeline.Image, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return pipeline.Image{}, errors.New("gemini returned no candidates")
	}

	candidate := resp.Candidates[0]
	text, blob := extractParts(resp)
	if blob != nil {
		return pipeline.Image{Data: blob.Data, MimeType: blob.MIMEType}, nil
	}

	switch candidate.FinishReason {
	case "", genai.FinishReasonUnspecified, genai.FinishReasonStop:
	default:
		return pipeline.Image{}, fmt.Errorf("image generation stopped (finish reason: %s)", candidate.FinishReason)
	}
	if text = strings.TrimSpace(text); text != "" {
		return pipeline.Image{}, fmt.Errorf("gemini returned text instead of an image: %s", truncate(text, 200))
	}
	return pipeline.Image{}, errors.New("gemini returned no image data")
}

func extractParts(resp *genai.GenerateContentResponse) (string, *genai.Blob) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var text strings.Builder
	var image *genai.Blob
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil {
			continue
		}
		if p.Text != "" && !p.Thought {
			text.WriteString(p.Text)
		}
		if image == nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
			image = p.InlineData
		}
	}
	return text.String(), image
}

func mimeOf(img pipeline.Image) string {
	if m := imagecodec.CleanMIME(img.MimeType); strings.HasPrefix(m, "image/") {
		return m
	}
	return imagecodec.DetectMIME(img.Data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
