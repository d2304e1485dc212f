// Package huggingface talks to the Hugging Face inference API for
// captioning, text-to-image and image-to-image.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"dnd-ai-helper/internal/imagecodec"
	"dnd-ai-helper/internal/pipeline"
)

const (
	DefaultBaseURL          = "https://router.huggingface.co/hf-inference"
	DefaultTextToImageModel = "black-forest-labs/FLUX.1-schnell"
	DefaultImageToImage     = "timbrooks/instruct-pix2pix"
	DefaultCaptionModel     = "Salesforce/blip-image-captioning-large"

	maxResponseBytes = 32 << 20
)

type Options struct {
	Token             string
	BaseURL           string
	TextToImageModel  string
	ImageToImageModel string
	CaptionModel      string
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

type Client struct {
	token      string
	baseURL    string
	t2iModel   string
	i2iModel   string
	capModel   string
	httpClient *http.Client
	logger     *slog.Logger
}

var (
	_ pipeline.Describer   = (*Client)(nil)
	_ pipeline.Transformer = (*Client)(nil)
)

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		token:      strings.TrimSpace(opts.Token),
		baseURL:    baseURL,
		t2iModel:   orDefault(opts.TextToImageModel, DefaultTextToImageModel),
		i2iModel:   orDefault(opts.ImageToImageModel, DefaultImageToImage),
		capModel:   orDefault(opts.CaptionModel, DefaultCaptionModel),
		httpClient: opts.HTTPClient,
		logger:     logger,
	}
}

// Describe captions img with the image-to-text model.
func (c *Client) Describe(ctx context.Context, img pipeline.Image) (string, error) {
	mimeType := img.MimeType
	if mimeType == "" {
		mimeType = imagecodec.DetectMIME(img.Data)
	}

	body, _, err := c.post(ctx, c.capModel, mimeType, "application/json", img.Data)
	if err != nil {
		return "", err
	}

	var decoded []captionResult
	if err := json.Unmarshal(body, &decoded); err != nil {
		var single captionResult
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			return "", fmt.Errorf("decode caption: %w", err)
		}
		decoded = []captionResult{single}
	}
	if len(decoded) == 0 {
		return "", nil
	}
	return strings.TrimSpace(decoded[0].GeneratedText), nil
}

// Transform runs text-to-image, or image-to-image when req.Source is set.
func (c *Client) Transform(ctx context.Context, req pipeline.TransformRequest) (pipeline.Image, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return pipeline.Image{}, errors.New("prompt is empty")
	}

	model := c.t2iModel
	payload := inferenceRequest{Inputs: prompt}
	if req.Source != nil {
		params := pipeline.DefaultParams()
		if req.Params != nil {
			params = *req.Params
		}
		model = c.i2iModel
		payload = inferenceRequest{
			Inputs: imagecodec.EncodeBase64(req.Source.Data),
			Parameters: &inferenceParameters{
				Prompt:        prompt,
				Strength:      params.Strength,
				GuidanceScale: params.GuidanceScale,
			},
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("huggingface transform", "model", model, "image_to_image", req.Source != nil)
	body, contentType, err := c.post(ctx, model, "application/json", "image/png", raw)
	if err != nil {
		return pipeline.Image{}, err
	}

	mimeType := imagecodec.CleanMIME(contentType)
	if !strings.HasPrefix(mimeType, "image/") {
		sniffed := imagecodec.CleanMIME(http.DetectContentType(body))
		if !strings.HasPrefix(sniffed, "image/") {
			return pipeline.Image{}, fmt.Errorf("unexpected response (%s): %s", contentType, truncate(string(body), 200))
		}
		mimeType = sniffed
	}

	return pipeline.Image{Data: body, MimeType: mimeType}, nil
}

func (c *Client) post(ctx context.Context, model, contentType, accept string, payload []byte) ([]byte, string, error) {
	if c.httpClient == nil {
		return nil, "", errors.New("http client is nil")
	}

	url := fmt.Sprintf("%s/models/%s", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("content-type", contentType)
	httpReq.Header.Set("accept", accept)
	if c.token != "" {
		httpReq.Header.Set("authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("huggingface API %s: %s", httpResp.Status, errorMessage(body))
	}

	respType := httpResp.Header.Get("content-type")
	if strings.HasPrefix(imagecodec.CleanMIME(respType), "application/json") {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, "", fmt.Errorf("huggingface API: %s", apiErr.Error)
		}
	}

	return body, respType, nil
}

type inferenceRequest struct {
	Inputs     string               `json:"inputs"`
	Parameters *inferenceParameters `json:"parameters,omitempty"`
}

type inferenceParameters struct {
	Prompt        string  `json:"prompt,omitempty"`
	Strength      float64 `json:"strength,omitempty"`
	GuidanceScale float64 `json:"guidance_scale,omitempty"`
}

type captionResult struct {
	GeneratedText string `json:"generated_text"`
}

type apiError struct {
	Error string `json:"error"`
}

func errorMessage(body []byte) string {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return apiErr.Error
	}
	return truncate(strings.TrimSpace(string(body)), 300)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
