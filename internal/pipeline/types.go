package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// Request is one portrait request. Image is a data URL or bare base64.
type Request struct {
	Image  string `json:"image"`
	Race   string `json:"race"`
	Region string `json:"region"`
}

// Result is either a success carrying Image or a failure carrying Reason.
type Result struct {
	Success bool      `json:"success"`
	Image   string    `json:"image,omitempty"`
	Reason  string    `json:"error,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`

	Prompt      string `json:"-"`
	Description string `json:"-"`
}

func success(image, prompt, description string) Result {
	return Result{Success: true, Image: image, Prompt: prompt, Description: description}
}

func failure(err error) Result {
	return Result{Reason: Reason(err), Kind: Classify(err)}
}

type Mode string

const (
	ModeDirect       Mode = "direct"
	ModeCaptioned    Mode = "captioned"
	ModeImageToImage Mode = "image-to-image"
)

func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "direct", "text-to-image", "t2i":
		return ModeDirect, nil
	case "captioned", "caption":
		return ModeCaptioned, nil
	case "image-to-image", "img2img", "i2i":
		return ModeImageToImage, nil
	}
	return "", fmt.Errorf("unknown generation mode %q", value)
}

// Image is a raw image payload exchanged with the remote backends.
type Image struct {
	Data     []byte
	MimeType string
}

const (
	DefaultStrength      = 0.75
	DefaultGuidanceScale = 7.5
)

// Params are the image-to-image tuning knobs.
type Params struct {
	Strength      float64
	GuidanceScale float64
}

func DefaultParams() Params {
	return Params{Strength: DefaultStrength, GuidanceScale: DefaultGuidanceScale}
}

// TransformRequest is text-to-image when Source is nil.
type TransformRequest struct {
	Prompt string
	Source *Image
	Params *Params
}

type Describer interface {
	Describe(ctx context.Context, img Image) (string, error)
}

type Transformer interface {
	Transform(ctx context.Context, req TransformRequest) (Image, error)
}

type DescriberFunc func(ctx context.Context, img Image) (string, error)

func (f DescriberFunc) Describe(ctx context.Context, img Image) (string, error) { return f(ctx, img) }

type TransformerFunc func(ctx context.Context, req TransformRequest) (Image, error)

func (f TransformerFunc) Transform(ctx context.Context, req TransformRequest) (Image, error) {
	return f(ctx, req)
}
