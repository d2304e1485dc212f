package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderHuggingFace = "huggingface"
	ProviderGemini      = "gemini"
	ProviderOpenAI      = "openai"
)

type Config struct {
	Provider        string
	CaptionProvider string
	Mode            string
	Strength        float64
	GuidanceScale   float64

	HFToken             string
	HFBaseURL           string
	HFTextToImageModel  string
	HFImageToImageModel string
	HFCaptionModel      string

	GeminiAPIKey       string
	GeminiImageModel   string
	GeminiCaptionModel string

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIImageModel   string
	OpenAICaptionModel string

	RateLimitInterval time.Duration
	RateLimitBurst    int
	CaptionCacheTTL   time.Duration

	RequestTimeout time.Duration
	HTTPTimeout    time.Duration
	PreferIPv4     bool

	WebAddr       string
	TelegramToken string
	MaxConcurrent int

	LogLevel string
	Debug    bool
}

// Load reads the environment. Front-end specific keys (TELEGRAM_BOT_TOKEN)
// are checked by the binary that needs them.
func Load() (Config, error) {
	cfg := Config{
		Provider:        strings.ToLower(getEnv("FANTASY_PROVIDER", ProviderHuggingFace)),
		CaptionProvider: strings.ToLower(getEnv("CAPTION_PROVIDER", "")),
		Mode:            strings.ToLower(getEnv("FANTASY_MODE", "direct")),
		Strength:        getEnvFloat("STRENGTH", 0.75),
		GuidanceScale:   getEnvFloat("GUIDANCE_SCALE", 7.5),

		HFToken:             strings.TrimSpace(os.Getenv("HF_API_TOKEN")),
		HFBaseURL:           getEnv("HF_BASE_URL", ""),
		HFTextToImageModel:  getEnv("HF_TEXT_TO_IMAGE_MODEL", ""),
		HFImageToImageModel: getEnv("HF_IMAGE_TO_IMAGE_MODEL", ""),
		HFCaptionModel:      getEnv("HF_CAPTION_MODEL", ""),

		GeminiAPIKey:       strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiImageModel:   getEnv("GEMINI_IMAGE_MODEL", ""),
		GeminiCaptionModel: getEnv("GEMINI_CAPTION_MODEL", ""),

		OpenAIAPIKey:       strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		OpenAIImageModel:   getEnv("OPENAI_IMAGE_MODEL", ""),
		OpenAICaptionModel: getEnv("OPENAI_CAPTION_MODEL", ""),

		RateLimitInterval: time.Duration(getEnvInt("RATE_LIMIT_INTERVAL_MS", 0)) * time.Millisecond,
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 2),
		CaptionCacheTTL:   time.Duration(getEnvInt("CAPTION_CACHE_TTL_SECONDS", 1800)) * time.Second,

		RequestTimeout: time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 240)) * time.Second,
		HTTPTimeout:    time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 180)) * time.Second,
		PreferIPv4:     getEnvBool("PREFER_IPV4", true),

		WebAddr:       getEnv("WEB_ADDR", ":8080"),
		TelegramToken: strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		MaxConcurrent: getEnvInt("MAX_CONCURRENT", 4),

		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Debug:    getEnvBool("DEBUG", false),
	}

	if cfg.CaptionProvider == "" {
		cfg.CaptionProvider = cfg.Provider
	}

	for _, p := range []string{cfg.Provider, cfg.CaptionProvider} {
		if err := cfg.checkProvider(p); err != nil {
			return Config{}, err
		}
	}

	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RateLimitBurst < 1 {
		cfg.RateLimitBurst = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 240 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 180 * time.Second
	}
	if cfg.Strength <= 0 || cfg.Strength > 1 {
		cfg.Strength = 0.75
	}
	if cfg.GuidanceScale <= 0 {
		cfg.GuidanceScale = 7.5
	}

	return cfg, nil
}

func (c Config) checkProvider(p string) error {
	switch p {
	case ProviderHuggingFace:
		// anonymous calls are allowed but heavily rate limited
		return nil
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY is required for the gemini provider")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", p)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// NewLogger returns the JSON logger every binary writes to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if c.Debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
