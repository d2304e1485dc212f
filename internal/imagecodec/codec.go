// Package imagecodec converts between the text form images travel in
// (data URLs or bare base64) and raw bytes.
package imagecodec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const fallbackMime = "image/png"

// ErrMalformed matches every *DecodeError via errors.Is.
var ErrMalformed = errors.New("malformed image encoding")

type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode image: %s: %v", e.Reason, e.Err)
	}
	return "decode image: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

type Payload struct {
	Data     []byte
	MimeType string
	// Bare is set by Decode when the input had no data URL header.
	Bare bool
}

// Text renders p in the form it arrived in: bare base64 when Bare is set,
// a data URL otherwise.
func (p Payload) Text() string {
	if p.Bare {
		return EncodeBase64(p.Data)
	}
	return Encode(p)
}

// Decode accepts "data:<mime>;base64,<data>" or bare base64 (padded or not)
// and returns the raw bytes. The bytes must sniff as an image.
func Decode(value string) (Payload, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Payload{}, &DecodeError{Reason: "empty input"}
	}

	mimeType := ""
	encoded := value
	bare := !strings.HasPrefix(value, "data:")
	if !bare {
		parts := strings.SplitN(value, ",", 2)
		if len(parts) != 2 {
			return Payload{}, &DecodeError{Reason: "invalid data url"}
		}
		meta := strings.Split(strings.TrimPrefix(parts[0], "data:"), ";")
		if !containsFold(meta[1:], "base64") {
			return Payload{}, &DecodeError{Reason: "data url is not base64 encoded"}
		}
		mimeType = strings.ToLower(strings.TrimSpace(meta[0]))
		encoded = parts[1]
	}

	encoded = strings.Join(strings.Fields(encoded), "")
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if rawErr != nil {
			return Payload{}, &DecodeError{Reason: "invalid base64", Err: err}
		}
	}
	if len(data) == 0 {
		return Payload{}, &DecodeError{Reason: "empty image data"}
	}

	sniffed := sniff(data)
	if !strings.HasPrefix(sniffed, "image/") {
		return Payload{}, &DecodeError{Reason: fmt.Sprintf("not an image (detected %s)", sniffed)}
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = sniffed
	}

	return Payload{Data: data, MimeType: mimeType, Bare: bare}, nil
}

// Encode renders p as a data URL. An empty MimeType is sniffed from the bytes.
func Encode(p Payload) string {
	mimeType := strings.TrimSpace(p.MimeType)
	if mimeType == "" {
		mimeType = DetectMIME(p.Data)
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, EncodeBase64(p.Data))
}

func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DetectMIME sniffs data and falls back to image/png for anything that is not an image.
func DetectMIME(data []byte) string {
	if m := sniff(data); strings.HasPrefix(m, "image/") {
		return m
	}
	return fallbackMime
}

// CleanMIME strips parameters from a Content-Type header value.
func CleanMIME(value string) string {
	value = strings.TrimSpace(value)
	if idx := strings.IndexByte(value, ';'); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	return strings.ToLower(value)
}

// Extension returns a file extension for an image mime type.
func Extension(mimeType string) string {
	switch CleanMIME(mimeType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	}
	return ".png"
}

func sniff(data []byte) string {
	return CleanMIME(http.DetectContentType(data))
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), want) {
			return true
		}
	}
	return false
}
