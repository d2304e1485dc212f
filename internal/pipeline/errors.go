package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"dnd-ai-helper/internal/imagecodec"
)

// GenericReason is reported when the underlying error carries no message.
const GenericReason = "generation failed, please try again"

type ErrorKind string

const (
	KindDecode  ErrorKind = "decode"
	KindRemote  ErrorKind = "remote"
	KindUnknown ErrorKind = "unknown"
)

const (
	OpDescribe  = "describe"
	OpTransform = "transform"
)

// RemoteError wraps a failure of one of the remote capabilities.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = strings.TrimSpace(e.Err.Error())
	}
	if msg == "" {
		return e.Op + " failed"
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

var errEmptyImage = errors.New("backend returned an empty image")

func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var remote *RemoteError
	switch {
	case errors.Is(err, imagecodec.ErrMalformed):
		return KindDecode
	case errors.As(err, &remote):
		return KindRemote
	}
	return KindUnknown
}

// Reason is the human-readable failure text for err.
func Reason(err error) string {
	if err == nil {
		return GenericReason
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return GenericReason
}
