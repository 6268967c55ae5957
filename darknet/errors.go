package darknet

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrClosed is returned when a network, or a view borrowed from it, is used after Close.
var ErrClosed = errors.New("darknet: network is closed")

// PathEncodingError reports a path that cannot be handed to the runtime.
type PathEncodingError struct {
	Path string
}

func (e *PathEncodingError) Error() string {
	return fmt.Sprintf("darknet: path %q contains a NUL byte", e.Path)
}

// InternalError reports a failure inside the runtime that it signalled with a null result.
type InternalError struct {
	Reason string
}

func (e *InternalError) Error() string {
	return "darknet: " + e.Reason
}

// ImageError reports an image whose dimensions do not match its data.
type ImageError struct {
	Width, Height, Channels int
	Len                     int
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("darknet: invalid image %dx%dx%d with %d values", e.Width, e.Height, e.Channels, e.Len)
}

// PreflightError reports a config or weights file that would make the runtime abort.
type PreflightError struct {
	Path    string
	Message string
	Cause   error
}

func (e *PreflightError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("darknet: %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("darknet: %s: %s", e.Path, e.Message)
}

func (e *PreflightError) Unwrap() error { return e.Cause }
