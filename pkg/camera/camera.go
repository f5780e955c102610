// Package camera provides camera access and still-frame capture for
// liveness sessions. A Device owns one video stream, keeps the latest frame
// and crops captures to the aspect ratio of the visible viewport.
package camera

import (
	"context"
	"errors"
)

// Facing is the requested camera facing mode.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
	FacingLeft        Facing = "left"
	FacingRight       Facing = "right"
)

// Resolution is the desired stream resolution.
type Resolution struct {
	Width  int
	Height int
}

// Size is the size of the element the camera preview is shown in.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Format is the encoding of a captured still.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// EncodedImage is a captured still image.
type EncodedImage struct {
	Data   []byte `json:"data"` // base64 in JSON
	Format Format `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// PixelBuffer is a raw RGBA frame for detector consumption.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []uint8 // RGBA, 4 bytes per pixel, row-major
}

// Signal is a stream lifecycle notification.
type Signal string

const (
	SignalStreamStarted      Signal = "stream_started"
	SignalStreamEnded        Signal = "stream_ended"
	SignalDeviceDisconnected Signal = "device_disconnected"
	SignalDeviceNotFound     Signal = "device_not_found"
)

// Camera defines the operations a liveness session needs from a camera.
type Camera interface {
	StartStreaming(ctx context.Context, facing Facing, res Resolution) error
	StopStreaming() error
	CaptureStill(ctx context.Context, maxWidth, maxHeight int, format Format) (*EncodedImage, error)
	CaptureRawPixels(ctx context.Context, maxWidth, maxHeight int) (*PixelBuffer, error)
	Viewport() Size
	SetViewport(size Size)
	Subscribe(fn func(Signal)) (cancel func())
}

// ErrCameraNotFound is returned when the camera device is not found.
var ErrCameraNotFound = errors.New("camera device not found")

// ErrCameraUnavailable is returned when the stream cannot be started.
var ErrCameraUnavailable = errors.New("camera unavailable")

// ErrNoActiveStream is returned when capturing before the stream started.
var ErrNoActiveStream = errors.New("no active camera stream")

// ErrNoFrame is returned when no frame could be captured.
var ErrNoFrame = errors.New("failed to capture frame")
