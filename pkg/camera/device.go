package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/MrCodeEU/livecheck/pkg/logging"
)

// FrameSource produces decoded video frames from a device.
type FrameSource interface {
	Open(ctx context.Context, device string, res Resolution) error
	ReadFrame() (image.Image, error)
	Close() error
}

// Options configure a Device.
type Options struct {
	Device   string
	Quality  int  // JPEG quality for stills
	Viewport Size // initial viewport
}

// Device implements Camera over a FrameSource. A reader goroutine keeps the
// most recent frame; captures crop from it.
type Device struct {
	src  FrameSource
	opts Options

	// startMu serializes opening and closing src, so an abandoned start
	// never closes a stream that a later start opened.
	startMu sync.Mutex

	mu        sync.Mutex
	streaming bool
	stopping  bool
	mirror    bool
	latest    image.Image
	viewport  Size
	readerEnd chan struct{}
	streamGen uint64

	subMu   sync.Mutex
	subs    map[int]func(Signal)
	nextSub int
}

// NewDevice creates a camera device backed by src.
func NewDevice(src FrameSource, opts Options) *Device {
	return &Device{
		src:      src,
		opts:     opts,
		viewport: opts.Viewport,
		subs:     make(map[int]func(Signal)),
	}
}

var log = logging.Component("camera")

// StartStreaming opens the source and waits for the first frame.
// Calling it while already streaming is a no-op. Concurrent calls are
// serialized; a call whose ctx is cancelled before the stream is up
// releases only the source it opened itself.
func (d *Device) StartStreaming(ctx context.Context, facing Facing, res Resolution) error {
	sig, err := d.start(ctx, facing, res)
	if sig != "" {
		d.emit(sig)
	}
	return err
}

func (d *Device) start(ctx context.Context, facing Facing, res Resolution) (Signal, error) {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	d.mu.Lock()
	streaming := d.streaming
	d.mu.Unlock()
	if streaming {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := d.src.Open(ctx, d.opts.Device, res); err != nil {
		err = fmt.Errorf("%w: %w", ErrCameraUnavailable, err)
		if errors.Is(err, ErrCameraNotFound) {
			return SignalDeviceNotFound, err
		}
		return "", err
	}
	if err := ctx.Err(); err != nil {
		_ = d.src.Close()
		return "", err
	}

	first, err := d.firstFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: first frame: %w", ErrCameraUnavailable, err)
	}

	d.mu.Lock()
	d.streaming = true
	d.stopping = false
	d.mirror = facing == FacingUser
	d.latest = first
	d.streamGen++
	gen := d.streamGen
	d.readerEnd = make(chan struct{})
	end := d.readerEnd
	d.mu.Unlock()

	go d.readLoop(gen, end)

	log.WithFields(logging.Fields{
		"device": d.opts.Device,
		"facing": facing,
		"width":  first.Bounds().Dx(),
		"height": first.Bounds().Dy(),
	}).Info("Stream started")
	return SignalStreamStarted, nil
}

// firstFrame waits for the first frame or for ctx. The source is closed
// exactly once on any failure; cancellation closes it to unblock the read.
func (d *Device) firstFrame(ctx context.Context) (image.Image, error) {
	type result struct {
		frame image.Image
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := d.src.ReadFrame()
		ch <- result{frame, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		_ = d.src.Close()
		<-ch
		return nil, ctx.Err()
	}

	if r.err == nil {
		r.err = ctx.Err()
	}
	if r.err != nil {
		_ = d.src.Close()
		return nil, r.err
	}
	return r.frame, nil
}

func (d *Device) readLoop(gen uint64, end chan struct{}) {
	defer close(end)
	for {
		frame, err := d.src.ReadFrame()
		if err != nil {
			d.mu.Lock()
			stopping := d.stopping
			d.streaming = false
			d.latest = nil
			d.mu.Unlock()

			if stopping {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Info("Stream ended")
				d.emit(SignalStreamEnded)
			} else {
				log.WithError(err).Warn("Device disconnected")
				d.emit(SignalDeviceDisconnected)
			}
			d.release(gen)
			return
		}

		d.mu.Lock()
		d.latest = frame
		d.mu.Unlock()
	}
}

// release closes the source of a dead stream unless a newer start has
// already reopened it.
func (d *Device) release(gen uint64) {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	d.mu.Lock()
	stale := d.streamGen != gen || d.streaming
	d.mu.Unlock()
	if stale {
		return
	}
	_ = d.src.Close()
}

// StopStreaming releases the device. It is idempotent.
func (d *Device) StopStreaming() error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	d.mu.Lock()
	if !d.streaming {
		d.mu.Unlock()
		return nil
	}
	d.streaming = false
	d.stopping = true
	d.latest = nil
	end := d.readerEnd
	d.mu.Unlock()

	err := d.src.Close()
	<-end
	log.Debug("Stream stopped")
	return err
}

// IsStreaming reports whether a stream is active.
func (d *Device) IsStreaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

func (d *Device) crop(maxWidth, maxHeight int) (*image.RGBA, error) {
	d.mu.Lock()
	frame, viewport, mirror, streaming := d.latest, d.viewport, d.mirror, d.streaming
	d.mu.Unlock()

	if !streaming {
		return nil, ErrNoActiveStream
	}
	if frame == nil {
		return nil, ErrNoFrame
	}

	c := ComputeCrop(frame.Bounds(), viewport, maxWidth, maxHeight)
	if c.Empty() {
		return nil, nil
	}
	return Render(frame, c, mirror), nil
}

// CaptureStill captures the current frame cropped to the viewport.
func (d *Device) CaptureStill(ctx context.Context, maxWidth, maxHeight int, format Format) (*EncodedImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := d.crop(maxWidth, maxHeight)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, ErrNoFrame
	}
	if format == "" {
		format = FormatJPEG
	}

	data, err := Encode(img, format, d.opts.Quality)
	if err != nil {
		return nil, err
	}
	return &EncodedImage{
		Data:   data,
		Format: format,
		Width:  img.Rect.Dx(),
		Height: img.Rect.Dy(),
	}, nil
}

// CaptureRawPixels captures the current frame as RGBA pixels.
// It returns nil without error when the crop has zero area.
func (d *Device) CaptureRawPixels(ctx context.Context, maxWidth, maxHeight int) (*PixelBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := d.crop(maxWidth, maxHeight)
	if err != nil || img == nil {
		return nil, err
	}
	return pixelBuffer(img), nil
}

// Viewport returns the size of the element showing the preview.
func (d *Device) Viewport() Size {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewport
}

// SetViewport updates the element size used for cropping.
func (d *Device) SetViewport(size Size) {
	d.mu.Lock()
	d.viewport = size
	d.mu.Unlock()
}

// Subscribe registers fn for lifecycle signals.
func (d *Device) Subscribe(fn func(Signal)) func() {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *Device) emit(sig Signal) {
	d.subMu.Lock()
	fns := make([]func(Signal), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()

	for _, fn := range fns {
		fn(sig)
	}
}
