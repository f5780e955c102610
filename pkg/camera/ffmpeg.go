package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// execCommand is a variable to allow mocking in tests
var execCommand = exec.Command

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxFrameBytes bounds a single MJPEG frame so a corrupt stream can't grow
// the buffer forever.
const maxFrameBytes = 16 << 20

// FFmpegSource reads MJPEG frames from a V4L2 device through ffmpeg.
type FFmpegSource struct {
	Path string // ffmpeg binary
	FPS  int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
}

// NewFFmpegSource creates a frame source using the given ffmpeg binary.
func NewFFmpegSource(path string, fps int) *FFmpegSource {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegSource{Path: path, FPS: fps}
}

// Open starts ffmpeg on device.
func (s *FFmpegSource) Open(ctx context.Context, device string, res Resolution) error {
	if _, err := os.Stat(device); err != nil {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, device)
	}

	// One process per source: reopening replaces the previous stream
	_ = s.Close()

	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if res.Width > 0 && res.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", res.Width, res.Height))
	}
	if s.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(s.FPS))
	}
	args = append(args, "-i", device, "-f", "mjpeg", "-q:v", "3", "pipe:1")

	cmd := execCommand(s.Path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdout = stdout
	s.reader = bufio.NewReaderSize(stdout, 64*1024)
	s.mu.Unlock()

	log.WithField("device", device).Debugf("ffmpeg started: %s %v", s.Path, args)
	return nil
}

// ReadFrame blocks until the next complete JPEG frame is decoded.
func (s *FFmpegSource) ReadFrame() (image.Image, error) {
	s.mu.Lock()
	r := s.reader
	s.mu.Unlock()
	if r == nil {
		return nil, ErrNoActiveStream
	}

	data, err := nextJPEG(r)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// nextJPEG skips to the next SOI marker and returns bytes up to and
// including the following EOI marker.
func nextJPEG(r *bufio.Reader) ([]byte, error) {
	var prev byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if prev == jpegSOI[0] && b == jpegSOI[1] {
			break
		}
		prev = b
	}

	frame := append([]byte(nil), jpegSOI...)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		frame = append(frame, b)
		if bytes.HasSuffix(frame, jpegEOI) {
			return frame, nil
		}
		if len(frame) > maxFrameBytes {
			return nil, fmt.Errorf("mjpeg frame exceeds %d bytes", maxFrameBytes)
		}
	}
}

// Close stops ffmpeg. It is safe to call on a closed source.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	stdout := s.stdout
	s.cmd, s.stdout, s.reader = nil, nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = stdout.Close()
	_ = cmd.Wait()
	return nil
}
