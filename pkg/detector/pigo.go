package detector

import (
	"context"
	"fmt"
	"os"
	"sync"

	pigo "github.com/esimov/pigo/core"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/config"
	"github.com/MrCodeEU/livecheck/pkg/logging"
)

// PigoDetector runs a pico cascade over grayscale frames. Raw detections of
// the last few frames are clustered together, which keeps the reported
// region steady between ticks.
type PigoDetector struct {
	cfg config.DetectorConfig

	mu         sync.Mutex
	classifier *pigo.Pigo
	memory     [][]pigo.Detection
}

// NewPigoDetector creates an unloaded cascade detector.
func NewPigoDetector(cfg config.DetectorConfig) *PigoDetector {
	if cfg.MemoryFrames <= 0 {
		cfg.MemoryFrames = 1
	}
	return &PigoDetector{cfg: cfg}
}

// Load reads and unpacks a cascade file.
func (d *PigoDetector) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read cascade file: %w", err)
	}
	return d.LoadCascade(data)
}

// LoadCascade unpacks an in-memory cascade.
func (d *PigoDetector) LoadCascade(data []byte) error {
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return fmt.Errorf("failed to unpack cascade: %w", err)
	}

	d.mu.Lock()
	d.classifier = classifier
	d.memory = nil
	d.mu.Unlock()

	logging.Component("detector").Infof("Pigo cascade loaded (min size %d, memory %d frames)", d.cfg.MinSize, d.cfg.MemoryFrames)
	return nil
}

// Reset forgets detections of previous frames.
func (d *PigoDetector) Reset() {
	d.mu.Lock()
	d.memory = nil
	d.mu.Unlock()
}

// Detect runs the cascade on pixels. A nil buffer yields no regions.
func (d *PigoDetector) Detect(ctx context.Context, pixels *camera.PixelBuffer) ([]Region, error) {
	d.mu.Lock()
	classifier := d.classifier
	d.mu.Unlock()

	if classifier == nil {
		return nil, ErrNotLoaded
	}
	if pixels == nil || pixels.Width == 0 || pixels.Height == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := pigo.CascadeParams{
		MinSize:     d.cfg.MinSize,
		MaxSize:     d.cfg.MaxSize,
		ShiftFactor: d.cfg.ShiftFactor,
		ScaleFactor: d.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(pixels.ToImage()),
			Rows:   pixels.Height,
			Cols:   pixels.Width,
			Dim:    pixels.Width,
		},
	}

	dets := classifier.RunCascade(params, 0.0)

	d.mu.Lock()
	union := d.remember(dets)
	d.mu.Unlock()

	clustered := classifier.ClusterDetections(union, d.cfg.IoUThreshold)
	return toRegions(clustered, d.cfg.MinQuality), nil
}

// remember appends dets to the frame memory and returns the union of all
// remembered frames. Callers hold d.mu.
func (d *PigoDetector) remember(dets []pigo.Detection) []pigo.Detection {
	d.memory = append(d.memory, dets)
	if len(d.memory) > d.cfg.MemoryFrames {
		d.memory = d.memory[len(d.memory)-d.cfg.MemoryFrames:]
	}

	var union []pigo.Detection
	for _, frame := range d.memory {
		union = append(union, frame...)
	}
	return union
}

// toRegions converts pigo detections, dropping those under minQuality.
// Scale is the detection window side, so it is used as the face size.
func toRegions(dets []pigo.Detection, minQuality float64) []Region {
	var regions []Region
	for _, det := range dets {
		if float64(det.Q) < minQuality {
			continue
		}
		regions = append(regions, Region{
			CenterX:    float64(det.Col),
			CenterY:    float64(det.Row),
			Size:       float64(det.Scale),
			Confidence: float64(det.Q),
		})
	}
	return regions
}
