// Package detector finds candidate face regions in camera pixel buffers.
// Two backends are available: a pico cascade through pigo, which is fast
// enough for per-tick framing guidance, and dlib through go-face.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/config"
)

// Region is a candidate face in buffer coordinates.
type Region struct {
	CenterX    float64 `json:"center_x"`
	CenterY    float64 `json:"center_y"`
	Size       float64 `json:"size"`
	Confidence float64 `json:"confidence"`
}

// Rect returns the square bounding box of the region.
func (r Region) Rect() image.Rectangle {
	half := r.Size / 2
	return image.Rect(
		int(math.Round(r.CenterX-half)),
		int(math.Round(r.CenterY-half)),
		int(math.Round(r.CenterX+half)),
		int(math.Round(r.CenterY+half)),
	)
}

// Detector returns candidate face regions for a pixel buffer.
type Detector interface {
	Detect(ctx context.Context, pixels *camera.PixelBuffer) ([]Region, error)
}

// ErrNotLoaded is returned when detecting before the model is loaded.
var ErrNotLoaded = errors.New("detector model not loaded")

// New creates and loads the detector selected by cfg.Backend.
func New(cfg config.DetectorConfig) (Detector, error) {
	switch cfg.Backend {
	case "pigo", "":
		d := NewPigoDetector(cfg)
		if err := d.Load(cfg.CascadePath); err != nil {
			return nil, err
		}
		return d, nil
	case "dlib":
		d := NewDlibDetector()
		if err := d.LoadModels(cfg.ModelPath); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown detector backend: %s", cfg.Backend)
	}
}

// SelectBest picks the most confident region, preferring the larger one on
// ties. ok is false for an empty slice.
func SelectBest(regions []Region) (best Region, ok bool) {
	for i, r := range regions {
		if i == 0 || r.Confidence > best.Confidence ||
			(r.Confidence == best.Confidence && r.Size > best.Size) {
			best = r
		}
	}
	return best, len(regions) > 0
}

// Scale maps a region from buffer coordinates to element coordinates.
func Scale(r Region, from, to camera.Size) Region {
	if from.Width <= 0 || from.Height <= 0 {
		return r
	}
	sx := float64(to.Width) / float64(from.Width)
	sy := float64(to.Height) / float64(from.Height)
	return Region{
		CenterX:    r.CenterX * sx,
		CenterY:    r.CenterY * sy,
		Size:       r.Size * math.Min(sx, sy),
		Confidence: r.Confidence,
	}
}
