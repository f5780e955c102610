package detector

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/logging"
)

// faceEngine is the part of go-face the detector needs.
type faceEngine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	Close()
}

// DlibDetector detects faces with dlib via go-face.
type DlibDetector struct {
	mu        sync.RWMutex
	engine    faceEngine
	modelPath string
}

// NewDlibDetector creates an unloaded dlib detector.
func NewDlibDetector() *DlibDetector {
	return &DlibDetector{}
}

// LoadModels loads the dlib models from modelPath. The directory must hold
// shape_predictor_5_face_landmarks.dat and
// dlib_face_recognition_resnet_model_v1.dat.
func (d *DlibDetector) LoadModels(modelPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine != nil {
		return nil
	}

	rec, err := face.NewRecognizer(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	d.engine = rec
	d.modelPath = modelPath
	logging.Component("detector").Infof("dlib models loaded from %s", modelPath)
	return nil
}

// IsLoaded returns true if models are loaded.
func (d *DlibDetector) IsLoaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine != nil
}

// Close releases the recognizer.
func (d *DlibDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine != nil {
		d.engine.Close()
		d.engine = nil
	}
	return nil
}

// Detect encodes pixels as JPEG and runs dlib face detection on them.
func (d *DlibDetector) Detect(ctx context.Context, pixels *camera.PixelBuffer) ([]Region, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.engine == nil {
		return nil, ErrNotLoaded
	}
	if pixels == nil || pixels.Width == 0 || pixels.Height == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := camera.Encode(pixels.ToImage(), camera.FormatJPEG, 90)
	if err != nil {
		return nil, err
	}

	faces, err := d.engine.Recognize(data)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	regions := make([]Region, 0, len(faces))
	for _, f := range faces {
		rect := f.Rectangle
		regions = append(regions, Region{
			CenterX:    float64(rect.Min.X+rect.Max.X) / 2,
			CenterY:    float64(rect.Min.Y+rect.Max.Y) / 2,
			Size:       math.Max(float64(rect.Dx()), float64(rect.Dy())),
			Confidence: 1.0, // go-face doesn't provide confidence
		})
	}
	return regions, nil
}
