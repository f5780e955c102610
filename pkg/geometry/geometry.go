// Package geometry classifies how well a detected face is framed.
//
// All thresholds are percentages of the smaller element dimension, and the
// distance to the centre is the Euclidean distance between the element centre
// and the face centre, normalised the same way. Classify is pure.
package geometry

import (
	"math"

	"github.com/MrCodeEU/livecheck/pkg/config"
)

// Classification is the framing judgment for one detection sample.
type Classification string

const (
	NoFace    Classification = "no_face"
	OffCenter Classification = "off_center"
	TooFar    Classification = "too_far"
	TooClose  Classification = "too_close"
	OK        Classification = "ok"
)

// Face is a detected face in element coordinates.
type Face struct {
	CenterX float64
	CenterY float64
	Size    float64 // width of the face region
}

// Bounds is the size of the element the face is framed in.
type Bounds struct {
	Width  float64
	Height float64
}

// Thresholds are framing limits in percent of min(width, height).
type Thresholds struct {
	MaxCenterOffset float64
	MinFaceSize     float64
	MaxFaceSize     float64
}

// Config holds the thresholds for both capture phases.
type Config struct {
	Normal Thresholds
	Zoomed Thresholds
}

// DefaultConfig returns the thresholds used by the mask flow.
func DefaultConfig() Config {
	return Config{
		Normal: Thresholds{MaxCenterOffset: 6, MinFaceSize: 45, MaxFaceSize: 60},
		Zoomed: Thresholds{MaxCenterOffset: 6, MinFaceSize: 65, MaxFaceSize: 80},
	}
}

// FromConfig converts the YAML geometry section.
func FromConfig(c config.GeometryConfig) Config {
	return Config{
		Normal: Thresholds(c.Normal),
		Zoomed: Thresholds(c.Zoomed),
	}
}

// Thresholds returns the limits that apply for the given zoom phase.
func (c Config) Thresholds(zoom bool) Thresholds {
	if zoom {
		return c.Zoomed
	}
	return c.Normal
}

// Measurement is the normalised framing of a face.
type Measurement struct {
	SizePercent   float64
	OffsetPercent float64
}

// Measure normalises a face against the element bounds.
// ok is false when there is nothing to measure.
func Measure(face *Face, bounds Bounds) (m Measurement, ok bool) {
	base := math.Min(bounds.Width, bounds.Height)
	if face == nil || base <= 0 {
		return Measurement{}, false
	}
	dx := face.CenterX - bounds.Width/2
	dy := face.CenterY - bounds.Height/2
	return Measurement{
		SizePercent:   face.Size / base * 100,
		OffsetPercent: math.Hypot(dx, dy) / base * 100,
	}, true
}

// Classify judges the framing of face inside bounds.
// Checks run in order: missing face, too far, too close, off centre.
func Classify(face *Face, bounds Bounds, zoom bool, cfg Config) Classification {
	m, ok := Measure(face, bounds)
	if !ok || face.Size <= 0 {
		return NoFace
	}

	t := cfg.Thresholds(zoom)
	switch {
	case m.SizePercent < t.MinFaceSize:
		return TooFar
	case m.SizePercent > t.MaxFaceSize:
		return TooClose
	case m.OffsetPercent > t.MaxCenterOffset:
		return OffCenter
	default:
		return OK
	}
}
