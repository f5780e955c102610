package detector

import (
	"context"
	"errors"
	"image"
	"os"
	"testing"

	"github.com/Kagami/go-face"
	pigo "github.com/esimov/pigo/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/config"
)

type MockFaceEngine struct {
	RecognizeFunc func(data []byte) ([]face.Face, error)
	CloseFunc     func()
}

func (m *MockFaceEngine) Recognize(data []byte) ([]face.Face, error) {
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(data)
	}
	return nil, nil
}

func (m *MockFaceEngine) Close() {
	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}

func grayBuffer(w, h int) *camera.PixelBuffer {
	pix := make([]uint8, w*h*4)
	for i := range pix {
		pix[i] = 128
	}
	return &camera.PixelBuffer{Width: w, Height: h, Pix: pix}
}

func TestSelectBest(t *testing.T) {
	tests := []struct {
		name    string
		regions []Region
		want    Region
		wantOK  bool
	}{
		{"empty", nil, Region{}, false},
		{"single", []Region{{Size: 10, Confidence: 3}}, Region{Size: 10, Confidence: 3}, true},
		{
			"highest confidence wins",
			[]Region{{Size: 90, Confidence: 6}, {Size: 40, Confidence: 20}, {Size: 60, Confidence: 8}},
			Region{Size: 40, Confidence: 20},
			true,
		},
		{
			"tie broken by size",
			[]Region{{Size: 40, Confidence: 9}, {Size: 70, Confidence: 9}},
			Region{Size: 70, Confidence: 9},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectBest(tt.regions)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScale(t *testing.T) {
	r := Region{CenterX: 160, CenterY: 120, Size: 100, Confidence: 7}

	got := Scale(r, camera.Size{Width: 320, Height: 240}, camera.Size{Width: 640, Height: 480})
	assert.Equal(t, Region{CenterX: 320, CenterY: 240, Size: 200, Confidence: 7}, got)

	// Degenerate source leaves the region untouched
	assert.Equal(t, r, Scale(r, camera.Size{}, camera.Size{Width: 640, Height: 480}))
}

func TestRegion_Rect(t *testing.T) {
	r := Region{CenterX: 50, CenterY: 40, Size: 20}
	assert.Equal(t, image.Rect(40, 30, 60, 50), r.Rect())
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(config.DetectorConfig{Backend: "onnx"})
	assert.Error(t, err)
}

func TestNew_MissingCascade(t *testing.T) {
	_, err := New(config.DetectorConfig{Backend: "pigo", CascadePath: "/nonexistent/facefinder"})
	assert.Error(t, err)
}

func TestPigoDetector_NotLoaded(t *testing.T) {
	d := NewPigoDetector(config.DefaultConfig().Detector)
	_, err := d.Detect(context.Background(), grayBuffer(32, 32))
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestPigoDetector_Memory(t *testing.T) {
	cfg := config.DefaultConfig().Detector
	cfg.MemoryFrames = 3
	d := NewPigoDetector(cfg)

	frame := func(col int) []pigo.Detection {
		return []pigo.Detection{{Row: 100, Col: col, Scale: 120, Q: 10}}
	}

	assert.Len(t, d.remember(frame(100)), 1)
	assert.Len(t, d.remember(frame(102)), 2)
	assert.Len(t, d.remember(nil), 2)
	assert.Len(t, d.remember(frame(104)), 2, "oldest frame should be forgotten")

	d.Reset()
	assert.Len(t, d.remember(frame(106)), 1)
}

func TestPigoDetector_MemoryClustersFlicker(t *testing.T) {
	cfg := config.DefaultConfig().Detector
	d := NewPigoDetector(cfg)

	// Slightly jittering detections over several frames collapse to one face
	d.remember([]pigo.Detection{{Row: 100, Col: 100, Scale: 120, Q: 10}})
	d.remember([]pigo.Detection{{Row: 102, Col: 98, Scale: 118, Q: 12}})
	union := d.remember([]pigo.Detection{{Row: 101, Col: 101, Scale: 121, Q: 9}})

	clustered := pigo.NewPigo().ClusterDetections(union, cfg.IoUThreshold)
	regions := toRegions(clustered, cfg.MinQuality)
	require.Len(t, regions, 1)
	assert.InDelta(t, 100, regions[0].CenterX, 3)
	assert.InDelta(t, 100, regions[0].CenterY, 3)
}

func TestToRegions_FiltersQuality(t *testing.T) {
	dets := []pigo.Detection{
		{Row: 10, Col: 20, Scale: 30, Q: 2},
		{Row: 40, Col: 50, Scale: 60, Q: 7.5},
	}

	regions := toRegions(dets, 5)
	require.Len(t, regions, 1)
	assert.Equal(t, Region{CenterX: 50, CenterY: 40, Size: 60, Confidence: 7.5}, regions[0])
}

func TestPigoDetector_RealCascade(t *testing.T) {
	path := os.Getenv("LIVECHECK_CASCADE")
	if path == "" {
		t.Skip("LIVECHECK_CASCADE not set")
	}

	d := NewPigoDetector(config.DefaultConfig().Detector)
	require.NoError(t, d.Load(path))

	// A flat grey frame holds no faces
	regions, err := d.Detect(context.Background(), grayBuffer(320, 320))
	require.NoError(t, err)
	assert.Empty(t, regions)

	regions, err = d.Detect(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, regions)
}

func TestDlibDetector_NotLoaded(t *testing.T) {
	d := NewDlibDetector()
	assert.False(t, d.IsLoaded())

	_, err := d.Detect(context.Background(), grayBuffer(32, 32))
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestDlibDetector_Detect(t *testing.T) {
	var got []byte
	d := NewDlibDetector()
	d.engine = &MockFaceEngine{
		RecognizeFunc: func(data []byte) ([]face.Face, error) {
			got = data
			return []face.Face{
				{Rectangle: image.Rect(10, 20, 50, 70)},
			}, nil
		},
	}

	regions, err := d.Detect(context.Background(), grayBuffer(100, 100))
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, Region{CenterX: 30, CenterY: 45, Size: 50, Confidence: 1}, regions[0])

	// Pixels are handed to dlib as JPEG
	require.True(t, len(got) > 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, got[:2])
}

func TestDlibDetector_Errors(t *testing.T) {
	d := NewDlibDetector()
	d.engine = &MockFaceEngine{
		RecognizeFunc: func(data []byte) ([]face.Face, error) {
			return nil, errors.New("bad image")
		},
	}

	_, err := d.Detect(context.Background(), grayBuffer(16, 16))
	assert.Error(t, err)

	regions, err := d.Detect(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, regions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Detect(ctx, grayBuffer(16, 16))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDlibDetector_Close(t *testing.T) {
	closed := false
	d := NewDlibDetector()
	d.engine = &MockFaceEngine{CloseFunc: func() { closed = true }}

	assert.True(t, d.IsLoaded())
	require.NoError(t, d.Close())
	assert.True(t, closed)
	assert.False(t, d.IsLoaded())
	require.NoError(t, d.Close())
}

func TestDlibDetector_LoadModelsMissing(t *testing.T) {
	if testing.Short() {
		t.Skip("loads dlib")
	}
	d := NewDlibDetector()
	err := d.LoadModels("/nonexistent/models")
	assert.Error(t, err)
	assert.False(t, d.IsLoaded())
}
