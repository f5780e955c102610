package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// CropRect describes which part of a frame is captured and at what size.
type CropRect struct {
	Source image.Rectangle // region of the frame, in frame coordinates
	Width  int             // output width
	Height int             // output height
}

// Empty reports whether the crop produces no pixels.
func (c CropRect) Empty() bool {
	return c.Source.Empty() || c.Width <= 0 || c.Height <= 0
}

// ComputeCrop returns the centred frame region whose aspect ratio matches the
// viewport, scaled down (never up) so it fits maxWidth x maxHeight.
// A zero viewport captures the full frame; non-positive limits are ignored.
func ComputeCrop(frame image.Rectangle, viewport Size, maxWidth, maxHeight int) CropRect {
	vw, vh := float64(frame.Dx()), float64(frame.Dy())
	if vw <= 0 || vh <= 0 {
		return CropRect{}
	}

	cw, ch := vw, vh
	if viewport.Width > 0 && viewport.Height > 0 {
		videoAspect := vw / vh
		viewAspect := float64(viewport.Width) / float64(viewport.Height)
		if videoAspect > viewAspect {
			ch = vh
			cw = viewAspect * ch
		} else {
			cw = vw
			ch = cw / viewAspect
		}
	}

	sx := frame.Min.X + int(math.Round((vw-cw)/2))
	sy := frame.Min.Y + int(math.Round((vh-ch)/2))
	src := image.Rect(sx, sy, sx+int(math.Round(cw)), sy+int(math.Round(ch)))

	ow, oh := cw, ch
	limW, limH := math.Inf(1), math.Inf(1)
	if maxWidth > 0 {
		limW = float64(maxWidth)
	}
	if maxHeight > 0 {
		limH = float64(maxHeight)
	}
	if ow > limW || oh > limH {
		scale := math.Min(limW/ow, limH/oh)
		ow *= scale
		oh *= scale
	}

	return CropRect{
		Source: src,
		Width:  int(math.Round(ow)),
		Height: int(math.Round(oh)),
	}
}

// Render draws the crop of frame into a new RGBA image, mirroring it
// horizontally when requested.
func Render(frame image.Image, crop CropRect, mirror bool) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, crop.Width, crop.Height))
	if crop.Source.Dx() == crop.Width && crop.Source.Dy() == crop.Height {
		draw.Draw(dst, dst.Bounds(), frame, crop.Source.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, crop.Source, draw.Src, nil)
	}
	if mirror {
		mirrorHorizontal(dst)
	}
	return dst
}

func mirrorHorizontal(img *image.RGBA) {
	w := img.Rect.Dx()
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
			li, ri := l*4, r*4
			for k := 0; k < 4; k++ {
				row[li+k], row[ri+k] = row[ri+k], row[li+k]
			}
		}
	}
}

// Encode serializes an image in the given format.
func Encode(img image.Image, format Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatJPEG, "":
		if quality <= 0 || quality > 100 {
			quality = 95
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported image format: %s", format)
	}
	return buf.Bytes(), nil
}

// ToImage wraps a pixel buffer as an image without copying.
func (p *PixelBuffer) ToImage() *image.RGBA {
	return &image.RGBA{
		Pix:    p.Pix,
		Stride: p.Width * 4,
		Rect:   image.Rect(0, 0, p.Width, p.Height),
	}
}

func pixelBuffer(img *image.RGBA) *PixelBuffer {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	pix := img.Pix
	if img.Stride != w*4 {
		pix = make([]uint8, w*h*4)
		for y := 0; y < h; y++ {
			copy(pix[y*w*4:(y+1)*w*4], img.Pix[y*img.Stride:])
		}
	}
	return &PixelBuffer{Width: w, Height: h, Pix: pix}
}
