package inference

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	// Registered decoders for uploaded images.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Tensor is a height x width x channel array in row-major HWC order.
type Tensor struct {
	H, W, C int
	Data    []float64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(h, w, c int) *Tensor {
	return &Tensor{H: h, W: w, C: c, Data: make([]float64, h*w*c)}
}

func (t *Tensor) at(y, x, c int) float64 {
	return t.Data[(y*t.W+x)*t.C+c]
}

// DefaultMaxPixels is the largest width x height Decode accepts. The
// header is checked before any pixel buffer is allocated.
const DefaultMaxPixels = 40_000_000

// Decode parses JPEG, PNG, GIF or WebP bytes. Failures wrap ErrDecode.
func Decode(data []byte) (image.Image, error) {
	return DecodeLimited(data, DefaultMaxPixels)
}

// DecodeLimited is Decode with an explicit pixel budget. A non-positive
// maxPixels falls back to DefaultMaxPixels.
func DecodeLimited(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	return img, nil
}

// Preprocess flattens img onto an opaque canvas, resizes it to size x size
// with bilinear interpolation and scales the three RGB channels to [0, 1].
// Training and inference share it so both see identical inputs.
func Preprocess(img image.Image, size int) *Tensor {
	src := img.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, src.Dx(), src.Dy()))
	draw.Draw(flat, flat.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, src.Min, draw.Over)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), flat, flat.Bounds(), xdraw.Src, nil)

	tensor := NewTensor(size, size, 3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			p := dst.PixOffset(x, y)
			base := (y*size + x) * 3
			tensor.Data[base] = float64(dst.Pix[p]) / 255
			tensor.Data[base+1] = float64(dst.Pix[p+1]) / 255
			tensor.Data[base+2] = float64(dst.Pix[p+2]) / 255
		}
	}
	return tensor
}
