// Package resample warps a source image onto the template pixel grid
// using a solved similarity transform and optional residual surfaces.
// Sampling runs backwards: each output pixel is mapped into the source
// frame and interpolated there.
package resample

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"astralign/internal/fits"
	"astralign/internal/geom"
	"astralign/internal/surface"
)

// Options control the output grid and the interpolation.
type Options struct {
	// Width and Height give the output shape. Zero values inherit the
	// source shape.
	Width  int
	Height int

	// Order selects the interpolation kernel: 0 nearest neighbour,
	// 1 bilinear, 2-5 Catmull-Rom bicubic.
	Order int

	// Fill is the value used for samples outside the source frame.
	Fill float64

	// Workers bounds the number of row bands evaluated in parallel.
	// Zero or negative means GOMAXPROCS.
	Workers int
}

// Apply resamples src onto the template grid. The transform maps source
// coordinates to template coordinates; surfaces, when present, supply
// the residual offsets of the combined coordinate map and may be nil.
func Apply(src *fits.Image, tr geom.SimilarityTransform, surfaces *surface.Pair, opts Options) (*fits.Image, error) {
	if opts.Order < 0 || opts.Order > 5 {
		return nil, fmt.Errorf("interpolation order %d out of range 0-5", opts.Order)
	}
	if src == nil || len(src.Pix) != src.Width*src.Height || len(src.Pix) == 0 {
		return nil, fmt.Errorf("source image is empty or inconsistent")
	}
	width, height := opts.Width, opts.Height
	if width == 0 {
		width = src.Width
	}
	if height == 0 {
		height = src.Height
	}
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("invalid output shape %dx%d", width, height)
	}

	inv, err := tr.Inverse()
	if err != nil {
		return nil, fmt.Errorf("inverting alignment transform: %w", err)
	}

	out := fits.NewImage(width, height)
	out.Bitpix = src.Bitpix
	for k, v := range src.Header {
		out.Header[k] = v
	}

	sample := samplerFor(opts.Order)
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > height {
		workers = height
	}
	if workers < 1 {
		workers = 1
	}

	band := (height + workers - 1) / workers
	var wg sync.WaitGroup
	for y0 := 0; y0 < height; y0 += band {
		y1 := y0 + band
		if y1 > height {
			y1 = height
		}
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			if surfaces == nil {
				resampleAffine(src, out, inv, sample, opts.Fill, y0, y1)
			} else {
				resampleMapped(src, out, inv, surfaces, sample, opts.Fill, y0, y1)
			}
		}(y0, y1)
	}
	wg.Wait()
	return out, nil
}

type sampler func(img *fits.Image, x, y, fill float64) float64

func samplerFor(order int) sampler {
	switch order {
	case 0:
		return sampleNearest
	case 1:
		return sampleBilinear
	default:
		return sampleCatmullRom
	}
}

// resampleAffine walks each output row incrementally: stepping one pixel
// in x advances the source coordinates by the first matrix column.
func resampleAffine(src, out *fits.Image, inv geom.SimilarityTransform, sample sampler, fill float64, y0, y1 int) {
	for y := y0; y < y1; y++ {
		sx, sy := inv.ApplyXY(0, float64(y))
		for x := 0; x < out.Width; x++ {
			out.Pix[y*out.Width+x] = sample(src, sx, sy, fill)
			sx += inv.A
			sy += inv.B
		}
	}
}

func resampleMapped(src, out *fits.Image, inv geom.SimilarityTransform, surfaces *surface.Pair, sample sampler, fill float64, y0, y1 int) {
	for y := y0; y < y1; y++ {
		fy := float64(y)
		for x := 0; x < out.Width; x++ {
			fx := float64(x)
			sx, sy := inv.ApplyXY(fx, fy)
			ox, oy := surfaces.Offsets(fx, fy)
			out.Pix[y*out.Width+x] = sample(src, sx-ox, sy-oy, fill)
		}
	}
}

func sampleNearest(img *fits.Image, x, y, fill float64) float64 {
	ix := int(math.Round(x))
	iy := int(math.Round(y))
	if ix < 0 || iy < 0 || ix >= img.Width || iy >= img.Height {
		return fill
	}
	return img.Pix[iy*img.Width+ix]
}

func sampleBilinear(img *fits.Image, x, y, fill float64) float64 {
	x0 := math.Floor(x)
	y0 := math.Floor(y)
	tx := x - x0
	ty := y - y0
	ix := int(x0)
	iy := int(y0)

	v00 := texel(img, ix, iy, fill)
	v10 := texel(img, ix+1, iy, fill)
	v01 := texel(img, ix, iy+1, fill)
	v11 := texel(img, ix+1, iy+1, fill)

	top := v00 + (v10-v00)*tx
	bot := v01 + (v11-v01)*tx
	return top + (bot-top)*ty
}

func sampleCatmullRom(img *fits.Image, x, y, fill float64) float64 {
	x0 := math.Floor(x)
	y0 := math.Floor(y)
	wx := catmullWeights(x - x0)
	wy := catmullWeights(y - y0)
	ix := int(x0)
	iy := int(y0)

	var v float64
	for j := 0; j < 4; j++ {
		var row float64
		for i := 0; i < 4; i++ {
			row += wx[i] * texel(img, ix+i-1, iy+j-1, fill)
		}
		v += wy[j] * row
	}
	return v
}

// catmullWeights returns the four Catmull-Rom tap weights for a
// fractional offset t in [0, 1), taps at -1, 0, 1, 2.
func catmullWeights(t float64) [4]float64 {
	t2 := t * t
	t3 := t2 * t
	return [4]float64{
		0.5 * (-t + 2*t2 - t3),
		0.5 * (2 - 5*t2 + 3*t3),
		0.5 * (t + 4*t2 - 3*t3),
		0.5 * (-t2 + t3),
	}
}

// texel reads a pixel with constant-fill boundary handling.
func texel(img *fits.Image, x, y int, fill float64) float64 {
	if x < 0 || y < 0 || x >= img.Width || y >= img.Height {
		return fill
	}
	return img.Pix[y*img.Width+x]
}
