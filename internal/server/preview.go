package server

import (
	"image"
	"image/color"
	"math"
	"sort"

	"golang.org/x/image/draw"

	"astralign/internal/fits"
)

const previewMaxDim = 512

// renderPreview maps pixel values onto an 8-bit grayscale using a 1-99
// percentile stretch and scales the result down so neither side exceeds
// maxDim. Astronomical images have a huge dynamic range, so a linear map
// over the full range would show nothing but the brightest stars.
func renderPreview(img *fits.Image, maxDim int) image.Image {
	lo, hi := stretchLimits(img.Pix, 0.01, 0.99)
	scale := 255.0 / (hi - lo)

	gray := image.NewGray(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := img.At(x, y)
			if math.IsNaN(v) {
				v = lo
			}
			v = (v - lo) * scale
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			gray.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}

	if img.Width <= maxDim && img.Height <= maxDim {
		return gray
	}

	w, h := img.Width, img.Height
	if w >= h {
		h = h * maxDim / w
		w = maxDim
	} else {
		w = w * maxDim / h
		h = maxDim
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), gray, gray.Bounds(), draw.Src, nil)
	return dst
}

// stretchLimits returns the loFrac and hiFrac percentiles of the finite
// pixel values.
func stretchLimits(pix []float64, loFrac, hiFrac float64) (float64, float64) {
	vals := make([]float64, 0, len(pix))
	for _, v := range pix {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, 1
	}
	sort.Float64s(vals)
	lo := vals[int(loFrac*float64(len(vals)-1))]
	hi := vals[int(hiFrac*float64(len(vals)-1))]
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}
