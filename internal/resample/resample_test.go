package resample

import (
	"math"
	"testing"

	"astralign/internal/fits"
	"astralign/internal/geom"
	"astralign/internal/surface"
)

func TestApplyIdentity(t *testing.T) {
	src := rampImage(6, 5)
	for _, order := range []int{0, 1, 3} {
		out, err := Apply(src, geom.SimilarityTransform{A: 1}, nil, Options{Order: order, Fill: -1})
		if err != nil {
			t.Fatalf("order %d: Apply failed: %v", order, err)
		}
		if out.Width != 6 || out.Height != 5 {
			t.Fatalf("order %d: shape = %dx%d, want 6x5", order, out.Width, out.Height)
		}
		for y := 1; y < 4; y++ {
			for x := 1; x < 5; x++ {
				if got, want := out.At(x, y), src.At(x, y); math.Abs(got-want) > 1e-12 {
					t.Errorf("order %d: pixel (%d,%d) = %g, want %g", order, x, y, got, want)
				}
			}
		}
	}
}

func TestApplyIntegerTranslation(t *testing.T) {
	src := rampImage(5, 4)
	// Source -> template shift of (+1, +2), so template (x, y) samples
	// source (x-1, y-2).
	tr := geom.SimilarityTransform{A: 1, C: 1, D: 2}
	out, err := Apply(src, tr, nil, Options{Order: 0, Fill: -7})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := out.At(3, 3); got != src.At(2, 1) {
		t.Errorf("pixel (3,3) = %g, want %g", got, src.At(2, 1))
	}
	if got := out.At(0, 0); got != -7 {
		t.Errorf("pixel (0,0) = %g, want fill -7", got)
	}
}

func TestApplySubPixelTranslation(t *testing.T) {
	// The pixel values form the plane f(x, y) = x, which bilinear and
	// Catmull-Rom kernels both reproduce exactly away from the borders.
	src := fits.NewImage(10, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 10; x++ {
			src.Set(x, y, float64(x))
		}
	}
	tr := geom.SimilarityTransform{A: 1, C: 0.5}
	for _, order := range []int{1, 3} {
		out, err := Apply(src, tr, nil, Options{Order: order, Fill: 0})
		if err != nil {
			t.Fatalf("order %d: Apply failed: %v", order, err)
		}
		for y := 2; y < 6; y++ {
			for x := 2; x < 8; x++ {
				want := float64(x) - 0.5
				if got := out.At(x, y); math.Abs(got-want) > 1e-9 {
					t.Errorf("order %d: pixel (%d,%d) = %g, want %g", order, x, y, got, want)
				}
			}
		}
	}
}

func TestApplyWithResidualSurfaces(t *testing.T) {
	src := fits.NewImage(10, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 10; x++ {
			src.Set(x, y, float64(x))
		}
	}
	// Constant +0.5 x-offset surfaces over an identity similarity: the
	// combined map samples source x - 0.5.
	pts := []geom.Point{{X: 0, Y: 0}, {X: 9, Y: 0}, {X: 0, Y: 7}, {X: 9, Y: 7}, {X: 5, Y: 4}}
	dx := []float64{0.5, 0.5, 0.5, 0.5, 0.5}
	dy := []float64{0, 0, 0, 0, 0}
	pair, err := surface.FitPair(pts, dx, dy, 1)
	if err != nil {
		t.Fatalf("FitPair failed: %v", err)
	}

	out, err := Apply(src, geom.SimilarityTransform{A: 1}, &pair, Options{Order: 1, Fill: 0})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	for y := 2; y < 6; y++ {
		for x := 2; x < 8; x++ {
			want := float64(x) - 0.5
			if got := out.At(x, y); math.Abs(got-want) > 1e-9 {
				t.Errorf("pixel (%d,%d) = %g, want %g", x, y, got, want)
			}
		}
	}
}

func TestApplyOutputShape(t *testing.T) {
	src := rampImage(4, 4)
	out, err := Apply(src, geom.SimilarityTransform{A: 1}, nil, Options{Width: 7, Height: 3, Order: 0, Fill: 9})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out.Width != 7 || out.Height != 3 {
		t.Fatalf("shape = %dx%d, want 7x3", out.Width, out.Height)
	}
	if got := out.At(6, 1); got != 9 {
		t.Errorf("pixel (6,1) = %g, want fill 9", got)
	}
	if got := out.At(2, 1); got != src.At(2, 1) {
		t.Errorf("pixel (2,1) = %g, want %g", got, src.At(2, 1))
	}
}

func TestApplyParallelMatchesSerial(t *testing.T) {
	src := rampImage(16, 13)
	tr := geom.SimilarityTransform{A: 0.99, B: 0.02, C: 1.5, D: -0.7}

	serial, err := Apply(src, tr, nil, Options{Order: 3, Fill: -1, Workers: 1})
	if err != nil {
		t.Fatalf("serial Apply failed: %v", err)
	}
	parallel, err := Apply(src, tr, nil, Options{Order: 3, Fill: -1, Workers: 5})
	if err != nil {
		t.Fatalf("parallel Apply failed: %v", err)
	}
	for i := range serial.Pix {
		if serial.Pix[i] != parallel.Pix[i] {
			t.Fatalf("pixel %d differs: %g vs %g", i, serial.Pix[i], parallel.Pix[i])
		}
	}
}

func TestApplyRejectsBadOrder(t *testing.T) {
	src := rampImage(4, 4)
	for _, order := range []int{-1, 6} {
		if _, err := Apply(src, geom.SimilarityTransform{A: 1}, nil, Options{Order: order}); err == nil {
			t.Errorf("order %d: expected error", order)
		}
	}
}

func TestApplyRejectsSingularTransform(t *testing.T) {
	src := rampImage(4, 4)
	if _, err := Apply(src, geom.SimilarityTransform{}, nil, Options{Order: 1}); err == nil {
		t.Fatal("expected error for non-invertible transform")
	}
}

// Helpers

func rampImage(w, h int) *fits.Image {
	img := fits.NewImage(w, h)
	for i := range img.Pix {
		img.Pix[i] = float64(i) + 1
	}
	return img
}
