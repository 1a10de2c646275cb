// Package geom provides the 2-D point and similarity-transform primitives
// used throughout the registration pipeline.
package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point is a 2-D image coordinate.
type Point struct {
	X, Y float64
}

// Distance returns the Euclidean distance to q.
func (p Point) Distance(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// SimilarityTransform is a rotation + uniform scale + translation:
//
//	[x'; y'] = [[A, -B], [B, A]] * [x; y] + [C; D]
//
// It has no shear or anisotropic scale and is invertible whenever
// A*A + B*B != 0.
type SimilarityTransform struct {
	A, B, C, D float64
}

// Identity returns the identity transform.
func Identity() SimilarityTransform {
	return SimilarityTransform{A: 1}
}

// Apply maps p through the transform.
func (t SimilarityTransform) Apply(p Point) Point {
	return Point{
		X: t.A*p.X - t.B*p.Y + t.C,
		Y: t.B*p.X + t.A*p.Y + t.D,
	}
}

// ApplyXY maps the coordinate pair (x, y) through the transform.
func (t SimilarityTransform) ApplyXY(x, y float64) (float64, float64) {
	return t.A*x - t.B*y + t.C, t.B*x + t.A*y + t.D
}

// ApplyAll maps every point in pts, returning a new slice.
func (t SimilarityTransform) ApplyAll(pts []Point) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = t.Apply(p)
	}
	return out
}

// Inverse returns the inverse transform, computed by inverting the
// homogeneous 3x3 matrix form. Fails when the transform is singular
// (A*A + B*B == 0).
func (t SimilarityTransform) Inverse() (SimilarityTransform, error) {
	m := mat.NewDense(3, 3, []float64{
		t.A, -t.B, t.C,
		t.B, t.A, t.D,
		0, 0, 1,
	})
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return SimilarityTransform{}, fmt.Errorf("inverting transform %v: %w", t, err)
	}
	return SimilarityTransform{
		A: inv.At(0, 0),
		B: inv.At(1, 0),
		C: inv.At(0, 2),
		D: inv.At(1, 2),
	}, nil
}

// MatrixOffset returns the transform as a row-major 2x2 linear part and a
// 2-vector offset, the form served alongside solution records.
func (t SimilarityTransform) MatrixOffset() (m [4]float64, off [2]float64) {
	return [4]float64{t.A, -t.B, t.B, t.A}, [2]float64{t.C, t.D}
}

// Scale returns the uniform scale factor encoded by the transform.
func (t SimilarityTransform) Scale() float64 {
	return math.Hypot(t.A, t.B)
}

// RotationDegrees returns the rotation angle in degrees.
func (t SimilarityTransform) RotationDegrees() float64 {
	return math.Atan2(t.B, t.A) * 180 / math.Pi
}

func (t SimilarityTransform) String() string {
	return fmt.Sprintf("similarity(a=%.6f b=%.6f c=%.3f d=%.3f scale=%.4f rot=%.3fdeg)",
		t.A, t.B, t.C, t.D, t.Scale(), t.RotationDegrees())
}

// FitSimilarity computes the similarity transform mapping src onto dst.
// With exactly 2 pairs the 4x4 system is solved exactly; with more the
// overdetermined system is solved by QR least squares. Each pair
// contributes two rows in the unknowns (a, b, c, d):
//
//	[sx, -sy, 1, 0] -> dx
//	[sy,  sx, 0, 1] -> dy
func FitSimilarity(src, dst []Point) (SimilarityTransform, error) {
	if len(src) != len(dst) {
		return SimilarityTransform{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	n := len(src)
	if n < 2 {
		return SimilarityTransform{}, fmt.Errorf("need at least 2 point pairs, got %d", n)
	}

	a := mat.NewDense(2*n, 4, nil)
	b := mat.NewVecDense(2*n, nil)
	for i := 0; i < n; i++ {
		sx, sy := src[i].X, src[i].Y

		a.Set(2*i, 0, sx)
		a.Set(2*i, 1, -sy)
		a.Set(2*i, 2, 1)
		b.SetVec(2*i, dst[i].X)

		a.Set(2*i+1, 0, sy)
		a.Set(2*i+1, 1, sx)
		a.Set(2*i+1, 3, 1)
		b.SetVec(2*i+1, dst[i].Y)
	}

	var params mat.VecDense
	if n == 2 {
		if err := params.SolveVec(a, b); err != nil {
			return SimilarityTransform{}, fmt.Errorf("solving 2-point transform: %w", err)
		}
	} else {
		var qr mat.QR
		qr.Factorize(a)
		if err := qr.SolveVecTo(&params, false, b); err != nil {
			return SimilarityTransform{}, fmt.Errorf("least-squares transform fit: %w", err)
		}
	}

	return SimilarityTransform{
		A: params.AtVec(0),
		B: params.AtVec(1),
		C: params.AtVec(2),
		D: params.AtVec(3),
	}, nil
}
