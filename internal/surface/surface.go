// Package surface fits smooth bivariate polynomial surfaces to the
// per-axis residual offsets left after the similarity transform, giving
// the spatially-varying correction applied on top of it.
package surface

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"astralign/internal/geom"
)

// Surface is a least-squares bivariate polynomial z(x, y) of the given
// total degree. Coordinates are normalized to a unit box internally to
// keep the monomial system well conditioned.
type Surface struct {
	order  int
	coef   []float64
	cx, hx float64
	cy, hy float64
}

// NCoef returns the coefficient count of a total-degree-k surface.
func NCoef(order int) int {
	return (order + 1) * (order + 2) / 2
}

// Fit fits a surface of the given order to samples z at pts. It fails when
// fewer samples than coefficients are supplied or when the system is
// singular (e.g. degenerate point geometry).
func Fit(pts []geom.Point, z []float64, order int) (Surface, error) {
	if len(pts) != len(z) {
		return Surface{}, fmt.Errorf("sample count mismatch: %d points, %d values", len(pts), len(z))
	}
	if order < 1 {
		return Surface{}, fmt.Errorf("surface order must be >= 1, got %d", order)
	}
	ncoef := NCoef(order)
	if len(pts) < ncoef {
		return Surface{}, fmt.Errorf("%d samples cannot constrain an order-%d surface (%d coefficients)", len(pts), order, ncoef)
	}

	s := Surface{order: order}
	s.cx, s.hx = normalization(pts, func(p geom.Point) float64 { return p.X })
	s.cy, s.hy = normalization(pts, func(p geom.Point) float64 { return p.Y })

	a := mat.NewDense(len(pts), ncoef, nil)
	b := mat.NewVecDense(len(pts), nil)
	row := make([]float64, ncoef)
	for i, p := range pts {
		fillMonomials(order, (p.X-s.cx)/s.hx, (p.Y-s.cy)/s.hy, row)
		a.SetRow(i, row)
		b.SetVec(i, z[i])
	}

	var qr mat.QR
	qr.Factorize(a)
	var coef mat.VecDense
	if err := qr.SolveVecTo(&coef, false, b); err != nil {
		return Surface{}, fmt.Errorf("surface fit of order %d over %d samples: %w", order, len(pts), err)
	}
	s.coef = make([]float64, ncoef)
	for i := range s.coef {
		s.coef[i] = coef.AtVec(i)
	}
	return s, nil
}

// Eval returns the surface value at (x, y). Allocation-free; the resampler
// calls this once per output pixel.
func (s Surface) Eval(x, y float64) float64 {
	u := (x - s.cx) / s.hx
	v := (y - s.cy) / s.hy
	var sum float64
	idx := 0
	for total := 0; total <= s.order; total++ {
		for i := total; i >= 0; i-- {
			sum += s.coef[idx] * powInt(u, i) * powInt(v, total-i)
			idx++
		}
	}
	return sum
}

// fillMonomials writes the basis terms u^i * v^j, i+j <= order, in the
// same enumeration order Eval walks.
func fillMonomials(order int, u, v float64, row []float64) {
	idx := 0
	for total := 0; total <= order; total++ {
		for i := total; i >= 0; i-- {
			row[idx] = powInt(u, i) * powInt(v, total-i)
			idx++
		}
	}
}

func powInt(x float64, n int) float64 {
	p := 1.0
	for ; n > 0; n-- {
		p *= x
	}
	return p
}

func normalization(pts []geom.Point, coord func(geom.Point) float64) (center, half float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		c := coord(p)
		if c < lo {
			lo = c
		}
		if c > hi {
			hi = c
		}
	}
	center = (lo + hi) / 2
	half = (hi - lo) / 2
	if half == 0 {
		half = 1
	}
	return center, half
}

// Pair holds the two per-axis residual surfaces over template-frame
// coordinates.
type Pair struct {
	X Surface
	Y Surface
}

// FitPair fits the Δx and Δy residual surfaces at the template-frame
// sample points.
func FitPair(pts []geom.Point, dx, dy []float64, order int) (Pair, error) {
	sx, err := Fit(pts, dx, order)
	if err != nil {
		return Pair{}, fmt.Errorf("x-axis: %w", err)
	}
	sy, err := Fit(pts, dy, order)
	if err != nil {
		return Pair{}, fmt.Errorf("y-axis: %w", err)
	}
	return Pair{X: sx, Y: sy}, nil
}

// Offsets returns the fitted residual (Δx, Δy) at (x, y).
func (p Pair) Offsets(x, y float64) (float64, float64) {
	return p.X.Eval(x, y), p.Y.Eval(x, y)
}

// Correct returns (x, y) with the fitted residual removed.
func (p Pair) Correct(x, y float64) (float64, float64) {
	dx, dy := p.Offsets(x, y)
	return x - dx, y - dy
}
