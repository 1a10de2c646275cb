// Package quad builds geometric-invariant signatures from groups of four
// detections. A quad maps its two most-distant points to (0,0) and (1,1)
// and expresses the remaining two in that frame; after symmetry
// canonicalization the resulting 4-tuple identifies the spatial pattern
// regardless of rotation, scale, translation or point labeling.
package quad

import (
	"math"

	"astralign/internal/geom"
)

// Quad is a canonicalized 4-detection signature. Points holds the
// detections in canonical role order [A, B, C, D] with A and B the
// most-distant pair; the first two seed a 2-point transform when two quads
// are matched across catalogs.
type Quad struct {
	Hash   [4]float64 // (xC, yC, xD, yD) with xC <= xD and xC+xD <= 1
	Points [4]geom.Point
}

// HashDistance returns the Euclidean distance between two signatures.
func (q Quad) HashDistance(o Quad) float64 {
	var sum float64
	for i := range q.Hash {
		d := q.Hash[i] - o.Hash[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Pairwise index order for the 6 distances of a 4-point set.
var pairIndex = [6][2]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}

// diagonalOrder[k] reorders the points to [A, B, C, D] when pair k is the
// most distant.
var diagonalOrder = [6][4]int{
	{0, 1, 2, 3},
	{0, 2, 1, 3},
	{0, 3, 1, 2},
	{1, 2, 0, 3},
	{1, 3, 0, 2},
	{2, 3, 0, 1},
}

// Build enumerates all 4-element combinations of the leading nquaddets
// points (clamped to the available count) and returns a Quad for every
// combination whose minimum pairwise distance exceeds minquadsep. Output
// order follows the enumeration.
func Build(pts []geom.Point, nquaddets int, minquadsep float64) []Quad {
	n := nquaddets
	if n > len(pts) {
		n = len(pts)
	}
	var quads []Quad
	for i := 0; i < n-3; i++ {
		for j := i + 1; j < n-2; j++ {
			for k := j + 1; k < n-1; k++ {
				for l := k + 1; l < n; l++ {
					combo := [4]geom.Point{pts[i], pts[j], pts[k], pts[l]}
					if q, ok := Make(combo, minquadsep); ok {
						quads = append(quads, q)
					}
				}
			}
		}
	}
	return quads
}

// Make computes the canonical quad for 4 points. It reports false when the
// minimum pairwise distance does not exceed minquadsep.
func Make(pts [4]geom.Point, minquadsep float64) (Quad, bool) {
	var dists [6]float64
	minDist := math.Inf(1)
	maxAt := 0
	for i, pair := range pairIndex {
		d := pts[pair[0]].Distance(pts[pair[1]])
		dists[i] = d
		if d < minDist {
			minDist = d
		}
		if d > dists[maxAt] {
			maxAt = i
		}
	}
	if minDist <= minquadsep {
		return Quad{}, false
	}

	order := diagonalOrder[maxAt]
	roles := [4]geom.Point{pts[order[0]], pts[order[1]], pts[order[2]], pts[order[3]]}
	return canonicalize(roles), true
}

// canonicalize derives the signature from points already in [A, B, C, D]
// role order and breaks the remaining labeling symmetries: swapping C/D so
// xC <= xD, and swapping A/B (which reflects every signature value through
// 1-v) so xC+xD <= 1. The returned point order matches the signature.
func canonicalize(p [4]geom.Point) Quad {
	a, b := p[0], p[1]
	dx := b.X - a.X
	dy := b.Y - a.Y
	norm := dx*dx + dy*dy

	// Closed-form 2-point transform sending A to (0,0) and B to (1,1).
	t := geom.SimilarityTransform{
		A: (dx + dy) / norm,
		B: (dx - dy) / norm,
	}
	t.C = t.B*a.Y - t.A*a.X
	t.D = -(t.B*a.X + t.A*a.Y)

	c := t.Apply(p[2])
	d := t.Apply(p[3])

	swapCD := c.X > d.X
	reflect := c.X+d.X > 1

	switch {
	case swapCD && reflect:
		return Quad{
			Hash:   [4]float64{1 - c.X, 1 - c.Y, 1 - d.X, 1 - d.Y},
			Points: [4]geom.Point{p[1], p[0], p[2], p[3]},
		}
	case swapCD:
		return Quad{
			Hash:   [4]float64{d.X, d.Y, c.X, c.Y},
			Points: [4]geom.Point{p[0], p[1], p[3], p[2]},
		}
	case reflect:
		return Quad{
			Hash:   [4]float64{1 - d.X, 1 - d.Y, 1 - c.X, 1 - c.Y},
			Points: [4]geom.Point{p[1], p[0], p[3], p[2]},
		}
	default:
		return Quad{
			Hash:   [4]float64{c.X, c.Y, d.X, d.Y},
			Points: p,
		}
	}
}
