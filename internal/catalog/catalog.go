// Package catalog holds point-source detection lists and the normalization
// step that prepares them for quad matching.
package catalog

import (
	"math"
	"sort"

	"astralign/internal/geom"
)

// Detection is one extracted point source. Immutable once ingested.
type Detection struct {
	X     float64
	Y     float64
	Flux  float64
	FWHM  float64
	Flags int
}

// Point returns the detection's image coordinate.
func (d Detection) Point() geom.Point {
	return geom.Point{X: d.X, Y: d.Y}
}

// Catalog is an ordered sequence of detections.
type Catalog []Detection

// Points returns the coordinates of all detections.
func (c Catalog) Points() []geom.Point {
	pts := make([]geom.Point, len(c))
	for i, d := range c {
		pts[i] = d.Point()
	}
	return pts
}

// TrimOptions control catalog normalization.
type TrimOptions struct {
	MinFWHM float64 // discard detections with FWHM below this
	MaxFlag int     // discard detections with Flags above this
	MinSep  float64 // remove both members of pairs closer than this
	NDets   int     // keep at most this many detections; 0 keeps all
}

// Trim normalizes a raw detection list: quality filtering, brightness
// ranking, close-pair removal and truncation. Close pairs lose BOTH
// members, not just the fainter one; neither centroid of a blended pair
// is trusted.
func Trim(raw Catalog, opts TrimOptions) Catalog {
	kept := make(Catalog, 0, len(raw))
	for _, d := range raw {
		if d.FWHM < opts.MinFWHM || d.Flags > opts.MaxFlag {
			continue
		}
		kept = append(kept, d)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Flux > kept[j].Flux
	})

	if opts.MinSep > 0 {
		crowded := closePairMembers(kept, opts.MinSep)
		filtered := make(Catalog, 0, len(kept))
		for i, d := range kept {
			if !crowded[i] {
				filtered = append(filtered, d)
			}
		}
		kept = filtered
	}

	if opts.NDets > 0 && len(kept) > opts.NDets {
		kept = kept[:opts.NDets]
	}
	return kept
}

// closePairMembers marks every detection that lies closer than minsep to
// any other, using a uniform grid index so only neighboring cells are
// compared.
func closePairMembers(dets Catalog, minsep float64) []bool {
	type cell struct{ cx, cy int }
	grid := make(map[cell][]int, len(dets))
	for i, d := range dets {
		c := cell{int(math.Floor(d.X / minsep)), int(math.Floor(d.Y / minsep))}
		grid[c] = append(grid[c], i)
	}

	marked := make([]bool, len(dets))
	for i, d := range dets {
		cx := int(math.Floor(d.X / minsep))
		cy := int(math.Floor(d.Y / minsep))
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for _, j := range grid[cell{cx + dx, cy + dy}] {
					if j <= i {
						continue
					}
					if d.Point().Distance(dets[j].Point()) < minsep {
						marked[i] = true
						marked[j] = true
					}
				}
			}
		}
	}
	return marked
}
