// Package register solves for the similarity transform and residual
// correction aligning a source detection catalog onto a template catalog.
// Quad signatures seed candidate transforms, full-catalog correspondences
// validate them, and a least-squares refit plus optional residual surfaces
// produce the frozen solution.
package register

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"astralign/internal/catalog"
	"astralign/internal/config"
	"astralign/internal/geom"
	"astralign/internal/quad"
	"astralign/internal/surface"
)

// State tracks how far the pipeline progressed. A failed run leaves the
// solver at the last state it reached.
type State int

const (
	StateInit State = iota
	StateQuadsBuilt
	StateCandidateFound
	StateValidated
	StateResidualFit
	StateAligned
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateQuadsBuilt:
		return "quads-built"
	case StateCandidateFound:
		return "candidate-found"
	case StateValidated:
		return "validated"
	case StateResidualFit:
		return "residual-fit"
	case StateAligned:
		return "aligned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ResidualStats summarize per-axis alignment residuals in source pixels:
// the position the coordinate map predicts for each matched template
// detection minus the measured source position.
type ResidualStats struct {
	MedianX float64
	MedianY float64
	StdX    float64
	StdY    float64
}

// Solution is the frozen outcome of a successful alignment.
type Solution struct {
	Transform    geom.SimilarityTransform
	NMatch       int
	QuadDistance float64 // hash distance of the adopted candidate pair

	// Surfaces is nil when residual correction is disabled.
	Surfaces *surface.Pair

	SourceMatched   catalog.Catalog
	TemplateMatched catalog.Catalog

	SimilarityStats ResidualStats
	FinalStats      ResidualStats
}

// Solver runs the registration pipeline over a frozen pair of catalogs.
type Solver struct {
	log      *slog.Logger
	set      config.Settings
	ndets    int
	source   catalog.Catalog
	template catalog.Catalog
	state    State
}

// NewSolver validates the settings against the catalog pair, normalizes
// both catalogs and returns a solver ready to run. Unsatisfiable settings
// fail here with a ConfigurationError, before any matching work.
func NewSolver(logger *slog.Logger, set config.Settings, source, template catalog.Catalog) (*Solver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := set.Validate(); err != nil {
		return nil, &ConfigurationError{Reason: "invalid alignment settings", Err: err}
	}

	ndets := resolveNDets(set.NDets, len(source), len(template))
	if ndets < set.MinNMatch {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("ndets resolves to %d detections but minnmatch requires %d: unsatisfiable", ndets, set.MinNMatch),
		}
	}

	opts := catalog.TrimOptions{
		MinFWHM: set.MinFWHM,
		MaxFlag: set.MaxFlag,
		MinSep:  2 * set.MaxMatchDist,
		NDets:   ndets,
	}
	s := &Solver{
		log:      logger,
		set:      set,
		ndets:    ndets,
		source:   catalog.Trim(source, opts),
		template: catalog.Trim(template, opts),
		state:    StateInit,
	}
	s.log.Debug("catalogs normalized",
		"source", len(s.source), "template", len(s.template), "ndets", ndets)
	return s, nil
}

// resolveNDets interprets the ndets setting: a value in (0, 1] is a
// fraction of the smaller raw catalog, above 1 an absolute count.
func resolveNDets(ndets float64, nsrc, ntmpl int) int {
	smaller := nsrc
	if ntmpl < smaller {
		smaller = ntmpl
	}
	if ndets <= 1 {
		return int(ndets * float64(smaller))
	}
	return int(ndets)
}

// State reports how far the last Solve run progressed.
func (s *Solver) State() State { return s.state }

// SourceCatalog returns the normalized source catalog.
func (s *Solver) SourceCatalog() catalog.Catalog { return s.source }

// TemplateCatalog returns the normalized template catalog.
func (s *Solver) TemplateCatalog() catalog.Catalog { return s.template }

// Solve runs the full pipeline: quad construction, hash-space candidate
// search, correspondence validation, least-squares refinement and, when
// enabled, residual surface fitting. The returned Solution is immutable.
func (s *Solver) Solve() (*Solution, error) {
	s.state = StateInit

	srcQuads := quad.Build(s.source.Points(), s.set.NQuadDets, s.set.MinQuadSep)
	tmplQuads := quad.Build(s.template.Points(), s.set.NQuadDets, s.set.MinQuadSep)
	s.state = StateQuadsBuilt
	s.log.Debug("quads built", "source", len(srcQuads), "template", len(tmplQuads))

	sol, err := s.findTransform(srcQuads, tmplQuads)
	if err != nil {
		return nil, err
	}
	s.log.Info("transform validated",
		"nmatch", sol.NMatch,
		"scale", sol.Transform.Scale(),
		"rotation_deg", sol.Transform.RotationDegrees())

	if s.set.SplineOrder > 0 {
		pair, err := s.fitSurfaces(sol)
		if err != nil {
			return nil, err
		}
		sol.Surfaces = pair
		s.state = StateResidualFit
	}

	if err := s.attachResidualStats(sol); err != nil {
		return nil, err
	}
	s.state = StateAligned
	return sol, nil
}

// findTransform searches candidate quad pairs in hash space and validates
// them against the full catalogs. The first candidate whose bootstrap
// transform matches more than minnmatch detections is refined and adopted.
func (s *Solver) findTransform(srcQuads, tmplQuads []quad.Quad) (*Solution, error) {
	type candidate struct {
		src  int
		tmpl int
		dist float64
	}

	cands := make([]candidate, 0, len(srcQuads))
	best := math.Inf(1)
	for i := range srcQuads {
		nearest := math.Inf(1)
		at := -1
		for j := range tmplQuads {
			if d := srcQuads[i].HashDistance(tmplQuads[j]); d < nearest {
				nearest = d
				at = j
			}
		}
		if at >= 0 {
			cands = append(cands, candidate{src: i, tmpl: at, dist: nearest})
			if nearest < best {
				best = nearest
			}
		}
	}
	if !(best < s.set.MinQuadDist) {
		return nil, &NoQuadMatchError{BestDistance: best, Threshold: s.set.MinQuadDist}
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > s.set.MaxCands {
		cands = cands[:s.set.MaxCands]
	}

	bestCount := 0
	for _, c := range cands {
		if c.dist >= s.set.MinQuadDist {
			break
		}
		sq, tq := srcQuads[c.src], tmplQuads[c.tmpl]

		// Exact 2-point bootstrap from the canonical diagonal pairs.
		trial, err := geom.FitSimilarity(sq.Points[:2], tq.Points[:2])
		if err != nil {
			s.log.Warn("skipping degenerate quad candidate", "error", err)
			continue
		}
		s.state = StateCandidateFound

		nmatch, srcM, tmplM := matchDetections(trial, s.source, s.template, s.set.MaxMatchDist)
		if nmatch > bestCount {
			bestCount = nmatch
		}
		if nmatch <= s.set.MinNMatch {
			s.log.Debug("candidate rejected", "hash_dist", c.dist, "nmatch", nmatch)
			continue
		}

		refined, err := geom.FitSimilarity(srcM.Points(), tmplM.Points())
		if err != nil {
			return nil, fmt.Errorf("refining transform over %d matches: %w", nmatch, err)
		}
		nmatch, srcM, tmplM = matchDetections(refined, s.source, s.template, s.set.MaxMatchDist)
		s.state = StateValidated
		return &Solution{
			Transform:       refined,
			NMatch:          nmatch,
			QuadDistance:    c.dist,
			SourceMatched:   srcM,
			TemplateMatched: tmplM,
		}, nil
	}
	return nil, &InsufficientMatchError{BestCount: bestCount, Required: s.set.MinNMatch}
}

// matchDetections maps every source detection through the transform and
// pairs it with its nearest template detection, requiring the nearest to
// lie within maxDist and the second-nearest at least 2*maxDist away. The
// second condition rejects ambiguous matches near blended or
// over-segmented detections. With a single template detection the
// second-nearest is +Inf, so a lone detection can still match.
func matchDetections(t geom.SimilarityTransform, src, tmpl catalog.Catalog, maxDist float64) (int, catalog.Catalog, catalog.Catalog) {
	var srcM, tmplM catalog.Catalog
	for _, sd := range src {
		mx, my := t.ApplyXY(sd.X, sd.Y)
		nearest, second := math.Inf(1), math.Inf(1)
		at := -1
		for j := range tmpl {
			dx := tmpl[j].X - mx
			dy := tmpl[j].Y - my
			d := math.Sqrt(dx*dx + dy*dy)
			if d < nearest {
				nearest, second = d, nearest
				at = j
			} else if d < second {
				second = d
			}
		}
		if at >= 0 && nearest <= maxDist && second >= 2*maxDist {
			srcM = append(srcM, sd)
			tmplM = append(tmplM, tmpl[at])
		}
	}
	return len(srcM), srcM, tmplM
}

// fitSurfaces fits the per-axis residual surfaces over template-frame
// coordinates of the matched detections.
func (s *Solver) fitSurfaces(sol *Solution) (*surface.Pair, error) {
	pts := sol.TemplateMatched.Points()
	dx := make([]float64, len(pts))
	dy := make([]float64, len(pts))
	for i, sd := range sol.SourceMatched {
		mx, my := sol.Transform.ApplyXY(sd.X, sd.Y)
		dx[i] = pts[i].X - mx
		dy[i] = pts[i].Y - my
	}
	pair, err := surface.FitPair(pts, dx, dy, s.set.SplineOrder)
	if err != nil {
		return nil, &ResidualFitError{Matches: len(pts), Order: s.set.SplineOrder, Err: err}
	}
	return &pair, nil
}

// attachResidualStats computes the similarity-only and final residual
// statistics using the same coordinate map the resampler applies: inverse
// similarity, minus the fitted residual offsets when surfaces exist.
func (s *Solver) attachResidualStats(sol *Solution) error {
	inv, err := sol.Transform.Inverse()
	if err != nil {
		return fmt.Errorf("inverting solved transform: %w", err)
	}

	n := len(sol.SourceMatched)
	dxSim := make([]float64, n)
	dySim := make([]float64, n)
	dxFin := make([]float64, n)
	dyFin := make([]float64, n)
	for i := range sol.SourceMatched {
		tp := sol.TemplateMatched[i]
		px, py := inv.ApplyXY(tp.X, tp.Y)
		dxSim[i] = px - sol.SourceMatched[i].X
		dySim[i] = py - sol.SourceMatched[i].Y
		if sol.Surfaces != nil {
			ox, oy := sol.Surfaces.Offsets(tp.X, tp.Y)
			dxFin[i] = (px - ox) - sol.SourceMatched[i].X
			dyFin[i] = (py - oy) - sol.SourceMatched[i].Y
		} else {
			dxFin[i], dyFin[i] = dxSim[i], dySim[i]
		}
	}
	sol.SimilarityStats = newResidualStats(dxSim, dySim)
	sol.FinalStats = newResidualStats(dxFin, dyFin)
	return nil
}

func newResidualStats(dx, dy []float64) ResidualStats {
	sdx := append([]float64(nil), dx...)
	sdy := append([]float64(nil), dy...)
	sort.Float64s(sdx)
	sort.Float64s(sdy)
	return ResidualStats{
		MedianX: stat.Quantile(0.5, stat.LinInterp, sdx, nil),
		MedianY: stat.Quantile(0.5, stat.LinInterp, sdy, nil),
		StdX:    stat.StdDev(dx, nil),
		StdY:    stat.StdDev(dy, nil),
	}
}
