package register

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"astralign/internal/catalog"
	"astralign/internal/config"
	"astralign/internal/geom"
)

func TestSolveRecoversSimilarity(t *testing.T) {
	truth := similarityFrom(1.02, 7.0, 15, -8)
	source := starField(7, 300)
	template := transformWithNoise(source, truth, 0.3, 11)

	set := config.DefaultSettings()
	set.NDets = 1.0

	s, err := NewSolver(discardLogger(), set, source, template)
	if err != nil {
		t.Fatalf("NewSolver failed: %v", err)
	}
	sol, err := s.Solve()
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	if got := s.State(); got != StateAligned {
		t.Errorf("state = %v, want %v", got, StateAligned)
	}
	if sol.NMatch < set.MinNMatch {
		t.Errorf("nmatch = %d, want >= %d", sol.NMatch, set.MinNMatch)
	}
	if len(sol.SourceMatched) != sol.NMatch || len(sol.TemplateMatched) != sol.NMatch {
		t.Errorf("matched catalogs have %d/%d entries, want %d each",
			len(sol.SourceMatched), len(sol.TemplateMatched), sol.NMatch)
	}
	if sol.QuadDistance >= set.MinQuadDist {
		t.Errorf("adopted quad distance %g, want < %g", sol.QuadDistance, set.MinQuadDist)
	}

	got := sol.Transform
	if math.Abs(got.A-truth.A) > 1e-3 || math.Abs(got.B-truth.B) > 1e-3 {
		t.Errorf("rotation-scale terms (%g, %g), want (%g, %g) within 1e-3",
			got.A, got.B, truth.A, truth.B)
	}
	if math.Abs(got.C-truth.C) > 0.2 || math.Abs(got.D-truth.D) > 0.2 {
		t.Errorf("translation (%g, %g), want (%g, %g) within 0.2",
			got.C, got.D, truth.C, truth.D)
	}
	if sc := got.Scale(); math.Abs(sc-1.02) > 1e-3 {
		t.Errorf("scale = %g, want 1.02", sc)
	}
	if rot := got.RotationDegrees(); math.Abs(rot-7.0) > 0.1 {
		t.Errorf("rotation = %g deg, want 7", rot)
	}

	if sol.Surfaces == nil {
		t.Fatal("expected residual surfaces with spline order 3")
	}
	for _, st := range []ResidualStats{sol.SimilarityStats, sol.FinalStats} {
		if math.Abs(st.MedianX) > 0.1 || math.Abs(st.MedianY) > 0.1 {
			t.Errorf("residual medians (%g, %g), want within 0.1 of zero", st.MedianX, st.MedianY)
		}
		if st.StdX <= 0 || st.StdX > 1 || st.StdY <= 0 || st.StdY > 1 {
			t.Errorf("residual stddevs (%g, %g), want in (0, 1]", st.StdX, st.StdY)
		}
	}
}

func TestSolveWithoutResidualSurfaces(t *testing.T) {
	truth := similarityFrom(0.98, -4.0, -20, 33)
	source := starField(3, 300)
	template := transformWithNoise(source, truth, 0.3, 5)

	set := config.DefaultSettings()
	set.NDets = 1.0
	set.SplineOrder = 0

	s, err := NewSolver(discardLogger(), set, source, template)
	if err != nil {
		t.Fatalf("NewSolver failed: %v", err)
	}
	sol, err := s.Solve()
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if s.State() != StateAligned {
		t.Errorf("state = %v, want %v", s.State(), StateAligned)
	}
	if sol.Surfaces != nil {
		t.Error("expected no residual surfaces with spline order 0")
	}
	if sol.FinalStats != sol.SimilarityStats {
		t.Errorf("final stats %+v differ from similarity stats %+v without surfaces",
			sol.FinalStats, sol.SimilarityStats)
	}
}

func TestSolveNoQuadMatch(t *testing.T) {
	// One quad per side with incompatible geometry: a square against a
	// nearly collinear quad. Their canonical signatures are far apart.
	source := catalog.Catalog{
		{X: 0, Y: 0, Flux: 400, FWHM: 3},
		{X: 100, Y: 0, Flux: 300, FWHM: 3},
		{X: 0, Y: 100, Flux: 200, FWHM: 3},
		{X: 100, Y: 100, Flux: 100, FWHM: 3},
	}
	template := catalog.Catalog{
		{X: 0, Y: 0, Flux: 400, FWHM: 3},
		{X: 100, Y: 0, Flux: 300, FWHM: 3},
		{X: 10, Y: 5, Flux: 200, FWHM: 3},
		{X: 90, Y: 5, Flux: 100, FWHM: 3},
	}

	set := config.DefaultSettings()
	set.NDets = 1.0
	set.NQuadDets = 4
	set.MinQuadSep = 5
	set.MinNMatch = 4

	s, err := NewSolver(discardLogger(), set, source, template)
	if err != nil {
		t.Fatalf("NewSolver failed: %v", err)
	}
	_, err = s.Solve()
	var nqm *NoQuadMatchError
	if !errors.As(err, &nqm) {
		t.Fatalf("Solve error = %v, want NoQuadMatchError", err)
	}
	if nqm.BestDistance < nqm.Threshold {
		t.Errorf("best distance %g below threshold %g", nqm.BestDistance, nqm.Threshold)
	}
	if s.State() != StateQuadsBuilt {
		t.Errorf("state = %v, want %v", s.State(), StateQuadsBuilt)
	}
}

func TestSolveInsufficientMatches(t *testing.T) {
	// Both catalogs share the same 20 bright detections, so quads agree
	// and the bootstrap transform is the identity, but the faint halves
	// are disjoint and the 20 correspondences cannot reach minnmatch.
	var bright catalog.Catalog
	for i := 0; i < 20; i++ {
		bright = append(bright, catalog.Detection{
			X:    100 + float64(i%5)*400,
			Y:    100 + float64(i/5)*400,
			Flux: 1e6 - float64(i),
			FWHM: 3,
		})
	}
	source := append(catalog.Catalog{}, bright...)
	template := append(catalog.Catalog{}, bright...)
	for i := 0; i < 30; i++ {
		x := 150 + float64(i%6)*300
		y := 1600 + float64(i/6)*60
		source = append(source, catalog.Detection{X: x, Y: y, Flux: 1000 - float64(i), FWHM: 3})
		template = append(template, catalog.Detection{X: x + 20, Y: y + 30, Flux: 1000 - float64(i), FWHM: 3})
	}

	set := config.DefaultSettings()
	set.NDets = 1.0
	set.MinNMatch = 30

	s, err := NewSolver(discardLogger(), set, source, template)
	if err != nil {
		t.Fatalf("NewSolver failed: %v", err)
	}
	_, err = s.Solve()
	var ime *InsufficientMatchError
	if !errors.As(err, &ime) {
		t.Fatalf("Solve error = %v, want InsufficientMatchError", err)
	}
	if ime.BestCount != 20 {
		t.Errorf("best count = %d, want 20", ime.BestCount)
	}
	if ime.Required != 30 {
		t.Errorf("required = %d, want 30", ime.Required)
	}
	if s.State() != StateCandidateFound {
		t.Errorf("state = %v, want %v", s.State(), StateCandidateFound)
	}
}

func TestNewSolverRejectsUnsatisfiableNDets(t *testing.T) {
	source := starField(1, 100)
	template := starField(2, 100)

	set := config.DefaultSettings()
	set.NDets = 0.3 // resolves to 30 detections against minnmatch 200

	_, err := NewSolver(discardLogger(), set, source, template)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("NewSolver error = %v, want ConfigurationError", err)
	}
}

func TestNewSolverRejectsInvalidSettings(t *testing.T) {
	source := starField(1, 100)
	template := starField(2, 100)

	set := config.DefaultSettings()
	set.NQuadDets = 3

	_, err := NewSolver(discardLogger(), set, source, template)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("NewSolver error = %v, want ConfigurationError", err)
	}
	if ce.Unwrap() == nil {
		t.Error("expected wrapped validation error")
	}
}

func TestNewSolverRejectsTinyCatalogs(t *testing.T) {
	// Three detections can never form a quad; minnmatch >= 4 guarantees
	// this fails at construction rather than producing an empty alignment.
	source := starField(1, 3)
	template := starField(2, 3)

	set := config.DefaultSettings()
	set.NDets = 1.0

	_, err := NewSolver(discardLogger(), set, source, template)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("NewSolver error = %v, want ConfigurationError", err)
	}
}

func TestSolveNoQuadsFromFilteredCatalogs(t *testing.T) {
	// Plenty of raw detections, but every one is flagged bad. The trim
	// leaves nothing to build quads from and the solve must fail loudly.
	source := starField(3, 250)
	template := starField(4, 250)
	for i := range source {
		source[i].Flags = 99
	}
	for i := range template {
		template[i].Flags = 99
	}

	set := config.DefaultSettings()
	set.NDets = 1.0
	set.MinNMatch = 4

	s, err := NewSolver(discardLogger(), set, source, template)
	if err != nil {
		t.Fatalf("NewSolver failed: %v", err)
	}
	_, err = s.Solve()
	var nqm *NoQuadMatchError
	if !errors.As(err, &nqm) {
		t.Fatalf("Solve error = %v, want NoQuadMatchError", err)
	}
}

func TestMatchDetections(t *testing.T) {
	ident := geom.SimilarityTransform{A: 1}
	src := catalog.Catalog{
		{X: 100, Y: 100, Flux: 3},
		{X: 200, Y: 200, Flux: 2},
		{X: 500, Y: 500, Flux: 1},
	}
	tmpl := catalog.Catalog{
		{X: 101, Y: 100, Flux: 3}, // nearest to src[0], but ambiguous
		{X: 104, Y: 100, Flux: 3}, // second neighbour within 2*maxDist
		{X: 201, Y: 200, Flux: 2},
	}

	nmatch, srcM, tmplM := matchDetections(ident, src, tmpl, 5)
	if nmatch != 1 {
		t.Fatalf("nmatch = %d, want 1", nmatch)
	}
	if srcM[0].X != 200 || tmplM[0].X != 201 {
		t.Errorf("matched pair (%g, %g), want source 200 to template 201", srcM[0].X, tmplM[0].X)
	}
}

func TestMatchDetectionsLoneTemplate(t *testing.T) {
	// With a single template detection there is no second neighbour to
	// disambiguate against, so a close match still counts.
	ident := geom.SimilarityTransform{A: 1}
	src := catalog.Catalog{{X: 50, Y: 50, Flux: 1}}
	tmpl := catalog.Catalog{{X: 52, Y: 50, Flux: 1}}

	nmatch, _, _ := matchDetections(ident, src, tmpl, 5)
	if nmatch != 1 {
		t.Fatalf("nmatch = %d, want 1", nmatch)
	}
}

func TestMatchDetectionsAppliesTransform(t *testing.T) {
	shift := geom.SimilarityTransform{A: 1, C: 10, D: -5}
	src := catalog.Catalog{{X: 100, Y: 100, Flux: 1}}
	tmpl := catalog.Catalog{{X: 111, Y: 95, Flux: 1}}

	nmatch, _, _ := matchDetections(shift, src, tmpl, 5)
	if nmatch != 1 {
		t.Fatalf("nmatch = %d, want 1", nmatch)
	}
	nmatch, _, _ = matchDetections(shift, src, tmpl, 0.5)
	if nmatch != 0 {
		t.Fatalf("nmatch = %d with tight radius, want 0", nmatch)
	}
}

func TestResolveNDets(t *testing.T) {
	cases := []struct {
		ndets      float64
		nsrc, ntpl int
		want       int
	}{
		{0.5, 300, 200, 100},
		{1.0, 300, 200, 200},
		{250, 300, 200, 250},
		{0.25, 100, 400, 25},
	}
	for _, c := range cases {
		if got := resolveNDets(c.ndets, c.nsrc, c.ntpl); got != c.want {
			t.Errorf("resolveNDets(%g, %d, %d) = %d, want %d", c.ndets, c.nsrc, c.ntpl, got, c.want)
		}
	}
}

// Helpers

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func similarityFrom(scale, rotDeg, tx, ty float64) geom.SimilarityTransform {
	rad := rotDeg * math.Pi / 180
	return geom.SimilarityTransform{
		A: scale * math.Cos(rad),
		B: scale * math.Sin(rad),
		C: tx,
		D: ty,
	}
}

// starField generates a reproducible catalog of n detections spread over
// a 2k x 2k frame with strictly decreasing fluxes.
func starField(seed int64, n int) catalog.Catalog {
	rng := rand.New(rand.NewSource(seed))
	cat := make(catalog.Catalog, 0, n)
	for i := 0; i < n; i++ {
		cat = append(cat, catalog.Detection{
			X:    50 + rng.Float64()*1950,
			Y:    50 + rng.Float64()*1950,
			Flux: 1e6 - float64(i)*100,
			FWHM: 3,
		})
	}
	return cat
}

// transformWithNoise maps a catalog through the transform and jitters
// each position with gaussian noise of the given sigma.
func transformWithNoise(cat catalog.Catalog, tr geom.SimilarityTransform, sigma float64, seed int64) catalog.Catalog {
	rng := rand.New(rand.NewSource(seed))
	out := make(catalog.Catalog, 0, len(cat))
	for _, d := range cat {
		x, y := tr.ApplyXY(d.X, d.Y)
		nd := d
		nd.X = x + rng.NormFloat64()*sigma
		nd.Y = y + rng.NormFloat64()*sigma
		out = append(out, nd)
	}
	return out
}
