package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"astralign/internal/catalog"
	"astralign/internal/config"
	"astralign/internal/fits"
	"astralign/internal/geom"
	"astralign/internal/logging"
	"astralign/internal/register"
	"astralign/internal/resample"
	"astralign/internal/storage"
	"astralign/internal/surface"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	set        config.Settings
	workers    int
	solveFn    solveFunc
	resampleFn resampleFunc
}

type solveFunc func(log *slog.Logger, set config.Settings, source, template catalog.Catalog) (*register.Solution, error)

type resampleFunc func(src *fits.Image, tr geom.SimilarityTransform, surfaces *surface.Pair, opts resample.Options) (*fits.Image, error)

func newRouter(logger *slog.Logger, store *storage.Store, set config.Settings, workers int) Processor {
	return &router{
		log:     logger,
		store:   store,
		set:     set,
		workers: workers,
		solveFn: func(log *slog.Logger, set config.Settings, source, template catalog.Catalog) (*register.Solution, error) {
			solver, err := register.NewSolver(log, set, source, template)
			if err != nil {
				return nil, err
			}
			return solver.Solve()
		},
		resampleFn: resample.Apply,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobSolve:
		return r.handleSolve(ctx, job)
	case JobAlign:
		return r.handleAlign(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// handleSolve computes the source-to-template transform from a catalog
// pair. InputPath is the source catalog, the template catalog comes from
// the templateCatalog option.
func (r *router) handleSolve(ctx context.Context, job Job) Result {
	templatePath, _ := job.Options["templateCatalog"].(string)
	if templatePath == "" {
		return Result{Job: job, Error: fmt.Errorf("solve requires a templateCatalog option")}
	}

	source, err := catalog.LoadFile(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("loading source catalog: %w", err)}
	}
	template, err := catalog.LoadFile(templatePath)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("loading template catalog: %w", err)}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}

	sol, err := r.solveFn(r.log, r.settingsFor(job.Options), source, template)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	r.recordSolution(job.ID, sol)
	logging.LogSolution(r.log, job.ID, sol.NMatch, sol.Transform.Scale(), sol.Transform.RotationDegrees())

	return Result{Job: job, Meta: solutionMeta(sol)}
}

// handleAlign solves the catalog pair and resamples the source image onto
// the template grid. InputPath is the source FITS image; the catalogs come
// from the sourceCatalog and templateCatalog options.
func (r *router) handleAlign(ctx context.Context, job Job) Result {
	sourceCat, _ := job.Options["sourceCatalog"].(string)
	templateCat, _ := job.Options["templateCatalog"].(string)
	if sourceCat == "" || templateCat == "" {
		return Result{Job: job, Error: fmt.Errorf("align requires sourceCatalog and templateCatalog options")}
	}
	if job.Output == "" {
		return Result{Job: job, Error: fmt.Errorf("align requires an output path")}
	}

	source, err := catalog.LoadFile(sourceCat)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("loading source catalog: %w", err)}
	}
	template, err := catalog.LoadFile(templateCat)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("loading template catalog: %w", err)}
	}
	img, err := fits.ReadFile(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("reading source image: %w", err)}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}

	set := r.settingsFor(job.Options)
	sol, err := r.solveFn(r.log, set, source, template)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}

	// Output keeps the source shape unless the job overrides it.
	width, height := img.Width, img.Height
	if v, ok := lookupIntOption(job.Options, "width"); ok {
		width = v
	}
	if v, ok := lookupIntOption(job.Options, "height"); ok {
		height = v
	}

	out, err := r.resampleFn(img, sol.Transform, sol.Surfaces, resample.Options{
		Width:   width,
		Height:  height,
		Order:   set.InterpOrder,
		Fill:    set.FillValue,
		Workers: r.workers,
	})
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("resampling: %w", err)}
	}
	if err := fits.WriteFile(job.Output, out); err != nil {
		return Result{Job: job, Error: fmt.Errorf("writing aligned image: %w", err)}
	}

	r.recordSolution(job.ID, sol)
	if r.store != nil {
		exptime, _ := img.Header.GetFloat("EXPTIME")
		_ = r.store.RecordImageInfo(storage.ImageInfo{
			FilePath:     job.Output,
			Object:       img.Header.GetString("OBJECT"),
			Filter:       img.Header.GetString("FILTER"),
			ExposureTime: exptime,
			Width:        out.Width,
			Height:       out.Height,
			Bitpix:       out.Bitpix,
		})
	}
	logging.LogSolution(r.log, job.ID, sol.NMatch, sol.Transform.Scale(), sol.Transform.RotationDegrees())

	meta := solutionMeta(sol)
	meta["output"] = job.Output
	meta["width"] = out.Width
	meta["height"] = out.Height
	return Result{Job: job, Meta: meta}
}

// settingsFor overlays per-job option overrides on the configured
// alignment settings. Numeric options may arrive as float64 when the job
// was posted through the JSON API.
func (r *router) settingsFor(options map[string]any) config.Settings {
	set := r.set
	if v, ok := lookupFloatOption(options, "ndets"); ok {
		set.NDets = v
	}
	if v, ok := lookupIntOption(options, "nQuadDets"); ok {
		set.NQuadDets = v
	}
	if v, ok := lookupFloatOption(options, "minQuadSep"); ok {
		set.MinQuadSep = v
	}
	if v, ok := lookupFloatOption(options, "maxMatchDist"); ok {
		set.MaxMatchDist = v
	}
	if v, ok := lookupIntOption(options, "minNMatch"); ok {
		set.MinNMatch = v
	}
	if v, ok := lookupFloatOption(options, "minFWHM"); ok {
		set.MinFWHM = v
	}
	if v, ok := lookupIntOption(options, "maxFlag"); ok {
		set.MaxFlag = v
	}
	if v, ok := lookupIntOption(options, "splineOrder"); ok {
		set.SplineOrder = v
	}
	if v, ok := lookupIntOption(options, "interpOrder"); ok {
		set.InterpOrder = v
	}
	if v, ok := lookupIntOption(options, "maxCands"); ok {
		set.MaxCands = v
	}
	if v, ok := lookupFloatOption(options, "minQuadDist"); ok {
		set.MinQuadDist = v
	}
	if v, ok := lookupFloatOption(options, "fillValue"); ok {
		set.FillValue = v
	}
	return set
}

func (r *router) recordSolution(jobID string, sol *register.Solution) {
	if r.store == nil {
		return
	}
	_ = r.store.RecordSolution(storage.SolutionRecord{
		JobID:        jobID,
		A:            sol.Transform.A,
		B:            sol.Transform.B,
		C:            sol.Transform.C,
		D:            sol.Transform.D,
		NMatch:       sol.NMatch,
		QuadDistance: sol.QuadDistance,
		DxMedian:     sol.FinalStats.MedianX,
		DxStd:        sol.FinalStats.StdX,
		DyMedian:     sol.FinalStats.MedianY,
		DyStd:        sol.FinalStats.StdY,
	})
}

func solutionMeta(sol *register.Solution) map[string]any {
	return map[string]any{
		"a":            sol.Transform.A,
		"b":            sol.Transform.B,
		"c":            sol.Transform.C,
		"d":            sol.Transform.D,
		"scale":        sol.Transform.Scale(),
		"rotation":     sol.Transform.RotationDegrees(),
		"nmatch":       sol.NMatch,
		"quadDistance": sol.QuadDistance,
		"dxMedian":     sol.FinalStats.MedianX,
		"dyMedian":     sol.FinalStats.MedianY,
		"dxStd":        sol.FinalStats.StdX,
		"dyStd":        sol.FinalStats.StdY,
	}
}

// Helper functions to safely extract typed options from job.Options map
func lookupFloatOption(options map[string]any, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func lookupIntOption(options map[string]any, key string) (int, bool) {
	switch v := options[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
