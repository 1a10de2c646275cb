package cli

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"astralign/internal/config"
	"astralign/internal/fsutil"
	"astralign/internal/pipeline"
	"astralign/internal/server"
	"astralign/internal/storage"
)

const version = "v1.0.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, watchCfg config.Watch, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, watchCfg config.Watch, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	srv, err := server.NewServer(addr, store, real, watchCfg, log)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

type arrayFlag []string

func (i *arrayFlag) String() string {
	return fmt.Sprint(*i)
}

func (i *arrayFlag) Set(value string) error {
	*i = append(*i, value)
	return nil
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
}

// NewRoot constructs the CLI root command.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
	}
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		r.usage()
		return nil
	}

	// Global help handling
	if args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		if len(args) == 1 {
			r.usage()
			return nil
		}
		return r.showCommandHelp(args[1])
	}

	switch args[0] {
	case "solve":
		return r.cmdSolve(ctx, args[1:])
	case "align":
		return r.cmdAlign(ctx, args[1:])
	case "serve":
		return r.cmdServe(ctx, args[1:])
	case "jobs":
		return r.cmdJobs(ctx, args[1:])
	case "config":
		return r.cmdConfig(ctx, args[1:])
	case "version":
		return r.cmdVersion()
	default:
		r.log.Error("unknown command", "command", args[0])
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// solverFlags are the alignment parameters shared by solve and align.
type solverFlags struct {
	ndets        *float64
	nQuadDets    *int
	minQuadSep   *float64
	maxMatchDist *float64
	minNMatch    *int
	minFWHM      *float64
	maxFlag      *int
	splineOrder  *int
}

func registerSolverFlags(fs *flag.FlagSet, set config.Settings) *solverFlags {
	return &solverFlags{
		ndets:        fs.Float64("ndets", set.NDets, "detections to keep: fraction (0,1] or absolute count"),
		nQuadDets:    fs.Int("quad-dets", set.NQuadDets, "brightest detections used to build quads"),
		minQuadSep:   fs.Float64("min-quad-sep", set.MinQuadSep, "minimum quad diagonal in pixels"),
		maxMatchDist: fs.Float64("max-match-dist", set.MaxMatchDist, "cross-match radius in pixels"),
		minNMatch:    fs.Int("min-nmatch", set.MinNMatch, "matched pairs needed to accept a transform"),
		minFWHM:      fs.Float64("min-fwhm", set.MinFWHM, "minimum detection FWHM in pixels"),
		maxFlag:      fs.Int("max-flag", set.MaxFlag, "maximum extraction flag value"),
		splineOrder:  fs.Int("spline-order", set.SplineOrder, "residual surface spline order, 0 disables"),
	}
}

func (f *solverFlags) options(dst map[string]any) {
	dst["ndets"] = *f.ndets
	dst["nQuadDets"] = *f.nQuadDets
	dst["minQuadSep"] = *f.minQuadSep
	dst["maxMatchDist"] = *f.maxMatchDist
	dst["minNMatch"] = *f.minNMatch
	dst["minFWHM"] = *f.minFWHM
	dst["maxFlag"] = *f.maxFlag
	dst["splineOrder"] = *f.splineOrder
}

func (r *Root) cmdSolve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("solve", flag.ContinueOnError)
	template := fs.String("template", r.cfg.Watch.TemplateCatalog, "template catalog path")
	sf := registerSolverFlags(fs, r.cfg.Alignment)
	if err := fs.Parse(args); err != nil {
		return err
	}
	input := fs.Arg(0)
	if input == "" {
		return fmt.Errorf("solve requires a source catalog")
	}
	if *template == "" {
		return fmt.Errorf("solve requires a template catalog (--template or watch.template_catalog)")
	}

	options := map[string]any{
		"templateCatalog": *template,
		"source":          "cli",
	}
	sf.options(options)

	job := pipeline.Job{
		ID:        pipeline.NewID("solve"),
		Type:      pipeline.JobSolve,
		InputPath: input,
		Options:   options,
	}
	return r.enqueueAndWait(ctx, job)
}

func (r *Root) cmdAlign(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("align", flag.ContinueOnError)
	catalog := fs.String("catalog", "", "source detection catalog (defaults to a sibling of the image)")
	template := fs.String("template", r.cfg.Watch.TemplateCatalog, "template catalog path")
	output := fs.String("output", "", "output FITS path (defaults next to the input)")
	interpOrder := fs.Int("interp-order", r.cfg.Alignment.InterpOrder, "resampling spline order (0-5)")
	fillValue := fs.Float64("fill-value", r.cfg.Alignment.FillValue, "value for pixels with no source coverage")
	width := fs.Int("width", 0, "output width, defaults to the source width")
	height := fs.Int("height", 0, "output height, defaults to the source height")
	sf := registerSolverFlags(fs, r.cfg.Alignment)
	if err := fs.Parse(args); err != nil {
		return err
	}
	input := fs.Arg(0)
	if input == "" {
		return fmt.Errorf("align requires a source FITS image")
	}
	if *template == "" {
		return fmt.Errorf("align requires a template catalog (--template or watch.template_catalog)")
	}

	srcCat := *catalog
	if srcCat == "" {
		srcCat = fsutil.SiblingCatalog(input)
		if srcCat == "" {
			return fmt.Errorf("no catalog found next to %s, pass --catalog", input)
		}
	}

	out := *output
	if out == "" {
		stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		dir := r.cfg.Paths.DefaultOutput
		if dir == "" {
			dir = filepath.Dir(input)
		}
		out = filepath.Join(dir, stem+"_aligned.fits")
	}

	options := map[string]any{
		"sourceCatalog":   srcCat,
		"templateCatalog": *template,
		"interpOrder":     *interpOrder,
		"fillValue":       *fillValue,
		"source":          "cli",
	}
	if *width > 0 {
		options["width"] = *width
	}
	if *height > 0 {
		options["height"] = *height
	}
	sf.options(options)

	job := pipeline.Job{
		ID:        pipeline.NewID("align"),
		Type:      pipeline.JobAlign,
		InputPath: input,
		Output:    out,
		Options:   options,
	}
	return r.enqueueAndWait(ctx, job)
}

func (r *Root) cmdServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", r.cfg.Server.Addr, "listen address")
	template := fs.String("template", r.cfg.Watch.TemplateCatalog, "template catalog for watched alignments")
	var watchDirs arrayFlag
	fs.Var(&watchDirs, "watch", "directory to monitor for new catalogs (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	watchCfg := r.cfg.Watch
	if len(watchDirs) > 0 {
		watchCfg.Enabled = true
		watchCfg.Dirs = watchDirs
	}
	watchCfg.TemplateCatalog = *template

	return r.serveFn(ctx, *addr, r.store, r.pipeline, watchCfg, r.log)
}

func (r *Root) cmdJobs(ctx context.Context, args []string) error {
	_ = ctx
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of jobs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return r.listJobs(*limit)
}

func (r *Root) listJobs(limit int) error {
	recs, err := r.store.RecentJobs(limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stdout, "No jobs recorded")
		return nil
	}
	for _, rec := range recs {
		fmt.Fprintf(os.Stdout, "%-28s %-6s %-10s %s\n", rec.ID, rec.JobType, rec.Status, rec.InputPath)
		if rec.Error != "" {
			fmt.Fprintf(os.Stdout, "%-28s   error: %s\n", "", rec.Error)
		}
	}
	return nil
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				if res.Error != nil {
					return res.Error
				}
				r.printResult(res)
				return nil
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func (r *Root) printResult(res pipeline.Result) {
	if res.Meta == nil {
		return
	}
	fmt.Fprintf(os.Stdout, "Job %s completed\n", res.Job.ID)
	if nm, ok := res.Meta["nmatch"].(int); ok {
		fmt.Fprintf(os.Stdout, "  matched pairs: %d\n", nm)
	}
	scale, okScale := res.Meta["scale"].(float64)
	rot, okRot := res.Meta["rotation"].(float64)
	if okScale && okRot {
		fmt.Fprintf(os.Stdout, "  scale: %.6f  rotation: %.4f deg\n", scale, rot)
	}
	dx, okDx := res.Meta["dxMedian"].(float64)
	dy, okDy := res.Meta["dyMedian"].(float64)
	if okDx && okDy {
		fmt.Fprintf(os.Stdout, "  residual medians: dx=%.3f dy=%.3f px\n", dx, dy)
	}
	if out, ok := res.Meta["output"].(string); ok {
		fmt.Fprintf(os.Stdout, "  output: %s\n", out)
	}
}

func (r *Root) usage() {
	fmt.Fprintf(os.Stdout, `Astralign - Astronomical Catalog Alignment

Usage:
  astralign <command> [options] <arguments>

Options come before the positional argument.

Processing Commands:
  solve        Solve the transform from a source catalog to a template
  align        Solve and resample a FITS image onto the template frame

Utility Commands:
  serve        Start the HTTP API server and directory watcher
  jobs         List recent jobs
  config       Manage configuration settings
  version      Show version information

Global Options:
  --help, -h      Show help for command

Examples:
  astralign solve --template /data/template.cat /data/new.cat
  astralign align --template /data/template.cat --output /data/new_aligned.fits /data/new.fits
  astralign serve --addr 127.0.0.1:8713 --watch /data/incoming --template /data/template.cat

For detailed help on any command:
  astralign help <command>
`)
}

func (r *Root) showCommandHelp(cmd string) error {
	switch cmd {
	case "solve":
		fmt.Fprintf(os.Stdout, "Usage: astralign solve [options] <source_catalog>\nSolve the similarity transform mapping a source catalog onto a template catalog.\nOptions:\n  --template PATH       Template catalog (default: %s)\n  --ndets N             Detections to keep: fraction (0,1] or absolute count (default: %g)\n  --quad-dets N         Brightest detections used to build quads (default: %d)\n  --min-quad-sep PX     Minimum quad diagonal in pixels (default: %g)\n  --max-match-dist PX   Cross-match radius in pixels (default: %g)\n  --min-nmatch N        Matched pairs needed to accept a transform (default: %d)\n  --min-fwhm PX         Minimum detection FWHM (default: %g)\n  --max-flag N          Maximum extraction flag value (default: %d)\n  --spline-order N      Residual surface spline order, 0 disables (default: %d)\nExamples:\n  astralign solve --template /data/template.cat --min-nmatch 100 /data/new.cat\n",
			r.cfg.Watch.TemplateCatalog, r.cfg.Alignment.NDets, r.cfg.Alignment.NQuadDets, r.cfg.Alignment.MinQuadSep,
			r.cfg.Alignment.MaxMatchDist, r.cfg.Alignment.MinNMatch, r.cfg.Alignment.MinFWHM, r.cfg.Alignment.MaxFlag,
			r.cfg.Alignment.SplineOrder)
	case "align":
		fmt.Fprintf(os.Stdout, "Usage: astralign align [options] <source_image>\nSolve against the template and resample the image onto the template pixel grid.\nOptions:\n  --catalog PATH        Source detection catalog (default: sibling of the image)\n  --template PATH       Template catalog (default: %s)\n  --output PATH         Output FITS path (default: <stem>_aligned.fits)\n  --interp-order N      Resampling spline order 0-5 (default: %d)\n  --fill-value V        Value for pixels with no source coverage (default: %g)\n  --width N             Output width (default: source width)\n  --height N            Output height (default: source height)\nSolver options are shared with the solve command, see: astralign help solve\nExamples:\n  astralign align --template /data/template.cat /data/new.fits\n",
			r.cfg.Watch.TemplateCatalog, r.cfg.Alignment.InterpOrder, r.cfg.Alignment.FillValue)
	case "serve":
		fmt.Fprintf(os.Stdout, "Usage: astralign serve [options]\nStart the HTTP API server, and optionally watch directories for new catalogs.\nOptions:\n  --addr HOST:PORT      Listen address (default: %s)\n  --watch DIR           Directory to monitor, repeatable\n  --template PATH       Template catalog for watched alignments (default: %s)\nExamples:\n  astralign serve --addr 127.0.0.1:8713\n  astralign serve --watch /data/incoming --template /data/template.cat\n",
			r.cfg.Server.Addr, r.cfg.Watch.TemplateCatalog)
	case "jobs":
		fmt.Fprintf(os.Stdout, "Usage: astralign jobs [options]\nList recent jobs with their status.\nOptions:\n  --limit N    Number of jobs to show (default: 20)\n")
	case "config":
		fmt.Fprintf(os.Stdout, "Usage: astralign config <subcommand>\nManage configuration settings.\nSubcommands:\n  show         Display current configuration\n  validate     Validate alignment parameters\nExamples:\n  astralign config show\n")
	default:
		r.usage()
	}
	return nil
}
