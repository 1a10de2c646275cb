package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"astralign/internal/config"
	"astralign/internal/fsutil"
	"astralign/internal/pipeline"
	"astralign/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "astralign",
		Short: "Astralign registers astronomical images through catalog matching",
		Long: `Astralign solves the geometric transform between detection catalogs of
overlapping sky images and resamples FITS frames onto a template pixel grid.`,
	}

	// Add subcommands
	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func addSolverFlags(cmd *cobra.Command, set config.Settings, dst *solverVars) {
	cmd.Flags().Float64Var(&dst.ndets, "ndets", set.NDets, "detections to keep: fraction (0,1] or absolute count")
	cmd.Flags().IntVar(&dst.nQuadDets, "quad-dets", set.NQuadDets, "brightest detections used to build quads")
	cmd.Flags().Float64Var(&dst.minQuadSep, "min-quad-sep", set.MinQuadSep, "minimum quad diagonal in pixels")
	cmd.Flags().Float64Var(&dst.maxMatchDist, "max-match-dist", set.MaxMatchDist, "cross-match radius in pixels")
	cmd.Flags().IntVar(&dst.minNMatch, "min-nmatch", set.MinNMatch, "matched pairs needed to accept a transform")
	cmd.Flags().Float64Var(&dst.minFWHM, "min-fwhm", set.MinFWHM, "minimum detection FWHM in pixels")
	cmd.Flags().IntVar(&dst.maxFlag, "max-flag", set.MaxFlag, "maximum extraction flag value")
	cmd.Flags().IntVar(&dst.splineOrder, "spline-order", set.SplineOrder, "residual surface spline order, 0 disables")
}

type solverVars struct {
	ndets        float64
	nQuadDets    int
	minQuadSep   float64
	maxMatchDist float64
	minNMatch    int
	minFWHM      float64
	maxFlag      int
	splineOrder  int
}

func (v *solverVars) options(dst map[string]any) {
	dst["ndets"] = v.ndets
	dst["nQuadDets"] = v.nQuadDets
	dst["minQuadSep"] = v.minQuadSep
	dst["maxMatchDist"] = v.maxMatchDist
	dst["minNMatch"] = v.minNMatch
	dst["minFWHM"] = v.minFWHM
	dst["maxFlag"] = v.maxFlag
	dst["splineOrder"] = v.splineOrder
}

func newSolveCmd(root *Root) *cobra.Command {
	var (
		template string
		sv       solverVars
	)

	cmd := &cobra.Command{
		Use:   "solve <source_catalog>",
		Short: "Solve the transform from a source catalog to a template",
		Long: `Solve the similarity transform mapping a source detection catalog onto a
template catalog using quad hashing, and store the result.

Examples:
  # Solve against an explicit template
  astralign solve /data/new.cat --template /data/template.cat

  # Require more matched pairs before accepting a transform
  astralign solve /data/new.cat --template /data/template.cat --min-nmatch 300`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if template == "" {
				return fmt.Errorf("a template catalog is required (--template)")
			}

			options := map[string]any{
				"templateCatalog": template,
				"source":          "cli",
			}
			sv.options(options)

			job := pipeline.Job{
				ID:        pipeline.NewID("solve"),
				Type:      pipeline.JobSolve,
				InputPath: input,
				Options:   options,
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", root.cfg.Watch.TemplateCatalog, "template catalog path")
	addSolverFlags(cmd, root.cfg.Alignment, &sv)

	return cmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		catalog     string
		template    string
		output      string
		interpOrder int
		fillValue   float64
		width       int
		height      int
		sv          solverVars
	)

	cmd := &cobra.Command{
		Use:   "align <source_image>",
		Short: "Solve and resample a FITS image onto the template frame",
		Long: `Solve the transform between the image's detection catalog and the template
catalog, then resample the image onto the template pixel grid.

Examples:
  # Align using a sibling catalog (new.fits + new.cat)
  astralign align /data/new.fits --template /data/template.cat

  # Explicit catalog and output path
  astralign align /data/new.fits --catalog /data/new.cat --template /data/template.cat --output /data/out.fits`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if template == "" {
				return fmt.Errorf("a template catalog is required (--template)")
			}

			srcCat := catalog
			if srcCat == "" {
				srcCat = fsutil.SiblingCatalog(input)
				if srcCat == "" {
					return fmt.Errorf("no catalog found next to %s, pass --catalog", input)
				}
			}

			out := output
			if out == "" {
				stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
				dir := root.cfg.Paths.DefaultOutput
				if dir == "" {
					dir = filepath.Dir(input)
				}
				out = filepath.Join(dir, stem+"_aligned.fits")
			}

			options := map[string]any{
				"sourceCatalog":   srcCat,
				"templateCatalog": template,
				"interpOrder":     interpOrder,
				"fillValue":       fillValue,
				"source":          "cli",
			}
			if width > 0 {
				options["width"] = width
			}
			if height > 0 {
				options["height"] = height
			}
			sv.options(options)

			job := pipeline.Job{
				ID:        pipeline.NewID("align"),
				Type:      pipeline.JobAlign,
				InputPath: input,
				Output:    out,
				Options:   options,
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}

	cmd.Flags().StringVar(&catalog, "catalog", "", "source detection catalog (defaults to a sibling of the image)")
	cmd.Flags().StringVarP(&template, "template", "t", root.cfg.Watch.TemplateCatalog, "template catalog path")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output FITS path (defaults next to the input)")
	cmd.Flags().IntVar(&interpOrder, "interp-order", root.cfg.Alignment.InterpOrder, "resampling spline order (0-5)")
	cmd.Flags().Float64Var(&fillValue, "fill-value", root.cfg.Alignment.FillValue, "value for pixels with no source coverage")
	cmd.Flags().IntVar(&width, "width", 0, "output width, defaults to the source width")
	cmd.Flags().IntVar(&height, "height", 0, "output height, defaults to the source height")
	addSolverFlags(cmd, root.cfg.Alignment, &sv)

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr      string
		watchDirs []string
		template  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server with optional directory watching",
		Long: `Start an HTTP server that provides APIs for submitting alignment jobs and
inspecting solutions, with live results over SSE and WebSocket. Watched
directories queue an alignment for every new catalog that appears.

Examples:
  # Basic server
  astralign serve --addr 127.0.0.1:8713

  # Server with directory watching
  astralign serve --watch /data/incoming --template /data/template.cat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			watchCfg := root.cfg.Watch
			if len(watchDirs) > 0 {
				watchCfg.Enabled = true
				watchCfg.Dirs = watchDirs
			}
			watchCfg.TemplateCatalog = template

			root.log.Info("starting server", "addr", addr, "watch_dirs", watchCfg.Dirs)
			return root.serveFn(context.Background(), addr, root.store, root.pipeline, watchCfg, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().StringSliceVar(&watchDirs, "watch", nil, "directories to monitor for new catalogs")
	cmd.Flags().StringVarP(&template, "template", "t", root.cfg.Watch.TemplateCatalog, "template catalog for watched alignments")

	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.listJobs(limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate astralign configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("astralign " + version)
		},
	}
}
