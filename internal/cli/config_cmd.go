package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
)

func (r *Root) cmdConfig(ctx context.Context, args []string) error {
	_ = ctx
	if len(args) == 0 {
		return r.configShow()
	}
	switch args[0] {
	case "show":
		return r.configShow()
	case "validate":
		return r.configValidate()
	default:
		return fmt.Errorf("unknown config command: %s", args[0])
	}
}

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	cfgPath := os.Getenv("ASTRALIGN_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/astralign/config.json"
	}
	fmt.Printf("Config file: %s\n", cfgPath)
	fmt.Printf("\nPaths:\n")
	fmt.Printf("  Database: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Printf("  Default output: %s\n", r.cfg.Paths.DefaultOutput)
	fmt.Printf("\nProcessing:\n")
	fmt.Printf("  Workers: %d\n", r.cfg.Processing.Workers)
	fmt.Printf("  Temp directory: %s\n", r.cfg.Processing.TempDir)
	fmt.Printf("\nServer:\n")
	fmt.Printf("  Address: %s\n", r.cfg.Server.Addr)
	fmt.Printf("\nWatch:\n")
	fmt.Printf("  Enabled: %t\n", r.cfg.Watch.Enabled)
	fmt.Printf("  Directories: %s\n", strings.Join(r.cfg.Watch.Dirs, ", "))
	fmt.Printf("  Template catalog: %s\n", r.cfg.Watch.TemplateCatalog)
	fmt.Printf("\nAlignment:\n")
	fmt.Printf("  ndets: %g\n", r.cfg.Alignment.NDets)
	fmt.Printf("  quad detections: %d\n", r.cfg.Alignment.NQuadDets)
	fmt.Printf("  min quad separation: %g px\n", r.cfg.Alignment.MinQuadSep)
	fmt.Printf("  max match distance: %g px\n", r.cfg.Alignment.MaxMatchDist)
	fmt.Printf("  min matches: %d\n", r.cfg.Alignment.MinNMatch)
	fmt.Printf("  spline order: %d\n", r.cfg.Alignment.SplineOrder)
	fmt.Printf("  interp order: %d\n", r.cfg.Alignment.InterpOrder)
	return nil
}

func (r *Root) configValidate() error {
	if err := r.cfg.Alignment.Validate(); err != nil {
		return fmt.Errorf("invalid alignment settings: %w", err)
	}
	fmt.Printf("Configuration is valid\n")
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Printf("astralign %s\n", version)
	fmt.Printf("Built with Go %s\n", runtime.Version())
	return nil
}
