// Package config loads user-editable settings from a JSON file and
// provides the validated alignment parameter set used by the solver.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

const (
	defaultConfigPath = "~/.config/astralign/config.json"
	defaultWorkers    = 4
)

var validate = validator.New()

// Config holds user-editable settings for the service and CLI.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Server     Server     `json:"server"`
	Watch      Watch      `json:"watch"`
	Alignment  Settings   `json:"alignment"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers int    `json:"workers"`
	TempDir string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // enable file logging
	LogDir     string `json:"log_dir"`     // directory for log files
}

// Paths configures default locations.
type Paths struct {
	DatabasePath  string `json:"database_path"`
	DefaultOutput string `json:"default_output"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `json:"addr"`
}

// Watch configures the directory watcher. Every new source catalog that
// appears under a watched directory is aligned against TemplateCatalog.
type Watch struct {
	Enabled         bool     `json:"enabled"`
	Dirs            []string `json:"dirs"`
	TemplateCatalog string   `json:"template_catalog"`
	OutputDir       string   `json:"output_dir"`
}

// Settings are the alignment algorithm parameters. Static ranges are
// enforced by Validate; the relational ndets/minnmatch check depends on
// catalog sizes and happens at solver construction.
type Settings struct {
	// NDets selects how many normalized detections to keep per catalog: a
	// value in (0, 1] is a fraction of the smaller catalog, above 1 an
	// absolute count.
	NDets        float64 `json:"ndets" validate:"gt=0"`
	NQuadDets    int     `json:"nquaddets" validate:"gte=4"`
	MinQuadSep   float64 `json:"minquadsep" validate:"gt=0"`
	MaxMatchDist float64 `json:"maxmatchdist" validate:"gt=0"`
	MinNMatch    int     `json:"minnmatch" validate:"gte=4"`
	MinFWHM      float64 `json:"minfwhm" validate:"gte=0"`
	MaxFlag      int     `json:"maxflag" validate:"gte=0"`
	SplineOrder  int     `json:"spline_order" validate:"gte=0"`
	InterpOrder  int     `json:"interp_order" validate:"gte=0,lte=5"`
	MaxCands     int     `json:"max_cands" validate:"gte=1"`
	MinQuadDist  float64 `json:"min_quad_dist" validate:"gt=0"`
	FillValue    float64 `json:"fill_value"`
}

// Validate checks the static parameter ranges.
func (s Settings) Validate() error {
	return validate.Struct(s)
}

// DefaultSettings returns the standard alignment parameters.
func DefaultSettings() Settings {
	return Settings{
		NDets:        0.5,
		NQuadDets:    20,
		MinQuadSep:   50,
		MaxMatchDist: 5,
		MinNMatch:    200,
		MinFWHM:      2,
		MaxFlag:      7,
		SplineOrder:  3,
		InterpOrder:  3,
		MaxCands:     10,
		MinQuadDist:  0.005,
		FillValue:    0,
	}
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("ASTRALIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			Workers: defaultWorkers,
			TempDir: os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath:  filepath.Join(os.TempDir(), "astralign.db"),
			DefaultOutput: "./aligned",
		},
		Server: Server{
			Addr: "127.0.0.1:8713",
		},
		Watch: Watch{
			Enabled: false,
		},
		Alignment: DefaultSettings(),
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
