package catalog

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Column aliases accepted by the catalog readers, in priority order.
var (
	xAliases    = []string{"X_IMAGE", "XWIN_IMAGE", "X"}
	yAliases    = []string{"Y_IMAGE", "YWIN_IMAGE", "Y"}
	fluxAliases = []string{"FLUX_BEST", "FLUX_AUTO", "FLUX_ISO", "FLUX"}
	fwhmAliases = []string{"FWHM_IMAGE", "FWHM"}
	flagAliases = []string{"FLAGS", "FLAG"}
)

// LoadFile reads a detection catalog from disk. Files ending in .csv are
// parsed as CSV with a header row; everything else is parsed as a
// SExtractor-style ASCII catalog.
func LoadFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return ReadCSV(f)
	}
	return ReadSExtractor(f)
}

// ReadSExtractor parses a SExtractor ASCII catalog: "#  N NAME ..." header
// lines naming 1-based columns, then whitespace-separated data rows. Without
// header lines the first five columns are taken as x, y, flux, fwhm, flags.
func ReadSExtractor(r io.Reader) (Catalog, error) {
	cols := map[string]int{}
	var cat Catalog

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			fields := strings.Fields(line[1:])
			if len(fields) >= 2 {
				if idx, err := strconv.Atoi(fields[0]); err == nil && idx >= 1 {
					cols[strings.ToUpper(fields[1])] = idx - 1
				}
			}
			continue
		}

		fields := strings.Fields(line)
		det, err := parseRow(fields, cols)
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", lineno, err)
		}
		cat = append(cat, det)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return cat, nil
}

// ReadCSV parses a CSV catalog whose header row names the columns
// (case-insensitive; the SExtractor aliases are accepted too).
func ReadCSV(r io.Reader) (Catalog, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToUpper(strings.TrimSpace(name))] = i
	}

	var cat Catalog
	for lineno := 2; ; lineno++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV: %w", err)
		}
		det, perr := parseRow(record, cols)
		if perr != nil {
			return nil, fmt.Errorf("CSV line %d: %w", lineno, perr)
		}
		cat = append(cat, det)
	}
	return cat, nil
}

func parseRow(fields []string, cols map[string]int) (Detection, error) {
	x, err := fieldValue(fields, cols, xAliases, 0)
	if err != nil {
		return Detection{}, err
	}
	y, err := fieldValue(fields, cols, yAliases, 1)
	if err != nil {
		return Detection{}, err
	}
	flux, err := fieldValue(fields, cols, fluxAliases, 2)
	if err != nil {
		return Detection{}, err
	}
	fwhm, err := fieldValue(fields, cols, fwhmAliases, 3)
	if err != nil {
		return Detection{}, err
	}
	flags, err := fieldValue(fields, cols, flagAliases, 4)
	if err != nil {
		return Detection{}, err
	}
	return Detection{X: x, Y: y, Flux: flux, FWHM: fwhm, Flags: int(flags)}, nil
}

// fieldValue resolves a column by its aliases, falling back to a fixed
// position when no header named it.
func fieldValue(fields []string, cols map[string]int, aliases []string, fallback int) (float64, error) {
	idx := -1
	for _, name := range aliases {
		if i, ok := cols[name]; ok {
			idx = i
			break
		}
	}
	if idx < 0 {
		if len(cols) > 0 {
			return 0, fmt.Errorf("no column matching %v", aliases)
		}
		idx = fallback
	}
	if idx >= len(fields) {
		return 0, fmt.Errorf("row has %d fields, need column %d (%s)", len(fields), idx+1, aliases[0])
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", aliases[0], err)
	}
	return v, nil
}
