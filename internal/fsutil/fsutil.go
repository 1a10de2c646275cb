package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var fitsExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

var catalogExts = map[string]struct{}{
	".cat": {},
	".csv": {},
	".txt": {},
	".sex": {},
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsFITSFile checks if a file is a FITS image.
func IsFITSFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := fitsExts[ext]
	return ok
}

// IsCatalogFile checks if a file is a detection catalog.
func IsCatalogFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := catalogExts[ext]
	return ok
}

// SiblingImage returns the FITS image sharing the catalog's base name, or
// empty when none exists next to it.
func SiblingImage(catalogPath string) string {
	stem := strings.TrimSuffix(catalogPath, filepath.Ext(catalogPath))
	return FirstExisting(stem+".fits", stem+".fit", stem+".fts")
}

// SiblingCatalog returns the detection catalog sharing the image's base
// name, or empty when none exists next to it.
func SiblingCatalog(imagePath string) string {
	stem := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	return FirstExisting(stem+".cat", stem+".csv", stem+".txt", stem+".sex")
}
