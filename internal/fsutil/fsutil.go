package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".ppm":  {},
	".pgm":  {},
}

// ListImages returns the sorted names (not paths) of image files directly in dir.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// IsImageFile checks if a file has a supported image extension.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// EnsureDir creates path if it is missing. It succeeds when path is a
// directory afterwards, whether it was created now or already existed.
func EnsureDir(path string) error {
	mkErr := os.Mkdir(path, 0o755)
	if mkErr == nil {
		return nil
	}
	st, err := os.Stat(path)
	if err == nil && st.IsDir() {
		return nil
	}
	if err == nil {
		return fmt.Errorf("create directory %s: path exists and is not a directory", path)
	}
	if errors.Is(mkErr, os.ErrExist) {
		mkErr = err
	}
	return fmt.Errorf("create directory %s: %w", path, mkErr)
}

// IsDir reports whether path is an existing directory.
func IsDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
