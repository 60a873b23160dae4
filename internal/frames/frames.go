// Package frames discovers the per-frame capture directories of a
// multi-camera dataset and inventories the images inside them.
package frames

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrMalformedFrameName is returned for a directory whose name does not carry
// the expected prefix followed by a non-empty frame id.
var ErrMalformedFrameName = errors.New("malformed frame directory name")

// Frame is one capture instant.
type Frame struct {
	FolderName string // directory name under the dataset root, e.g. "frame000123"
	Name       string // identifier with the prefix removed, e.g. "000123"
	ImageDir   string // absolute or root-relative path to the directory
}

// Options controls enumeration.
type Options struct {
	Prefix string   // folder name prefix stripped to get the id
	Names  []string // when non-empty, only these ids are returned
}

// ParseName strips prefix from folder and returns the frame id.
func ParseName(folder, prefix string) (string, error) {
	if !strings.HasPrefix(folder, prefix) {
		return "", fmt.Errorf("%w: %q does not start with %q", ErrMalformedFrameName, folder, prefix)
	}
	name := folder[len(prefix):]
	if name == "" {
		return "", fmt.Errorf("%w: %q has no frame id after %q", ErrMalformedFrameName, folder, prefix)
	}
	return name, nil
}

// Enumerate lists the frame directories directly under root in lexicographic
// order of their folder names. Every child directory must be a valid frame
// folder; regular files are ignored. An empty result is not an error.
func Enumerate(root string, opts Options, log *slog.Logger) ([]Frame, error) {
	if log == nil {
		log = slog.Default()
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list frames in %s: %w", root, err)
	}

	var all []Frame
	for _, e := range entries {
		if !isDir(root, e) {
			log.Debug("skipping non-directory entry", "root", root, "entry", e.Name())
			continue
		}
		name, err := ParseName(e.Name(), opts.Prefix)
		if err != nil {
			return nil, err
		}
		all = append(all, Frame{
			FolderName: e.Name(),
			Name:       name,
			ImageDir:   filepath.Join(root, e.Name()),
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FolderName < all[j].FolderName })

	return Select(all, opts.Names, log), nil
}

// isDir reports whether e is a directory, following symlinks.
func isDir(root string, e fs.DirEntry) bool {
	if e.Type()&fs.ModeSymlink == 0 {
		return e.IsDir()
	}
	fi, err := os.Stat(filepath.Join(root, e.Name()))
	return err == nil && fi.IsDir()
}

// Select keeps the frames whose id is in names, preserving order. An empty
// names list keeps everything. Requested ids that match nothing are logged.
func Select(all []Frame, names []string, log *slog.Logger) []Frame {
	if len(names) == 0 {
		return all
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = false
	}
	var out []Frame
	for _, f := range all {
		if _, ok := want[f.Name]; ok {
			want[f.Name] = true
			out = append(out, f)
		}
	}
	if log != nil {
		var missing []string
		for n, found := range want {
			if !found {
				missing = append(missing, n)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			log.Warn("requested frames not found", "frames", missing)
		}
	}
	return out
}
