package pipeline

import "path/filepath"

// Layout is the output tree of one frame.
type Layout struct {
	Root     string // <output>/<folder>
	Features string
	Pairs    string
	Matches  string
	Refined  string
	Raw      string
}

// NewLayout returns the paths for folder under the output root.
func NewLayout(output, folder string) Layout {
	root := filepath.Join(output, folder)
	return Layout{
		Root:     root,
		Features: filepath.Join(root, "features.h5"),
		Pairs:    filepath.Join(root, "pairs.txt"),
		Matches:  filepath.Join(root, "matches.h5"),
		Refined:  filepath.Join(root, "refined"),
		Raw:      filepath.Join(root, "raw"),
	}
}

// Dirs lists the directories to create, parents first.
func (l Layout) Dirs(emitRaw bool) []string {
	dirs := []string{l.Root, l.Refined}
	if emitRaw {
		dirs = append(dirs, l.Raw)
	}
	return dirs
}
