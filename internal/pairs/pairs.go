// Package pairs enumerates the image pairs handed to the feature matcher and
// reads/writes them in the "name0 name1" per-line text format.
package pairs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrDuplicateImage is returned when an image name appears twice in a list.
var ErrDuplicateImage = errors.New("duplicate image name")

// Pair is an unordered candidate pair, stored in list order.
type Pair struct {
	A, B string
}

// Exhaustive returns every unordered pair of names: (names[i], names[j]) for
// i < j, in list order. n names give n(n-1)/2 pairs.
func Exhaustive(names []string) ([]Pair, error) {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateImage, n)
		}
		seen[n] = struct{}{}
	}

	out := make([]Pair, 0, len(names)*(len(names)-1)/2)
	for i := range names {
		for j := i + 1; j < len(names); j++ {
			out = append(out, Pair{A: names[i], B: names[j]})
		}
	}
	return out, nil
}

// Write stores pairs at path, one "a b" line each.
func Write(path string, ps []Pair) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, p := range ps {
		if _, err := fmt.Fprintf(w, "%s %s\n", p.A, p.B); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// Read parses a pair list written by Write. Blank lines and lines starting
// with '#' are skipped.
func Read(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Pair
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: expected two image names, got %d fields", path, line, len(fields))
		}
		out = append(out, Pair{A: fields[0], B: fields[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// Images lists the names appearing in ps in order of first appearance. For an
// exhaustive list this is the original image list.
func Images(ps []Pair) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range ps {
		for _, n := range []string{p.A, p.B} {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out = append(out, n)
			}
		}
	}
	return out
}
