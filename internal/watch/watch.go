// Package watch turns new frame folders under an input root into batches.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"sfmbatch/internal/frames"

	"github.com/fsnotify/fsnotify"
)

// Handler processes the frames that settled, by frame name.
type Handler func(ctx context.Context, names []string) error

// Watcher monitors an input root. Any change to a frame folder or inside it
// marks the frame pending; once nothing changed for the settle period the
// pending frames are handed to the handler as one batch.
type Watcher struct {
	root   string
	prefix string
	settle time.Duration
	log    *slog.Logger
	handle Handler
}

// New creates a watcher for root.
func New(root, prefix string, settle time.Duration, logger *slog.Logger, handle Handler) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{root: root, prefix: prefix, settle: settle, log: logger, handle: handle}
}

// Run blocks until ctx is done. Handler errors are logged, not returned.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := w.open()
	if err != nil {
		return err
	}
	defer fw.Close()
	return w.loop(ctx, fw)
}

// open watches the root and every frame folder already in it.
func (w *Watcher) open() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		fw.Close()
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := fw.Add(filepath.Join(w.root, e.Name())); err != nil {
			fw.Close()
			return nil, err
		}
	}
	w.log.Info("watching input root", "root", w.root, "settle", w.settle.String(), "folders", len(entries))
	return fw, nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) error {
	pending := make(map[string]struct{})
	timer := time.NewTimer(w.settle)
	timer.Stop()
	defer timer.Stop()
	var settled <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			folder, top := w.folderOf(ev.Name)
			if folder == "" {
				continue
			}
			name, err := frames.ParseName(folder, w.prefix)
			if err != nil {
				w.log.Warn("ignoring change outside frame folders", "path", ev.Name, "error", err)
				continue
			}
			if top && ev.Has(fsnotify.Create) {
				if err := fw.Add(ev.Name); err != nil {
					w.log.Warn("cannot watch new frame folder", "path", ev.Name, "error", err)
				}
			}
			if top && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				delete(pending, name)
				continue
			}
			if _, seen := pending[name]; !seen {
				w.log.Debug("frame pending", "frame", name, "op", ev.Op.String())
			}
			pending[name] = struct{}{}
			timer.Reset(w.settle)
			settled = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-settled:
			settled = nil
			if len(pending) == 0 {
				continue
			}
			names := make([]string, 0, len(pending))
			for n := range pending {
				names = append(names, n)
			}
			slices.Sort(names)
			clear(pending)

			w.log.Info("frames settled", "frames", strings.Join(names, ","))
			if err := w.handle(ctx, names); err != nil {
				w.log.Error("watched batch failed", "frames", strings.Join(names, ","), "error", err)
			}
		}
	}
}

// folderOf returns the top-level folder under root that path belongs to and
// whether path is that folder itself.
func (w *Watcher) folderOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	return parts[0], len(parts) == 1
}
