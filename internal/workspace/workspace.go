// Package workspace finds OCR-D workspaces: directories holding a METS file.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	// MetsFile marks a directory as a workspace.
	MetsFile = "mets.xml"

	// BackupDir holds earlier versions of a workspace and is never listed.
	BackupDir = ".backup"
)

var ErrInvalidWorkspace = errors.New("invalid workspace")

// IsValid reports whether path is a directory containing a METS file.
func IsValid(path string) bool {
	info, err := os.Stat(filepath.Join(path, MetsFile))
	return err == nil && !info.IsDir()
}

// List returns the workspaces below root as sorted paths relative to root.
func List(root string) ([]string, error) {
	var workspaces []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if d.Name() == BackupDir {
			return filepath.SkipDir
		}

		if path == root || !IsValid(path) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		workspaces = append(workspaces, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workspaces in %s: %w", root, err)
	}

	slices.Sort(workspaces)

	return workspaces, nil
}

// Index caches the workspaces below a root. Watch keeps the cache fresh.
type Index struct {
	root   string
	logger *slog.Logger

	workspaces []string
	valid      bool
	mu         sync.Mutex
}

func NewIndex(root string, logger *slog.Logger) *Index {
	return &Index{root: root, logger: logger}
}

// Root returns the directory the Index lists.
func (i *Index) Root() string {
	return i.root
}

// Workspaces returns the cached listing, listing root again when the cache
// has been invalidated.
func (i *Index) Workspaces() ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.valid {
		return slices.Clone(i.workspaces), nil
	}

	workspaces, err := List(i.root)
	if err != nil {
		return nil, err
	}

	i.workspaces = workspaces
	i.valid = true

	return slices.Clone(workspaces), nil
}

// Invalidate drops the cached listing.
func (i *Index) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.valid = false
}

// Watch invalidates the cache on every change below root until ctx is done.
// The watches are in place when Watch returns.
func (i *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := i.watchTree(watcher, i.root); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				i.Invalidate()

				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := i.watchTree(watcher, event.Name); err != nil {
							i.logger.Warn("watch workspace dir", "path", event.Name, "err", err)
						}

						// Entries may have appeared before the watch.
						i.Invalidate()
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				i.logger.Error("workspace watcher", "err", err)
			}
		}
	}()

	return nil
}

func (i *Index) watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if d.Name() == BackupDir {
			return filepath.SkipDir
		}

		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}

		return nil
	})
}
