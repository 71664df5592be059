// Package workspace provides path-confined file access to the project
// directory under construction, plus a watcher that flags writes made
// by anything other than the engine.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrOutsideRoot is returned for any path that would escape the
// workspace root after cleaning and symlink-free resolution.
var ErrOutsideRoot = errors.New("path escapes workspace root")

// Workspace confines all file operations to a single root directory.
type Workspace struct {
	root string

	mu      sync.Mutex
	writing map[string]int
}

// New opens (creating if needed) a workspace rooted at dir.
func New(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Workspace{root: abs, writing: make(map[string]int)}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// resolve joins rel onto the root and rejects escapes. Absolute input
// paths are rejected outright.
func (w *Workspace) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	full := filepath.Join(w.root, filepath.Clean(rel))
	if full != w.root && !strings.HasPrefix(full, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return full, nil
}

// WriteFile writes content at the given workspace-relative path,
// creating parent directories as needed.
func (w *Workspace) WriteFile(rel string, content []byte) error {
	full, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}
	w.markWriting(full, 1)
	defer w.markWriting(full, -1)
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// ReadFile reads the file at the given workspace-relative path.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	full, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return data, nil
}

// Exists reports whether a workspace-relative path exists.
func (w *Workspace) Exists(rel string) bool {
	full, err := w.resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// List returns all regular-file paths under the workspace, relative to
// the root and sorted. Dot-directories (including the engine's own
// state directory) are skipped.
func (w *Workspace) List() ([]string, error) {
	var files []string
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if rel != "." && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing workspace: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Excerpts reads the named files and returns their contents keyed by
// path, truncating each file to maxPerFile bytes. Missing files are
// skipped rather than failing the whole excerpt set.
func (w *Workspace) Excerpts(paths []string, maxPerFile int) (map[string]string, error) {
	excerpts := make(map[string]string, len(paths))
	for _, rel := range paths {
		data, err := w.ReadFile(rel)
		if err != nil {
			if errors.Is(err, ErrOutsideRoot) {
				return nil, err
			}
			continue
		}
		if maxPerFile > 0 && len(data) > maxPerFile {
			data = data[:maxPerFile]
		}
		excerpts[rel] = string(data)
	}
	return excerpts, nil
}

func (w *Workspace) markWriting(full string, delta int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writing[full] += delta
	if w.writing[full] <= 0 {
		delete(w.writing, full)
	}
}

func (w *Workspace) isOwnWrite(full string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writing[full] > 0
}

// Watcher reports files modified in the workspace by anything other
// than the engine's own writes. The development loop uses it to flag
// concurrent external edits during a build.
type Watcher struct {
	ws      *fsnotify.Watcher
	root    *Workspace
	done    chan struct{}
	mu      sync.Mutex
	touched map[string]struct{}
}

// Watch starts watching the workspace root for external writes.
func (w *Workspace) Watch() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting workspace watcher: %w", err)
	}
	if err := fw.Add(w.root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching workspace root: %w", err)
	}
	watcher := &Watcher{
		ws:      fw,
		root:    w,
		done:    make(chan struct{}),
		touched: make(map[string]struct{}),
	}
	go watcher.run()
	return watcher, nil
}

func (wt *Watcher) run() {
	for {
		select {
		case ev, ok := <-wt.ws.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if wt.root.isOwnWrite(ev.Name) {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				wt.ws.Add(ev.Name)
				continue
			}
			if rel, err := filepath.Rel(wt.root.root, ev.Name); err == nil {
				wt.mu.Lock()
				wt.touched[filepath.ToSlash(rel)] = struct{}{}
				wt.mu.Unlock()
			}
		case _, ok := <-wt.ws.Errors:
			if !ok {
				return
			}
		case <-wt.done:
			return
		}
	}
}

// ExternalWrites returns and clears the set of externally modified
// paths observed since the previous call.
func (wt *Watcher) ExternalWrites() []string {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if len(wt.touched) == 0 {
		return nil
	}
	paths := make([]string, 0, len(wt.touched))
	for p := range wt.touched {
		paths = append(paths, p)
	}
	wt.touched = make(map[string]struct{})
	sort.Strings(paths)
	return paths
}

// Close stops the watcher.
func (wt *Watcher) Close() error {
	close(wt.done)
	return wt.ws.Close()
}
