// Package syncwatch defines the pluggable filesystem-sync-heuristic
// interface: a way to recompute a path's FileSig on demand (Sync) plus an
// event-driven channel of paths that are worth resyncing (Notify). The
// only shipped implementation is a thin fsnotify-backed default: it does
// not attempt a general sync engine, just event-driven invalidation of a
// cached FileSig.
package syncwatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/forgebuild/forge/internal/digest"
)

// Watcher recomputes a path's FileSig on demand and reports which paths
// changed on disk since they were last synced.
type Watcher interface {
	// Sync stats path and returns its current FileSig, independent of
	// whether a change notification has fired for it yet.
	Sync(ctx context.Context, path string) (digest.FileSig, error)
	// Notify yields paths that changed since the watch started, debounced
	// so a burst of writes to one path collapses into one entry.
	Notify() <-chan string
	Close() error
}

// skipDirs names directories a repo watch never descends into: VCS
// metadata and common build/output trees that only generate noise.
var skipDirs = map[string]bool{
	".git": true, "vendor": true, "node_modules": true,
	"dist": true, "build": true, "bin": true,
}

// FsWatcher is the fsnotify-backed default Watcher.
type FsWatcher struct {
	inner    *fsnotify.Watcher
	notify   chan string
	debounce time.Duration
	done     chan struct{}
}

// New starts watching root recursively (skipping skipDirs), debouncing
// repeated events within debounce into one Notify entry per path.
func New(root string, debounce time.Duration) (*FsWatcher, error) {
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &FsWatcher{
		inner:    inner,
		notify:   make(chan string),
		debounce: debounce,
		done:     make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		inner.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *FsWatcher) addTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if skipDirs[base] || (strings.HasPrefix(base, ".") && base != filepath.Base(root)) {
			return filepath.SkipDir
		}
		return w.inner.Add(path)
	})
}

func (w *FsWatcher) run() {
	pending := make(map[string]*time.Timer)
	fire := make(chan string)
	for {
		select {
		case event, ok := <-w.inner.Events:
			if !ok {
				return
			}
			if t, ok := pending[event.Name]; ok {
				t.Stop()
			}
			name := event.Name
			pending[name] = time.AfterFunc(w.debounce, func() { fire <- name })
		case <-w.inner.Errors:
			// a removed directory or a permission error surfacing mid-watch;
			// nothing actionable beyond letting the next Sync() discover the
			// path is gone.
		case name := <-fire:
			delete(pending, name)
			select {
			case w.notify <- name:
			case <-w.done:
				return
			}
		case <-w.done:
			return
		}
	}
}

// Sync stats path and returns its FileSig; a missing path yields SigNone
// rather than an error, matching the "no file exists" sentinel elsewhere
// in the digest value types.
func (w *FsWatcher) Sync(ctx context.Context, path string) (digest.FileSig, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return digest.FileSig{}, nil
	}
	if err != nil {
		return digest.FileSig{}, err
	}
	return digest.FileSig{Tag: sigTag(info), MTime: info.ModTime().UnixNano()}, nil
}

func sigTag(info os.FileInfo) digest.SigTag {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return digest.SigLnk
	case info.IsDir():
		return digest.SigDir
	case info.Size() == 0:
		return digest.SigEmpty
	case info.Mode()&0o111 != 0:
		return digest.SigExe
	default:
		return digest.SigReg
	}
}

// Notify yields a debounced path each time it changes.
func (w *FsWatcher) Notify() <-chan string { return w.notify }

// Close stops the watch and releases its inotify/kqueue handle.
func (w *FsWatcher) Close() error {
	close(w.done)
	return w.inner.Close()
}
