package mapper

import (
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// The slab-directory watcher keeps an eye on the directory that holds
// file-backed slab files. Slab files are unlinked as soon as they are
// mapped, so the interesting events are about the directory itself:
// once it is removed or renamed, every later slab creation will fail,
// and the log line here fires long before that OOM surfaces.

var (
	watchMu   sync.Mutex
	watched   string
	watchStop chan struct{}
)

// observeSlabFile notes that a slab file was just created under dir and
// ensures a watcher is running for that directory. Watching is best
// effort: a platform without fsnotify support only loses diagnostics.
func observeSlabFile(dir, name string) {
	if dir == "" {
		dir = filepath.Dir(name)
	}

	watchMu.Lock()
	defer watchMu.Unlock()

	if watched == dir {
		return
	}

	if watchStop != nil {
		close(watchStop)
		watchStop = nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("slitter: slab directory watcher unavailable: %v", err)

		return
	}

	if err := w.Add(dir); err != nil {
		log.Printf("slitter: cannot watch slab directory %q: %v", dir, err)
		w.Close()

		return
	}

	stop := make(chan struct{})
	watched = dir
	watchStop = stop

	go watchSlabDir(w, dir, stop)
}

func watchSlabDir(w *fsnotify.Watcher, dir string, stop <-chan struct{}) {
	defer w.Close()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}

			// Slab files are unlinked by the mapper itself right
			// after mapping; those removals are routine.
			if strings.HasPrefix(filepath.Base(ev.Name), "slitter-slab-") {
				continue
			}

			if ev.Name == dir && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Printf("slitter: slab directory %q was %v; future file-backed slabs will fail", dir, ev.Op)

				return
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}

			log.Printf("slitter: slab directory watcher: %v", err)
		case <-stop:
			return
		}
	}
}
