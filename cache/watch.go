package cache

import (
	"os"
	"path"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PathMapper maps filesystem paths below the served root to request paths
type PathMapper interface {
	Root() string
	RelPath(abs string) (string, bool)
}

// Watcher invalidates cache entries when files below the root change
type Watcher struct {
	c     *Cache
	paths PathMapper
	fs    *fsnotify.Watcher
	dirs  map[string]struct{}
}

// NewWatcher returns a Watcher that watches every directory below the root
func NewWatcher(c *Cache, paths PathMapper) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	w := &Watcher{
		c:     c,
		paths: paths,
		fs:    fs,
		dirs:  make(map[string]struct{}),
	}
	err = w.addTree(paths.Root())
	if err != nil {
		fs.Close()
		return nil, err
	}

	return w, nil
}

// Run handles file events until quit is closed
func (w *Watcher) Run(quit <-chan struct{}) {
	defer w.fs.Close()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher: %s", err)
		case <-quit:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, ok := w.dirs[ev.Name]; ok {
			// entries below a removed directory can not be enumerated
			delete(w.dirs, ev.Name)
			log.Debugf("file watcher: directory %s removed, purging cache", ev.Name)
			w.c.Purge()
			return
		}
	}
	if ev.Has(fsnotify.Create) {
		info, err := os.Lstat(ev.Name)
		if err == nil && info.IsDir() {
			err = w.addTree(ev.Name)
			if err != nil {
				log.Errorf("file watcher: %s", err)
			}
		}
	}

	rel, ok := w.paths.RelPath(ev.Name)
	if !ok {
		return
	}
	log.Debugf("file watcher: %s %s", ev.Op, rel)
	w.c.Invalidate(rel)

	// directory entries resolve to their index file or listing
	parent := path.Dir(rel)
	if parent == "." {
		parent = ""
	}
	w.c.Invalidate(parent)
}

func (w *Watcher) addTree(root string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrapf(err, "failed to walk %s", p)
		}
		if !info.IsDir() {
			return nil
		}
		err = w.fs.Add(p)
		if err != nil {
			return errors.Wrapf(err, "failed to watch %s", p)
		}
		w.dirs[p] = struct{}{}

		return nil
	})
}
