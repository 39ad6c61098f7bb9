package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// A Watcher reloads a config file when it changes and delivers each new
// snapshot on Config.
type Watcher struct {
	Config chan *Config

	path    string
	logger  golog.Logger
	fs      *fsnotify.Watcher
	cancel  func()
	workers sync.WaitGroup
}

// NewWatcher begins watching the given config file.
func NewWatcher(ctx context.Context, path string, logger golog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "cannot create config watcher")
	}
	// watch the directory; editors replace files rather than write in place
	if err := fs.Add(filepath.Dir(path)); err != nil {
		goutils.UncheckedError(fs.Close())
		return nil, errors.Wrapf(err, "cannot watch config %q", path)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		Config: make(chan *Config),
		path:   path,
		logger: logger,
		fs:     fs,
		cancel: cancel,
	}
	w.workers.Add(1)
	goutils.ManagedGo(func() { w.watch(cancelCtx) }, w.workers.Done)
	return w, nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.Config)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// writers may still be mid-replace; settle briefly
			if !goutils.SelectContextOrWait(ctx, 50*time.Millisecond) {
				return
			}
			cfg, err := Read(w.path)
			if err != nil {
				w.logger.Errorw("config reload failed", "path", w.path, "error", err)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case w.Config <- cfg:
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Errorw("config watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fs.Close()
	w.workers.Wait()
	return err
}
