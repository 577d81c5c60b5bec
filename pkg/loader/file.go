package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/logger"
)

// FileLoader watches a directory of YAML tenant/client manifests and
// materializes them into an entity.Store (spec §4.B "File loader").
type FileLoader struct {
	dir     string
	store   *entity.Store
	watcher *fsnotify.Watcher
}

// NewFileLoader constructs a loader rooted at dir. Call Start to take the
// initial snapshot and begin watching.
func NewFileLoader(dir string, store *entity.Store) *FileLoader {
	return &FileLoader{dir: dir, store: store}
}

// Start reads every YAML file under dir, upserting what parses, then
// begins watching for create/modify/delete/rename events. It returns only
// after the initial snapshot has loaded (spec §4.B: "initial load blocks
// readiness").
func (l *FileLoader) Start(ctx context.Context) error {
	if err := l.loadAll(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	l.watcher = watcher
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go l.watchLoop(ctx)
	return nil
}

// Close stops the underlying filesystem watch.
func (l *FileLoader) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}

func (l *FileLoader) loadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isYAMLFile(e.Name()) {
			continue
		}
		l.loadFile(filepath.Join(l.dir, e.Name()))
	}
	return nil
}

// loadFile re-reads and re-applies a single manifest file. A parse error
// is logged and skipped; it never aborts the loader (spec §4.B).
func (l *FileLoader) loadFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Errorw("loader: read manifest failed", "path", path, "error", err)
		return
	}
	source := entity.SourceRef{Kind: "file", Key: path}
	tenants, clients, errs := decodeManifests(raw, source)
	for _, e := range errs {
		logger.Errorw("loader: manifest decode error", "path", path, "error", e)
	}
	applyManifests(l.store, tenants, clients)
}

func (l *FileLoader) removeFile(path string) {
	source := entity.SourceRef{Kind: "file", Key: path}
	l.store.DeleteTenantBySource(source)
	l.store.DeleteClientBySource(source)
}

func (l *FileLoader) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !isYAMLFile(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				l.loadFile(event.Name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				l.removeFile(event.Name)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, context.Canceled) {
				logger.Errorw("loader: filesystem watch error", "error", err)
			}
		}
	}
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
