// Package filewatch keeps a twinstore.Writer in line with a directory of twin
// documents. Each .json, .yaml or .yml file holds one document or a list of
// documents. Changes are picked up with fsnotify; every applied change expires
// the open id stream cursors so subscriptions resume from a fresh view.
package filewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/eclipse-ditto/ditto-sub092/thing"
	"github.com/eclipse-ditto/ditto-sub092/twinstore"
)

// Loader mirrors a directory into a Writer.
type Loader struct {
	dir string
	w   twinstore.Writer
	inv twinstore.CursorInvalidator
	log *slog.Logger

	mu     sync.Mutex
	byFile map[string][]string
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// WithInvalidator expires cursors through inv after each change.
func WithInvalidator(inv twinstore.CursorInvalidator) Option {
	return func(l *Loader) { l.inv = inv }
}

// New creates a Loader for dir.
func New(dir string, w twinstore.Writer, opts ...Option) *Loader {
	l := &Loader{dir: dir, w: w, log: slog.Default(), byFile: make(map[string][]string)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads every twin file below the directory.
func (l *Loader) Load(ctx context.Context) error {
	var files []string
	err := filepath.WalkDir(l.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isTwinFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("filewatch: walk %s: %w", l.dir, err)
	}
	for _, p := range files {
		if err := l.apply(ctx, p); err != nil {
			return err
		}
	}
	l.log.InfoContext(ctx, "filewatch.load.ok", slog.String("dir", l.dir), slog.Int("files", len(files)))
	return l.invalidate(ctx)
}

// Watch applies file changes until ctx ends. Call Load first to pick up the
// existing files.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filewatch: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	err = filepath.WalkDir(l.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.Add(p)
	})
	if err != nil {
		return fmt.Errorf("filewatch: watch %s: %w", l.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			l.handle(ctx, w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.log.WarnContext(ctx, "filewatch.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (l *Loader) handle(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create == fsnotify.Create {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = w.Add(ev.Name)
			return
		}
	}
	if !isTwinFile(ev.Name) {
		return
	}

	var err error
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		err = l.remove(ctx, ev.Name)
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		err = l.apply(ctx, ev.Name)
	default:
		return
	}
	if err != nil {
		l.log.WarnContext(ctx, "filewatch.apply.fail", slog.String("file", ev.Name), slog.String("err", err.Error()))
		return
	}
	if err := l.invalidate(ctx); err != nil {
		l.log.WarnContext(ctx, "filewatch.invalidate.fail", slog.String("err", err.Error()))
	}
}

// apply writes the documents of path and deletes the ones the file no
// longer holds.
func (l *Loader) apply(ctx context.Context, path string) error {
	docs, err := ReadFile(path)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if err := l.w.Put(ctx, d); err != nil {
			return fmt.Errorf("filewatch: put %s: %w", d.ID(), err)
		}
		ids = append(ids, d.ID())
	}

	l.mu.Lock()
	prev := l.byFile[path]
	l.byFile[path] = ids
	l.mu.Unlock()

	for _, id := range prev {
		if !slices.Contains(ids, id) {
			if err := l.w.Delete(ctx, id); err != nil {
				return fmt.Errorf("filewatch: delete %s: %w", id, err)
			}
		}
	}
	l.log.DebugContext(ctx, "filewatch.apply.ok", slog.String("file", path), slog.Int("things", len(ids)))
	return nil
}

func (l *Loader) remove(ctx context.Context, path string) error {
	l.mu.Lock()
	ids := l.byFile[path]
	delete(l.byFile, path)
	l.mu.Unlock()

	for _, id := range ids {
		if err := l.w.Delete(ctx, id); err != nil {
			return fmt.Errorf("filewatch: delete %s: %w", id, err)
		}
	}
	l.log.DebugContext(ctx, "filewatch.remove.ok", slog.String("file", path), slog.Int("things", len(ids)))
	return nil
}

func (l *Loader) invalidate(ctx context.Context) error {
	if l.inv == nil {
		return nil
	}
	return l.inv.InvalidateCursors(ctx)
}

// ReadFile decodes the twin documents held by path.
func ReadFile(path string) ([]thing.Thing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filewatch: read %s: %w", path, err)
	}
	var raw any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("filewatch: decode %s: %w", path, err)
	}

	var items []any
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		items = v
	default:
		items = []any{v}
	}
	docs := make([]thing.Thing, 0, len(items))
	for i, item := range items {
		d, err := thing.Normalize(item)
		if err != nil {
			return nil, fmt.Errorf("filewatch: %s document %d: %w", path, i, err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func isTwinFile(p string) bool {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
