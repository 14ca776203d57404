package uploads

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

const (
	// dropDirPerm is the permission mode for the drop folder when it is
	// created on start.
	dropDirPerm = fs.FileMode(0o755)

	// dropDebounceInterval is how often pending filesystem events are
	// checked for files that have stopped changing.
	dropDebounceInterval = 500 * time.Millisecond

	// dropSettleTime is how long a file must be quiet before it is sent.
	dropSettleTime = 300 * time.Millisecond
)

// DroppedFile is a file picked up from the drop folder.
type DroppedFile struct {
	Name     string
	Data     []byte
	Subtype  string
	MIMEType string
}

// DropHandler takes ownership of a dropped file. The file is removed from
// disk only when the handler returns nil, so the handler must not return
// before the payload is persisted.
type DropHandler func(ctx context.Context, f DroppedFile) error

// DropWatcher turns files written into a directory into uploads.
type DropWatcher struct {
	dir      string
	maxBytes int64
	handle   DropHandler
	logger   *slog.Logger
}

// NewDropWatcher creates a watcher for dir. Files larger than maxBytes are
// left in place.
func NewDropWatcher(dir string, maxBytes int64, handle DropHandler, logger *slog.Logger) *DropWatcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	return &DropWatcher{dir: dir, maxBytes: maxBytes, handle: handle, logger: logger}
}

// Watch picks up files already in the folder, then watches for new ones
// until ctx is cancelled. Subdirectories are not watched.
func (w *DropWatcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, dropDirPerm); err != nil {
		return fmt.Errorf("creating drop dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching drop dir: %w", err)
	}

	w.logger.Info("drop folder watcher started", slog.String("dir", w.dir))

	pending := make(map[string]time.Time)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("listing drop dir: %w", err)
	}

	for _, e := range entries {
		pending[filepath.Join(w.dir, e.Name())] = time.Time{}
	}

	ticker := time.NewTicker(dropDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("drop watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < dropSettleTime {
					continue
				}

				delete(pending, path)
				w.handleFile(ctx, path)
			}
		}
	}
}

func (w *DropWatcher) handleFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	if shouldIgnore(name) {
		return
	}

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	if info.Size() > w.maxBytes {
		w.logger.Warn("dropped file too large",
			slog.String("path", path),
			slog.Int64("bytes", info.Size()),
			slog.Int64("limit", w.maxBytes),
		)

		return
	}

	subtype, mimeType, ok := Classify(name)
	if !ok {
		w.logger.Warn("dropped file has unsupported type", slog.String("path", path))
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("reading dropped file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	f := DroppedFile{
		Name:     norm.NFC.String(name),
		Data:     data,
		Subtype:  subtype,
		MIMEType: mimeType,
	}

	if err := w.handle(ctx, f); err != nil {
		w.logger.Warn("enqueueing dropped file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn("removing dropped file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	w.logger.Info("dropped file queued", slog.String("name", f.Name), slog.String("subtype", subtype))
}

// shouldIgnore skips hidden files and partial writes from editors and
// downloaders.
func shouldIgnore(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}

	for _, suffix := range []string{"~", ".swp", ".part", ".crdownload", ".tmp"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}

	return false
}
