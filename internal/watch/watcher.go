// Package watch reports changes to a SQLite database file (including its
// -wal and -journal siblings) so readers can re-render without polling.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent names the file that changed.
type ChangeEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the directory holding a database file and filters
// events down to that database.
type Watcher struct {
	dbPath string
	logger *slog.Logger
	events chan ChangeEvent
}

func NewWatcher(dbPath string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dbPath: dbPath,
		logger: logger,
		// One pending event is enough: consumers re-read the whole state.
		events: make(chan ChangeEvent, 1),
	}
}

func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start begins watching until ctx is cancelled; the events channel is closed on exit.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.dbPath)); err != nil {
		fsw.Close()
		return err
	}
	base := filepath.Base(w.dbPath)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), base) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ChangeEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Debug("database file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("database watcher error", "error", err)
			}
		}
	}()
	return nil
}
