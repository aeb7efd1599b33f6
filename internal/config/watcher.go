package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadKind names which watched file changed.
type ReloadKind string

const (
	ReloadConfig       ReloadKind = "config"
	ReloadConstitution ReloadKind = "constitution"
)

type ReloadEvent struct {
	Path string
	Kind ReloadKind
	Op   fsnotify.Op
}

type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory and reports changes to config.yaml and
// constitution.yaml. Watching the directory rather than the files keeps
// editors that replace files via rename visible.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	kinds := map[string]ReloadKind{
		filepath.Clean(ConfigPath(w.homeDir)):       ReloadConfig,
		filepath.Clean(ConstitutionPath(w.homeDir)): ReloadConstitution,
	}

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
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				kind, watched := kinds[filepath.Clean(ev.Name)]
				if !watched {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Kind: kind, Op: ev.Op}:
				default:
				}
				w.logger.Info("watched file changed", "path", ev.Name, "kind", string(kind), "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
