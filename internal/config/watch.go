package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads path whenever it is written or recreated and hands the new
// configuration to onChange. Files that fail to load are logged and skipped.
// The directory is watched rather than the file so editors that replace the
// file on save keep working.
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(*Root) error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		cfg, err := Load(abs)
		if err != nil {
			log.Error().Err(err).Str("path", abs).Msg("config reload failed, keeping current")
			return
		}
		if err := onChange(cfg); err != nil {
			log.Error().Err(err).Str("path", abs).Msg("config rejected, keeping current")
			return
		}
		log.Info().Str("path", abs).Msg("config reloaded")
	}

	go func() {
		defer w.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	log.Info().Str("path", abs).Msg("watching config")
	return nil
}
