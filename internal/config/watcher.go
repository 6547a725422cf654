package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the space descriptor whenever the file changes and hands
// each successfully parsed version to onChange. Parse failures keep the
// previous descriptor active; editors that write via rename are handled by
// watching the directory rather than the file.
//
// Runs until ctx is cancelled.
func Watch(ctx context.Context, filename string, debug bool, onChange func(*SpaceConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(filename)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(filename)

	// Descriptor writes often arrive as bursts (truncate+write, or
	// write+rename); debounce so a half-written file is not parsed.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(100 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Config watcher error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := Load(filename)
			if err != nil {
				log.Printf("Config reload failed, keeping previous descriptor: %v", err)
				continue
			}
			if debug {
				log.Printf("Config reloaded: space %s (%d participants)",
					cfg.Space.ID, len(cfg.Participants))
			}
			onChange(cfg)
		}
	}
}
