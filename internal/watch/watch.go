// Package watch re-runs a flash operation whenever the image file on disk
// changes, for a development loop where a firmware build gets reflashed
// on every save without a manual rerun of the CLI. This sits entirely
// above the protocol core: it just calls back into whatever flash
// function the caller supplies each time fsnotify reports a write.
package watch

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/interrupt"
)

// FlashFunc performs one flash cycle (in cmd/romflash: connect, flash, and
// optionally verify) against the image at path. watch.File calls it once up front and again after every
// detected write.
type FlashFunc func(path string) error

// File watches path for writes and invokes flash after each one, until
// Ctrl-C is pressed (github.com/maruel/interrupt's global handler, which
// the caller is expected to have armed via interrupt.HandleCtrlC()).
func File(path string, flash FlashFunc) error {
	if err := flash(path); err != nil {
		return fmt.Errorf("watch: initial flash: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: new watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch: add %s: %w", path, err)
	}

	for {
		select {
		case <-interrupt.Channel:
			return nil
		case err := <-watcher.Errors:
			return fmt.Errorf("watch: %w", err)
		case ev := <-watcher.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := flash(path); err != nil {
				fmt.Printf("watch: flash failed: %v\n", err)
				continue
			}
		}
	}
}
