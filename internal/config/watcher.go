package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the config file and calls onReload with the freshly parsed
// config whenever it changes. A config that fails validation is rejected
// and the previous one stays live. Falls back to 60s polling when fsnotify
// can't watch the path, and runs the slow poll as a safety net regardless.
func Watch(ctx context.Context, path string, onReload func(*Config)) {
	if path == "" {
		return
	}

	reload := func(trigger string) {
		cfg, err := Load(path)
		if err != nil {
			log.Printf("[Config] Reload rejected (%s): %v", trigger, err)
			return
		}
		log.Printf("[Config] Reloaded (%s)", trigger)
		onReload(cfg)
	}

	watcher, err := fsnotify.NewWatcher()
	usePolling := false
	if err != nil {
		log.Printf("[Config] fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(path); err != nil {
		log.Printf("[Config] Failed to watch %s (%v), falling back to polling", path, err)
		usePolling = true
		watcher.Close()
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
						// Debounce: editors often fire write bursts.
						time.Sleep(100 * time.Millisecond)
						reload("fsnotify")
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[Config] Watcher error: %v", err)
				}
			}
		}()
	}

	// Slow polling loop always runs; it catches the cases fsnotify misses
	// (atomic renames over the file, network filesystems).
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		var lastMod time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st, err := statFile(path)
				if err != nil {
					continue
				}
				if lastMod.IsZero() {
					lastMod = st
					continue
				}
				if st.After(lastMod) {
					lastMod = st
					reload("poll")
				}
			}
		}
	}()
}

func statFile(path string) (time.Time, error) {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return st.ModTime(), nil
}
