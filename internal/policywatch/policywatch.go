// Package policywatch logs policy-directory changes as they happen.
// Policy files are always re-read per request — this package never
// caches anything — it exists purely so operators can see in the log
// when and what changed, without polling the filesystem themselves.
package policywatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// retryInterval is how often Watch retries establishing the watch on
// root after an initial failure (e.g. the policy root not yet
// provisioned, or a transient permission error).
const retryInterval = 10 * time.Second

// Watch starts watching root (non-recursively per sub-directory added
// as it's discovered) and logs every change through log until ctx is
// canceled. It returns once the watcher is closed. This package is
// purely observational: a policy root that doesn't exist yet, or stops
// existing, is logged at WARN and retried — it never aborts the
// daemon, since every request already re-reads policy from disk and
// treats a missing root as empty/deny-everywhere on its own.
func Watch(ctx context.Context, root string, log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("policy watch disabled", "err", err)
		return nil
	}
	defer w.Close()

	watching := true
	if err := addTree(w, root); err != nil {
		log.Warn("policy root not watchable yet", "path", root, "err", err)
		watching = false
	}

	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retry.C:
			if watching {
				continue
			}
			if err := addTree(w, root); err != nil {
				log.Warn("policy root still not watchable", "path", root, "err", err)
				continue
			}
			watching = true
			log.Info("policy watch established", "path", root)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			log.Info("policy change", "path", ev.Name, "op", ev.Op.String())
			if ev.Name == filepath.Clean(root) && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// The root itself went away; re-establish the watch on
				// the next retry tick once it exists again.
				watching = false
			}
			if ev.Op&fsnotify.Create != 0 {
				// A newly created user policy directory needs its own
				// watch registered to see later edits inside it.
				_ = w.Add(ev.Name)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("policy watch error", "err", werr)
		}
	}
}

func addTree(w *fsnotify.Watcher, root string) error {
	if err := w.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		// The root existing but being briefly unreadable (race with
		// provisioning) shouldn't abort the watcher.
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = w.Add(filepath.Join(root, e.Name()))
		}
	}
	return nil
}
