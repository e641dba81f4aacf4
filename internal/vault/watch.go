package vault

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/mkb/internal/models"
)

// debounceWindow coalesces bursts of events per path. Editors commonly emit
// several writes per save.
const debounceWindow = 200 * time.Millisecond

// Watch starts an fsnotify watcher on the vault root and returns a channel
// of coalesced change events. Events for non-markdown files and dotted
// directories (.mkb, .git) are dropped. New directories created at runtime
// join the watch list automatically. The channel closes when ctx is
// cancelled.
func (v *Vault) Watch(ctx context.Context) (<-chan models.ChangeEvent, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := addDirsRecursive(w, v.fs.Root()); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan models.ChangeEvent, 64)

	go func() {
		defer close(out)
		defer w.Close()

		// pending holds the latest event kind per path inside the
		// debounce window.
		pending := map[string]models.ChangeKind{}
		var flushTimer *time.Timer
		var flushCh <-chan time.Time

		scheduleFlush := func() {
			if flushTimer == nil {
				flushTimer = time.NewTimer(debounceWindow)
				flushCh = flushTimer.C
			} else {
				flushTimer.Reset(debounceWindow)
			}
		}

		flush := func() {
			for path, kind := range pending {
				select {
				case out <- models.ChangeEvent{Kind: kind, Path: path}:
				case <-ctx.Done():
					return
				}
			}
			pending = map[string]models.ChangeKind{}
		}

		for {
			select {
			case <-ctx.Done():
				if flushTimer != nil {
					flushTimer.Stop()
				}
				return

			case <-flushCh:
				flush()

			case ev, ok := <-w.Events:
				if !ok {
					flush()
					return
				}

				if ev.Op&fsnotify.Create != 0 {
					if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
						if !strings.HasPrefix(filepath.Base(ev.Name), ".") {
							_ = addDirsRecursive(w, ev.Name)
							// Files written before the watch was added raise no
							// events of their own; report them as created.
							_ = filepath.WalkDir(ev.Name, func(p string, d fs.DirEntry, err error) error {
								if err == nil && !d.IsDir() {
									if rel, ok := v.relevant(p); ok {
										pending[rel] = models.ChangeCreated
										scheduleFlush()
									}
								}
								return nil
							})
						}
						continue
					}
				}

				rel, ok := v.relevant(ev.Name)
				if !ok {
					continue
				}

				switch {
				case ev.Op&fsnotify.Create != 0:
					if pending[rel] != models.ChangeModified {
						pending[rel] = models.ChangeCreated
					}
				case ev.Op&fsnotify.Write != 0:
					if pending[rel] != models.ChangeCreated {
						pending[rel] = models.ChangeModified
					}
				case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					pending[rel] = models.ChangeDeleted
				default:
					continue
				}
				scheduleFlush()

			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return out, nil
}

// relevant maps an absolute event path to a vault-relative path, dropping
// non-markdown files and anything under a dotted directory.
func (v *Vault) relevant(abs string) (string, bool) {
	if !strings.HasSuffix(abs, ".md") {
		return "", false
	}
	rel, err := filepath.Rel(v.fs.Root(), abs)
	if err != nil {
		return "", false
	}
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return rel, true
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
