package mapper

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/config"
)

// OverrideWatcher layers field-name overrides from a JSON file on top of the
// configured base names and hot-reloads the file on change, so an external
// table column can be renamed without restarting the service. Empty override
// values leave the base name in place; explicit "-" removes the mapping.
type OverrideWatcher struct {
	path string
	base config.FieldNames

	mu    sync.RWMutex
	names config.FieldNames

	watcher *fsnotify.Watcher
}

func NewOverrideWatcher(path string, base config.FieldNames) (*OverrideWatcher, error) {
	w := &OverrideWatcher{
		path:  strings.TrimSpace(path),
		base:  base,
		names: base,
	}
	if w.path == "" {
		return w, nil
	}
	if err := w.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and config pushers replace the file by
	// rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w.watcher = watcher
	return w, nil
}

// Names returns the current effective field names.
func (w *OverrideWatcher) Names() config.FieldNames {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.names
}

// Watch blocks, applying reloads as the overrides file changes, until ctx is
// done. No-op when no overrides file is configured.
func (w *OverrideWatcher) Watch(ctx context.Context) {
	if w.watcher == nil {
		return
	}
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.reload(); err != nil {
				log.Warningf("field override reload failed: %v", err)
				continue
			}
			log.Infof("field overrides reloaded from %s", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warningf("field override watcher: %v", err)
		}
	}
}

func (w *OverrideWatcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *OverrideWatcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var overlay config.FieldNames
	if err := json.Unmarshal(data, &overlay); err != nil {
		return err
	}
	merged := mergeNames(w.base, overlay)
	w.mu.Lock()
	w.names = merged
	w.mu.Unlock()
	return nil
}

func mergeNames(base, overlay config.FieldNames) config.FieldNames {
	apply := func(dst *string, override string) {
		override = strings.TrimSpace(override)
		if override == "" {
			return
		}
		if override == "-" {
			*dst = ""
			return
		}
		*dst = override
	}
	merged := base
	apply(&merged.Name, overlay.Name)
	apply(&merged.Phone, overlay.Phone)
	apply(&merged.Title, overlay.Title)
	apply(&merged.Company, overlay.Company)
	apply(&merged.IDNumber, overlay.IDNumber)
	apply(&merged.IdentityRole, overlay.IdentityRole)
	apply(&merged.IDType, overlay.IDType)
	apply(&merged.BusinessType, overlay.BusinessType)
	apply(&merged.Department, overlay.Department)
	apply(&merged.ProofURLs, overlay.ProofURLs)
	apply(&merged.SubmittedAt, overlay.SubmittedAt)
	apply(&merged.SyncStatus, overlay.SyncStatus)
	return merged
}
