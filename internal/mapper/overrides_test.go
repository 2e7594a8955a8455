package mapper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOverrideWatcherStaticWithoutFile(t *testing.T) {
	w, err := NewOverrideWatcher("", testNames())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()
	if got := w.Names(); got != testNames() {
		t.Fatalf("expected base names, got %+v", got)
	}
}

func TestOverrideWatcherLoadsInitialOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "field-overrides.json")
	if err := os.WriteFile(path, []byte(`{"name":"参会人姓名","business-type":"-"}`), 0o644); err != nil {
		t.Fatalf("write overrides: %v", err)
	}

	w, err := NewOverrideWatcher(path, testNames())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	names := w.Names()
	if names.Name != "参会人姓名" {
		t.Fatalf("expected override to apply, got %q", names.Name)
	}
	if names.BusinessType != "" {
		t.Fatalf("expected dash to remove mapping, got %q", names.BusinessType)
	}
	if names.Phone != "手机号" {
		t.Fatalf("untouched names must keep base value, got %q", names.Phone)
	}
}

func TestOverrideWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "field-overrides.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write overrides: %v", err)
	}

	w, err := NewOverrideWatcher(path, testNames())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Watch(ctx)
		close(done)
	}()

	if err := os.WriteFile(path, []byte(`{"company":"参展公司"}`), 0o644); err != nil {
		t.Fatalf("rewrite overrides: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if w.Names().Company == "参展公司" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("override was not reloaded, names=%+v", w.Names())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop on context cancel")
	}
}
