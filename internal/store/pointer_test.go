package store

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestManifest(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "workspace.toml")
	m := &Manifest{
		Workspace:   "acme",
		ActiveStore: StoreLocal,
		Stores: map[string]string{
			StoreLocal: ".crew/local.db",
			StoreSync:  ".crew/sync.db",
		},
	}
	if err := SaveManifest(path, m); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	return path
}

func TestManifestRoundTrip(t *testing.T) {
	path := writeTestManifest(t)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if m.Workspace != "acme" || m.ActiveStore != StoreLocal {
		t.Errorf("manifest mangled: %+v", m)
	}
	if got, err := m.StorePath(StoreSync); err != nil || got != ".crew/sync.db" {
		t.Errorf("StorePath(sync) = %q, %v", got, err)
	}
	if _, err := m.StorePath("archive"); err == nil {
		t.Error("expected an error for an undeclared store")
	}
}

func TestManifestValidation(t *testing.T) {
	m := &Manifest{ActiveStore: "nowhere", Stores: map[string]string{StoreLocal: "a.db"}}
	if err := m.Validate(); err == nil {
		t.Error("expected an error when active_store is undeclared")
	}

	m = &Manifest{Stores: map[string]string{StoreLocal: "a.db"}}
	if err := m.Validate(); err == nil {
		t.Error("expected an error when active_store is empty")
	}

	path := filepath.Join(t.TempDir(), "workspace.toml")
	if err := SaveManifest(path, m); err == nil {
		t.Error("SaveManifest must refuse an invalid manifest")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("refused save must not leave a file behind")
	}
}

func TestPointerSwitch(t *testing.T) {
	path := writeTestManifest(t)
	p := NewFilePointer(path)

	active, err := p.Active()
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active != StoreLocal {
		t.Fatalf("expected local active, got %q", active)
	}

	if err := p.Switch(StoreSync); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if active, _ := p.Active(); active != StoreSync {
		t.Errorf("expected sync active after switch, got %q", active)
	}

	// The switch is visible to a fresh reader, not just this pointer.
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.ActiveStore != StoreSync {
		t.Errorf("manifest on disk still says %q", m.ActiveStore)
	}
	if m.SwitchedAt == nil {
		t.Error("expected switched_at stamped")
	}
}

func TestPointerSwitchSameStoreIsNoOp(t *testing.T) {
	path := writeTestManifest(t)
	p := NewFilePointer(path)

	before, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Switch(StoreLocal); err != nil {
		t.Fatalf("Switch to active store failed: %v", err)
	}
	after, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.SwitchedAt != nil && before.SwitchedAt == nil {
		t.Error("no-op switch must not stamp switched_at")
	}
}

func TestPointerSwitchRejectsUndeclaredStore(t *testing.T) {
	p := NewFilePointer(writeTestManifest(t))

	if err := p.Switch("archive"); err == nil {
		t.Error("expected an error switching to an undeclared store")
	}
	if active, _ := p.Active(); active != StoreLocal {
		t.Errorf("failed switch moved the pointer to %q", active)
	}
}
