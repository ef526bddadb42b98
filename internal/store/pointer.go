package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Well-known store names. The manifest may declare others, but init always
// creates these two.
const (
	StoreLocal = "local"
	StoreSync  = "sync"
)

// Manifest is the workspace file at .crew/workspace.toml. It owns the
// active-store pointer: every reader consults ActiveStore to decide which
// database is authoritative, and the migration switch phase rewrites it.
type Manifest struct {
	Workspace   string            `toml:"workspace"`
	ActiveStore string            `toml:"active_store"`
	Stores      map[string]string `toml:"stores"` // name -> database path
	SwitchedAt  *time.Time        `toml:"switched_at,omitempty"`
}

// Validate checks internal consistency: the active store must be declared.
func (m *Manifest) Validate() error {
	if m.ActiveStore == "" {
		return fmt.Errorf("active_store is required")
	}
	if _, ok := m.Stores[m.ActiveStore]; !ok {
		return fmt.Errorf("active_store %q is not declared in stores", m.ActiveStore)
	}
	return nil
}

// StorePath returns the database path for a declared store name.
func (m *Manifest) StorePath(name string) (string, error) {
	path, ok := m.Stores[name]
	if !ok {
		return "", fmt.Errorf("store %q is not declared in the workspace manifest", name)
	}
	return path, nil
}

// LoadManifest reads and validates the workspace manifest.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("failed to read workspace manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workspace manifest: %w", err)
	}
	return &m, nil
}

// SaveManifest writes the manifest atomically via a temp file rename, so a
// crash mid-write never leaves a torn pointer.
func SaveManifest(path string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp manifest: %w", err)
	}
	return nil
}

// FilePointer implements Pointer over the workspace manifest file.
type FilePointer struct {
	path string
	mu   sync.Mutex
}

var _ Pointer = (*FilePointer)(nil)

// NewFilePointer creates a pointer backed by the manifest at path.
func NewFilePointer(path string) *FilePointer {
	return &FilePointer{path: path}
}

// Active returns the name of the authoritative store.
func (p *FilePointer) Active() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := LoadManifest(p.path)
	if err != nil {
		return "", err
	}
	return m.ActiveStore, nil
}

// Switch repoints the workspace at the named store. The caller is expected
// to hold the destination resource lock; Switch itself only guarantees the
// file update is atomic.
func (p *FilePointer) Switch(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := LoadManifest(p.path)
	if err != nil {
		return err
	}
	if _, ok := m.Stores[name]; !ok {
		return fmt.Errorf("cannot switch to undeclared store %q", name)
	}
	if m.ActiveStore == name {
		return nil
	}

	now := time.Now().UTC()
	m.ActiveStore = name
	m.SwitchedAt = &now
	return SaveManifest(p.path, m)
}
