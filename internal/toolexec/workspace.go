package toolexec

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is a private temp directory for one operation. Callers defer Cleanup.
type Workspace struct {
	dir string
}

// NewWorkspace creates a unique directory under base (os.TempDir when empty).
func NewWorkspace(base, prefix string) (*Workspace, error) {
	dir, err := os.MkdirTemp(base, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Path joins name onto the workspace directory. Only the base name is used.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(name))
}

// Write stores data under name and returns its path.
func (w *Workspace) Write(name string, data []byte) (string, error) {
	p := w.Path(name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("workspace write %s: %w", name, err)
	}
	return p, nil
}

// Read returns the contents of name.
func (w *Workspace) Read(name string) ([]byte, error) {
	return os.ReadFile(w.Path(name))
}

// Cleanup removes the workspace and everything in it.
func (w *Workspace) Cleanup() error {
	return os.RemoveAll(w.dir)
}
