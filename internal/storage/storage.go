package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Manager owns the on-disk artifact tree. Every job gets one directory under
// the root, keyed by job ID; all artifact paths stored in the database are
// relative to the root so the tree can be relocated.
type Manager struct {
	root string
}

func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &Manager{root: abs}, nil
}

func (m *Manager) Root() string { return m.root }

// JobDir returns the job's directory path relative to the root, creating it
// on first use.
func (m *Manager) JobDir(jobID uuid.UUID) (string, error) {
	rel := filepath.Join("jobs", jobID.String())
	if err := os.MkdirAll(filepath.Join(m.root, rel), 0o755); err != nil {
		return "", fmt.Errorf("creating job dir: %w", err)
	}
	return rel, nil
}

// WriteArtifact stores data under the job's directory and returns the
// root-relative path recorded in the database.
func (m *Manager) WriteArtifact(jobID uuid.UUID, name string, data []byte) (string, error) {
	dir, err := m.JobDir(jobID)
	if err != nil {
		return "", err
	}
	rel := filepath.Join(dir, sanitizeName(name))
	if err := os.WriteFile(filepath.Join(m.root, rel), data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return rel, nil
}

// SaveUpload streams an uploaded file into the job's directory.
func (m *Manager) SaveUpload(jobID uuid.UUID, name string, r io.Reader) (string, int64, error) {
	dir, err := m.JobDir(jobID)
	if err != nil {
		return "", 0, err
	}
	rel := filepath.Join(dir, sanitizeName(name))
	f, err := os.Create(filepath.Join(m.root, rel))
	if err != nil {
		return "", 0, fmt.Errorf("creating upload file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return "", 0, fmt.Errorf("writing upload: %w", err)
	}
	return rel, n, nil
}

// Open opens a previously stored artifact by its root-relative path. The
// path must stay inside the root.
func (m *Manager) Open(rel string) (*os.File, error) {
	abs, err := m.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

// ReadArtifact reads an artifact fully into memory.
func (m *Manager) ReadArtifact(rel string) ([]byte, error) {
	abs, err := m.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// RemoveJobDir deletes the job's directory tree. A missing directory counts
// as already removed.
func (m *Manager) RemoveJobDir(jobID uuid.UUID) error {
	abs := filepath.Join(m.root, "jobs", jobID.String())
	err := os.RemoveAll(abs)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing job dir: %w", err)
	}
	return nil
}

func (m *Manager) resolve(rel string) (string, error) {
	abs := filepath.Join(m.root, rel)
	cleaned := filepath.Clean(abs)
	if !strings.HasPrefix(cleaned, m.root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes storage root", rel)
	}
	return cleaned, nil
}

// sanitizeName strips path components from a client-supplied filename.
func sanitizeName(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "file"
	}
	return name
}
