package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadArtifact(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	jobID := uuid.New()
	rel, err := m.WriteArtifact(jobID, "summary.md", []byte("# Summary"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("jobs", jobID.String(), "summary.md"), rel)

	data, err := m.ReadArtifact(rel)
	require.NoError(t, err)
	assert.Equal(t, "# Summary", string(data))
}

func TestSanitizesClientFilenames(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	jobID := uuid.New()
	rel, err := m.WriteArtifact(jobID, "../../../etc/passwd", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("jobs", jobID.String(), "passwd"), rel)
}

func TestResolveRejectsEscapingPaths(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	_, err = m.ReadArtifact("../outside.txt")
	assert.Error(t, err)
}

func TestRemoveJobDir(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	jobID := uuid.New()
	rel, err := m.WriteArtifact(jobID, "out.txt", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, m.RemoveJobDir(jobID))
	_, err = os.Stat(filepath.Join(m.Root(), rel))
	assert.True(t, os.IsNotExist(err))

	// Removing again is fine.
	require.NoError(t, m.RemoveJobDir(jobID))
}
