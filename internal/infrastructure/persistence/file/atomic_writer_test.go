package file

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicCreatesParentDirs(t *testing.T) {
	fs := afero.NewMemMapFs()

	err := WriteFileAtomic(fs, "/repo/.deepatch/runs/r1/state/run.json", []byte(`{"run_id":"r1"}`))
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, "/repo/.deepatch/runs/r1/state/run.json")
	require.NoError(t, err)
	assert.Equal(t, `{"run_id":"r1"}`, string(data))
}

func TestWriteFileAtomicOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()

	require.NoError(t, WriteFileAtomic(fs, "/f.json", []byte("old")))
	require.NoError(t, WriteFileAtomic(fs, "/f.json", []byte("new")))

	data, err := afero.ReadFile(fs, "/f.json")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()

	require.NoError(t, WriteFileAtomic(fs, "/dir/f.json", []byte("data")))

	entries, err := afero.ReadDir(fs, "/dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "f.json", entries[0].Name())
}
