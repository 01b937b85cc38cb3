package file

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
)

func TestTaskStoreSaveLoadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewTaskStore(fs)

	st := task.NewState("pkg/server/handler.go")
	st.Label = task.LabelPartial
	st.PassCount = 2
	st.MarkCheckpoint(task.StageReview, 0)
	require.NoError(t, store.Save("/tasks/pkg_server_handler.go.json", st))

	got, err := store.Load("/tasks/pkg_server_handler.go.json")
	require.NoError(t, err)
	assert.Equal(t, st, got)
	assert.Equal(t, 1, got.Checkpoint(task.StageReview).Revision)
}

func TestTaskStoreLoadOrNew(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewTaskStore(fs)

	st, err := store.LoadOrNew("/tasks/missing.json", "a/b.go")
	require.NoError(t, err)
	assert.Equal(t, "a/b.go", st.RelativePath)
	assert.Equal(t, task.StatusPending, st.Status)

	st.Status = task.StatusComplete
	require.NoError(t, store.Save("/tasks/missing.json", st))

	again, err := store.LoadOrNew("/tasks/missing.json", "a/b.go")
	require.NoError(t, err)
	assert.Equal(t, task.StatusComplete, again.Status)
}

func TestTaskStoreListSortsAndSkipsGarbage(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewTaskStore(fs)

	require.NoError(t, store.Save("/tasks/b.json", task.NewState("z.go")))
	require.NoError(t, store.Save("/tasks/a.json", task.NewState("a.go")))
	require.NoError(t, afero.WriteFile(fs, "/tasks/broken.json", []byte("{not json"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/tasks/notes.txt", []byte("x"), 0o644))

	out, err := store.List("/tasks")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a.go", out[0].RelativePath)
	assert.Equal(t, "z.go", out[1].RelativePath)
}

func TestTaskStoreListMissingDir(t *testing.T) {
	store := NewTaskStore(afero.NewMemMapFs())
	out, err := store.List("/nope")
	require.NoError(t, err)
	assert.Nil(t, out)
}
