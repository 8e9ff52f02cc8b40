package restore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "restore.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	bag := map[string]interface{}{
		"virtual_target":   24.5,
		"active_sensor":    "Couch",
		"last_real_target": 22.0,
	}
	require.NoError(t, store.Save("living_room", bag))

	loaded, err := store.Load("living_room")
	require.NoError(t, err)
	assert.Equal(t, 24.5, loaded["virtual_target"])
	assert.Equal(t, "Couch", loaded["active_sensor"])
	assert.Equal(t, 22.0, loaded["last_real_target"])
}

func TestSaveReplacesPrevious(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save("living_room", map[string]interface{}{"virtual_target": 21.0}))
	require.NoError(t, store.Save("living_room", map[string]interface{}{"virtual_target": 23.0}))

	loaded, err := store.Load("living_room")
	require.NoError(t, err)
	assert.Equal(t, 23.0, loaded["virtual_target"])
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.Load("garage")
	assert.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save("living_room", map[string]interface{}{"active_sensor": "Desk"}))
	require.NoError(t, store.Delete("living_room"))

	loaded, err := store.Load("living_room")
	assert.NoError(t, err)
	assert.Nil(t, loaded)

	assert.NoError(t, store.Delete("living_room"))
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restore.db")

	store, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Save("bedroom", map[string]interface{}{"virtual_target": 19.5}))
	require.NoError(t, store.Close())

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load("bedroom")
	require.NoError(t, err)
	assert.Equal(t, 19.5, loaded["virtual_target"])
}
