package persistedmap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersistedMap(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "state.yaml")

	store, err := New[string](filePath)
	assert.NoError(t, err)

	_, isOk := store.Get("missing")
	assert.False(t, isOk)

	assert.NoError(t, store.Set("key", "value"))
	assert.NoError(t, store.Set("key2", "value2"))

	// Reopen: values should survive.
	reopened, err := New[string](filePath)
	assert.NoError(t, err)

	value, isOk := reopened.Get("key")
	assert.True(t, isOk)
	assert.Equal(t, "value", value)

	value, isOk = reopened.Get("key2")
	assert.True(t, isOk)
	assert.Equal(t, "value2", value)
}

func TestPersistedMap_MissingFile(t *testing.T) {
	store, err := New[int](filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.NoError(t, err)

	_, isOk := store.Get("anything")
	assert.False(t, isOk)
}
