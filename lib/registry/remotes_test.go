package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRemoteStore(t *testing.T) *RemoteStore {
	t.Helper()
	return NewRemoteStore(filepath.Join(t.TempDir(), "remotes.json"))
}

func TestRemoteStoreAddAndGet(t *testing.T) {
	store := testRemoteStore(t)

	require.NoError(t, store.Add("staging", "https://registry.staging.example.org", false, false))
	require.NoError(t, store.Add("prod", "https://registry.example.org", false, false))

	remote, err := store.Get("prod")
	require.NoError(t, err)
	require.Equal(t, "https://registry.example.org", remote.URI)
	require.False(t, remote.Insecure)

	_, err = store.Get("nonexistent")
	require.ErrorIs(t, err, ErrRemoteNotFound)
}

func TestRemoteStoreFirstIsDefault(t *testing.T) {
	store := testRemoteStore(t)

	require.NoError(t, store.Add("staging", "https://registry.staging.example.org", false, false))
	require.NoError(t, store.Add("prod", "https://registry.example.org", false, false))

	def, err := store.Default()
	require.NoError(t, err)
	require.Equal(t, "staging", def.Name)

	// Adding with makeDefault moves the default.
	require.NoError(t, store.Add("local", "http://localhost:5000", true, true))
	def, err = store.Default()
	require.NoError(t, err)
	require.Equal(t, "local", def.Name)
	require.True(t, def.Insecure)
}

func TestRemoteStoreDefaultEmpty(t *testing.T) {
	_, err := testRemoteStore(t).Default()
	require.ErrorIs(t, err, ErrRemoteNotFound)
}

func TestRemoteStoreLogin(t *testing.T) {
	store := testRemoteStore(t)
	require.NoError(t, store.Add("prod", "https://registry.example.org", false, false))

	require.NoError(t, store.Login("prod", "s3cret-token"))
	remote, err := store.Get("prod")
	require.NoError(t, err)
	require.Equal(t, "s3cret-token", remote.Token)

	require.ErrorIs(t, store.Login("nonexistent", "tok"), ErrRemoteNotFound)
}

func TestRemoteStoreFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotes.json")
	store := NewRemoteStore(path)
	require.NoError(t, store.Add("prod", "https://registry.example.org", false, false))
	require.NoError(t, store.Login("prod", "tok"))

	// Tokens land on disk, so the file must not be world readable.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
