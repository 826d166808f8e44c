package keys

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(
		filepath.Join(dir, "public-key-store"),
		filepath.Join(dir, "private-key-store"),
		nil,
	)
}

func TestNewPairAndList(t *testing.T) {
	store := testStore(t)

	info, err := store.NewPair("Build Robot", "robot@example.org", "hunter2")
	require.NoError(t, err)
	require.Len(t, info.Fingerprint, 40)
	require.True(t, info.HasPrivate)

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, info.Fingerprint, list[0].Fingerprint)
	require.Equal(t, "Build Robot", list[0].Name)
	require.Equal(t, "robot@example.org", list[0].Email)
	require.True(t, list[0].HasPrivate)
}

func TestFindPrivateByPrefix(t *testing.T) {
	store := testStore(t)

	info, err := store.NewPair("Build Robot", "robot@example.org", "")
	require.NoError(t, err)

	entity, err := store.FindPrivate(info.Fingerprint[:16])
	require.NoError(t, err)
	require.Equal(t, info.Fingerprint, Fingerprint(entity))

	_, err = store.FindPrivate("ffffffffffffffff")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDefaultPrivate(t *testing.T) {
	store := testStore(t)

	_, err := store.DefaultPrivate()
	require.ErrorIs(t, err, ErrKeyNotFound)

	first, err := store.NewPair("One", "one@example.org", "")
	require.NoError(t, err)

	entity, err := store.DefaultPrivate()
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint, Fingerprint(entity))

	_, err = store.NewPair("Two", "two@example.org", "")
	require.NoError(t, err)

	_, err = store.DefaultPrivate()
	require.ErrorIs(t, err, ErrAmbiguousKey)
}

func TestEncryptedPrivateKeySurvivesReload(t *testing.T) {
	store := testStore(t)

	info, err := store.NewPair("Build Robot", "robot@example.org", "hunter2")
	require.NoError(t, err)

	entity, err := store.FindPrivate(info.Fingerprint)
	require.NoError(t, err)
	require.True(t, entity.PrivateKey.Encrypted)

	require.Error(t, entity.PrivateKey.Decrypt([]byte("wrong")))
	require.NoError(t, entity.PrivateKey.Decrypt([]byte("hunter2")))
}

func TestArmoredPublicKey(t *testing.T) {
	store := testStore(t)

	info, err := store.NewPair("Build Robot", "robot@example.org", "")
	require.NoError(t, err)

	armored, err := store.ArmoredPublicKey(info.Fingerprint)
	require.NoError(t, err)
	require.Contains(t, armored, "BEGIN PGP PUBLIC KEY BLOCK")
}

func TestPushKey(t *testing.T) {
	store := testStore(t)
	info, err := store.NewPair("Build Robot", "robot@example.org", "")
	require.NoError(t, err)

	var gotPath string
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotKey = r.PostForm.Get("keytext")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, store.PushKey(context.Background(), srv.URL, info.Fingerprint))
	require.Equal(t, "/pks/add", gotPath)
	require.Contains(t, gotKey, "BEGIN PGP PUBLIC KEY BLOCK")
}

func TestPushKeyRejected(t *testing.T) {
	store := testStore(t)
	info, err := store.NewPair("Build Robot", "robot@example.org", "")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	require.Error(t, store.PushKey(context.Background(), srv.URL, info.Fingerprint))
}
