package sign

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capsulebuild/capsule/lib/keys"
	"github.com/capsulebuild/capsule/lib/pack"
	"github.com/capsulebuild/capsule/lib/sandbox"
)

func packTestArchive(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "sbx")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "optimize"), []byte("#!/bin/sh\necho 42\n"), 0755))

	meta := &sandbox.ImageMeta{
		BuildID:    "sign-test",
		BaseRef:    "almalinux:9.2",
		BaseDigest: "sha256:2222222222222222222222222222222222222222222222222222222222222222",
		CreatedAt:  time.Now().UTC(),
	}
	metaDir := filepath.Join(dir, sandbox.MetaDir)
	require.NoError(t, os.MkdirAll(metaDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, sandbox.DefinitionFile), []byte("From: almalinux:9.2\n"), 0644))
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, sandbox.MetaFile), data, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, sandbox.CompleteMarker), nil, 0644))

	outPath := filepath.Join(t.TempDir(), "image.capsule")
	sb := &sandbox.Sandbox{Dir: dir, Meta: meta}
	require.NoError(t, pack.Package(context.Background(), sb, outPath, nil))
	return outPath
}

func testKeyStore(t *testing.T) *keys.Store {
	t.Helper()
	dir := t.TempDir()
	return keys.NewStore(
		filepath.Join(dir, "public-key-store"),
		filepath.Join(dir, "private-key-store"),
		nil,
	)
}

// tamperEntry flips the last byte of one archive entry in place.
func tamperEntry(t *testing.T, archivePath, entryName string) {
	t.Helper()

	in, err := os.Open(archivePath)
	require.NoError(t, err)
	defer in.Close()

	var out bytes.Buffer
	tw := tar.NewWriter(&out)
	tr := tar.NewReader(in)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		if header.Name == entryName {
			require.NotEmpty(t, data)
			data[len(data)-1] ^= 0xff
		}
		require.NoError(t, tw.WriteHeader(header))
		_, err = tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(archivePath, out.Bytes(), 0644))
}

func TestSignAndVerify(t *testing.T) {
	archivePath := packTestArchive(t)
	store := testKeyStore(t)

	info, err := store.NewPair("Build Robot", "robot@example.org", "hunter2")
	require.NoError(t, err)

	entity, err := store.FindPrivate(info.Fingerprint)
	require.NoError(t, err)

	fingerprint, err := Sign(archivePath, entity, "hunter2", nil)
	require.NoError(t, err)
	require.Equal(t, info.Fingerprint, fingerprint)

	keyring, err := store.PublicKeyring()
	require.NoError(t, err)

	report, err := Verify(context.Background(), archivePath, keyring, nil)
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, info.Fingerprint, report.SignerFingerprint)
	require.Len(t, report.Objects, 4) // signature + three content objects
	for _, object := range report.Objects {
		require.True(t, object.Verified, object.ID)
	}
}

func TestSignWrongPassphrase(t *testing.T) {
	archivePath := packTestArchive(t)
	store := testKeyStore(t)

	info, err := store.NewPair("Build Robot", "robot@example.org", "hunter2")
	require.NoError(t, err)
	entity, err := store.FindPrivate(info.Fingerprint)
	require.NoError(t, err)

	_, err = Sign(archivePath, entity, "wrong", nil)

	var signing *SigningError
	require.ErrorAs(t, err, &signing)

	// Nothing was embedded.
	archive, err := pack.Open(archivePath)
	require.NoError(t, err)
	require.Empty(t, archive.Signatures())
}

func TestVerifyWithWrongKey(t *testing.T) {
	archivePath := packTestArchive(t)
	store := testKeyStore(t)

	info, err := store.NewPair("Build Robot", "robot@example.org", "")
	require.NoError(t, err)
	entity, err := store.FindPrivate(info.Fingerprint)
	require.NoError(t, err)
	_, err = Sign(archivePath, entity, "", nil)
	require.NoError(t, err)

	// A keyring holding a different key cannot verify the signature, but
	// the content objects are unaffected.
	otherStore := testKeyStore(t)
	_, err = otherStore.NewPair("Someone Else", "else@example.org", "")
	require.NoError(t, err)
	otherKeyring, err := otherStore.PublicKeyring()
	require.NoError(t, err)

	report, err := Verify(context.Background(), archivePath, otherKeyring, nil)

	var verification *VerificationError
	require.ErrorAs(t, err, &verification)
	require.Equal(t, []string{SignatureObjectID}, verification.ObjectIDs)

	for _, object := range report.Objects {
		if object.ID == SignatureObjectID {
			require.False(t, object.Verified)
		} else {
			require.True(t, object.Verified, object.ID)
		}
	}
}

func TestVerifyTamperedRootfs(t *testing.T) {
	archivePath := packTestArchive(t)
	store := testKeyStore(t)

	info, err := store.NewPair("Build Robot", "robot@example.org", "")
	require.NoError(t, err)
	entity, err := store.FindPrivate(info.Fingerprint)
	require.NoError(t, err)
	_, err = Sign(archivePath, entity, "", nil)
	require.NoError(t, err)

	tamperEntry(t, archivePath, "objects/rootfs.tar.gz")

	keyring, err := store.PublicKeyring()
	require.NoError(t, err)

	report, err := Verify(context.Background(), archivePath, keyring, nil)

	var verification *VerificationError
	require.ErrorAs(t, err, &verification)
	require.Equal(t, []string{pack.ObjectRootfs}, verification.ObjectIDs)

	// Only the tampered object fails; signature, definition, and metadata
	// still verify.
	for _, object := range report.Objects {
		if object.ID == pack.ObjectRootfs {
			require.False(t, object.Verified)
			require.Equal(t, "digest mismatch", object.Reason)
		} else {
			require.True(t, object.Verified, object.ID)
		}
	}
}

func TestVerifyUnsigned(t *testing.T) {
	archivePath := packTestArchive(t)
	store := testKeyStore(t)
	keyring, err := store.PublicKeyring()
	require.NoError(t, err)

	report, err := Verify(context.Background(), archivePath, keyring, nil)

	var verification *VerificationError
	require.ErrorAs(t, err, &verification)
	require.Equal(t, []string{SignatureObjectID}, verification.ObjectIDs)
	require.False(t, report.Objects[0].Verified)
	require.Equal(t, "no signature embedded", report.Objects[0].Reason)
}
