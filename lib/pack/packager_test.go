package pack

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/capsulebuild/capsule/lib/sandbox"
)

// writeTestSandbox lays out a small completed sandbox and returns a handle.
func writeTestSandbox(t *testing.T, dir string) *sandbox.Sandbox {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "optimize"), []byte("#!/bin/sh\necho 42\n"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "os-release"), []byte("ID=almalinux\n"), 0644))
	require.NoError(t, os.Symlink("bin/optimize", filepath.Join(dir, "run")))

	meta := &sandbox.ImageMeta{
		BuildID:    "pack-test",
		BaseRef:    "almalinux:9.2",
		BaseDigest: "sha256:1111111111111111111111111111111111111111111111111111111111111111",
		Env:        map[string]string{"PYTHONNOUSERSITE": "1"},
		Labels:     map[string]string{"Version": "0.3.1"},
		Runscript:  "exec /bin/optimize",
		CreatedAt:  time.Now().UTC(),
	}

	metaDir := filepath.Join(dir, sandbox.MetaDir)
	require.NoError(t, os.MkdirAll(metaDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, sandbox.DefinitionFile), []byte("From: almalinux:9.2\n"), 0644))
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, sandbox.MetaFile), data, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, sandbox.CompleteMarker), nil, 0644))

	return &sandbox.Sandbox{Dir: dir, Meta: meta}
}

func packTestArchive(t *testing.T) (*sandbox.Sandbox, string) {
	t.Helper()
	sb := writeTestSandbox(t, filepath.Join(t.TempDir(), "sbx"))
	outPath := filepath.Join(t.TempDir(), "image.capsule")
	require.NoError(t, Package(context.Background(), sb, outPath, nil))
	return sb, outPath
}

func TestPackageAndOpen(t *testing.T) {
	sb, outPath := packTestArchive(t)

	// No temp residue next to the final artifact.
	_, err := os.Stat(outPath + ".tmp")
	require.True(t, os.IsNotExist(err))

	archive, err := Open(outPath)
	require.NoError(t, err)
	require.Equal(t, FormatVersion, archive.Manifest.Version)
	require.Equal(t, sb.Meta.BaseDigest, archive.Manifest.BaseDigest)
	require.Empty(t, archive.Signatures())

	// Object digests match payloads.
	for _, id := range []string{ObjectDefinition, ObjectMetadata, ObjectRootfs} {
		desc := archive.Manifest.Object(id)
		require.NotNil(t, desc, id)

		data, err := archive.ReadObject(id)
		require.NoError(t, err)
		require.Equal(t, desc.Size, int64(len(data)))
		require.Equal(t, desc.Digest, digest.FromBytes(data))
	}

	// Metadata object round-trips.
	metaBytes, err := archive.ReadObject(ObjectMetadata)
	require.NoError(t, err)
	var meta sandbox.ImageMeta
	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	require.Equal(t, sb.Meta.Runscript, meta.Runscript)
}

func TestPackageIncompleteSandbox(t *testing.T) {
	sb := writeTestSandbox(t, filepath.Join(t.TempDir(), "sbx"))
	require.NoError(t, os.Remove(filepath.Join(sb.Dir, sandbox.MetaDir, sandbox.CompleteMarker)))

	outPath := filepath.Join(t.TempDir(), "image.capsule")
	err := Package(context.Background(), sb, outPath, nil)

	var pkgErr *PackagingError
	require.ErrorAs(t, err, &pkgErr)
	require.ErrorIs(t, err, sandbox.ErrIncomplete)

	_, statErr := os.Stat(outPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestExtractRootfs(t *testing.T) {
	_, outPath := packTestArchive(t)

	archive, err := Open(outPath)
	require.NoError(t, err)

	destDir := t.TempDir()
	n, err := ExtractRootfs(archive, destDir, NoLimit)
	require.NoError(t, err)
	require.Greater(t, n, int64(0))

	data, err := os.ReadFile(filepath.Join(destDir, "bin", "optimize"))
	require.NoError(t, err)
	require.Contains(t, string(data), "echo 42")

	link, err := os.Readlink(filepath.Join(destDir, "run"))
	require.NoError(t, err)
	require.Equal(t, "bin/optimize", link)
}

func TestExtractSizeLimit(t *testing.T) {
	_, outPath := packTestArchive(t)

	archive, err := Open(outPath)
	require.NoError(t, err)

	_, err = ExtractRootfs(archive, t.TempDir(), 4)
	require.ErrorIs(t, err, ErrExtractTooLarge)
}

func TestReplaceSignature(t *testing.T) {
	_, outPath := packTestArchive(t)

	require.NoError(t, ReplaceSignature(outPath, "aabbccdd", []byte("sig-one")))
	archive, err := Open(outPath)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"aabbccdd": []byte("sig-one")}, archive.Signatures())

	// Re-signing replaces rather than accumulates.
	require.NoError(t, ReplaceSignature(outPath, "eeff0011", []byte("sig-two")))
	archive, err = Open(outPath)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"eeff0011": []byte("sig-two")}, archive.Signatures())

	// Content objects survive the rewrite.
	data, err := archive.ReadObject(ObjectDefinition)
	require.NoError(t, err)
	require.Equal(t, "From: almalinux:9.2\n", string(data))
}

func TestOpenNotACapsule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus")
	require.NoError(t, os.WriteFile(path, []byte("not a tar at all"), 0644))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrNotACapsule)
}

func TestReadObjectNotFound(t *testing.T) {
	_, outPath := packTestArchive(t)
	archive, err := Open(outPath)
	require.NoError(t, err)

	_, err = archive.ReadObject("nope")
	require.ErrorIs(t, err, ErrObjectNotFound)
}
