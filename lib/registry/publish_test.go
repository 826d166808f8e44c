package registry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	gcrregistry "github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/require"

	"github.com/capsulebuild/capsule/lib/keys"
	"github.com/capsulebuild/capsule/lib/pack"
	"github.com/capsulebuild/capsule/lib/sandbox"
	"github.com/capsulebuild/capsule/lib/sign"
)

// signedArchive packages a minimal sandbox and signs it. buildID varies the
// archive content so tests can produce distinct payloads for one tag.
func signedArchive(t *testing.T, buildID string) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "sbx")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "os-release"), []byte("ID=alma\n"), 0644))

	meta := &sandbox.ImageMeta{
		BuildID:    buildID,
		BaseRef:    "almalinux:9.2",
		BaseDigest: "sha256:2222222222222222222222222222222222222222222222222222222222222222",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
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

	keyDir := t.TempDir()
	store := keys.NewStore(
		filepath.Join(keyDir, "public-key-store"),
		filepath.Join(keyDir, "private-key-store"),
		nil,
	)
	_, err = store.NewPair("Release Bot", "release@example.org", "")
	require.NoError(t, err)
	entity, err := store.DefaultPrivate()
	require.NoError(t, err)
	_, err = sign.Sign(outPath, entity, "", nil)
	require.NoError(t, err)

	return outPath
}

func testEndpoint(t *testing.T) *Remote {
	t.Helper()
	srv := httptest.NewServer(gcrregistry.New())
	t.Cleanup(srv.Close)
	return &Remote{Name: "test", URI: srv.URL, Insecure: true, Default: true}
}

func TestPublish(t *testing.T) {
	archive := signedArchive(t, "publish-1")
	endpoint := testEndpoint(t)
	ref, err := ParseReference("mlopt/images/optimizer:1.0")
	require.NoError(t, err)

	pub := NewPublisher(nil)
	digest, err := pub.Publish(context.Background(), archive, ref, endpoint, TagPolicyMutable)
	require.NoError(t, err)
	require.Regexp(t, `^sha256:[0-9a-f]{64}$`, digest)
}

func TestPublishRejectsUnsigned(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sbx")
	metaDir := filepath.Join(dir, sandbox.MetaDir)
	require.NoError(t, os.MkdirAll(metaDir, 0755))
	meta := &sandbox.ImageMeta{BuildID: "unsigned", BaseRef: "almalinux:9.2", CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, sandbox.DefinitionFile), []byte("From: almalinux:9.2\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, sandbox.MetaFile), data, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, sandbox.CompleteMarker), nil, 0644))

	archive := filepath.Join(t.TempDir(), "image.capsule")
	require.NoError(t, pack.Package(context.Background(), &sandbox.Sandbox{Dir: dir, Meta: meta}, archive, nil))

	ref, err := ParseReference("mlopt/images/optimizer:1.0")
	require.NoError(t, err)

	_, err = NewPublisher(nil).Publish(context.Background(), archive, ref, testEndpoint(t), TagPolicyMutable)
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	require.Equal(t, "archive is unsigned", pubErr.Reason)
}

func TestPublishIdempotent(t *testing.T) {
	archive := signedArchive(t, "publish-idem")
	endpoint := testEndpoint(t)
	ref, err := ParseReference("mlopt/images/optimizer:2.0")
	require.NoError(t, err)

	pub := NewPublisher(nil)
	first, err := pub.Publish(context.Background(), archive, ref, endpoint, TagPolicyImmutable)
	require.NoError(t, err)

	// Same content to the same tag is a no-op even under immutable policy.
	second, err := pub.Publish(context.Background(), archive, ref, endpoint, TagPolicyImmutable)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPublishImmutableConflict(t *testing.T) {
	endpoint := testEndpoint(t)
	ref, err := ParseReference("mlopt/images/optimizer:3.0")
	require.NoError(t, err)

	pub := NewPublisher(nil)
	first, err := pub.Publish(context.Background(), signedArchive(t, "conflict-a"), ref, endpoint, TagPolicyImmutable)
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), signedArchive(t, "conflict-b"), ref, endpoint, TagPolicyImmutable)
	var conflict *TagConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, first, conflict.ExistingDigest)
	require.NotEqual(t, conflict.ExistingDigest, conflict.NewDigest)

	// Mutable policy lets the same push through.
	_, err = pub.Publish(context.Background(), signedArchive(t, "conflict-b"), ref, endpoint, TagPolicyMutable)
	require.NoError(t, err)
}

func TestPublishUnreachableEndpoint(t *testing.T) {
	archive := signedArchive(t, "unreachable")
	ref, err := ParseReference("mlopt/images/optimizer:1.0")
	require.NoError(t, err)

	endpoint := &Remote{Name: "down", URI: "http://127.0.0.1:1", Insecure: true}
	_, err = NewPublisher(nil).Publish(context.Background(), archive, ref, endpoint, TagPolicyMutable)
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
}

func TestArchiveLayerStreamsRawBytes(t *testing.T) {
	archive := signedArchive(t, "layer-raw")

	layer, err := newArchiveLayer(archive)
	require.NoError(t, err)

	data, err := os.ReadFile(archive)
	require.NoError(t, err)

	// The blob is the file's raw bytes: digest, size and content all
	// match the archive on disk, without buffering it in memory.
	d, err := layer.Digest()
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(data)), d.String())

	size, err := layer.Size()
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	rc, err := layer.Compressed()
	require.NoError(t, err)
	defer rc.Close()
	streamed, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, streamed)
}
