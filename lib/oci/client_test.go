package oci

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/require"
)

// pushTestImage stands up an in-memory registry and pushes a small image
// with the given config, returning the full reference.
func pushTestImage(t *testing.T, cfg v1.Config) string {
	t.Helper()

	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")

	img, err := random.Image(512, 2)
	require.NoError(t, err)
	img, err = mutate.Config(img, cfg)
	require.NoError(t, err)

	ref := fmt.Sprintf("%s/mlopt/base:9.2", host)
	tag, err := name.ParseReference(ref, name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.Write(tag, img))

	return ref
}

func TestResolveAndPull(t *testing.T) {
	ref := pushTestImage(t, v1.Config{})

	client, err := NewClient(t.TempDir(), nil, WithInsecure())
	require.NoError(t, err)

	ctx := context.Background()
	digest, err := client.Resolve(ctx, ref)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(digest, "sha256:"))

	pulled, err := client.Pull(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, digest, pulled)

	// Second pull is served from the layout cache.
	require.True(t, client.existsInLayout(ctx, digestToLayoutTag(digest)))
	pulled, err = client.Pull(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, digest, pulled)
}

func TestConfig(t *testing.T) {
	ref := pushTestImage(t, v1.Config{
		Env:        []string{"PYTHONNOUSERSITE=1", "PATH=/usr/bin"},
		Cmd:        []string{"/bin/sh"},
		WorkingDir: "/opt",
	})

	client, err := NewClient(t.TempDir(), nil, WithInsecure())
	require.NoError(t, err)

	digest, err := client.Pull(context.Background(), ref)
	require.NoError(t, err)

	cfg, err := client.Config(digest)
	require.NoError(t, err)
	require.Equal(t, "1", cfg.Env["PYTHONNOUSERSITE"])
	require.Equal(t, []string{"/bin/sh"}, cfg.Cmd)
	require.Equal(t, "/opt", cfg.WorkingDir)
}

func TestResolveBadReference(t *testing.T) {
	client, err := NewClient(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = client.Resolve(context.Background(), ":::not-a-ref")
	require.Error(t, err)
}

func TestDigestToLayoutTag(t *testing.T) {
	require.Equal(t, "abc123", digestToLayoutTag("sha256:abc123"))
	require.Equal(t, "plain", digestToLayoutTag("plain"))
}
