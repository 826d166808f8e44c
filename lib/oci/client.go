// Package oci maintains the local base-image cache: a shared OCI layout
// that remote images are pulled into once and unpacked into sandbox root
// filesystems from.
package oci

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/umoci/oci/cas/dir"
	"github.com/opencontainers/umoci/oci/casext"
	"github.com/opencontainers/umoci/oci/layer"
)

// Client handles base image operations without requiring a container daemon.
// All pulled images share one OCI layout keyed by manifest digest, so layers
// are deduplicated across images automatically.
type Client struct {
	cacheDir string
	logger   *slog.Logger
	insecure bool
}

type Option func(*Client)

// WithInsecure allows plain-HTTP registries. Used against local test
// registries only.
func WithInsecure() Option {
	return func(c *Client) { c.insecure = true }
}

// NewClient creates a client over the shared OCI layout at cacheDir.
func NewClient(cacheDir string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{cacheDir: cacheDir, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) parseRef(ref string) (name.Reference, error) {
	if c.insecure {
		return name.ParseReference(ref, name.Insecure)
	}
	return name.ParseReference(ref)
}

// Resolve inspects the remote manifest and returns its digest without
// pulling the image.
func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := c.parseRef(ref)
	if err != nil {
		return "", fmt.Errorf("parse image reference: %w", err)
	}

	desc, err := remote.Head(parsed, remote.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("resolve manifest: %w", err)
	}
	return desc.Digest.String(), nil
}

// Pull fetches the image into the shared OCI layout, skipping the fetch
// entirely when the digest is already cached. Returns the manifest digest.
func (c *Client) Pull(ctx context.Context, ref string) (string, error) {
	digest, err := c.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}

	layoutTag := digestToLayoutTag(digest)
	if c.existsInLayout(ctx, layoutTag) {
		c.logger.Debug("base image cached", "ref", ref, "digest", digest)
		return digest, nil
	}

	parsed, err := c.parseRef(ref)
	if err != nil {
		return "", fmt.Errorf("parse image reference: %w", err)
	}

	c.logger.Info("pulling base image", "ref", ref, "digest", digest)
	img, err := remote.Image(parsed, remote.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}

	lp, err := layout.FromPath(c.cacheDir)
	if err != nil {
		lp, err = layout.Write(c.cacheDir, empty.Index)
		if err != nil {
			return "", fmt.Errorf("init oci layout: %w", err)
		}
	}

	// Tag the manifest with the digest hex so umoci's reference resolution
	// finds it.
	err = lp.AppendImage(img, layout.WithAnnotations(map[string]string{
		ispec.AnnotationRefName: layoutTag,
	}))
	if err != nil {
		return "", fmt.Errorf("append to oci layout: %w", err)
	}

	return digest, nil
}

// Config reads the image config for a cached digest.
func (c *Client) Config(digest string) (*ImageConfig, error) {
	hash, err := v1.NewHash(digest)
	if err != nil {
		return nil, fmt.Errorf("parse digest: %w", err)
	}

	lp, err := layout.FromPath(c.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("open oci layout: %w", err)
	}

	img, err := lp.Image(hash)
	if err != nil {
		return nil, fmt.Errorf("load cached image: %w", err)
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read image config: %w", err)
	}

	cfg := &ImageConfig{
		Entrypoint: cf.Config.Entrypoint,
		Cmd:        cf.Config.Cmd,
		Env:        make(map[string]string, len(cf.Config.Env)),
		WorkingDir: cf.Config.WorkingDir,
	}
	for _, env := range cf.Config.Env {
		if key, value, ok := strings.Cut(env, "="); ok {
			cfg.Env[key] = value
		}
	}
	return cfg, nil
}

// Unpack materializes the cached image's layers as a root filesystem tree
// at targetDir, using rootless identity mappings so builds do not require
// real root.
func (c *Client) Unpack(ctx context.Context, digest, targetDir string) error {
	casEngine, err := dir.Open(c.cacheDir)
	if err != nil {
		return fmt.Errorf("open oci layout: %w", err)
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)

	descriptorPaths, err := engine.ResolveReference(ctx, digestToLayoutTag(digest))
	if err != nil {
		return fmt.Errorf("resolve reference: %w", err)
	}
	if len(descriptorPaths) == 0 {
		return fmt.Errorf("digest %s not found in cache", digest)
	}

	manifestBlob, err := engine.FromDescriptor(ctx, descriptorPaths[0].Descriptor())
	if err != nil {
		return fmt.Errorf("get manifest: %w", err)
	}

	manifest, ok := manifestBlob.Data.(ispec.Manifest)
	if !ok {
		return fmt.Errorf("manifest data is not a v1.Manifest (got %T)", manifestBlob.Data)
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	// Map container root to the current user so chown inside layers does
	// not require privileges.
	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())

	unpackOpts := &layer.UnpackOptions{
		OnDiskFormat: layer.DirRootfs{
			MapOptions: layer.MapOptions{
				Rootless: true,
				UIDMappings: []rspec.LinuxIDMapping{
					{HostID: uid, ContainerID: 0, Size: 1},
				},
				GIDMappings: []rspec.LinuxIDMapping{
					{HostID: gid, ContainerID: 0, Size: 1},
				},
			},
		},
	}

	if err := layer.UnpackRootfs(ctx, casEngine, targetDir, manifest, unpackOpts); err != nil {
		return fmt.Errorf("unpack rootfs: %w", err)
	}
	return nil
}

// existsInLayout checks whether a digest is already present in the cache.
func (c *Client) existsInLayout(ctx context.Context, layoutTag string) bool {
	casEngine, err := dir.Open(c.cacheDir)
	if err != nil {
		return false
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)
	descriptorPaths, err := engine.ResolveReference(ctx, layoutTag)
	if err != nil {
		return false
	}
	return len(descriptorPaths) > 0
}

// digestToLayoutTag converts a digest to a valid OCI layout tag, keeping
// just the hex portion. Example: "sha256:abc123..." -> "abc123..."
func digestToLayoutTag(digest string) string {
	if _, hex, ok := strings.Cut(digest, ":"); ok {
		return hex
	}
	return digest
}

// ImageConfig is the subset of an image's config that seeds sandbox
// metadata.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        map[string]string
	WorkingDir string
}
