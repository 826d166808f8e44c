package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/capsulebuild/capsule/lib/pack"
)

// Media types for capsule archives wrapped as OCI artifacts.
const (
	layerMediaType  = types.MediaType("application/vnd.capsule.image.layer.v1.tar")
	configMediaType = types.MediaType("application/vnd.capsule.image.config.v1+json")
)

// TagPolicy decides what happens when the target tag already exists.
// Registry-policy-dependent, so it is a configuration choice.
type TagPolicy string

const (
	// TagPolicyMutable overwrites existing tags. Re-pushing identical
	// content is a no-op.
	TagPolicyMutable TagPolicy = "mutable"
	// TagPolicyImmutable rejects pushes that would change what an
	// existing tag names.
	TagPolicyImmutable TagPolicy = "immutable"
)

// ParseTagPolicy validate a policy string from configuration.
func ParseTagPolicy(s string) (TagPolicy, error) {
	switch TagPolicy(s) {
	case TagPolicyMutable, TagPolicyImmutable:
		return TagPolicy(s), nil
	case "":
		return TagPolicyMutable, nil
	default:
		return "", fmt.Errorf("unknown tag policy %q", s)
	}
}

// Publisher uploads signed archives to remote registries.
type Publisher struct {
	logger *slog.Logger
}

func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{logger: logger}
}

// Publish wraps the archive as a single-layer OCI image and uploads it to
// the endpoint under ref. Returns the pushed manifest digest. Publishing
// the same content to the same tag twice is idempotent under either
// policy; changing an existing tag's content is rejected with a
// TagConflictError under the immutable policy.
func (p *Publisher) Publish(ctx context.Context, archivePath string, ref *Reference, endpoint *Remote, policy TagPolicy) (string, error) {
	archive, err := pack.Open(archivePath)
	if err != nil {
		return "", &PublishError{Reason: "open archive", Err: err}
	}
	if len(archive.Signatures()) == 0 {
		return "", &PublishError{Reason: "archive is unsigned"}
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return "", &PublishError{Reason: "stat archive", Err: err}
	}

	img, err := wrapArchive(archivePath, ref, archive.Manifest.BaseDigest)
	if err != nil {
		return "", &PublishError{Reason: "wrap archive", Err: err}
	}
	pushDigest, err := img.Digest()
	if err != nil {
		return "", &PublishError{Reason: "compute digest", Err: err}
	}

	opts := []name.Option{}
	if endpoint.Insecure {
		opts = append(opts, name.Insecure)
	}
	target, err := name.ParseReference(ref.ForHost(hostFromURI(endpoint.URI)), opts...)
	if err != nil {
		return "", &PublishError{Reason: "parse push target", Err: err}
	}

	remoteOpts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(endpointAuth(endpoint)),
	}

	existing, err := remote.Head(target, remoteOpts...)
	switch {
	case err == nil:
		if existing.Digest == pushDigest {
			p.logger.Info("tag already holds identical content", "ref", target.String(), "digest", pushDigest.String())
			return pushDigest.String(), nil
		}
		if policy == TagPolicyImmutable {
			return "", &TagConflictError{
				Ref:            target.String(),
				ExistingDigest: existing.Digest.String(),
				NewDigest:      pushDigest.String(),
			}
		}
	case !isNotFound(err):
		return "", &PublishError{Reason: "check existing tag", Err: err}
	}

	if err := remote.Write(target, img, remoteOpts...); err != nil {
		return "", &PublishError{Reason: "upload", Err: err}
	}

	p.logger.Info("published image",
		"ref", target.String(),
		"digest", pushDigest.String(),
		"size", datasize.ByteSize(info.Size()).HumanReadable(),
	)
	return pushDigest.String(), nil
}

// wrapArchive builds the single-layer OCI image carrying the archive. The
// archive is streamed from disk, never held in memory whole.
func wrapArchive(path string, ref *Reference, baseDigest string) (v1.Image, error) {
	layer, err := newArchiveLayer(path)
	if err != nil {
		return nil, err
	}

	img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, configMediaType)

	img, err = mutate.AppendLayers(img, layer)
	if err != nil {
		return nil, fmt.Errorf("append layer: %w", err)
	}

	annotated, ok := mutate.Annotations(img, map[string]string{
		ispec.AnnotationCreated:         time.Now().UTC().Format(time.RFC3339),
		ispec.AnnotationRefName:         ref.Tag(),
		ispec.AnnotationBaseImageDigest: baseDigest,
	}).(v1.Image)
	if !ok {
		return nil, errors.New("annotate image")
	}
	return annotated, nil
}

// archiveLayer is a v1.Layer backed by the archive file on disk. The blob
// is the file's raw bytes, so identical archives always push the same
// digest regardless of size.
type archiveLayer struct {
	path   string
	digest v1.Hash
	size   int64
}

func newArchiveLayer(path string) (*archiveLayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	hash, size, err := v1.SHA256(f)
	if err != nil {
		return nil, fmt.Errorf("digest archive: %w", err)
	}
	return &archiveLayer{path: path, digest: hash, size: size}, nil
}

func (l *archiveLayer) Digest() (v1.Hash, error) { return l.digest, nil }

func (l *archiveLayer) DiffID() (v1.Hash, error) { return l.digest, nil }

func (l *archiveLayer) Size() (int64, error) { return l.size, nil }

func (l *archiveLayer) MediaType() (types.MediaType, error) { return layerMediaType, nil }

func (l *archiveLayer) Compressed() (io.ReadCloser, error) { return os.Open(l.path) }

func (l *archiveLayer) Uncompressed() (io.ReadCloser, error) { return os.Open(l.path) }

func endpointAuth(endpoint *Remote) authn.Authenticator {
	if endpoint.Token != "" {
		return &authn.Bearer{Token: endpoint.Token}
	}
	return authn.Anonymous
}

func isNotFound(err error) bool {
	var terr *transport.Error
	return errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound
}

func hostFromURI(uri string) string {
	host := strings.TrimPrefix(uri, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimSuffix(host, "/")
}
