package pack

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// Archive is a read handle on a capsule archive. Object payloads are
// streamed on demand; only the manifest and signatures are held in memory.
type Archive struct {
	Path     string
	Manifest *Manifest

	manifestBytes []byte
	signatures    map[string][]byte // key fingerprint -> armored signature
}

// Open reads the manifest and signature entries of the archive at p.
func Open(p string) (*Archive, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	archive := &Archive{
		Path:       p,
		signatures: map[string][]byte{},
	}

	tr := tar.NewReader(f)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotACapsule, err)
		}

		switch {
		case header.Name == manifestEntry:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			var manifest Manifest
			if err := json.Unmarshal(data, &manifest); err != nil {
				return nil, fmt.Errorf("%w: bad manifest: %v", ErrNotACapsule, err)
			}
			archive.Manifest = &manifest
			archive.manifestBytes = data

		case strings.HasPrefix(header.Name, signaturePrefix):
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read signature: %w", err)
			}
			fingerprint := strings.TrimSuffix(path.Base(header.Name), signatureEntryExt)
			archive.signatures[fingerprint] = data
		}
	}

	if archive.Manifest == nil {
		return nil, ErrNotACapsule
	}
	if archive.Manifest.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported archive version %d", archive.Manifest.Version)
	}
	return archive, nil
}

// ManifestBytes returns the manifest exactly as stored; these bytes are the
// message signatures are made over.
func (a *Archive) ManifestBytes() []byte {
	return a.manifestBytes
}

// Signatures returns the embedded signatures keyed by signer fingerprint. A
// published archive carries exactly one.
func (a *Archive) Signatures() map[string][]byte {
	return a.signatures
}

// ReadObject returns an object's full payload. Intended for the small
// objects; use OpenObject for the rootfs.
func (a *Archive) ReadObject(id string) ([]byte, error) {
	rc, _, err := a.OpenObject(id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// OpenObject returns a streaming reader over one object's payload and its
// stored size.
func (a *Archive) OpenObject(id string) (io.ReadCloser, int64, error) {
	desc := a.Manifest.Object(id)
	if desc == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}

	f, err := os.Open(a.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("open archive: %w", err)
	}

	tr := tar.NewReader(f)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("scan archive: %w", err)
		}
		if header.Name == desc.Path {
			return &objectReader{Reader: tr, file: f}, header.Size, nil
		}
	}

	f.Close()
	return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
}

type objectReader struct {
	io.Reader
	file *os.File
}

func (r *objectReader) Close() error { return r.file.Close() }

// ReplaceSignature rewrites the archive with a single signature entry,
// dropping any previous ones. The rewrite is atomic.
func ReplaceSignature(archivePath, fingerprint string, armored []byte) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	tempPath := archivePath + ".tmp"
	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	tr := tar.NewReader(in)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			os.Remove(tempPath)
			return fmt.Errorf("scan archive: %w", err)
		}
		if strings.HasPrefix(header.Name, signaturePrefix) {
			continue
		}
		if err := tw.WriteHeader(header); err != nil {
			os.Remove(tempPath)
			return fmt.Errorf("copy header %s: %w", header.Name, err)
		}
		if _, err := io.Copy(tw, tr); err != nil {
			os.Remove(tempPath)
			return fmt.Errorf("copy entry %s: %w", header.Name, err)
		}
	}

	sigHeader := &tar.Header{
		Name:    signaturePrefix + fingerprint + signatureEntryExt,
		Mode:    0644,
		Size:    int64(len(armored)),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(sigHeader); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write signature header: %w", err)
	}
	if _, err := tw.Write(armored); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write signature: %w", err)
	}
	if err := tw.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := out.Sync(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("sync archive: %w", err)
	}

	if err := os.Rename(tempPath, archivePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename archive: %w", err)
	}
	return nil
}
