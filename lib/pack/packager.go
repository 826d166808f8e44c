package pack

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	pgzip "github.com/klauspost/pgzip"
	"github.com/opencontainers/go-digest"

	"github.com/capsulebuild/capsule/lib/sandbox"
)

// Package freezes a completed sandbox into an immutable capsule archive at
// outPath. The write is atomic: the archive is assembled at a temporary
// path and renamed into place only on success.
func Package(ctx context.Context, sb *sandbox.Sandbox, outPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	marker := filepath.Join(sb.Dir, sandbox.MetaDir, sandbox.CompleteMarker)
	if _, err := os.Stat(marker); err != nil {
		return &PackagingError{Reason: "sandbox incomplete", Err: sandbox.ErrIncomplete}
	}

	scratch, err := os.MkdirTemp(filepath.Dir(outPath), ".capsule-pack-")
	if err != nil {
		return &PackagingError{Reason: "create scratch dir", Err: err}
	}
	defer os.RemoveAll(scratch)

	// Compress the rootfs first; its digest has to be known before the
	// manifest can be written.
	rootfsPath := filepath.Join(scratch, "rootfs.tar.gz")
	rootfsDigest, rootfsSize, err := compressRootfs(ctx, sb.Dir, rootfsPath)
	if err != nil {
		return &PackagingError{Reason: "compress rootfs", Err: err}
	}

	defBytes, err := os.ReadFile(filepath.Join(sb.Dir, sandbox.MetaDir, sandbox.DefinitionFile))
	if err != nil {
		return &PackagingError{Reason: "read sandbox definition", Err: err}
	}

	metaBytes, err := json.MarshalIndent(sb.Meta, "", "  ")
	if err != nil {
		return &PackagingError{Reason: "marshal image metadata", Err: err}
	}

	manifest := &Manifest{
		Version:    FormatVersion,
		BaseRef:    sb.Meta.BaseRef,
		BaseDigest: sb.Meta.BaseDigest,
		CreatedAt:  time.Now().UTC(),
		Objects: []ObjectDescriptor{
			{ID: ObjectDefinition, Path: definitionEntry, Size: int64(len(defBytes)), Digest: digest.FromBytes(defBytes)},
			{ID: ObjectMetadata, Path: metadataEntry, Size: int64(len(metaBytes)), Digest: digest.FromBytes(metaBytes)},
			{ID: ObjectRootfs, Path: rootfsEntry, Size: rootfsSize, Digest: rootfsDigest},
		},
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return &PackagingError{Reason: "marshal manifest", Err: err}
	}

	tempPath := outPath + ".tmp"
	if err := writeArchive(ctx, tempPath, manifestBytes, defBytes, metaBytes, rootfsPath); err != nil {
		os.Remove(tempPath)
		return &PackagingError{Reason: "write archive", Err: err}
	}
	if err := os.Rename(tempPath, outPath); err != nil {
		os.Remove(tempPath)
		return &PackagingError{Reason: "rename archive", Err: err}
	}

	logger.Info("packaged image",
		"path", outPath,
		"rootfs_size", datasize.ByteSize(rootfsSize).HumanReadable(),
		"rootfs_digest", rootfsDigest.String(),
	)
	return nil
}

func writeArchive(ctx context.Context, path string, manifestBytes, defBytes, metaBytes []byte, rootfsPath string) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	now := time.Now().UTC()

	writeEntry := func(name string, data []byte) error {
		header := &tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write entry %s: %w", name, err)
		}
		return nil
	}

	// Manifest first, so readers can validate before touching payloads.
	if err := writeEntry(manifestEntry, manifestBytes); err != nil {
		return err
	}
	if err := writeEntry(definitionEntry, defBytes); err != nil {
		return err
	}
	if err := writeEntry(metadataEntry, metaBytes); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	rootfs, err := os.Open(rootfsPath)
	if err != nil {
		return fmt.Errorf("open rootfs blob: %w", err)
	}
	defer rootfs.Close()
	info, err := rootfs.Stat()
	if err != nil {
		return fmt.Errorf("stat rootfs blob: %w", err)
	}
	header := &tar.Header{
		Name:    rootfsEntry,
		Mode:    0644,
		Size:    info.Size(),
		ModTime: now,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write rootfs header: %w", err)
	}
	if _, err := io.Copy(tw, rootfs); err != nil {
		return fmt.Errorf("copy rootfs: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	return nil
}

// compressRootfs tars and gzips the sandbox tree, returning the digest and
// size of the compressed blob.
func compressRootfs(ctx context.Context, dir, outPath string) (digest.Digest, int64, error) {
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("create rootfs blob: %w", err)
	}
	defer out.Close()

	digester := digest.SHA256.Digester()
	counter := &countingWriter{}
	gz := pgzip.NewWriter(io.MultiWriter(out, digester.Hash(), counter))
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("readlink %s: %w", relative, err)
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			// Sockets, devices, and fifos do not belong in an image
			// archive.
			return nil
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("tar header %s: %w", relative, err)
		}
		header.Name = filepath.ToSlash(relative)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header %s: %w", relative, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", relative, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("copy %s: %w", relative, err)
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	if err := tw.Close(); err != nil {
		return "", 0, fmt.Errorf("finalize rootfs tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", 0, fmt.Errorf("finalize rootfs gzip: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync rootfs blob: %w", err)
	}

	return digester.Digest(), counter.n, nil
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
